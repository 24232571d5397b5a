package httpplane

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sanitizeFileName takes the final path component only, and rejects names
// containing NUL or a leading dot.
func sanitizeFileName(name string) (string, error) {
	base := filepath.Base(name)

	if base == "" || base == "." || base == string(filepath.Separator) {
		return "", ErrInvalidFileName
	}

	if strings.ContainsRune(base, 0) {
		return "", ErrInvalidFileName
	}

	if strings.HasPrefix(base, ".") {
		return "", ErrInvalidFileName
	}

	return base, nil
}

// resolveDestination returns a path under downloadDir for fileName,
// appending "-N" before the extension on collision with an existing file,
// where N is the smallest positive integer that avoids collision.
func resolveDestination(downloadDir, fileName string) (string, error) {
	clean, err := sanitizeFileName(fileName)
	if err != nil {
		return "", err
	}

	candidate := filepath.Join(downloadDir, clean)
	if !pathExists(candidate) {
		return candidate, nil
	}

	ext := filepath.Ext(clean)
	stem := strings.TrimSuffix(clean, ext)

	for n := 1; ; n++ {
		renamed := fmt.Sprintf("%s-%d%s", stem, n, ext)
		candidate = filepath.Join(downloadDir, renamed)
		if !pathExists(candidate) {
			return candidate, nil
		}
	}
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// createFile creates dest for writing, including any missing parent
// directories, truncating any existing file at that exact path (collision
// avoidance already happened in resolveDestination).
func createFile(dest string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, err
	}

	return os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}
