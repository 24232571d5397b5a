package httpplane

import "errors"

// Sentinel errors for httpplane operations.
var (
	// ErrInvalidFileName indicates a fileName failed sanitization.
	ErrInvalidFileName = errors.New("httpplane: invalid file name")

	// ErrMissingFingerprint indicates a /register payload had no fingerprint.
	ErrMissingFingerprint = errors.New("httpplane: device info missing fingerprint")
)
