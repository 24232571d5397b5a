package transfer

import "errors"

// Sentinel errors for transfer package operations.
var (
	// ErrEmptyOffer indicates a TransferOffer carried no files.
	ErrEmptyOffer = errors.New("transfer: offer has no files")

	// ErrFileIDMismatch indicates a FileMetadata's ID does not match its
	// key in the offer's Files map.
	ErrFileIDMismatch = errors.New("transfer: file id does not match map key")

	// ErrNegativeFileSize indicates a FileMetadata declared a negative size.
	ErrNegativeFileSize = errors.New("transfer: file size must be non-negative")

	// ErrSessionNotFound indicates no session exists for the given sessionId.
	ErrSessionNotFound = errors.New("transfer: session not found")

	// ErrDuplicateSession indicates a session already exists for the given
	// sessionId (should never happen given uuid-derived IDs).
	ErrDuplicateSession = errors.New("transfer: duplicate session id")

	// ErrUnknownFile indicates a /send referenced a fileId not present in
	// the session's offer.
	ErrUnknownFile = errors.New("transfer: unknown file id for session")

	// ErrSessionTerminal indicates an operation was attempted against a
	// session already in a terminal state.
	ErrSessionTerminal = errors.New("transfer: session is in a terminal state")

	// ErrSizeMismatch indicates the bytes received for a file did not
	// equal its declared size.
	ErrSizeMismatch = errors.New("transfer: received byte count does not match declared size")
)
