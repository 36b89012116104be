// ABOUTME: Sentinel errors returned by the generation engine
// ABOUTME: Mapped to HTTP status codes at the transport layer

package generation

import "errors"

var (
	// ErrNotFound means the generation or conversation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAccessDenied means the caller does not own the conversation.
	ErrAccessDenied = errors.New("access denied")

	// ErrConflict means the conversation already has an active generation,
	// or the requested transition is not legal from the current status.
	ErrConflict = errors.New("conflict")

	// ErrInvalidRequest means the request was malformed (empty content,
	// unknown decision value, and so on).
	ErrInvalidRequest = errors.New("invalid request")
)
