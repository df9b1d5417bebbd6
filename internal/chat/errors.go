package chat

import (
	"errors"
	"fmt"
)

// ValidationError reports input rejected before any state change.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

var (
	// ErrEmptyMessage rejects an ask request whose message is blank.
	ErrEmptyMessage = &ValidationError{Msg: "message must not be empty"}
	// ErrEmptyQuery rejects a blank search query.
	ErrEmptyQuery = &ValidationError{Msg: "search query must not be empty"}
	// ErrNoFile rejects an upload without a file name.
	ErrNoFile = &ValidationError{Msg: "no file selected"}
)

// ErrClientGone marks a turn abandoned because the client disconnected.
var ErrClientGone = errors.New("client disconnected")

// UpstreamError wraps a provider failure.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// errIncompleteStream is reported when the provider closes its stream
// without signalling completion.
var errIncompleteStream = errors.New("stream ended without completion")

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
