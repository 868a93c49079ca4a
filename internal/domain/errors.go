package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindConfigMissing ErrorKind = "CONFIG_MISSING"
	KindDownload      ErrorKind = "DOWNLOAD_FAILURE"
	KindTranscode     ErrorKind = "TRANSCODE_FAILURE"
	KindTranscription ErrorKind = "TRANSCRIPTION_FAILURE"
	KindCompletion    ErrorKind = "COMPLETION_FAILURE"
	KindOversize      ErrorKind = "OVERSIZE_INPUT"
	KindSession       ErrorKind = "SESSION_UNAVAILABLE"
)

// Error is a classified failure. Everything except KindConfigMissing is
// recoverable and reported to the user who triggered it.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// IsKind reports whether any error in err's chain is an *Error of kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}
