package model

import (
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes the error modes the engine and adapter need to branch on,
// independent of the underlying Go error's message or type.
type Kind string

const (
	KindConfigError         Kind = "CONFIG_ERROR"
	KindUnsupportedChecksum Kind = "UNSUPPORTED_CHECKSUM"
	KindDownloadError       Kind = "DOWNLOAD_ERROR"
	KindChecksumMismatch    Kind = "CHECKSUM_MISMATCH"
	KindUnsafeArchive       Kind = "UNSAFE_ARCHIVE"
	KindEmptyArchive        Kind = "EMPTY_ARCHIVE"
	KindUnsupportedArchive  Kind = "UNSUPPORTED_ARCHIVE"
	KindInvalidReleaseSpec  Kind = "INVALID_RELEASE_SPEC"
	KindStartFailure        Kind = "START_FAILURE"
	KindStartGraceExit      Kind = "START_GRACE_EXIT"
	KindStopTimeout         Kind = "STOP_TIMEOUT"
	KindStatePersistError   Kind = "STATE_PERSIST_ERROR"
)

// Error carries a distinguishable failure Kind alongside the wrapped cause, so
// callers can branch with errors.As without parsing messages.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return string(e.Kind)
	}
	msg := strings.TrimSpace(e.Err.Error())
	if e.Op == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Wrap builds an *Error of the given kind. op names the sub-step that failed
// (e.g. "download", "extract") for operator-facing messages; it may be empty.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: strings.TrimSpace(op), Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is an *Error,
// and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind, true
	}
	return "", false
}
