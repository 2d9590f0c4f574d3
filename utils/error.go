package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrKind classifies failures the way callers need to react to them:
// NETWORK is retried with backoff, CONFLICT and PERMISSION_DENIED are surfaced
// to the user, MAX_DEVICES_REACHED drives the read-only UI gate and auto-clears,
// NOT_FOUND asks the user to refresh and retry.
type ErrKind string

const (
	KindNetwork           ErrKind = "NETWORK"
	KindConflict          ErrKind = "CONFLICT"
	KindPermissionDenied  ErrKind = "PERMISSION_DENIED"
	KindMaxDevicesReached ErrKind = "MAX_DEVICES_REACHED"
	KindNotFound          ErrKind = "NOT_FOUND"
	KindInvalid           ErrKind = "INVALID"
)

type KindError struct {
	ErrKind ErrKind
	Err     error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.ErrKind)
	}
	return fmt.Sprintf("%s: %v", e.ErrKind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// WrapKind attaches a kind to an underlying cause. A nil cause yields a bare
// kind error so callers can always return WrapKind(...) directly.
func WrapKind(kind ErrKind, err error) error {
	return &KindError{ErrKind: kind, Err: err}
}

func Errorf(kind ErrKind, format string, args ...any) error {
	return &KindError{ErrKind: kind, Err: fmt.Errorf(format, args...)}
}

// Kind extracts the classification from err, walking the wrap chain.
// Returns "" for unclassified errors.
func Kind(err error) ErrKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.ErrKind
	}
	if errors.Is(err, ErrorRecordNotFound) {
		return KindNotFound
	}
	return ""
}

func IsKind(err error, kind ErrKind) bool {
	return Kind(err) == kind
}
