package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can react without string matching.
type Kind string

const (
	MalformedChallenge  Kind = "MALFORMED_CHALLENGE"
	ExpiredChallenge    Kind = "EXPIRED_CHALLENGE"
	UnknownTopic        Kind = "UNKNOWN_TOPIC"
	UnknownIssuer       Kind = "UNKNOWN_ISSUER"
	UnknownSubject      Kind = "UNKNOWN_SUBJECT"
	NotEnrolled         Kind = "NOT_ENROLLED"
	MalformedRequest    Kind = "MALFORMED_REQUEST"
	NoFaceDetected      Kind = "NO_FACE_DETECTED"
	FaceMismatch        Kind = "FACE_MISMATCH"
	LivenessNotVerified Kind = "LIVENESS_NOT_VERIFIED"
	AlreadyMarked       Kind = "ALREADY_MARKED"
	StorageContention   Kind = "STORAGE_CONTENTION"
	StorageUnavailable  Kind = "STORAGE_UNAVAILABLE"
	NotFound            Kind = "NOT_FOUND"
	Internal            Kind = "INTERNAL"
)

// Error carries a Kind, a human readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf returns the message of the first *Error in the chain, or err.Error().
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// Sentinels for errors.Is.
var (
	ErrMalformedChallenge  = &Error{Kind: MalformedChallenge}
	ErrExpiredChallenge    = &Error{Kind: ExpiredChallenge}
	ErrUnknownTopic        = &Error{Kind: UnknownTopic}
	ErrUnknownIssuer       = &Error{Kind: UnknownIssuer}
	ErrUnknownSubject      = &Error{Kind: UnknownSubject}
	ErrNotEnrolled         = &Error{Kind: NotEnrolled}
	ErrMalformedRequest    = &Error{Kind: MalformedRequest}
	ErrNoFaceDetected      = &Error{Kind: NoFaceDetected}
	ErrFaceMismatch        = &Error{Kind: FaceMismatch}
	ErrLivenessNotVerified = &Error{Kind: LivenessNotVerified}
	ErrAlreadyMarked       = &Error{Kind: AlreadyMarked}
	ErrStorageContention   = &Error{Kind: StorageContention}
	ErrStorageUnavailable  = &Error{Kind: StorageUnavailable}
	ErrNotFound            = &Error{Kind: NotFound}
)
