// Package failure defines the typed error kinds surfaced by the resolution
// and extraction pipeline.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	Unknown Kind = iota
	InvalidURL
	UnsupportedPlatform
	InvalidIdentifier
	UpstreamUnavailable
	UpstreamRejected
	UpstreamShapeError
	NoStreamsFound
	TranscodeInitError
	TranscodeRuntimeError
	EngineBusy
)

func (k Kind) String() string {
	switch k {
	case InvalidURL:
		return "InvalidUrl"
	case UnsupportedPlatform:
		return "UnsupportedPlatform"
	case InvalidIdentifier:
		return "InvalidIdentifier"
	case UpstreamUnavailable:
		return "UpstreamUnavailable"
	case UpstreamRejected:
		return "UpstreamRejected"
	case UpstreamShapeError:
		return "UpstreamShapeError"
	case NoStreamsFound:
		return "NoStreamsFound"
	case TranscodeInitError:
		return "TranscodeInitError"
	case TranscodeRuntimeError:
		return "TranscodeRuntimeError"
	case EngineBusy:
		return "EngineBusy"
	default:
		return "Unknown"
	}
}

// Retryable reports whether an operation failing with this kind may be retried.
// Only transport-level trouble qualifies.
func (k Kind) Retryable() bool {
	return k == UpstreamUnavailable
}

// genericMessage is shown when no upstream-provided message is available.
func (k Kind) genericMessage() string {
	switch k {
	case InvalidURL:
		return "invalid URL"
	case UnsupportedPlatform:
		return "unsupported platform"
	case InvalidIdentifier:
		return "no content identifier found in URL"
	case UpstreamUnavailable:
		return "upstream unavailable"
	case UpstreamRejected:
		return "upstream rejected the request"
	case UpstreamShapeError:
		return "unexpected upstream response"
	case NoStreamsFound:
		return "no streams found"
	case TranscodeInitError:
		return "failed to load transcoder"
	case TranscodeRuntimeError:
		return "transcoding failed"
	case EngineBusy:
		return "transcoder is busy"
	default:
		return "unknown error"
	}
}

// Error is a pipeline failure with a kind and a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.genericMessage()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// New returns an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf returns an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a retryable pipeline failure.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// Message returns the user-facing message for err: the upstream-provided text
// when there is one, the kind's generic text otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Message != "" {
			return fe.Message
		}
		return fe.Kind.genericMessage()
	}
	return err.Error()
}
