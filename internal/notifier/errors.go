package notifier

import (
	"errors"
	"fmt"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")

	// ErrInvalidRequest is returned synchronously for requests that can never be sent.
	ErrInvalidRequest = errors.New("invalid alert request")

	ErrUnknownTemplate  = errors.New("unknown template")
	ErrMissingParameter = errors.New("missing template parameter")

	// ErrConfiguration means credentials or endpoint are missing/invalid. Never retried.
	ErrConfiguration = errors.New("mail transport not configured")
	// ErrAuthentication means the server rejected our credentials. Never retried.
	ErrAuthentication = errors.New("smtp authentication failed")

	ErrPoolClosed = errors.New("connection pool closed")

	// ErrTransportPanic wraps a panic raised inside a Dialer or Conn. Never retried.
	ErrTransportPanic = errors.New("mail transport panicked")
)

// TemplateError reports a template lookup or substitution failure.
// It wraps ErrUnknownTemplate or ErrMissingParameter.
type TemplateError struct {
	Template string
	Param    string
	Err      error
}

func (e *TemplateError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("template %q: %v %q", e.Template, e.Err, e.Param)
	}
	return fmt.Sprintf("template %q: %v", e.Template, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Permanent marks an error as non-retryable.
//
// Transports wrap failures that cannot succeed on retry (bad credentials,
// misconfiguration) so the retry controller stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent or is a known terminal class.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrConfiguration)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Classify maps a single attempt's error to its attempt outcome.
func Classify(err error) AttemptOutcome {
	switch {
	case err == nil:
		return AttemptSuccess
	case IsPermanent(err):
		return AttemptTerminal
	default:
		return AttemptRetryable
	}
}
