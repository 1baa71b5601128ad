package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for the reconciler, which is the sole decision
// point on retry vs. escalation.
type Kind int

const (
	// Unknown is the zero Kind; untagged errors report it.
	Unknown Kind = iota
	// ConfigInvalid marks unrecoverable configuration errors found at startup.
	ConfigInvalid
	// TransientIO marks network and I/O failures that back off and retry.
	TransientIO
	// RecipeFailed marks recipe staging, execution, or parse failures.
	RecipeFailed
	// OrchestratorRejected marks 4xx responses from the orchestrator API.
	OrchestratorRejected
	// NotificationFailed marks webhook delivery failures; never fails a cycle.
	NotificationFailed
	// Cancelled marks shutdown-driven unwinding; state must not be mutated.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case ConfigInvalid:
		return "config_invalid"
	case TransientIO:
		return "transient_io"
	case RecipeFailed:
		return "recipe_failed"
	case OrchestratorRejected:
		return "orchestrator_rejected"
	case NotificationFailed:
		return "notification_failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Error tags an underlying error with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err with kind. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a tagged error from a format string.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind of err. Context cancellation maps to Cancelled and
// deadline expiry to TransientIO, so no caller has to special-case them.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientIO
	}
	return Unknown
}

// IsRetryable reports whether the reconciler should back off and retry after
// err rather than treat it as terminal.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case TransientIO, RecipeFailed, OrchestratorRejected, Unknown:
		return true
	}
	return false
}
