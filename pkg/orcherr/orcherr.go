// Package orcherr implements the control plane's error taxonomy: a small set
// of tagged kinds that let callers react differently to a validation failure,
// a transient runtime error, a partially-started pod, a failed rollout, a
// detected store/runtime divergence, or a fatal startup error, without
// resorting to string matching on error messages.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of control-loop recovery.
type Kind string

const (
	// Validation errors surface a rejected manifest; the file is left on disk
	// and no store mutation occurs.
	Validation Kind = "validation"
	// Transient errors come from a runtime operation (start/stop/inspect) that
	// is expected to be retried on the next control loop tick.
	Transient Kind = "transient"
	// PartialPod marks a pod where some containers started and some did not.
	PartialPod Kind = "partial_pod"
	// RolloutFailed marks an aborted rolling update, leaving the service in a
	// mixed-image state.
	RolloutFailed Kind = "rollout_failed"
	// InvariantViolation marks a detected divergence between a store and the
	// runtime's actual state.
	InvariantViolation Kind = "invariant_violation"
	// Fatal errors abort process startup; nothing recovers from these.
	Fatal Kind = "fatal"
)

// Error wraps an underlying error with a Kind plus the service/container it
// pertains to, so structured logging and control-loop branching can use
// stable fields instead of parsing messages.
type Error struct {
	Kind      Kind
	Service   string
	Container string
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Container != "":
		return fmt.Sprintf("%s: service=%s container=%s: %v", e.Kind, e.Service, e.Container, e.Err)
	case e.Service != "":
		return fmt.Sprintf("%s: service=%s: %v", e.Kind, e.Service, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a tagged Error. container may be empty when the error is not
// container-scoped.
func New(kind Kind, service, container string, err error) *Error {
	return &Error{Kind: kind, Service: service, Container: container, Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is an *Error,
// and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind anywhere in its wrap chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
