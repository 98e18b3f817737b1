package domain

import (
	"context"
	"fmt"
	"strings"
)

// Escalation is the ordered list of privilege levels a host operation is attempted
// with. The first success wins; if every attempt fails the caller gets one
// *EscalationError carrying all of them.
type Escalation struct {
	Attempts []Privilege
}

// DefaultEscalation tries the operation as the agent user, then once more elevated.
func DefaultEscalation() Escalation {
	return Escalation{Attempts: []Privilege{Unprivileged, Elevated}}
}

// Do runs fn once per configured privilege level until one succeeds.
func (e Escalation) Do(ctx context.Context, op string, fn func(context.Context, Privilege) error) error {
	attempts := e.Attempts
	if len(attempts) == 0 {
		attempts = []Privilege{Unprivileged}
	}

	failure := &EscalationError{Op: op}
	for _, priv := range attempts {
		err := fn(ctx, priv)
		if err == nil {
			return nil
		}
		failure.Attempts = append(failure.Attempts, AttemptError{Privilege: priv, Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	return failure
}

// AttemptError is one failed attempt of an escalated operation.
type AttemptError struct {
	Privilege Privilege
	Err       error
}

// EscalationError is the single failure type of an Escalation.
type EscalationError struct {
	Op       string
	Attempts []AttemptError
}

func (e *EscalationError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Privilege, a.Err))
	}
	return fmt.Sprintf("%s failed (%s)", e.Op, strings.Join(parts, "; "))
}

func (e *EscalationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}
