// Package chainerr defines the typed error taxonomy shared across the
// mempool, consensus, execution, and storage layers so callers can branch on
// Kind instead of parsing error strings.
package chainerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed. See spec §7 for the canonical
// list; each Kind maps to a family of recoverable vs. fatal behavior at the
// call site, not to a specific Go type.
type Kind string

const (
	InvalidInput      Kind = "invalid_input"
	Unauthorized      Kind = "unauthorized"
	NotFound          Kind = "not_found"
	AlreadyExists     Kind = "already_exists"
	ResourceExhausted Kind = "resource_exhausted"
	Stale             Kind = "stale"
	ConsensusProtocol Kind = "consensus_protocol_error"
	Execution         Kind = "execution_error"
	Storage           Kind = "storage_error"
	Network           Kind = "network_error"
	Internal          Kind = "internal"
	// OutOfCycles marks a transaction whose aggregate cycle usage across its
	// whole call tree exceeded its declared cycles_limit (spec §4.4).
	OutOfCycles Kind = "out_of_cycles"
)

// Error wraps an underlying cause with a Kind and an operation label.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a Kind-tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal when err does not
// carry one.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Internal
}
