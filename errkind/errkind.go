// Package errkind gives every pipeline error a small typed classification
// (config-invalid, transport, protocol, data-missing, storage,
// policy-violation) so the orchestrator's structured log lines and the
// pipeline-run ledger can name the kind of failure without each caller
// hand-rolling string matching. Wrapping stays on plain
// fmt.Errorf("...: %w", err) semantics; no new error library is introduced.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	ConfigInvalid    Kind = "config-invalid"
	Transport        Kind = "transport"
	Protocol         Kind = "protocol"
	DataMissing      Kind = "data-missing"
	Storage          Kind = "storage"
	PolicyViolation  Kind = "policy-violation"
)

// kindError wraps an error with its classification, so errors.As can
// recover the Kind at a pipeline boundary without string-matching.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

// Wrap classifies err as kind, unless it is already classified; the
// boundary that first classifies an error wins.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var existing *kindError
	if errors.As(err, &existing) {
		return err
	}
	return &kindError{kind: kind, err: err}
}

// Of returns the classification attached to err, or "" if err was never
// wrapped by this package.
func Of(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return ""
}
