package genome

import (
	"fmt"

	"hwevolve/internal/model"
)

// EncodingError reports a value or header that cannot be represented in, or
// read from, the fixed-width buffer format.
type EncodingError struct {
	Reason string
	// Index is the offending parameter index, or -1 when the error concerns
	// the header.
	Index int
	Value float64
}

func (e *EncodingError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("encoding: param %d value %g: %s", e.Index, e.Value, e.Reason)
	}
	return "encoding: " + e.Reason
}

func headerError(format string, args ...any) *EncodingError {
	return &EncodingError{Reason: fmt.Sprintf(format, args...), Index: -1}
}

// TopologyMismatchError reports a genome or input vector whose shape
// disagrees with the declared topology.
type TopologyMismatchError struct {
	Want   model.Topology
	Got    model.Topology
	Detail string
}

func (e *TopologyMismatchError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("topology mismatch (want %s, got %s): %s", e.Want, e.Got, e.Detail)
	}
	return fmt.Sprintf("topology mismatch: want %s, got %s", e.Want, e.Got)
}
