package volume

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDimensions indicates a descriptor outside the supported bounds.
	ErrInvalidDimensions = errors.New("invalid volume dimensions")
	// ErrOutOfRange indicates a voxel coordinate or chunk index outside the volume.
	ErrOutOfRange = errors.New("out of range")
	// ErrIO indicates a file creation, mapping, or stream failure.
	ErrIO = errors.New("volume i/o error")
	// ErrIncompleteChunk indicates a chunk stream ended early. Readers recover
	// by zero-padding, so this only appears in log entries.
	ErrIncompleteChunk = errors.New("incomplete chunk")
	// ErrReleased indicates use of a volume after Release.
	ErrReleased = errors.New("volume backing released")
)

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// UnitError is the failure of one unit (slice, chunk) of a bulk operation.
type UnitError struct {
	Unit  string
	Index int
	Err   error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s %d: %v", e.Unit, e.Index, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// AggregateError reports every failed unit of a bulk operation rather than
// only the first.
type AggregateError struct {
	Op       string
	Total    int
	Failures []*UnitError
}

// NewAggregateError returns nil when failures is empty.
func NewAggregateError(op string, total int, failures []*UnitError) error {
	if len(failures) == 0 {
		return nil
	}
	return &AggregateError{Op: op, Total: total, Failures: failures}
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d of %d units failed", e.Op, len(e.Failures), e.Total)
	for i, f := range e.Failures {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(f.Error())
	}
	return b.String()
}

// Unwrap exposes every failure to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Indices returns the failed unit indices in report order.
func (e *AggregateError) Indices() []int {
	idx := make([]int, len(e.Failures))
	for i, f := range e.Failures {
		idx[i] = f.Index
	}
	return idx
}
