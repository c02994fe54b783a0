package logmerge

import (
	"context"
	"errors"
	"fmt"

	"github.com/olif/logmerge/pkg/logmerge/record"
)

// ErrEmptyFrontier is returned when the smallest candidate is requested from
// an empty frontier. The merge engine never does this, seeing it means a bug.
var ErrEmptyFrontier = errors.New("frontier is empty")

// Source produces records in ascending date order
type Source interface {
	// Pop returns the next record and advances the source past it. It returns
	// io.EOF once the source is exhausted, a record returned together with
	// io.EOF is the last one. A nil record with a nil error also marks the
	// source exhausted. Any other error is a failure of the source.
	Pop() (*record.Record, error)
}

// AsyncSource is a Source whose fetches may take a while, e.g. network or
// disk backed sources. PopAsync blocks until the next record is available,
// the source is exhausted (io.EOF) or ctx is done.
type AsyncSource interface {
	PopAsync(ctx context.Context) (*record.Record, error)
}

// Sink receives the merged records
type Sink interface {
	// Print is called once per record in ascending date order
	Print(r *record.Record) error
	// Done is called once after the last Print
	Done() error
}

// SourceError wraps the error returned by a failing source
type SourceError struct {
	Source int
	Err    error
}

// NewSourceError returns a new error for the source with the given index
func NewSourceError(source int, err error) error {
	return &SourceError{Source: source, Err: err}
}

func (s *SourceError) Error() string {
	return fmt.Sprintf("source %d failed: %s", s.Source, s.Err)
}

func (s *SourceError) Unwrap() error {
	return s.Err
}

// SinkError wraps the error returned by a failing sink operation
type SinkError struct {
	Op  string
	Err error
}

// NewSinkError returns a new error for the given sink operation
func NewSinkError(op string, err error) error {
	return &SinkError{Op: op, Err: err}
}

func (s *SinkError) Error() string {
	return fmt.Sprintf("sink %s failed: %s", s.Op, s.Err)
}

func (s *SinkError) Unwrap() error {
	return s.Err
}

// IsSourceError returns true if the error, or any of the wrapped errors
// is of type SourceError
func IsSourceError(err error) bool {
	var sourceError *SourceError
	return errors.As(err, &sourceError)
}

// IsSinkError returns true if the error, or any of the wrapped errors
// is of type SinkError
func IsSinkError(err error) bool {
	var sinkError *SinkError
	return errors.As(err, &sinkError)
}
