// Package source contains ready made record sources: in-memory, synthetic
// and file backed.
package source

import (
	"context"
	"errors"
	"io"

	"go.uber.org/atomic"

	"github.com/olif/logmerge/pkg/logmerge/record"
)

// ErrQueriedAfterExhaustion is returned by sources that were asked for a
// record after they had already reported io.EOF
var ErrQueriedAfterExhaustion = errors.New("source queried after exhaustion")

// Slice serves records from memory. It is safe to inspect its counters from
// other goroutines while it is being consumed.
type Slice struct {
	records []*record.Record
	pos     int

	failAt  int64
	failErr error

	pops      atomic.Int64
	exhausted atomic.Bool
}

// NewSlice returns a source serving the records in the given order
func NewSlice(records ...*record.Record) *Slice {
	return &Slice{records: records}
}

// FailAt makes the n:th call to Pop (1-based) fail with err
func (s *Slice) FailAt(n int, err error) *Slice {
	s.failAt = int64(n)
	s.failErr = err
	return s
}

// Pop returns the next record or io.EOF
func (s *Slice) Pop() (*record.Record, error) {
	n := s.pops.Inc()
	if s.exhausted.Load() {
		return nil, ErrQueriedAfterExhaustion
	}

	if n == s.failAt {
		return nil, s.failErr
	}

	if s.pos == len(s.records) {
		s.exhausted.Store(true)
		return nil, io.EOF
	}

	r := s.records[s.pos]
	s.pos++
	return r, nil
}

// PopAsync is Pop honouring ctx
func (s *Slice) PopAsync(ctx context.Context) (*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Pop()
}

// Pops returns the number of requests made so far
func (s *Slice) Pops() int {
	return int(s.pops.Load())
}

// Exhausted reports whether the source has returned io.EOF
func (s *Slice) Exhausted() bool {
	return s.exhausted.Load()
}
