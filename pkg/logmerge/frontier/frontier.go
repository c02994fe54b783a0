// Package frontier holds the pending head record of every active source,
// ordered by date.
package frontier

import (
	"container/heap"

	"github.com/olif/logmerge/pkg/logmerge"
	"github.com/olif/logmerge/pkg/logmerge/record"
)

// Candidate is a record waiting to be emitted together with the index of the
// source it came from
type Candidate struct {
	Record *record.Record
	Source int
}

type item struct {
	Candidate
	seq uint64
}

type items []item

func (h items) Len() int {
	return len(h)
}

// Less orders by date, then by lower source index, then by insertion order
func (h items) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.Record.Date().Equal(b.Record.Date()) {
		return a.Record.Before(b.Record)
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.seq < b.seq
}

func (h items) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *items) Push(x interface{}) {
	*h = append(*h, x.(item))
}

func (h *items) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}

// Frontier is a min-heap of candidates. It must only be used from one
// goroutine at a time.
type Frontier struct {
	heap    items
	holding map[int]int
	seq     uint64
}

// New returns an empty frontier sized for the given number of sources
func New(capacity int) *Frontier {
	return &Frontier{
		heap:    make(items, 0, capacity),
		holding: make(map[int]int, capacity),
	}
}

// Insert adds the candidate
func (f *Frontier) Insert(c Candidate) {
	f.seq++
	heap.Push(&f.heap, item{Candidate: c, seq: f.seq})
	f.holding[c.Source]++
}

// RemoveMin removes and returns the candidate with the earliest record, or
// logmerge.ErrEmptyFrontier
func (f *Frontier) RemoveMin() (Candidate, error) {
	if f.IsEmpty() {
		return Candidate{}, logmerge.ErrEmptyFrontier
	}

	it := heap.Pop(&f.heap).(item)
	if f.holding[it.Source]--; f.holding[it.Source] == 0 {
		delete(f.holding, it.Source)
	}
	return it.Candidate, nil
}

// Peek returns the candidate RemoveMin would return without removing it
func (f *Frontier) Peek() (Candidate, error) {
	if f.IsEmpty() {
		return Candidate{}, logmerge.ErrEmptyFrontier
	}
	return f.heap[0].Candidate, nil
}

// IsEmpty reports whether no candidates are held
func (f *Frontier) IsEmpty() bool {
	return len(f.heap) == 0
}

// Len returns the number of held candidates
func (f *Frontier) Len() int {
	return len(f.heap)
}

// Holds returns the number of candidates held for the source
func (f *Frontier) Holds(source int) int {
	return f.holding[source]
}
