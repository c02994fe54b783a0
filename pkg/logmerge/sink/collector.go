package sink

import (
	"time"

	"github.com/olif/logmerge/pkg/logmerge/record"
)

// Collector keeps every printed record in memory. A failure can be injected
// into either operation.
type Collector struct {
	Records   []*record.Record
	DoneCalls int
	// PrintsBeforeDone is the number of records printed when Done was
	// first called, -1 until then
	PrintsBeforeDone int

	failPrintAt int
	printErr    error
	doneErr     error
}

// NewCollector returns an empty collector
func NewCollector() *Collector {
	return &Collector{PrintsBeforeDone: -1}
}

// FailPrintAt makes the n:th call to Print (1-based) fail with err
func (c *Collector) FailPrintAt(n int, err error) *Collector {
	c.failPrintAt = n
	c.printErr = err
	return c
}

// FailDone makes Done fail with err
func (c *Collector) FailDone(err error) *Collector {
	c.doneErr = err
	return c
}

// Print stores the record
func (c *Collector) Print(r *record.Record) error {
	if c.failPrintAt > 0 && len(c.Records)+1 == c.failPrintAt {
		return c.printErr
	}
	c.Records = append(c.Records, r)
	return nil
}

// Done counts the call
func (c *Collector) Done() error {
	if c.DoneCalls == 0 {
		c.PrintsBeforeDone = len(c.Records)
	}
	c.DoneCalls++
	return c.doneErr
}

// Dates returns the dates of the collected records in print order
func (c *Collector) Dates() []time.Time {
	dates := make([]time.Time, len(c.Records))
	for i, r := range c.Records {
		dates[i] = r.Date()
	}
	return dates
}

// Msgs returns the messages of the collected records in print order
func (c *Collector) Msgs() []string {
	msgs := make([]string, len(c.Records))
	for i, r := range c.Records {
		msgs[i] = r.Msg()
	}
	return msgs
}
