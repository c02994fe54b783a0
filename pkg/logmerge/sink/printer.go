// Package sink contains destinations for merged records.
package sink

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/olif/logmerge/pkg/logmerge/record"
)

// ErrDone is returned when a sink is used after Done was called
var ErrDone = errors.New("sink is done")

// Stats summarizes what a Printer has seen
type Stats struct {
	Records    int
	OutOfOrder int
	Elapsed    time.Duration
}

// RecordsPerSecond returns the print rate
func (s Stats) RecordsPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Records) / s.Elapsed.Seconds()
}

// PrinterConfig contains the configuration properties for the printer
type PrinterConfig struct {
	// TimeFormat used for the record date, defaults to time.RFC3339Nano
	TimeFormat string
	Logger     log.Logger
}

// Printer writes one line per record and keeps track of the print order. On
// Done it logs a summary of the run.
type Printer struct {
	w          io.Writer
	timeFormat string
	logger     log.Logger

	last  *record.Record
	stats Stats
	start time.Time
	done  bool
}

// NewPrinter returns a new printer writing to w
func NewPrinter(w io.Writer, config PrinterConfig) *Printer {
	var (
		timeFormat = time.RFC3339Nano
		logger     = log.NewNopLogger()
	)

	if config.TimeFormat != "" {
		timeFormat = config.TimeFormat
	}

	if config.Logger != nil {
		logger = config.Logger
	}

	return &Printer{
		w:          w,
		timeFormat: timeFormat,
		logger:     logger,
	}
}

// Print writes the record
func (p *Printer) Print(r *record.Record) error {
	if p.done {
		return ErrDone
	}

	if p.stats.Records == 0 {
		p.start = time.Now()
	}

	if p.last != nil && r.Before(p.last) {
		p.stats.OutOfOrder++
		level.Warn(p.logger).Log("msg", "record printed out of order",
			"date", r.Date().Format(p.timeFormat), "previous", p.last.Date().Format(p.timeFormat))
	}

	if _, err := fmt.Fprintf(p.w, "%s %s\n", r.Date().Format(p.timeFormat), r.Msg()); err != nil {
		return err
	}

	p.last = r
	p.stats.Records++
	return nil
}

// Done logs the run statistics
func (p *Printer) Done() error {
	if p.done {
		return ErrDone
	}
	p.done = true

	if p.stats.Records > 0 {
		p.stats.Elapsed = time.Since(p.start)
	}

	level.Info(p.logger).Log(
		"msg", "printing complete",
		"records", humanize.Comma(int64(p.stats.Records)),
		"elapsed", p.stats.Elapsed,
		"records_per_second", humanize.CommafWithDigits(p.stats.RecordsPerSecond(), 2),
		"out_of_order", p.stats.OutOfOrder,
	)
	return nil
}

// Stats returns the statistics gathered so far
func (p *Printer) Stats() Stats {
	return p.stats
}
