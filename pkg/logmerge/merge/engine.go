// Package merge interleaves independently sorted sources into one
// chronologically ordered stream.
//
// A run keeps at most one pending record per source in a frontier. It
// repeatedly hands the earliest pending record to the sink and refills the
// slot from the source that produced it, until every source is exhausted.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/olif/logmerge/pkg/logmerge"
	"github.com/olif/logmerge/pkg/logmerge/frontier"
	"github.com/olif/logmerge/pkg/logmerge/record"
)

const (
	modeSequential = "sequential"
	modeConcurrent = "concurrent"

	defaultDoneOnFailure = false
)

// Config contains the configuration properties for the merge engine
type Config struct {
	// Logger defaults to a no-op logger
	Logger log.Logger
	// Registerer receives the engine metrics. Metrics are not registered
	// if nil.
	Registerer prometheus.Registerer
	// SeedConcurrency limits how many first-record requests a concurrent
	// run has in flight. Defaults to the number of sources.
	SeedConcurrency *int
	// DoneOnFailure makes a failed run still call Done on the sink. By
	// default an aborted run never signals Done.
	DoneOnFailure *bool
}

// Engine runs merges. An engine may run any number of merges, each with its
// own frontier.
type Engine struct {
	logger          log.Logger
	metrics         *metrics
	seedConcurrency int
	doneOnFailure   bool

	// observe is called on every state transition
	observe func(State)
}

// NewEngine returns a new merge engine
func NewEngine(config Config) *Engine {
	var (
		logger          = log.NewNopLogger()
		seedConcurrency = 0
		doneOnFailure   = defaultDoneOnFailure
	)

	if config.Logger != nil {
		logger = config.Logger
	}

	if config.SeedConcurrency != nil {
		seedConcurrency = *config.SeedConcurrency
	}

	if config.DoneOnFailure != nil {
		doneOnFailure = *config.DoneOnFailure
	}

	return &Engine{
		logger:          logger,
		metrics:         newMetrics(config.Registerer),
		seedConcurrency: seedConcurrency,
		doneOnFailure:   doneOnFailure,
	}
}

// Sequential merges the sources into sink, querying one source at a time in
// index order. It returns once Done has been called on the sink, or with the
// first error raised by a source or the sink.
func (e *Engine) Sequential(ctx context.Context, sources []logmerge.Source, sink logmerge.Sink) error {
	r := e.newRun(modeSequential, len(sources), sink)

	pop := func(_ context.Context, i int) (*record.Record, error) {
		return sources[i].Pop()
	}

	err := r.seedSequentially(ctx, pop)
	if err == nil {
		err = r.drain(ctx, pop)
	}

	return r.finish(err)
}

// Concurrent merges the sources into sink. The first record of every source
// is requested at once and the run waits for all of them before draining.
// Refills during draining are issued and awaited one at a time.
func (e *Engine) Concurrent(ctx context.Context, sources []logmerge.AsyncSource, sink logmerge.Sink) error {
	r := e.newRun(modeConcurrent, len(sources), sink)

	pop := func(ctx context.Context, i int) (*record.Record, error) {
		return sources[i].PopAsync(ctx)
	}

	err := r.seedConcurrently(ctx, pop, e.seedConcurrency)
	if err == nil {
		err = r.drain(ctx, pop)
	}

	return r.finish(err)
}

type popFunc func(ctx context.Context, source int) (*record.Record, error)

// run is the state of a single merge. Only the goroutine calling the engine
// touches it.
type run struct {
	*Engine

	mode     string
	sources  int
	frontier *frontier.Frontier
	sink     logmerge.Sink
	logger   log.Logger

	state     State
	start     time.Time
	emitted   int
	exhausted int
	drained   []bool
	doneSent  bool
}

func (e *Engine) newRun(mode string, sources int, sink logmerge.Sink) *run {
	return &run{
		Engine:   e,
		mode:     mode,
		sources:  sources,
		frontier: frontier.New(sources),
		sink:     sink,
		logger:   log.With(e.logger, "mode", mode),
		state:    Idle,
		start:    time.Now(),
		drained:  make([]bool, sources),
	}
}

func (r *run) transition(to State) {
	level.Debug(r.logger).Log("msg", "merge state changed", "from", r.state, "to", to)
	r.state = to
	if r.observe != nil {
		r.observe(to)
	}
}

// fetch requests the next record of a source. last is set once the source
// is exhausted: on io.EOF, with or without a final record, and on a nil
// record with a nil error.
func (r *run) fetch(ctx context.Context, source int, pop popFunc) (rec *record.Record, last bool, err error) {
	r.metrics.pops.WithLabelValues(r.mode).Inc()

	rec, err = pop(ctx, source)
	if errors.Is(err, io.EOF) {
		return rec, true, nil
	}
	if err != nil {
		return nil, false, logmerge.NewSourceError(source, err)
	}

	return rec, rec == nil, nil
}

// accept puts the record of a source into the frontier. A source never has
// more than one pending record.
func (r *run) accept(source int, rec *record.Record, last bool) error {
	if rec != nil {
		if n := r.frontier.Holds(source); n != 0 {
			return fmt.Errorf("source %d already has %d pending record(s)", source, n)
		}
		r.frontier.Insert(frontier.Candidate{Record: rec, Source: source})
	}

	if last {
		r.drained[source] = true
		r.exhausted++
		level.Debug(r.logger).Log("msg", "source exhausted", "source", source)
	}
	return nil
}

func (r *run) seedSequentially(ctx context.Context, pop popFunc) error {
	r.transition(Seeding)
	defer r.observeSeed(time.Now())

	for i := 0; i < r.sources; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, last, err := r.fetch(ctx, i, pop)
		if err != nil {
			return err
		}
		if err := r.accept(i, rec, last); err != nil {
			return err
		}
	}

	return nil
}

type resolution struct {
	source int
	record *record.Record
	last   bool
}

// seedConcurrently issues the first request of every source without waiting
// for the others. Results are inserted into the frontier in the order they
// resolve, from this goroutine only.
func (r *run) seedConcurrently(ctx context.Context, pop popFunc, limit int) error {
	r.transition(Seeding)
	defer r.observeSeed(time.Now())

	if limit <= 0 || limit > r.sources {
		limit = r.sources
	}

	resolved := make(chan resolution, r.sources)
	sem := semaphore.NewWeighted(int64(limit))
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < r.sources; i++ {
		source := i
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return logmerge.NewSourceError(source, err)
			}
			defer sem.Release(1)

			rec, last, err := r.fetch(gctx, source, pop)
			if err != nil {
				return err
			}

			resolved <- resolution{source: source, record: rec, last: last}
			return nil
		})
	}

	joined := make(chan error, 1)
	go func() {
		joined <- g.Wait()
		close(resolved)
	}()

	var err error
	for res := range resolved {
		if err == nil {
			err = r.accept(res.source, res.record, res.last)
		}
	}

	return multierr.Append(err, <-joined)
}

func (r *run) observeSeed(start time.Time) {
	r.metrics.seedDuration.WithLabelValues(r.mode).Observe(time.Since(start).Seconds())
	level.Debug(r.logger).Log("msg", "seeded frontier", "sources", r.sources,
		"candidates", r.frontier.Len(), "exhausted", r.exhausted, "took", time.Since(start))
}

func (r *run) drain(ctx context.Context, pop popFunc) error {
	if r.frontier.IsEmpty() {
		return nil
	}

	r.transition(Draining)
	for !r.frontier.IsEmpty() {
		if err := ctx.Err(); err != nil {
			return err
		}

		c, err := r.frontier.RemoveMin()
		if err != nil {
			return err
		}

		if err := r.sink.Print(c.Record); err != nil {
			return logmerge.NewSinkError("print", err)
		}
		r.emitted++
		r.metrics.emitted.WithLabelValues(r.mode).Inc()

		if r.drained[c.Source] {
			continue
		}

		rec, last, err := r.fetch(ctx, c.Source, pop)
		if err != nil {
			return err
		}
		if err := r.accept(c.Source, rec, last); err != nil {
			return err
		}
	}

	return nil
}

// finish signals completion to the sink if the run succeeded. A failed run
// only signals Done when the engine is configured to do so.
func (r *run) finish(err error) error {
	if err == nil {
		err = r.done()
	}

	if err == nil {
		r.transition(Completed)
		r.metrics.runs.WithLabelValues(r.mode, "completed").Inc()
		level.Info(r.logger).Log("msg", "merge complete", "records", r.emitted,
			"sources", r.sources, "took", time.Since(r.start))
		return nil
	}

	if r.doneOnFailure && !r.doneSent {
		err = multierr.Append(err, r.done())
	}

	r.transition(Failed)
	r.metrics.runs.WithLabelValues(r.mode, "failed").Inc()
	r.metrics.failures.WithLabelValues(r.mode, failureKind(err)).Inc()
	level.Error(r.logger).Log("msg", "merge aborted", "records", r.emitted, "err", err)
	return err
}

func (r *run) done() error {
	r.doneSent = true
	if err := r.sink.Done(); err != nil {
		return logmerge.NewSinkError("done", err)
	}
	return nil
}

func failureKind(err error) string {
	switch {
	case logmerge.IsSourceError(err):
		return "source"
	case logmerge.IsSinkError(err):
		return "sink"
	default:
		return "other"
	}
}
