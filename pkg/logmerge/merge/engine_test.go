package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/olif/logmerge/pkg/logmerge"
	"github.com/olif/logmerge/pkg/logmerge/record"
	"github.com/olif/logmerge/pkg/logmerge/sink"
	"github.com/olif/logmerge/pkg/logmerge/source"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return epoch.Add(time.Duration(sec) * time.Second)
}

// slice returns a source whose records are named <name>-<sec>
func slice(name string, secs ...int) *source.Slice {
	records := make([]*record.Record, len(secs))
	for i, sec := range secs {
		records[i] = record.New(at(sec), fmt.Sprintf("%s-%d", name, sec))
	}
	return source.NewSlice(records...)
}

func secs(c *sink.Collector) []int {
	out := []int{}
	for _, d := range c.Dates() {
		out = append(out, int(d.Sub(epoch)/time.Second))
	}
	return out
}

type runner func(e *Engine, sources []*source.Slice, s logmerge.Sink) error

func runSequential(e *Engine, sources []*source.Slice, s logmerge.Sink) error {
	srcs := make([]logmerge.Source, len(sources))
	for i, src := range sources {
		srcs[i] = src
	}
	return e.Sequential(context.Background(), srcs, s)
}

func runConcurrent(e *Engine, sources []*source.Slice, s logmerge.Sink) error {
	srcs := make([]logmerge.AsyncSource, len(sources))
	for i, src := range sources {
		srcs[i] = src
	}
	return e.Concurrent(context.Background(), srcs, s)
}

var modes = map[string]runner{
	modeSequential: runSequential,
	modeConcurrent: runConcurrent,
}

func TestMergesInterleavedSources(t *testing.T) {
	for name, run := range modes {
		t.Run(name, func(t *testing.T) {
			sources := []*source.Slice{
				slice("a", 1, 4, 7),
				slice("b", 2, 5),
				slice("c", 3, 6, 8),
			}
			out := sink.NewCollector()

			err := run(NewEngine(Config{}), sources, out)

			require.NoError(t, err)
			require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, secs(out))
			require.Equal(t, 1, out.DoneCalls)
			require.Equal(t, 8, out.PrintsBeforeDone)
		})
	}
}

func TestEmptySourceContributesNothing(t *testing.T) {
	for name, run := range modes {
		t.Run(name, func(t *testing.T) {
			empty := slice("empty")
			sources := []*source.Slice{empty, slice("b", 10, 20)}
			out := sink.NewCollector()

			err := run(NewEngine(Config{}), sources, out)

			require.NoError(t, err)
			require.Equal(t, []int{10, 20}, secs(out))
			require.Equal(t, 1, empty.Pops())
			require.Equal(t, 1, out.DoneCalls)
		})
	}
}

func TestAllSourcesEmpty(t *testing.T) {
	for name, run := range modes {
		t.Run(name, func(t *testing.T) {
			out := sink.NewCollector()

			err := run(NewEngine(Config{}), []*source.Slice{slice("a"), slice("b")}, out)

			require.NoError(t, err)
			require.Empty(t, out.Records)
			require.Equal(t, 1, out.DoneCalls)
		})
	}
}

func TestNoSources(t *testing.T) {
	for name, run := range modes {
		t.Run(name, func(t *testing.T) {
			out := sink.NewCollector()

			require.NoError(t, run(NewEngine(Config{}), nil, out))
			require.Equal(t, 1, out.DoneCalls)
		})
	}
}

func TestEqualDatesAreEmittedByLowestSourceFirst(t *testing.T) {
	for name, run := range modes {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				sources := []*source.Slice{
					slice("a", 1, 5),
					slice("b", 5, 5),
					slice("c", 5),
				}
				out := sink.NewCollector()

				require.NoError(t, run(NewEngine(Config{}), sources, out))
				require.Equal(t, []string{"a-1", "a-5", "b-5", "b-5", "c-5"}, out.Msgs())
			}
		})
	}
}

func TestSourceFailureAbortsRun(t *testing.T) {
	failure := errors.New("connection reset")

	for name, run := range modes {
		t.Run(name, func(t *testing.T) {
			failing := slice("a", 1, 2, 3).FailAt(2, failure)
			sources := []*source.Slice{failing, slice("b", 10)}
			out := sink.NewCollector()

			err := run(NewEngine(Config{}), sources, out)

			require.Error(t, err)
			require.True(t, logmerge.IsSourceError(err))
			require.True(t, errors.Is(err, failure))

			var srcErr *logmerge.SourceError
			require.True(t, errors.As(err, &srcErr))
			require.Equal(t, 0, srcErr.Source)

			require.Equal(t, []int{1}, secs(out))
			require.Equal(t, 0, out.DoneCalls)
		})
	}
}

func TestSinkFailureAbortsRun(t *testing.T) {
	failure := errors.New("disk full")

	for name, run := range modes {
		t.Run(name, func(t *testing.T) {
			sources := []*source.Slice{slice("a", 1, 3), slice("b", 2, 4)}
			out := sink.NewCollector().FailPrintAt(3, failure)

			err := run(NewEngine(Config{}), sources, out)

			require.True(t, logmerge.IsSinkError(err))
			require.True(t, errors.Is(err, failure))
			require.Equal(t, []int{1, 2}, secs(out))
			require.Equal(t, 0, out.DoneCalls)
		})
	}
}

func TestDoneFailureIsReported(t *testing.T) {
	failure := errors.New("flush failed")
	out := sink.NewCollector().FailDone(failure)

	err := runSequential(NewEngine(Config{}), []*source.Slice{slice("a", 1)}, out)

	require.True(t, logmerge.IsSinkError(err))
	require.True(t, errors.Is(err, failure))
	require.Equal(t, 1, out.DoneCalls)
}

func TestDoneOnFailure(t *testing.T) {
	doneOnFailure := true
	failure := errors.New("boom")

	for name, run := range modes {
		t.Run(name, func(t *testing.T) {
			sources := []*source.Slice{slice("a", 1, 2).FailAt(2, failure)}
			out := sink.NewCollector()

			err := run(NewEngine(Config{DoneOnFailure: &doneOnFailure}), sources, out)

			require.True(t, logmerge.IsSourceError(err))
			require.Equal(t, 1, out.DoneCalls)
			require.Equal(t, 1, out.PrintsBeforeDone)
		})
	}
}

func TestDoneOnFailureCombinesErrors(t *testing.T) {
	doneOnFailure := true
	srcFailure := errors.New("source broke")
	doneFailure := errors.New("done broke")
	out := sink.NewCollector().FailDone(doneFailure)

	err := runSequential(NewEngine(Config{DoneOnFailure: &doneOnFailure}),
		[]*source.Slice{slice("a", 1).FailAt(1, srcFailure)}, out)

	require.True(t, errors.Is(err, srcFailure))
	require.True(t, errors.Is(err, doneFailure))
	require.True(t, logmerge.IsSourceError(err))
	require.True(t, logmerge.IsSinkError(err))
	require.Equal(t, 1, out.DoneCalls)
}

func TestDoneIsNotRetriedWhenItFails(t *testing.T) {
	doneOnFailure := true
	out := sink.NewCollector().FailDone(errors.New("done broke"))

	err := runSequential(NewEngine(Config{DoneOnFailure: &doneOnFailure}), []*source.Slice{slice("a", 1)}, out)

	require.Error(t, err)
	require.Equal(t, 1, out.DoneCalls)
}

func TestExhaustedSourcesAreNotQueriedAgain(t *testing.T) {
	for name, run := range modes {
		t.Run(name, func(t *testing.T) {
			sources := []*source.Slice{slice("a", 1), slice("b", 2, 3, 4), slice("c")}

			require.NoError(t, run(NewEngine(Config{}), sources, sink.NewCollector()))

			for i, src := range sources {
				require.True(t, src.Exhausted(), "source %d", i)
			}
			require.Equal(t, 2, sources[0].Pops())
			require.Equal(t, 4, sources[1].Pops())
			require.Equal(t, 1, sources[2].Pops())
		})
	}
}

// inflight tracks records popped but not yet printed, per source. Sources
// may be queried off the test goroutine, so violations are collected and
// checked once the run returns.
type inflight struct {
	mu         sync.Mutex
	pending    map[string]int
	violations []string
	out        *sink.Collector
}

type trackedSource struct {
	name string
	src  *source.Slice
	tr   *inflight
}

func (s trackedSource) pop() (*record.Record, error) {
	s.tr.mu.Lock()
	defer s.tr.mu.Unlock()
	if s.tr.pending[s.name] != 0 {
		s.tr.violations = append(s.tr.violations, s.name)
	}

	r, err := s.src.Pop()
	if r != nil {
		s.tr.pending[s.name]++
	}
	return r, err
}

func (s trackedSource) Pop() (*record.Record, error) { return s.pop() }

func (s trackedSource) PopAsync(ctx context.Context) (*record.Record, error) { return s.pop() }

func (tr *inflight) Print(r *record.Record) error {
	tr.mu.Lock()
	tr.pending[r.Msg()[:1]]--
	tr.mu.Unlock()
	return tr.out.Print(r)
}

func (tr *inflight) Done() error { return tr.out.Done() }

func TestAtMostOneRecordInFlightPerSource(t *testing.T) {
	tr := &inflight{pending: map[string]int{}, out: sink.NewCollector()}
	a := trackedSource{"a", slice("a", 1, 2, 3, 9), tr}
	b := trackedSource{"b", slice("b", 4, 5, 6), tr}

	require.NoError(t, NewEngine(Config{}).Sequential(context.Background(), []logmerge.Source{a, b}, tr))
	require.NoError(t, NewEngine(Config{}).Concurrent(context.Background(), []logmerge.AsyncSource{
		trackedSource{"a", slice("a", 1, 2, 3, 9), tr},
		trackedSource{"b", slice("b", 4, 5, 6), tr},
	}, tr))

	require.Len(t, tr.out.Records, 14)
	require.Empty(t, tr.violations, "sources queried with a record in flight")
}

// rendezvous blocks its first PopAsync until every source of the group has
// been asked for its first record
type rendezvous struct {
	*source.Slice
	arrived *sync.WaitGroup
	first   bool
}

func (r *rendezvous) PopAsync(ctx context.Context) (*record.Record, error) {
	if !r.first {
		r.first = true
		r.arrived.Done()

		all := make(chan struct{})
		go func() {
			r.arrived.Wait()
			close(all)
		}()

		select {
		case <-all:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Slice.PopAsync(ctx)
}

func TestConcurrentSeedIssuesAllRequestsBeforeAwaiting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	arrived := &sync.WaitGroup{}
	arrived.Add(3)
	sources := []logmerge.AsyncSource{
		&rendezvous{Slice: slice("a", 3, 6), arrived: arrived},
		&rendezvous{Slice: slice("b", 1, 4), arrived: arrived},
		&rendezvous{Slice: slice("c", 2, 5), arrived: arrived},
	}
	out := sink.NewCollector()

	require.NoError(t, NewEngine(Config{}).Concurrent(ctx, sources, out))
	require.Equal(t, []int{1, 2, 3, 4, 5, 6}, secs(out))
}

// delayed resolves its first request after a fixed delay
type delayed struct {
	*source.Slice
	delay time.Duration
}

func (d delayed) PopAsync(ctx context.Context) (*record.Record, error) {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return d.Slice.PopAsync(ctx)
}

func TestConcurrentOrderDoesNotDependOnResolutionOrder(t *testing.T) {
	sources := []logmerge.AsyncSource{
		delayed{slice("a", 1, 4), 30 * time.Millisecond},
		delayed{slice("b", 2, 5), 0},
		delayed{slice("c", 3, 6), 10 * time.Millisecond},
	}
	out := sink.NewCollector()

	require.NoError(t, NewEngine(Config{}).Concurrent(context.Background(), sources, out))
	require.Equal(t, []int{1, 2, 3, 4, 5, 6}, secs(out))
}

func TestSeedConcurrencyLimit(t *testing.T) {
	limit := 1
	sources := []*source.Slice{slice("a", 2), slice("b", 1), slice("c", 3)}
	out := sink.NewCollector()

	require.NoError(t, runConcurrent(NewEngine(Config{SeedConcurrency: &limit}), sources, out))
	require.Equal(t, []int{1, 2, 3}, secs(out))
}

// stuck never resolves before ctx is done
type stuck struct{}

func (stuck) PopAsync(ctx context.Context) (*record.Record, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConcurrentSeedFailureCancelsPendingRequests(t *testing.T) {
	failure := errors.New("unreachable")
	sources := []logmerge.AsyncSource{
		stuck{},
		slice("b", 1).FailAt(1, failure),
	}
	out := sink.NewCollector()

	err := NewEngine(Config{}).Concurrent(context.Background(), sources, out)

	require.True(t, errors.Is(err, failure))

	var srcErr *logmerge.SourceError
	require.True(t, errors.As(err, &srcErr))
	require.Equal(t, 1, srcErr.Source)
	require.Equal(t, 0, out.DoneCalls)
}

func TestCancelledContextAbortsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := sink.NewCollector()

	err := NewEngine(Config{}).Sequential(ctx, []logmerge.Source{slice("a", 1)}, out)
	require.True(t, errors.Is(err, context.Canceled))

	err = NewEngine(Config{}).Concurrent(ctx, []logmerge.AsyncSource{slice("a", 1)}, out)
	require.True(t, errors.Is(err, context.Canceled))

	require.Empty(t, out.Records)
	require.Equal(t, 0, out.DoneCalls)
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		sources []*source.Slice
		want    []State
	}{
		{"records", []*source.Slice{slice("a", 1)}, []State{Seeding, Draining, Completed}},
		{"all empty", []*source.Slice{slice("a")}, []State{Seeding, Completed}},
		{"seed failure", []*source.Slice{slice("a", 1).FailAt(1, io.ErrUnexpectedEOF)}, []State{Seeding, Failed}},
		{"drain failure", []*source.Slice{slice("a", 1, 2).FailAt(2, io.ErrUnexpectedEOF)}, []State{Seeding, Draining, Failed}},
	}

	for _, tt := range tests {
		for name, run := range modes {
			t.Run(tt.name+"/"+name, func(t *testing.T) {
				var got []State
				e := NewEngine(Config{})
				e.observe = func(s State) { got = append(got, s) }

				// Slices are stateful, so every mode gets its own copy.
				sources := make([]*source.Slice, len(tt.sources))
				for i, src := range tt.sources {
					sources[i] = copySlice(src)
				}

				run(e, sources, sink.NewCollector())
				require.Equal(t, tt.want, got)
				require.True(t, got[len(got)-1].Terminal())
			})
		}
	}
}

func copySlice(src *source.Slice) *source.Slice {
	clone := *src
	return &clone
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	e := NewEngine(Config{Registerer: reg})

	sources := []*source.Slice{slice("a", 1, 4, 7), slice("b", 2, 5), slice("c", 3, 6, 8)}
	require.NoError(t, runSequential(e, sources, sink.NewCollector()))

	failing := []*source.Slice{slice("a", 1, 2).FailAt(2, io.ErrUnexpectedEOF)}
	require.Error(t, runConcurrent(e, failing, sink.NewCollector()))

	require.Equal(t, float64(8), testutil.ToFloat64(e.metrics.emitted.WithLabelValues(modeSequential)))
	require.Equal(t, float64(11), testutil.ToFloat64(e.metrics.pops.WithLabelValues(modeSequential)))
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.emitted.WithLabelValues(modeConcurrent)))
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.runs.WithLabelValues(modeSequential, "completed")))
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.runs.WithLabelValues(modeConcurrent, "failed")))
	require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.failures.WithLabelValues(modeConcurrent, "source")))

	n, err := testutil.GatherAndCount(reg, "logmerge_seed_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestModesProduceIdenticalOutput(t *testing.T) {
	start := epoch
	maxStep := time.Minute
	noLatency := time.Duration(0)
	latency := 2 * time.Millisecond

	generators := func(maxLatency *time.Duration) []*source.Generator {
		gens := make([]*source.Generator, 5)
		for i := range gens {
			gens[i] = source.NewGenerator(fmt.Sprintf("gen%d", i), source.GeneratorConfig{
				Count:      50 + i*7,
				Start:      &start,
				MaxStep:    &maxStep,
				MaxLatency: maxLatency,
				Seed:       int64(i),
			})
		}
		return gens
	}

	var syncSources []logmerge.Source
	for _, g := range generators(&noLatency) {
		syncSources = append(syncSources, g)
	}
	var asyncSources []logmerge.AsyncSource
	for _, g := range generators(&latency) {
		asyncSources = append(asyncSources, g)
	}

	syncOut, asyncOut := sink.NewCollector(), sink.NewCollector()
	require.NoError(t, NewEngine(Config{}).Sequential(context.Background(), syncSources, syncOut))
	require.NoError(t, NewEngine(Config{}).Concurrent(context.Background(), asyncSources, asyncOut))

	require.Len(t, syncOut.Records, 5*50+7*(0+1+2+3+4))
	require.Equal(t, syncOut.Msgs(), asyncOut.Msgs())
	require.Equal(t, syncOut.Dates(), asyncOut.Dates())

	dates := syncOut.Dates()
	for i := 1; i < len(dates); i++ {
		require.False(t, dates[i].Before(dates[i-1]), "record %d out of order", i)
	}
}

func TestAsyncAdapter(t *testing.T) {
	sources := AsyncAll([]logmerge.Source{slice("a", 2), slice("b", 1)})
	out := sink.NewCollector()

	require.NoError(t, NewEngine(Config{}).Concurrent(context.Background(), sources, out))
	require.Equal(t, []int{1, 2}, secs(out))
}
