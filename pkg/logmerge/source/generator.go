package source

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/olif/logmerge/pkg/logmerge/record"
)

const (
	defaultMaxStep    = 24 * time.Hour
	defaultMaxLatency = 8 * time.Millisecond
)

// defaultReference anchors generated dates when no start is given
var defaultReference = time.Date(2021, time.January, 1, 0, 0, 0, 0, time.UTC)

// GeneratorConfig contains the configuration properties for a synthetic
// log source
type GeneratorConfig struct {
	// Count is the number of records produced before exhaustion
	Count int
	// Start is the date the first record is generated after. Defaults to a
	// point picked by the seed during the year before 2021.
	Start *time.Time
	// MaxStep bounds the gap between consecutive records
	MaxStep *time.Duration
	// MaxLatency bounds the simulated fetch latency of PopAsync
	MaxLatency *time.Duration
	// Seed makes the produced records reproducible
	Seed int64
}

// Generator produces records with strictly increasing dates and random
// message ids. PopAsync simulates a slow backend.
type Generator struct {
	name       string
	rnd        *rand.Rand
	latencyRnd *rand.Rand
	remaining  int
	last       time.Time
	maxStep    time.Duration
	maxLatency time.Duration
}

// NewGenerator returns a new synthetic source
func NewGenerator(name string, config GeneratorConfig) *Generator {
	var (
		rnd        = rand.New(rand.NewSource(config.Seed))
		maxStep    = defaultMaxStep
		maxLatency = defaultMaxLatency
		start      time.Time
	)

	if config.MaxStep != nil && *config.MaxStep > 0 {
		maxStep = *config.MaxStep
	}

	if config.MaxLatency != nil {
		maxLatency = *config.MaxLatency
	}

	if config.Start != nil {
		start = *config.Start
	} else {
		year := int64(365 * 24 * time.Hour)
		start = defaultReference.Add(-time.Duration(rnd.Int63n(year)))
	}

	return &Generator{
		name:       name,
		rnd:        rnd,
		latencyRnd: rand.New(rand.NewSource(config.Seed + 1)),
		remaining:  config.Count,
		last:       start,
		maxStep:    maxStep,
		maxLatency: maxLatency,
	}
}

// Pop returns the next generated record or io.EOF
func (g *Generator) Pop() (*record.Record, error) {
	if g.remaining <= 0 {
		return nil, io.EOF
	}
	g.remaining--

	g.last = g.last.Add(time.Duration(1 + g.rnd.Int63n(int64(g.maxStep))))
	id, err := uuid.NewRandomFromReader(g.rnd)
	if err != nil {
		return nil, fmt.Errorf("could not generate message id: %w", err)
	}

	return record.New(g.last, fmt.Sprintf("%s %s", g.name, id)), nil
}

// PopAsync waits a random latency before returning the next record
func (g *Generator) PopAsync(ctx context.Context) (*record.Record, error) {
	if g.maxLatency > 0 {
		delay := time.Duration(g.latencyRnd.Int63n(int64(g.maxLatency)))
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return g.Pop()
}

// Remaining returns the number of records left
func (g *Generator) Remaining() int {
	return g.remaining
}
