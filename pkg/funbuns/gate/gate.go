// Package gate decides when the resume state may be handed to the search
// layer.
//
// The gate is a three-state machine. It starts Blocked; Evaluate moves it to
// Ready once no run is pending and a scan finds no violation; Resume releases
// the sentinel and moves it to Resumed. Invalidate returns it to Blocked and
// is called whenever runs are submitted or blocks change in this process.
// Every evaluation rescans the blocks, so changes made by other processes
// are caught as well.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/genamethi/funbuns/pkg/funbuns/catalog"
	"github.com/genamethi/funbuns/pkg/funbuns/coverage"
	fberrors "github.com/genamethi/funbuns/pkg/funbuns/errors"
	"github.com/genamethi/funbuns/pkg/funbuns/integrity"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
	"github.com/genamethi/funbuns/pkg/funbuns/observability"
	"github.com/genamethi/funbuns/pkg/funbuns/sentinel"
)

// State is the gate state.
type State int

const (
	// Blocked means runs are pending, the last scan failed, or nothing has
	// been evaluated since the last change.
	Blocked State = iota
	// Ready means the sentinel may be released.
	Ready
	// Resumed means the sentinel has been released.
	Resumed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Blocked:
		return "blocked"
	case Ready:
		return "ready"
	case Resumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// Scanner scans the block set.
type Scanner interface {
	Scan(ctx context.Context) (integrity.Report, error)
}

// Gate guards the release of the resume sentinel.
type Gate struct {
	mu        sync.Mutex
	runs      *catalog.RunCatalog
	blocks    *catalog.BlockCatalog
	scanner   Scanner
	sentinels *sentinel.Manager
	state     State
	current   sentinel.Sentinel

	logger  *slog.Logger
	metrics observability.MetricsRecorder
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// New creates a gate in the Blocked state.
func New(runs *catalog.RunCatalog, blocks *catalog.BlockCatalog, scanner Scanner, sentinels *sentinel.Manager, opts ...Option) *Gate {
	g := &Gate{
		runs:      runs,
		blocks:    blocks,
		scanner:   scanner,
		sentinels: sentinels,
		metrics:   observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = observability.Component(g.logger, "gate")
	return g
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Invalidate returns the gate to Blocked.
func (g *Gate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.block()
}

// Evaluate checks the preconditions for resuming and moves the gate to Ready
// when they hold. A gate that already released its sentinel stays Resumed
// while the blocks are unchanged.
func (g *Gate) Evaluate(ctx context.Context) (sentinel.Sentinel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.evaluate(ctx)
}

func (g *Gate) evaluate(ctx context.Context) (sentinel.Sentinel, error) {
	if err := g.checkPending(ctx); err != nil {
		g.block()
		return sentinel.Sentinel{}, err
	}
	rep, err := g.scanner.Scan(ctx)
	if err != nil {
		g.block()
		return sentinel.Sentinel{}, err
	}
	if err := rep.Err(); err != nil {
		g.block()
		return sentinel.Sentinel{}, err
	}

	derived := g.sentinels.Derive(rep.Blocks, rep.DistinctPrimes)
	if g.state != Blocked {
		if g.current.Matches(derived) {
			return g.current, nil
		}
		// Another process changed the blocks since the last release.
		observability.LogSentinelStale(g.logger, "block set changed since release")
		g.block()
	}

	s, err := g.sentinels.Current(ctx, derived)
	if err != nil {
		return sentinel.Sentinel{}, err
	}
	g.current = s
	g.state = Ready
	return s, nil
}

func (g *Gate) block() {
	g.state = Blocked
	g.current = sentinel.Sentinel{}
}

// checkPending fails with UnintegratedRunsError while any run is pending,
// naming every pending run and the primes they hold that no block covers.
func (g *Gate) checkPending(ctx context.Context) error {
	pending, err := g.runs.ListRuns(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	per, err := g.runs.RunCoverage(ctx, pending)
	if err != nil {
		return err
	}
	lo, hi := pending[0].PrimeRangeStart, pending[0].PrimeRangeEnd
	runs := make([]coverage.RunCoverage, len(pending))
	ids := make([]string, len(pending))
	for i, meta := range pending {
		ids[i] = meta.ID
		runs[i] = coverage.RunCoverage{RunID: meta.ID, Primes: per[i]}
		lo = min(lo, meta.PrimeRangeStart)
		hi = max(hi, meta.PrimeRangeEnd)
	}
	blocks, err := g.blocks.CoverageIn(ctx, lo, hi)
	if err != nil {
		return err
	}

	var missing [][]uint64
	for _, gap := range coverage.Audit(runs, blocks) {
		missing = append(missing, gap.Missing)
	}
	return &fberrors.UnintegratedRunsError{
		RunIDs:        ids,
		MissingPrimes: model.MergeCoverage(missing...),
	}
}

// Resume releases the sentinel. Every call checks for pending runs and
// rescans the blocks; in Ready or Resumed it returns the same sentinel as
// before as long as the block set still derives it. A block set changed by
// another process returns the gate to Blocked and releases the new sentinel.
func (g *Gate) Resume(ctx context.Context) (sentinel.Sentinel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, err := g.evaluate(ctx)
	if err != nil {
		observability.LogResumeBlocked(g.logger, err)
		g.metrics.RecordResume(ctx, outcome(err))
		return sentinel.Sentinel{}, err
	}
	if g.state == Ready {
		observability.LogResume(g.logger, s.LastPrime, s.StartIndex)
	}
	g.state = Resumed
	g.metrics.RecordResume(ctx, "released")
	return s, nil
}

func outcome(err error) string {
	var unintegrated *fberrors.UnintegratedRunsError
	var violation *fberrors.IntegrityViolationError
	switch {
	case errors.As(err, &unintegrated):
		return "unintegrated"
	case errors.As(err, &violation):
		return "violation"
	default:
		return "error"
	}
}
