// Package integrity verifies the invariants of the block set.
//
// Scan reads every block under a shared directory lock and reports every
// broken invariant it finds. A scan never stops at the first violation, so
// one report names everything an operator needs to repair.
package integrity

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/genamethi/funbuns/pkg/funbuns/catalog"
	"github.com/genamethi/funbuns/pkg/funbuns/dirlock"
	fberrors "github.com/genamethi/funbuns/pkg/funbuns/errors"
	"github.com/genamethi/funbuns/pkg/funbuns/observability"
)

// Scanner scans a block directory.
type Scanner struct {
	blocks      *catalog.BlockCatalog
	target      atomic.Int64
	concurrency int
	lockTimeout time.Duration
	retry       fberrors.RetryConfig
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithConcurrency bounds parallel block reads.
func WithConcurrency(n int) Option {
	return func(s *Scanner) {
		s.concurrency = n
	}
}

// WithLockTimeout bounds the wait for the shared directory lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Scanner) {
		s.lockTimeout = d
	}
}

// WithLockRetry sets the backoff used while the lock is contended.
func WithLockRetry(cfg fberrors.RetryConfig) Option {
	return func(s *Scanner) {
		s.retry = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(s *Scanner) {
		s.metrics = m
	}
}

// WithSpanManager sets the span manager.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(s *Scanner) {
		s.spans = sm
	}
}

// NewScanner creates a scanner expecting sealed blocks of target distinct
// primes.
func NewScanner(blocks *catalog.BlockCatalog, target int, opts ...Option) *Scanner {
	s := &Scanner{
		blocks:      blocks,
		concurrency: 4,
		lockTimeout: 30 * time.Second,
		retry:       fberrors.DefaultRetry,
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
	}
	s.target.Store(int64(target))
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.Component(s.logger, "integrity")
	return s
}

// SetTarget changes the expected sealed block size, after a rebuild.
func (s *Scanner) SetTarget(target int) {
	s.target.Store(int64(target))
}

// Target returns the expected sealed block size.
func (s *Scanner) Target() int {
	return int(s.target.Load())
}

// Scan lists and checks the block set. The returned error is non-nil only
// when the scan itself could not complete; violations are in the report.
func (s *Scanner) Scan(ctx context.Context) (rep Report, err error) {
	ctx, span := s.spans.StartOpSpan(ctx, "scan")
	done := observability.TimedOperation()
	start := time.Now()
	defer func() {
		s.spans.EndSpanWithError(span, err)
		if err == nil {
			s.metrics.RecordScan(ctx, len(rep.Blocks), len(rep.Violations), time.Since(start))
			observability.LogScan(s.logger, len(rep.Blocks), len(rep.Violations), done())
		}
	}()

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	lock, err := dirlock.AcquireContext(lockCtx, s.blocks.Dir(), dirlock.Shared, s.retry)
	cancel()
	if err != nil {
		return Report{}, err
	}
	defer func() { _ = lock.Release() }()

	listing, err := s.blocks.ListBlocks(ctx)
	if err != nil {
		return Report{}, err
	}
	rep, err = Check(ctx, listing, s.Target(), s.blocks.LoadBlock, s.concurrency)
	if err != nil {
		return Report{}, err
	}
	s.spans.AddSpanEvent(ctx, "checked",
		attribute.Int("blocks", len(rep.Blocks)),
		attribute.Int("violations", len(rep.Violations)),
	)
	return rep, nil
}
