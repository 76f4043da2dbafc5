package funbuns

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/genamethi/funbuns/pkg/funbuns/catalog"
	"github.com/genamethi/funbuns/pkg/funbuns/config"
	"github.com/genamethi/funbuns/pkg/funbuns/convert"
	fberrors "github.com/genamethi/funbuns/pkg/funbuns/errors"
	"github.com/genamethi/funbuns/pkg/funbuns/gate"
	"github.com/genamethi/funbuns/pkg/funbuns/integrity"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
	"github.com/genamethi/funbuns/pkg/funbuns/observability"
	"github.com/genamethi/funbuns/pkg/funbuns/sentinel"
)

// Storage is the external interface of the storage core.
// It is safe for concurrent use; mutating operations are serialized within
// the process and across processes by the block directory lock.
type Storage struct {
	cfg       config.Storage
	runs      *catalog.RunCatalog
	blocks    *catalog.BlockCatalog
	engine    *convert.Engine
	scanner   *integrity.Scanner
	sentinels *sentinel.Manager
	gate      *gate.Gate

	retry  fberrors.RetryConfig
	logger *slog.Logger
	spans  observability.SpanManager

	mu     sync.Mutex
	closed bool
}

// Open resolves cfg, creates the storage directories and wires the
// components together.
func Open(cfg config.Storage, opts ...Option) (*Storage, error) {
	oc := defaultOpenConfig()
	for _, opt := range opts {
		opt(&oc)
	}

	resolved, err := cfg.Resolve()
	if err != nil {
		return nil, fmt.Errorf("storage config: %w", err)
	}
	for _, dir := range []string{resolved.DataDir, resolved.RunsDir, resolved.BlocksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	store := oc.store
	if store == nil {
		if store, err = sentinel.OpenStore(resolved); err != nil {
			return nil, err
		}
	}

	retry := fberrors.DefaultRetry
	if oc.lockRetry != nil {
		retry = *oc.lockRetry
	}
	copts := catalog.Options{
		Concurrency: resolved.ReadConcurrency,
		Compress:    resolved.Compression,
		Logger:      oc.logger,
		Now:         oc.now,
	}
	runs := catalog.NewRunCatalog(resolved.RunsDir, copts)
	blocks := catalog.NewBlockCatalog(resolved.BlocksDir, copts)

	engine, err := convert.New(runs, blocks, resolved.TargetBlockPrimes,
		convert.WithCompression(resolved.Compression),
		convert.WithLockTimeout(resolved.LockTimeout),
		convert.WithLockRetry(retry),
		convert.WithClock(oc.now),
		convert.WithLogger(oc.logger),
		convert.WithMetrics(oc.metrics),
		convert.WithSpanManager(oc.spans),
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	scanner := integrity.NewScanner(blocks, resolved.TargetBlockPrimes,
		integrity.WithConcurrency(resolved.ReadConcurrency),
		integrity.WithLockTimeout(resolved.LockTimeout),
		integrity.WithLockRetry(retry),
		integrity.WithLogger(oc.logger),
		integrity.WithMetrics(oc.metrics),
		integrity.WithSpanManager(oc.spans),
	)
	sentinels := sentinel.NewManager(store,
		sentinel.WithClock(oc.now),
		sentinel.WithLogger(oc.logger),
	)

	s := &Storage{
		cfg:       resolved,
		runs:      runs,
		blocks:    blocks,
		engine:    engine,
		scanner:   scanner,
		sentinels: sentinels,
		gate: gate.New(runs, blocks, scanner, sentinels,
			gate.WithLogger(oc.logger),
			gate.WithMetrics(oc.metrics),
		),
		retry:  retry,
		logger: observability.Component(oc.logger, "storage"),
		spans:  oc.spans,
	}
	s.logger.Info("storage opened",
		slog.String("data_dir", resolved.DataDir),
		slog.String("sentinel_backend", resolved.SentinelBackend),
		slog.Int("target_block_primes", resolved.TargetBlockPrimes),
	)
	return s, nil
}

// Config returns the resolved configuration.
func (s *Storage) Config() config.Storage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Storage) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fberrors.ErrClosed
	}
	return nil
}

// SubmitRun hands a finished batch to storage. The resume gate is blocked
// until the run has been converted.
func (s *Storage) SubmitRun(ctx context.Context, batch model.RunBatch) (model.RunMeta, error) {
	if err := s.checkOpen(); err != nil {
		return model.RunMeta{}, err
	}
	s.gate.Invalidate()
	return s.runs.Submit(ctx, batch)
}

// RequestResume returns the resume sentinel once every run is converted and
// the block set passes a scan. It fails with UnintegratedRunsError or
// IntegrityViolationError otherwise.
func (s *Storage) RequestResume(ctx context.Context) (_ sentinel.Sentinel, err error) {
	if err := s.checkOpen(); err != nil {
		return sentinel.Sentinel{}, err
	}
	ctx, span := s.spans.StartOpSpan(ctx, "resume")
	defer func() { s.spans.EndSpanWithError(span, err) }()
	return s.gate.Resume(ctx)
}

// Convert folds every pending run into the block set.
func (s *Storage) Convert(ctx context.Context) (convert.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return convert.Result{}, fberrors.ErrClosed
	}

	res, err := s.engine.Convert(ctx)
	if err != nil {
		return convert.Result{}, err
	}
	if err := s.blocksChanged(ctx, res); err != nil {
		return res, err
	}
	return res, nil
}

// PlanConversion reports what Convert would do without writing anything.
func (s *Storage) PlanConversion(ctx context.Context) (convert.Result, error) {
	if err := s.checkOpen(); err != nil {
		return convert.Result{}, err
	}
	return s.engine.Plan(ctx)
}

// Rebuild re-partitions the whole block set at a new target after copying
// every block into the backup directory. Scans expect the new target
// afterwards.
//
// The new target is not written back to the configuration. Set
// target_block_primes to it before the next Open; otherwise every sealed
// block is reported as short_block and resume stays blocked.
func (s *Storage) Rebuild(ctx context.Context, target int) (convert.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return convert.Result{}, fberrors.ErrClosed
	}

	res, err := s.engine.Rebuild(ctx, target, s.cfg.BackupDir)
	if err != nil {
		return convert.Result{}, err
	}
	s.scanner.SetTarget(target)
	if s.cfg.TargetBlockPrimes != target {
		s.logger.Warn("block target changed; update target_block_primes in config",
			slog.Int("previous", s.cfg.TargetBlockPrimes),
			slog.Int("target", target),
		)
	}
	s.cfg.TargetBlockPrimes = target
	if err := s.blocksChanged(ctx, res); err != nil {
		return res, err
	}
	return res, nil
}

// blocksChanged drops state derived from the previous block set.
func (s *Storage) blocksChanged(ctx context.Context, res convert.Result) error {
	s.gate.Invalidate()
	if !res.Changed {
		return nil
	}
	if err := s.sentinels.Invalidate(ctx); err != nil {
		return fmt.Errorf("invalidate sentinel: %w", err)
	}
	return nil
}

// ListBlocks returns every block file ordered by index.
func (s *Storage) ListBlocks(ctx context.Context) ([]catalog.BlockInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	listing, err := s.blocks.ListBlocks(ctx)
	if err != nil {
		return nil, err
	}
	return listing.Blocks, nil
}

// Scan checks every invariant of the block set. Violations are in the
// report; use Report.Err to treat them as an error.
func (s *Storage) Scan(ctx context.Context) (integrity.Report, error) {
	if err := s.checkOpen(); err != nil {
		return integrity.Report{}, err
	}
	return s.scanner.Scan(ctx)
}

// Sentinel returns the resume state derived from the current blocks for
// reporting. Unlike RequestResume it ignores pending runs, but it still
// refuses a block set with violations.
func (s *Storage) Sentinel(ctx context.Context) (_ sentinel.Sentinel, err error) {
	if err := s.checkOpen(); err != nil {
		return sentinel.Sentinel{}, err
	}
	ctx, span := s.spans.StartOpSpan(ctx, "sentinel")
	defer func() { s.spans.EndSpanWithError(span, err) }()

	rep, err := s.scanner.Scan(ctx)
	if err != nil {
		return sentinel.Sentinel{}, err
	}
	if err := rep.Err(); err != nil {
		return sentinel.Sentinel{}, err
	}
	s.spans.AddSpanEvent(ctx, "derived", attribute.Int("blocks", len(rep.Blocks)))
	return s.sentinels.Current(ctx, s.sentinels.Derive(rep.Blocks, rep.DistinctPrimes))
}

// GateState returns the state of the resume gate.
func (s *Storage) GateState() gate.State {
	return s.gate.State()
}

// Close releases the sentinel store. Further calls fail with ErrClosed.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sentinels.Close()
}
