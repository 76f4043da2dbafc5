// Package convert folds pending runs into the block sequence.
//
// A conversion reads the open tail block and every pending run, merges them
// into one sorted deduplicated stream and cuts that stream into blocks of a
// fixed number of distinct primes, starting at the tail's first prime. Since
// boundaries depend only on the tail start and the target, converting the
// same inputs twice yields identical blocks.
//
// Every commit happens under an exclusive directory lock and goes through a
// staging directory plus a COMMIT journal, so an interrupted conversion is
// either rolled forward or discarded on the next run and never exposes a
// partial block.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/genamethi/funbuns/pkg/funbuns/catalog"
	"github.com/genamethi/funbuns/pkg/funbuns/coverage"
	"github.com/genamethi/funbuns/pkg/funbuns/dirlock"
	fberrors "github.com/genamethi/funbuns/pkg/funbuns/errors"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
	"github.com/genamethi/funbuns/pkg/funbuns/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ErrInvalidTarget indicates a non-positive block target.
var ErrInvalidTarget = errors.New("target block primes must be positive")

// Result describes what a conversion did, or would do for a dry run.
type Result struct {
	// NewBlocks are the blocks written, sealed ones first and the tail last.
	NewBlocks []model.BlockMeta `json:"new_blocks"`
	// ReplacedBlocks are the file names of blocks replaced by the commit.
	ReplacedBlocks []string `json:"replaced_blocks"`
	// ConsumedRuns are the IDs of runs folded in and deleted.
	ConsumedRuns []string `json:"consumed_runs"`
	// RecordsIn counts records read from the tail and the runs.
	RecordsIn int `json:"records_in"`
	// RecordsWritten counts records in NewBlocks.
	RecordsWritten int `json:"records_written"`
	// Duplicates counts exact duplicates removed by the merge.
	Duplicates int `json:"duplicates"`
	// Redundant counts records already present in sealed blocks.
	Redundant int `json:"redundant"`
	// Uncovered are the run primes no block held before the conversion.
	Uncovered []uint64 `json:"uncovered,omitempty"`
	// Changed is false when the block set was left as it was.
	Changed bool `json:"changed"`
	// DryRun is true for results of Plan.
	DryRun bool `json:"dry_run"`
}

// Recovery describes staging artifacts handled before a conversion.
type Recovery struct {
	RolledForward []string
	Discarded     []string
}

// Engine runs conversions over one run catalog and one block catalog.
type Engine struct {
	runs        *catalog.RunCatalog
	blocks      *catalog.BlockCatalog
	target      int
	compress    bool
	lockTimeout time.Duration
	tempAge     time.Duration
	retry       fberrors.RetryConfig
	now         func() time.Time
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
}

// Option configures an Engine.
type Option func(*Engine)

// WithCompression enables zstd compression of written blocks.
func WithCompression(enabled bool) Option {
	return func(e *Engine) {
		e.compress = enabled
	}
}

// WithLockTimeout bounds how long a conversion waits for the directory lock.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.lockTimeout = d
	}
}

// WithLeftoverAge sets how old a partial run file must be before recovery
// removes it. Younger files may belong to a Submit still writing.
func WithLeftoverAge(d time.Duration) Option {
	return func(e *Engine) {
		e.tempAge = d
	}
}

// WithLockRetry sets the backoff used while waiting for the directory lock.
func WithLockRetry(cfg fberrors.RetryConfig) Option {
	return func(e *Engine) {
		e.retry = cfg
	}
}

// WithClock sets the time source for file metadata.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSpanManager sets the span manager.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(e *Engine) {
		e.spans = sm
	}
}

// New creates an Engine that cuts blocks of target distinct primes.
func New(runs *catalog.RunCatalog, blocks *catalog.BlockCatalog, target int, opts ...Option) (*Engine, error) {
	if target <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTarget, target)
	}
	e := &Engine{
		runs:        runs,
		blocks:      blocks,
		target:      target,
		compress:    true,
		lockTimeout: 30 * time.Second,
		tempAge:     time.Hour,
		retry:       fberrors.DefaultRetry,
		now:         time.Now,
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = observability.Component(e.logger, "convert")
	return e, nil
}

// Target returns the configured distinct primes per block.
func (e *Engine) Target() int {
	return e.target
}

// plan is a computed but uncommitted conversion.
type plan struct {
	result   Result
	segments [][]model.Record
	first    int
	removes  []catalog.BlockInfo
	consumed []model.RunMeta
}

// Convert folds every pending run into the block set.
func (e *Engine) Convert(ctx context.Context) (res Result, err error) {
	ctx, span := e.spans.StartOpSpan(ctx, "convert")
	done := observability.TimedOperation()
	start := time.Now()
	defer func() {
		e.spans.EndSpanWithError(span, err)
		e.metrics.RecordConversion(ctx, observability.ConversionStats{
			BlocksWritten:  len(res.NewBlocks),
			RunsConsumed:   len(res.ConsumedRuns),
			RecordsWritten: res.RecordsWritten,
			Redundant:      res.Redundant,
		}, time.Since(start), err)
		if err != nil {
			observability.LogConversionError(e.logger, err, done())
		}
	}()

	lock, err := e.lock(ctx, dirlock.Exclusive)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = lock.Release() }()

	if _, err := e.recoverStaging(); err != nil {
		return Result{}, err
	}

	p, err := e.plan(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(p.consumed) == 0 {
		return p.result, nil
	}
	observability.LogConversionStart(e.logger, len(p.consumed), p.first)
	e.spans.AddSpanEvent(ctx, "planned",
		attribute.Int("segments", len(p.segments)),
		attribute.Int("runs", len(p.consumed)),
	)

	if err := e.commit(ctx, p); err != nil {
		return Result{}, err
	}
	observability.LogConversionComplete(e.logger, len(p.result.NewBlocks), len(p.result.ConsumedRuns), p.result.Redundant, done())
	return p.result, nil
}

// Plan computes what Convert would do without writing anything.
func (e *Engine) Plan(ctx context.Context) (Result, error) {
	lock, err := e.lock(ctx, dirlock.Shared)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = lock.Release() }()

	p, err := e.plan(ctx)
	if err != nil {
		return Result{}, err
	}
	p.result.DryRun = true
	return p.result, nil
}

// Recover handles staging artifacts left by an interrupted conversion.
func (e *Engine) Recover(ctx context.Context) (Recovery, error) {
	lock, err := e.lock(ctx, dirlock.Exclusive)
	if err != nil {
		return Recovery{}, err
	}
	defer func() { _ = lock.Release() }()
	return e.recoverStaging()
}

func (e *Engine) lock(ctx context.Context, mode dirlock.Mode) (*dirlock.Lock, error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()
	return dirlock.AcquireContext(lockCtx, e.blocks.Dir(), mode, e.retry)
}

// recoverStaging must run under the exclusive lock. It also removes stale
// partial run files.
func (e *Engine) recoverStaging() (Recovery, error) {
	var rec Recovery
	dir := e.blocks.Dir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return rec, &fberrors.CatalogReadError{Op: "list blocks", Path: dir, Err: err}
	}
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(dir, name)
		switch {
		case strings.HasPrefix(name, catalog.StagingPrefix) && entry.IsDir():
			j, committed, err := readJournal(path)
			if err != nil {
				return rec, err
			}
			if committed {
				if err := j.apply(dir, path); err != nil {
					return rec, fmt.Errorf("roll forward %s: %w", name, err)
				}
				rec.RolledForward = append(rec.RolledForward, path)
			} else {
				if err := os.RemoveAll(path); err != nil {
					return rec, fmt.Errorf("discard %s: %w", name, err)
				}
				rec.Discarded = append(rec.Discarded, path)
			}
			observability.LogRecovery(e.logger, path, committed)
		case strings.HasPrefix(name, catalog.TempPrefix):
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return rec, fmt.Errorf("discard %s: %w", name, err)
			}
			rec.Discarded = append(rec.Discarded, path)
			observability.LogRecovery(e.logger, path, false)
		}
	}

	partial, err := e.runs.SweepLeftovers(e.tempAge)
	rec.Discarded = append(rec.Discarded, partial...)
	if err != nil {
		return rec, err
	}
	for _, path := range partial {
		observability.LogRecovery(e.logger, path, false)
	}
	return rec, nil
}

func (e *Engine) plan(ctx context.Context) (plan, error) {
	listing, err := e.blocks.ListBlocks(ctx)
	if err != nil {
		return plan{}, err
	}
	for _, b := range listing.Blocks {
		if b.ReadErr != nil {
			return plan{}, &fberrors.CatalogReadError{Op: "decode block", Path: b.Path, Err: b.ReadErr}
		}
	}

	runs, err := e.runs.ListRuns(ctx)
	if err != nil {
		return plan{}, err
	}
	if len(runs) == 0 {
		return plan{}, nil
	}
	batches, err := e.runs.LoadRuns(ctx, runs)
	if err != nil {
		return plan{}, err
	}

	var p plan
	p.consumed = runs
	for _, r := range runs {
		p.result.ConsumedRuns = append(p.result.ConsumedRuns, r.ID)
	}

	sources := make([][]model.Record, 0, len(batches)+1)
	tail := listing.Tail()
	var tailRecords []model.Record
	if tail != nil {
		tailRecords, err = e.blocks.LoadBlock(ctx, *tail)
		if err != nil {
			return plan{}, err
		}
		sources = append(sources, tailRecords)
		p.first = tail.FileIndex
	}
	for _, b := range batches {
		sources = append(sources, b.Records)
	}
	for _, s := range sources {
		p.result.RecordsIn += len(s)
	}
	if p.result.Uncovered, err = e.uncovered(ctx, batches); err != nil {
		return plan{}, err
	}

	merged, dups := Merge(sources...)
	p.result.Duplicates = dups

	low, high := merged[:0], merged
	sealed := listing.Sealed()
	if len(sealed) > 0 {
		metas, load := e.sealedContent(ctx, sealed)
		low, high = SplitAt(merged, metas[len(metas)-1].MaxP)
		redundant, conflicts, err := checkSealed(low, metas, load)
		if err != nil {
			return plan{}, err
		}
		p.result.Redundant = redundant
		conflicts = append(conflicts, MarkerConflicts(high)...)
		if len(conflicts) > 0 {
			return plan{}, &fberrors.ConversionIntegrityError{Conflicts: conflicts}
		}
	} else if conflicts := MarkerConflicts(high); len(conflicts) > 0 {
		return plan{}, &fberrors.ConversionIntegrityError{Conflicts: conflicts}
	}

	p.segments = Partition(high, e.target)

	// A tail whose content is reproduced exactly by the first segment stays.
	if tail != nil && len(p.segments) > 0 && slices.Equal(p.segments[0], normalized(tailRecords)) {
		p.segments = p.segments[1:]
		p.first++
	} else if tail != nil {
		p.removes = append(p.removes, *tail)
	}

	for i, seg := range p.segments {
		meta := model.SummarizeBlock(p.first+i, seg)
		p.result.NewBlocks = append(p.result.NewBlocks, meta)
		p.result.RecordsWritten += len(seg)
	}
	for _, b := range p.removes {
		p.result.ReplacedBlocks = append(p.result.ReplacedBlocks, b.Name)
	}
	p.result.Changed = len(p.segments) > 0 || len(p.removes) > 0
	return p, nil
}

// uncovered returns the primes of the batches that no block holds.
func (e *Engine) uncovered(ctx context.Context, batches []model.RunBatch) ([]uint64, error) {
	per := make([][]uint64, len(batches))
	for i, b := range batches {
		recs := slices.Clone(b.Records)
		model.SortRecords(recs)
		per[i] = model.Coverage(recs)
	}
	runs := model.MergeCoverage(per...)
	if len(runs) == 0 {
		return nil, nil
	}
	blocks, err := e.blocks.CoverageIn(ctx, runs[0], runs[len(runs)-1])
	if err != nil {
		return nil, err
	}
	return coverage.Diff(runs, blocks).RunsNotInBlocks, nil
}

// sealedContent returns the metadata of the sealed blocks and a loader for
// their sorted records. Each block is read at most once.
func (e *Engine) sealedContent(ctx context.Context, sealed []catalog.BlockInfo) ([]model.BlockMeta, func(int) ([]model.Record, error)) {
	metas := make([]model.BlockMeta, len(sealed))
	for i, b := range sealed {
		metas[i] = b.Meta
	}
	cache := make(map[int][]model.Record)
	return metas, func(pos int) ([]model.Record, error) {
		if recs, ok := cache[pos]; ok {
			return recs, nil
		}
		recs, err := e.blocks.LoadBlock(ctx, sealed[pos])
		if err != nil {
			return nil, err
		}
		model.SortRecords(recs)
		cache[pos] = recs
		return recs, nil
	}
}

func normalized(records []model.Record) []model.Record {
	out, _ := Merge(records)
	return out
}

func (e *Engine) commit(ctx context.Context, p plan) error {
	j := Journal{CreatedAt: e.now().UTC()}
	for _, r := range p.consumed {
		j.ConsumedRuns = append(j.ConsumedRuns, r.Path)
	}

	dir := e.blocks.Dir()
	staging := filepath.Join(dir, catalog.StagingPrefix+uuid.New().String()[:8])
	if err := os.Mkdir(staging, 0o755); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}
	for i, seg := range p.segments {
		if err := ctx.Err(); err != nil {
			_ = os.RemoveAll(staging)
			return err
		}
		path, err := catalog.WriteBlock(staging, p.first+i, seg, e.compress, e.now())
		if err != nil {
			_ = os.RemoveAll(staging)
			return err
		}
		j.Adds = append(j.Adds, filepath.Base(path))
	}
	for _, b := range p.removes {
		if !slices.Contains(j.Adds, b.Name) {
			j.Removes = append(j.Removes, b.Name)
		}
	}

	if err := writeJournal(staging, j); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("write journal: %w", err)
	}
	return j.apply(dir, staging)
}

// Rebuild re-partitions every block, plus pending runs, at a new target.
// Pending runs are checked against the sealed blocks exactly as Convert does
// and a conflict aborts the rebuild before anything is written. All block
// files are then copied into a timestamped directory under backupDir. The
// engine uses the new target afterwards.
func (e *Engine) Rebuild(ctx context.Context, target int, backupDir string) (res Result, err error) {
	if target <= 0 {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidTarget, target)
	}
	ctx, span := e.spans.StartOpSpan(ctx, "rebuild", attribute.Int("target", target))
	defer func() { e.spans.EndSpanWithError(span, err) }()

	lock, err := e.lock(ctx, dirlock.Exclusive)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = lock.Release() }()

	if _, err := e.recoverStaging(); err != nil {
		return Result{}, err
	}

	listing, err := e.blocks.ListBlocks(ctx)
	if err != nil {
		return Result{}, err
	}
	runs, err := e.runs.ListRuns(ctx)
	if err != nil {
		return Result{}, err
	}
	batches, err := e.runs.LoadRuns(ctx, runs)
	if err != nil {
		return Result{}, err
	}

	var sources [][]model.Record
	for _, b := range listing.Blocks {
		if b.ReadErr != nil {
			return Result{}, &fberrors.CatalogReadError{Op: "decode block", Path: b.Path, Err: b.ReadErr}
		}
		recs, err := e.blocks.LoadBlock(ctx, b)
		if err != nil {
			return Result{}, err
		}
		sources = append(sources, recs)
	}

	// Pending runs obey the same rules as in Convert: a sealed range is never
	// repaired by folding run records into it.
	var conflicts []fberrors.Conflict
	if sealed := listing.Sealed(); len(sealed) > 0 && len(batches) > 0 {
		runSources := make([][]model.Record, len(batches))
		for i, b := range batches {
			runSources[i] = b.Records
		}
		fromRuns, _ := Merge(runSources...)
		metas, load := e.sealedContent(ctx, sealed)
		low, _ := SplitAt(fromRuns, metas[len(metas)-1].MaxP)
		if _, conflicts, err = checkSealed(low, metas, load); err != nil {
			return Result{}, err
		}
	}
	for _, b := range batches {
		sources = append(sources, b.Records)
	}

	merged, dups := Merge(sources...)
	conflicts = append(conflicts, MarkerConflicts(merged)...)
	if len(conflicts) > 0 {
		return Result{}, &fberrors.ConversionIntegrityError{Conflicts: conflicts}
	}

	if err := backupBlocks(listing, filepath.Join(backupDir, "blocks-"+e.now().UTC().Format("20060102T150405.000000000"))); err != nil {
		return Result{}, err
	}

	p := plan{
		segments: Partition(merged, target),
		removes:  listing.Blocks,
		consumed: runs,
	}
	for _, s := range sources {
		p.result.RecordsIn += len(s)
	}
	p.result.Duplicates = dups
	for _, r := range runs {
		p.result.ConsumedRuns = append(p.result.ConsumedRuns, r.ID)
	}
	for i, seg := range p.segments {
		p.result.NewBlocks = append(p.result.NewBlocks, model.SummarizeBlock(i, seg))
		p.result.RecordsWritten += len(seg)
	}
	for _, b := range p.removes {
		p.result.ReplacedBlocks = append(p.result.ReplacedBlocks, b.Name)
	}
	p.result.Changed = true

	if err := e.commit(ctx, p); err != nil {
		return Result{}, err
	}
	e.target = target
	e.logger.Info("blocks rebuilt",
		slog.Int("target", target),
		slog.Int("blocks", len(p.segments)),
		slog.String("backup", backupDir),
	)
	return p.result, nil
}

func backupBlocks(listing catalog.Listing, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	for _, b := range listing.Blocks {
		if err := copyFile(b.Path, filepath.Join(dst, b.Name)); err != nil {
			return fmt.Errorf("backup %s: %w", b.Name, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(filepath.Clean(dst), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
