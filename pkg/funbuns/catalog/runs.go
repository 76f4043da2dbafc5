// Package catalog lists and loads the run and block files of a storage area.
//
// Catalogs never treat an unreadable directory or file as absent: every such
// failure is returned as an errors.CatalogReadError.
package catalog

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	fberrors "github.com/genamethi/funbuns/pkg/funbuns/errors"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
	"github.com/genamethi/funbuns/pkg/funbuns/observability"
	"github.com/genamethi/funbuns/pkg/funbuns/segment"
	"golang.org/x/sync/errgroup"
)

// RunExt is the extension of run files.
const RunExt = ".run"

// TempPrefix names files still being written, in both the run and the
// block directory.
const TempPrefix = ".tmp-"

var (
	// ErrInvalidRecord indicates a submitted record fails p = 2^m + q^n.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrInvalidRunID indicates a run ID that is not a plain file name.
	ErrInvalidRunID = errors.New("invalid run id")
)

// Options configures a catalog.
type Options struct {
	// Concurrency bounds parallel file loads. Values below 1 mean 1.
	Concurrency int
	// Compress enables zstd compression of written files.
	Compress bool
	// Logger receives debug output. Nil discards.
	Logger *slog.Logger
	// Now returns the current time. Nil uses time.Now.
	Now func() time.Time
}

func (o Options) limit() int {
	return max(o.Concurrency, 1)
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// RunCatalog manages the pending run files of one directory.
type RunCatalog struct {
	dir    string
	opts   Options
	logger *slog.Logger
}

// NewRunCatalog creates a catalog over dir.
func NewRunCatalog(dir string, opts Options) *RunCatalog {
	return &RunCatalog{
		dir:    dir,
		opts:   opts,
		logger: observability.Component(opts.Logger, "run_catalog"),
	}
}

// Dir returns the run directory.
func (c *RunCatalog) Dir() string {
	return c.dir
}

// ListRuns returns the metadata of every run file ordered by creation time,
// then ID.
func (c *RunCatalog) ListRuns(ctx context.Context) ([]model.RunMeta, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, &fberrors.CatalogReadError{Op: "list runs", Path: c.dir, Err: err}
	}

	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != RunExt {
			continue
		}
		paths = append(paths, filepath.Join(c.dir, name))
	}

	metas := make([]model.RunMeta, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.limit())
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			meta, err := readRunMeta(path)
			if err != nil {
				return err
			}
			metas[i] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(metas, func(a, b model.RunMeta) int {
		if d := a.CreatedAt.Compare(b.CreatedAt); d != 0 {
			return d
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return metas, nil
}

func readRunMeta(path string) (model.RunMeta, error) {
	meta, err := segment.ReadMeta(path, segment.TypeRun)
	if err != nil {
		return model.RunMeta{}, &fberrors.CatalogReadError{Op: "read run", Path: path, Err: err}
	}
	if meta.Run == nil {
		return model.RunMeta{}, &fberrors.CatalogReadError{
			Op: "read run", Path: path, Err: fmt.Errorf("%w: no run metadata", segment.ErrCorrupt),
		}
	}
	run := *meta.Run
	run.Path = path
	return run, nil
}

// LoadRun reads the records of one run.
func (c *RunCatalog) LoadRun(ctx context.Context, meta model.RunMeta) (model.RunBatch, error) {
	if err := ctx.Err(); err != nil {
		return model.RunBatch{}, err
	}
	f, err := segment.ReadFile(meta.Path, segment.TypeRun)
	if err != nil {
		return model.RunBatch{}, &fberrors.CatalogReadError{Op: "read run", Path: meta.Path, Err: err}
	}
	records, err := f.Records()
	if err != nil {
		return model.RunBatch{}, &fberrors.CatalogReadError{Op: "decode run", Path: meta.Path, Err: err}
	}
	return model.RunBatch{Meta: meta, Records: records}, nil
}

// LoadRuns reads several runs concurrently. Results keep the input order.
func (c *RunCatalog) LoadRuns(ctx context.Context, metas []model.RunMeta) ([]model.RunBatch, error) {
	batches := make([]model.RunBatch, len(metas))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.limit())
	for i, meta := range metas {
		g.Go(func() error {
			b, err := c.LoadRun(gctx, meta)
			if err != nil {
				return err
			}
			batches[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batches, nil
}

// RunCoverage returns the sorted distinct primes of each run, in input order.
func (c *RunCatalog) RunCoverage(ctx context.Context, metas []model.RunMeta) ([][]uint64, error) {
	batches, err := c.LoadRuns(ctx, metas)
	if err != nil {
		return nil, err
	}
	out := make([][]uint64, len(batches))
	for i, b := range batches {
		records := slices.Clone(b.Records)
		model.SortRecords(records)
		out[i] = model.Coverage(records)
	}
	return out, nil
}

// PrimeCoverage returns the sorted distinct primes across runs.
func (c *RunCatalog) PrimeCoverage(ctx context.Context, metas []model.RunMeta) ([]uint64, error) {
	per, err := c.RunCoverage(ctx, metas)
	if err != nil {
		return nil, err
	}
	return model.MergeCoverage(per...), nil
}

// Submit validates a batch and writes it as a new run file. Missing ID,
// creation time and prime range are filled in.
func (c *RunCatalog) Submit(ctx context.Context, batch model.RunBatch) (model.RunMeta, error) {
	if err := ctx.Err(); err != nil {
		return model.RunMeta{}, err
	}
	for _, r := range batch.Records {
		if !r.Valid() {
			return model.RunMeta{}, fmt.Errorf("%w: %s", ErrInvalidRecord, r)
		}
	}

	meta := batch.Meta
	now := c.opts.now()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now.UTC()
	}
	if meta.ID == "" {
		meta.ID = model.NewRunID(meta.CreatedAt)
	}
	if err := validRunID(meta.ID); err != nil {
		return model.RunMeta{}, err
	}
	if meta.PrimeRangeStart == 0 && meta.PrimeRangeEnd == 0 && len(batch.Records) > 0 {
		filled := model.NewRunBatch(batch.Records, now)
		meta.PrimeRangeStart = filled.Meta.PrimeRangeStart
		meta.PrimeRangeEnd = filled.Meta.PrimeRangeEnd
	}
	meta.Rows = len(batch.Records)
	meta.Path = filepath.Join(c.dir, meta.ID+RunExt)

	if _, err := os.Stat(meta.Path); err == nil {
		return model.RunMeta{}, fmt.Errorf("run %s already exists", meta.ID)
	}

	stored := meta
	stored.Path = ""
	segMeta := segment.Meta{
		CreatedAt:  meta.CreatedAt,
		Schema:     model.Schema,
		BlockIndex: -1,
		Run:        &stored,
	}
	cols := segment.ColumnsFromRecords(batch.Records)
	if err := segment.WriteFile(meta.Path, segment.TypeRun, segMeta, cols, c.opts.Compress, 0o644); err != nil {
		return model.RunMeta{}, fmt.Errorf("write run %s: %w", meta.ID, err)
	}

	c.logger.Debug("run submitted",
		slog.String("run_id", meta.ID),
		slog.Int("rows", meta.Rows),
		slog.Uint64("prime_range_start", meta.PrimeRangeStart),
		slog.Uint64("prime_range_end", meta.PrimeRangeEnd),
	)
	return meta, nil
}

// Remove deletes consumed run files. Files already gone are ignored.
func (c *RunCatalog) Remove(paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// validRunID accepts IDs that name a file directly inside the run directory.
func validRunID(id string) error {
	if strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) || filepath.Base(id) != id {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, id)
	}
	return nil
}

// Leftovers returns the temp files of submissions that never completed.
// A file can also belong to a Submit still in progress.
func (c *RunCatalog) Leftovers() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, &fberrors.CatalogReadError{Op: "list runs", Path: c.dir, Err: err}
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), TempPrefix) {
			out = append(out, filepath.Join(c.dir, e.Name()))
		}
	}
	return out, nil
}

// SweepLeftovers removes temp files last modified more than age ago and
// returns their paths. Younger files may belong to a live Submit and stay.
func (c *RunCatalog) SweepLeftovers(age time.Duration) ([]string, error) {
	paths, err := c.Leftovers()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, &fberrors.CatalogReadError{Op: "stat run", Path: path, Err: err}
		}
		if time.Since(info.ModTime()) < age {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("discard %s: %w", path, err)
		}
		removed = append(removed, path)
		c.logger.Debug("discarded partial run", slog.String("path", path))
	}
	return removed, nil
}
