package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/genamethi/funbuns/pkg/funbuns/catalog"
	fberrors "github.com/genamethi/funbuns/pkg/funbuns/errors"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func markers(primes ...uint64) []model.Record {
	out := make([]model.Record, len(primes))
	for i, p := range primes {
		out[i] = model.NewMarker(p)
	}
	return out
}

func fixedClock(start time.Time) func() time.Time {
	next := start
	return func() time.Time {
		now := next
		next = next.Add(time.Second)
		return now
	}
}

func newRunCatalog(t *testing.T) *catalog.RunCatalog {
	t.Helper()
	return catalog.NewRunCatalog(t.TempDir(), catalog.Options{
		Concurrency: 2,
		Compress:    true,
		Now:         fixedClock(time.Unix(1700000000, 0)),
	})
}

func TestRunCatalog_SubmitListLoad(t *testing.T) {
	ctx := context.Background()
	runs := newRunCatalog(t)

	first, err := runs.Submit(ctx, model.RunBatch{Records: []model.Record{
		model.NewMarker(2), model.NewMarker(3), {P: 5, M: 1, N: 1, Q: 3},
	}})
	require.NoError(t, err)
	second, err := runs.Submit(ctx, model.RunBatch{Records: []model.Record{
		{P: 13, M: 2, N: 2, Q: 3}, {P: 7, M: 2, N: 1, Q: 3}, {P: 7, M: 1, N: 1, Q: 5},
	}})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), first.PrimeRangeStart)
	assert.Equal(t, uint64(5), first.PrimeRangeEnd)
	assert.Equal(t, 3, first.Rows)
	assert.Equal(t, uint64(7), second.PrimeRangeStart)
	assert.Equal(t, uint64(13), second.PrimeRangeEnd)

	metas, err := runs.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, first.ID, metas[0].ID, "ordered by creation time")
	assert.Equal(t, second.ID, metas[1].ID)
	assert.Equal(t, first.Path, metas[0].Path)
	assert.Equal(t, 3, metas[1].Rows)
	assert.True(t, first.CreatedAt.Equal(metas[0].CreatedAt))

	batch, err := runs.LoadRun(ctx, metas[1])
	require.NoError(t, err)
	assert.Equal(t, model.Record{P: 13, M: 2, N: 2, Q: 3}, batch.Records[0], "records keep submission order")

	cov, err := runs.PrimeCoverage(ctx, metas)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3, 5, 7, 13}, cov)

	per, err := runs.RunCoverage(ctx, metas)
	require.NoError(t, err)
	assert.Equal(t, [][]uint64{{2, 3, 5}, {7, 13}}, per)
}

func TestRunCatalog_SubmitRejectsInvalidRecord(t *testing.T) {
	runs := newRunCatalog(t)

	_, err := runs.Submit(context.Background(), model.RunBatch{Records: []model.Record{
		{P: 17, M: 1, N: 1, Q: 3},
	}})
	assert.ErrorIs(t, err, catalog.ErrInvalidRecord)

	metas, err := runs.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, metas, "nothing written")
}

func TestRunCatalog_SubmitKeepsExplicitID(t *testing.T) {
	runs := newRunCatalog(t)
	batch := model.NewRunBatch(markers(11), time.Unix(1700000100, 0))

	meta, err := runs.Submit(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, batch.Meta.ID, meta.ID)

	_, err = runs.Submit(context.Background(), batch)
	assert.ErrorContains(t, err, "already exists")
}

func TestRunCatalog_SubmitRejectsUnsafeID(t *testing.T) {
	runs := newRunCatalog(t)
	for _, id := range []string{"../escape", "nested/run", `win\run`, ".hidden", ".."} {
		t.Run(id, func(t *testing.T) {
			batch := model.NewRunBatch(markers(11), time.Unix(1700000100, 0))
			batch.Meta.ID = id
			_, err := runs.Submit(context.Background(), batch)
			assert.ErrorIs(t, err, catalog.ErrInvalidRunID)
		})
	}

	_, err := os.Stat(filepath.Join(filepath.Dir(runs.Dir()), "escape"+catalog.RunExt))
	assert.True(t, os.IsNotExist(err), "nothing written outside the run directory")
	entries, err := os.ReadDir(runs.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunCatalog_UnreadableIsNotAbsent(t *testing.T) {
	ctx := context.Background()

	missing := catalog.NewRunCatalog(filepath.Join(t.TempDir(), "nope"), catalog.Options{})
	_, err := missing.ListRuns(ctx)
	var readErr *fberrors.CatalogReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, "list runs", readErr.Op)

	runs := newRunCatalog(t)
	require.NoError(t, os.WriteFile(filepath.Join(runs.Dir(), "broken.run"), []byte("not a run"), 0o644))
	_, err = runs.ListRuns(ctx)
	require.ErrorAs(t, err, &readErr)
	assert.Contains(t, readErr.Path, "broken.run")
	assert.True(t, fberrors.NeedsOperator(err))
}

func TestRunCatalog_IgnoresTempFiles(t *testing.T) {
	runs := newRunCatalog(t)
	require.NoError(t, os.WriteFile(filepath.Join(runs.Dir(), ".tmp-123"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(runs.Dir(), "notes.txt"), []byte("x"), 0o644))

	metas, err := runs.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestRunCatalog_SweepLeftovers(t *testing.T) {
	runs := newRunCatalog(t)
	stale := filepath.Join(runs.Dir(), catalog.TempPrefix+"crashed")
	live := filepath.Join(runs.Dir(), catalog.TempPrefix+"writing")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(live, []byte("partial"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	left, err := runs.Leftovers()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{stale, live}, left)

	removed, err := runs.SweepLeftovers(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, removed)

	left, err = runs.Leftovers()
	require.NoError(t, err)
	assert.Equal(t, []string{live}, left)
}

func TestRunCatalog_Remove(t *testing.T) {
	ctx := context.Background()
	runs := newRunCatalog(t)
	meta, err := runs.Submit(ctx, model.RunBatch{Records: markers(2)})
	require.NoError(t, err)

	require.NoError(t, runs.Remove([]string{meta.Path, filepath.Join(runs.Dir(), "gone.run")}))

	metas, err := runs.ListRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestParseBlockFileName(t *testing.T) {
	tests := []struct {
		name  string
		index int
		maxP  uint64
		ok    bool
	}{
		{"pp_b000000_p53.blk", 0, 53, true},
		{"pp_b000012_p1000003.blk", 12, 1000003, true},
		{"pp_b1234567_p7.blk", 1234567, 7, true},
		{"pp_b12_p7.blk", 0, 0, false},
		{"pp_b000001_p7.run", 0, 0, false},
		{"pp_b000001_pX.blk", 0, 0, false},
		{"block.blk", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, maxP, ok := catalog.ParseBlockFileName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.index, index)
			assert.Equal(t, tt.maxP, maxP)
		})
	}

	assert.Equal(t, "pp_b000003_p97.blk", catalog.BlockFileName(3, 97))
}

func TestBlockCatalog_ListBlocks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Unix(1700000000, 0)

	_, err := catalog.WriteBlock(dir, 1, markers(11, 13), true, now)
	require.NoError(t, err)
	_, err = catalog.WriteBlock(dir, 0, []model.Record{
		model.NewMarker(2), model.NewMarker(3), {P: 5, M: 1, N: 1, Q: 3},
		{P: 7, M: 1, N: 1, Q: 5}, {P: 7, M: 2, N: 1, Q: 3},
	}, false, now)
	require.NoError(t, err)

	require.NoError(t, os.Mkdir(filepath.Join(dir, catalog.StagingPrefix+"abc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-99"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".lock"), nil, 0o644))

	blocks := catalog.NewBlockCatalog(dir, catalog.Options{Concurrency: 4})
	listing, err := blocks.ListBlocks(ctx)
	require.NoError(t, err)

	require.Len(t, listing.Blocks, 2)
	b0 := listing.Blocks[0]
	assert.Equal(t, "pp_b000000_p7.blk", b0.Name)
	assert.Equal(t, 0, b0.HeaderIndex)
	assert.Equal(t, model.BlockMeta{Index: 0, MinP: 2, MaxP: 7, RowCount: 5, UniquePrimes: 4}, b0.Meta)
	assert.Equal(t, model.Schema, b0.Schema)
	assert.NoError(t, b0.ReadErr)

	assert.Equal(t, 1, listing.Tail().FileIndex)
	assert.Len(t, listing.Sealed(), 1)
	assert.Len(t, listing.Metas(), 2)
	assert.Len(t, listing.Staging, 2)
	assert.Equal(t, []string{"README"}, listing.Unparsed)
	assert.Empty(t, listing.Mismatches())

	tail, err := blocks.OpenBlock(ctx)
	require.NoError(t, err)
	records, err := blocks.LoadBlock(ctx, *tail)
	require.NoError(t, err)
	assert.Equal(t, markers(11, 13), records)
}

func TestBlockCatalog_Empty(t *testing.T) {
	blocks := catalog.NewBlockCatalog(t.TempDir(), catalog.Options{})

	tail, err := blocks.OpenBlock(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tail)

	listing, err := blocks.ListBlocks(context.Background())
	require.NoError(t, err)
	assert.Nil(t, listing.Sealed())
}

func TestBlockCatalog_CorruptAndMismatched(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Unix(1700000000, 0)

	path, err := catalog.WriteBlock(dir, 0, markers(2, 3), true, now)
	require.NoError(t, err)
	require.NoError(t, os.Rename(path, filepath.Join(dir, catalog.BlockFileName(0, 5))))

	path, err = catalog.WriteBlock(dir, 1, markers(7), true, now)
	require.NoError(t, err)
	require.NoError(t, os.Rename(path, filepath.Join(dir, catalog.BlockFileName(2, 7))))

	require.NoError(t, os.WriteFile(filepath.Join(dir, catalog.BlockFileName(3, 11)), []byte("garbage"), 0o644))

	blocks := catalog.NewBlockCatalog(dir, catalog.Options{})
	listing, err := blocks.ListBlocks(ctx)
	require.NoError(t, err, "corrupt blocks are reported, not thrown")
	require.Len(t, listing.Blocks, 3)

	assert.Error(t, listing.Blocks[2].ReadErr)
	assert.Nil(t, listing.Blocks[2].Schema)
	assert.Len(t, listing.Metas(), 2)

	mismatches := listing.Mismatches()
	require.Len(t, mismatches, 2)
	for _, v := range mismatches {
		assert.Equal(t, model.ViolationFilename, v.Kind)
	}
	assert.Contains(t, mismatches[0].Message, "max_p 5")
	assert.Contains(t, mismatches[1].Message, "header declares 1")

	_, err = blocks.LoadBlock(ctx, listing.Blocks[2])
	var readErr *fberrors.CatalogReadError
	assert.ErrorAs(t, err, &readErr)
}

func TestWriteBlock_RejectsEmpty(t *testing.T) {
	_, err := catalog.WriteBlock(t.TempDir(), 0, nil, true, time.Now())
	assert.Error(t, err)
}
