package integrity_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/genamethi/funbuns/pkg/funbuns/catalog"
	"github.com/genamethi/funbuns/pkg/funbuns/dirlock"
	fberrors "github.com/genamethi/funbuns/pkg/funbuns/errors"
	"github.com/genamethi/funbuns/pkg/funbuns/integrity"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1700000000, 0)

func markers(ps ...uint64) []model.Record {
	out := make([]model.Record, len(ps))
	for i, p := range ps {
		out[i] = model.NewMarker(p)
	}
	return out
}

func newScanner(t *testing.T, target int) (*integrity.Scanner, string) {
	t.Helper()
	dir := t.TempDir()
	blocks := catalog.NewBlockCatalog(dir, catalog.Options{Concurrency: 2})
	s := integrity.NewScanner(blocks, target,
		integrity.WithLockTimeout(200*time.Millisecond),
		integrity.WithLockRetry(fberrors.RetryConfig{InitialBackoff: 5 * time.Millisecond, BackoffFactor: 1}),
	)
	return s, dir
}

func writeBlock(t *testing.T, dir string, index int, records []model.Record) string {
	t.Helper()
	path, err := catalog.WriteBlock(dir, index, records, true, epoch)
	require.NoError(t, err)
	return path
}

func kinds(vs []model.Violation) []model.ViolationKind {
	out := make([]model.ViolationKind, len(vs))
	for i, v := range vs {
		out[i] = v.Kind
	}
	return out
}

func find(vs []model.Violation, kind model.ViolationKind) []model.Violation {
	var out []model.Violation
	for _, v := range vs {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

func TestScan_Clean(t *testing.T) {
	s, dir := newScanner(t, 3)
	writeBlock(t, dir, 0, []model.Record{model.NewMarker(2), model.NewMarker(3), {P: 5, M: 1, N: 1, Q: 3}})
	writeBlock(t, dir, 1, []model.Record{{P: 7, M: 1, N: 1, Q: 5}, {P: 7, M: 2, N: 1, Q: 3}, {P: 11, M: 3, N: 1, Q: 3}, {P: 13, M: 2, N: 2, Q: 3}})
	writeBlock(t, dir, 2, markers(17))

	rep, err := s.Scan(t.Context())
	require.NoError(t, err)

	assert.True(t, rep.OK, "%v", rep.Violations)
	assert.NoError(t, rep.Err())
	assert.Len(t, rep.Blocks, 3)
	assert.Equal(t, uint64(7), rep.DistinctPrimes)
}

func TestScan_Empty(t *testing.T) {
	s, _ := newScanner(t, 3)
	rep, err := s.Scan(t.Context())
	require.NoError(t, err)
	assert.True(t, rep.OK)
	assert.Empty(t, rep.Blocks)
	assert.Zero(t, rep.DistinctPrimes)
}

// A prime present in two blocks is reported with both block indices.
func TestScan_DuplicatePrimeAcrossBlocks(t *testing.T) {
	s, dir := newScanner(t, 2)
	writeBlock(t, dir, 0, markers(53, 59))
	writeBlock(t, dir, 1, markers(59, 61))

	rep, err := s.Scan(t.Context())
	require.NoError(t, err)
	require.False(t, rep.OK)

	dups := find(rep.Violations, model.ViolationDuplicatePrime)
	require.Len(t, dups, 1)
	assert.Equal(t, []uint64{59}, dups[0].Primes)
	assert.Equal(t, []int{0, 1}, dups[0].Blocks)
	assert.Len(t, find(rep.Violations, model.ViolationOrdering), 1)
	assert.Equal(t, uint64(3), rep.DistinctPrimes)

	var ive *fberrors.IntegrityViolationError
	require.ErrorAs(t, rep.Err(), &ive)
	assert.Contains(t, ive.Kinds(), model.ViolationDuplicatePrime)
	assert.True(t, fberrors.NeedsOperator(rep.Err()))
}

func TestScan_ReportsEveryViolation(t *testing.T) {
	s, dir := newScanner(t, 2)
	writeBlock(t, dir, 0, markers(2, 3))
	// Index 1 is missing; block 2 is short and sealed.
	writeBlock(t, dir, 2, markers(5))
	writeBlock(t, dir, 3, []model.Record{
		model.NewMarker(7),
		{P: 7, M: 1, N: 1, Q: 5},
		{P: 11, M: 1, N: 1, Q: 7},
		{P: 11, M: 1, N: 1, Q: 7},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pp_b000004_p20.blk"), []byte("garbage"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, catalog.StagingPrefix+"dead"), 0o755))

	rep, err := s.Scan(t.Context())
	require.NoError(t, err)
	require.False(t, rep.OK)

	got := kinds(rep.Violations)
	for _, want := range []model.ViolationKind{
		model.ViolationIndexGap,
		model.ViolationShortBlock,
		model.ViolationMarkerConflict,
		model.ViolationArithmetic,
		model.ViolationDuplicateRecord,
		model.ViolationCorrupt,
		model.ViolationStaging,
	} {
		assert.Contains(t, got, want)
	}

	conflict := find(rep.Violations, model.ViolationMarkerConflict)
	require.Len(t, conflict, 1)
	assert.Equal(t, []uint64{7}, conflict[0].Primes)
	assert.Equal(t, []int{3}, conflict[0].Blocks)

	arith := find(rep.Violations, model.ViolationArithmetic)
	require.Len(t, arith, 1)
	assert.Equal(t, []uint64{11}, arith[0].Primes)
}

func TestScan_UnsortedAndFilenameMismatch(t *testing.T) {
	s, dir := newScanner(t, 10)
	path := writeBlock(t, dir, 0, markers(5, 3, 7))
	require.NoError(t, os.Rename(path, filepath.Join(dir, "pp_b000000_p11.blk")))

	rep, err := s.Scan(t.Context())
	require.NoError(t, err)

	unsorted := find(rep.Violations, model.ViolationUnsorted)
	require.Len(t, unsorted, 1)
	assert.Equal(t, []uint64{5, 3}, unsorted[0].Primes)
	assert.Len(t, find(rep.Violations, model.ViolationFilename), 1)
}

func TestScan_HeaderIndexMismatch(t *testing.T) {
	s, dir := newScanner(t, 10)
	path := writeBlock(t, dir, 3, markers(2, 3))
	require.NoError(t, os.Rename(path, filepath.Join(dir, "pp_b000000_p3.blk")))

	rep, err := s.Scan(t.Context())
	require.NoError(t, err)
	names := find(rep.Violations, model.ViolationFilename)
	require.Len(t, names, 1)
	assert.Contains(t, names[0].Message, "header declares 3")
}

func TestScan_DuplicateIndex(t *testing.T) {
	s, dir := newScanner(t, 2)
	writeBlock(t, dir, 0, markers(2, 3))
	writeBlock(t, dir, 0, markers(5))

	rep, err := s.Scan(t.Context())
	require.NoError(t, err)
	assert.NotEmpty(t, find(rep.Violations, model.ViolationOrdering))
}

func TestScan_SetTarget(t *testing.T) {
	s, dir := newScanner(t, 2)
	writeBlock(t, dir, 0, markers(2, 3))
	writeBlock(t, dir, 1, markers(5))

	rep, err := s.Scan(t.Context())
	require.NoError(t, err)
	assert.True(t, rep.OK)

	s.SetTarget(3)
	assert.Equal(t, 3, s.Target())
	rep, err = s.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []model.ViolationKind{model.ViolationShortBlock}, kinds(rep.Violations))
}

func TestScan_WaitsForExclusiveLock(t *testing.T) {
	s, dir := newScanner(t, 2)
	lock, err := dirlock.Acquire(dir, dirlock.Exclusive)
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	_, err = s.Scan(t.Context())
	assert.ErrorIs(t, err, fberrors.ErrDirectoryLocked)
}

func TestCheck_LoaderFailureIsFatal(t *testing.T) {
	_, dir := newScanner(t, 2)
	writeBlock(t, dir, 0, markers(2, 3))
	listing, err := catalog.NewBlockCatalog(dir, catalog.Options{}).ListBlocks(t.Context())
	require.NoError(t, err)

	boom := &fberrors.CatalogReadError{Op: "read block", Path: dir, Err: os.ErrPermission}
	_, err = integrity.Check(t.Context(), listing, 2, func(context.Context, catalog.BlockInfo) ([]model.Record, error) {
		return nil, boom
	}, 1)
	assert.ErrorIs(t, err, os.ErrPermission)
}
