package convert_test

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/genamethi/funbuns/pkg/funbuns/catalog"
	"github.com/genamethi/funbuns/pkg/funbuns/convert"
	fberrors "github.com/genamethi/funbuns/pkg/funbuns/errors"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
	"github.com/stretchr/testify/require"
)

// primes returns the primes in [lo, hi].
func primes(lo, hi uint64) []uint64 {
	var out []uint64
	for n := max(lo, 2); n <= hi; n++ {
		prime := true
		for d := uint64(2); d*d <= n; d++ {
			if n%d == 0 {
				prime = false
				break
			}
		}
		if prime {
			out = append(out, n)
		}
	}
	return out
}

func markers(ps []uint64) []model.Record {
	out := make([]model.Record, len(ps))
	for i, p := range ps {
		out[i] = model.NewMarker(p)
	}
	return out
}

type env struct {
	runs   *catalog.RunCatalog
	blocks *catalog.BlockCatalog
	engine *convert.Engine
	backup string
}

func newEnv(t *testing.T, target int, opts ...convert.Option) *env {
	t.Helper()
	root := t.TempDir()
	runsDir := filepath.Join(root, "runs")
	blocksDir := filepath.Join(root, "blocks")
	require.NoError(t, os.Mkdir(runsDir, 0o755))
	require.NoError(t, os.Mkdir(blocksDir, 0o755))

	clock := time.Unix(1700000000, 0)
	now := func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	copts := catalog.Options{Concurrency: 2, Compress: true, Now: now}
	runs := catalog.NewRunCatalog(runsDir, copts)
	blocks := catalog.NewBlockCatalog(blocksDir, copts)

	base := []convert.Option{
		convert.WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
		convert.WithLockTimeout(200 * time.Millisecond),
		convert.WithLockRetry(fberrors.RetryConfig{InitialBackoff: 5 * time.Millisecond, BackoffFactor: 1}),
	}
	engine, err := convert.New(runs, blocks, target, append(base, opts...)...)
	require.NoError(t, err)
	return &env{runs: runs, blocks: blocks, engine: engine, backup: filepath.Join(root, "backup")}
}

func (e *env) submit(t *testing.T, records []model.Record) model.RunMeta {
	t.Helper()
	meta, err := e.runs.Submit(t.Context(), model.RunBatch{Records: records})
	require.NoError(t, err)
	return meta
}

// blockFiles returns block file names mapped to their bytes.
func (e *env) blockFiles(t *testing.T) map[string][]byte {
	t.Helper()
	entries, err := os.ReadDir(e.blocks.Dir())
	require.NoError(t, err)
	out := make(map[string][]byte)
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != catalog.BlockExt {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.blocks.Dir(), entry.Name()))
		require.NoError(t, err)
		out[entry.Name()] = data
	}
	return out
}

func (e *env) blockNames(t *testing.T) []string {
	t.Helper()
	var names []string
	for name := range e.blockFiles(t) {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *env) pendingRuns(t *testing.T) []model.RunMeta {
	t.Helper()
	metas, err := e.runs.ListRuns(t.Context())
	require.NoError(t, err)
	return metas
}

// coverage returns the sorted distinct primes across all blocks.
func (e *env) coverage(t *testing.T) []uint64 {
	t.Helper()
	listing, err := e.blocks.ListBlocks(t.Context())
	require.NoError(t, err)
	var all []uint64
	for _, b := range listing.Blocks {
		recs, err := e.blocks.LoadBlock(t.Context(), b)
		require.NoError(t, err)
		all = append(all, model.Coverage(recs)...)
	}
	return all
}
