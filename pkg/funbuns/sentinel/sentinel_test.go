package sentinel_test

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/genamethi/funbuns/pkg/funbuns/config"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
	"github.com/genamethi/funbuns/pkg/funbuns/sentinel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1700000000, 0)

// Two blocks covering 2..97 at 16 primes per block.
var scenarioA = []model.BlockMeta{
	{Index: 0, MinP: 2, MaxP: 53, RowCount: 16, UniquePrimes: 16},
	{Index: 1, MinP: 59, MaxP: 97, RowCount: 9, UniquePrimes: 9},
}

func TestDerive(t *testing.T) {
	s := sentinel.Derive(scenarioA, 25, epoch)

	assert.Equal(t, uint64(97), s.LastPrime)
	assert.Equal(t, uint64(25), s.StartIndex)
	assert.Equal(t, 1, s.LastBlockIndex)
	assert.Equal(t, uint64(97), s.LastBlockMaxP)
	assert.Equal(t, sentinel.Version, s.Version)
	assert.Equal(t, epoch.UTC(), s.DerivedAt)
}

func TestDerive_Empty(t *testing.T) {
	s := sentinel.Derive(nil, 0, epoch)
	assert.Zero(t, s.LastPrime)
	assert.Zero(t, s.StartIndex)
	assert.Equal(t, -1, s.LastBlockIndex)
}

func TestDerive_Rederivable(t *testing.T) {
	a := sentinel.Derive(scenarioA, 25, epoch)
	b := sentinel.Derive(scenarioA, 25, epoch.Add(time.Hour))
	assert.True(t, a.Matches(b))
	assert.NotEqual(t, a.DerivedAt, b.DerivedAt)

	grown := append(append([]model.BlockMeta{}, scenarioA...),
		model.BlockMeta{Index: 2, MinP: 101, MaxP: 113, RowCount: 5, UniquePrimes: 5})
	c := sentinel.Derive(grown, 30, epoch)
	assert.False(t, a.Matches(c))
	assert.Equal(t, a.StartIndex+5, c.StartIndex)
	assert.NotEqual(t, a.BlockDigest, c.BlockDigest)
}

func TestDigest_SensitiveToEveryField(t *testing.T) {
	base := sentinel.Digest(scenarioA)
	mutations := []func(*model.BlockMeta){
		func(b *model.BlockMeta) { b.Index++ },
		func(b *model.BlockMeta) { b.MinP++ },
		func(b *model.BlockMeta) { b.MaxP++ },
		func(b *model.BlockMeta) { b.RowCount++ },
		func(b *model.BlockMeta) { b.UniquePrimes++ },
	}
	for _, mutate := range mutations {
		blocks := append([]model.BlockMeta{}, scenarioA...)
		mutate(&blocks[1])
		assert.NotEqual(t, base, sentinel.Digest(blocks))
	}
}

func storeImplementations(t *testing.T) map[string]sentinel.Store {
	t.Helper()
	dir := t.TempDir()
	sqlite, err := sentinel.NewSQLiteStore(filepath.Join(dir, "sentinel.db"))
	require.NoError(t, err)
	stores := map[string]sentinel.Store{
		"memory": sentinel.NewMemoryStore(),
		"file":   sentinel.NewFileStore(filepath.Join(dir, "resume_sentinel.json")),
		"sqlite": sqlite,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStores(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			_, err := store.Load(ctx)
			assert.ErrorIs(t, err, sentinel.ErrNotFound)
			assert.NoError(t, store.Delete(ctx), "deleting a missing sentinel")

			s := sentinel.Derive(scenarioA, 25, epoch)
			require.NoError(t, store.Save(ctx, s))
			got, err := store.Load(ctx)
			require.NoError(t, err)
			assert.True(t, s.Matches(got))
			assert.True(t, s.DerivedAt.Equal(got.DerivedAt))

			next := sentinel.Derive(scenarioA[:1], 16, epoch)
			require.NoError(t, store.Save(ctx, next))
			got, err = store.Load(ctx)
			require.NoError(t, err)
			assert.True(t, next.Matches(got))

			require.NoError(t, store.Delete(ctx))
			_, err = store.Load(ctx)
			assert.ErrorIs(t, err, sentinel.ErrNotFound)

			require.NoError(t, store.Close())
			assert.NoError(t, store.Close(), "close is idempotent")
			_, err = store.Load(ctx)
			assert.ErrorIs(t, err, sentinel.ErrStoreClosed)
		})
	}
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	store := sentinel.NewFileStore(filepath.Join(dir, "resume_sentinel.json"))
	require.NoError(t, store.Save(t.Context(), sentinel.Derive(scenarioA, 25, epoch)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "resume_sentinel.json", entries[0].Name())
}

func TestSQLiteStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.db")
	s := sentinel.Derive(scenarioA, 25, epoch)

	store1, err := sentinel.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store1.Save(t.Context(), s))
	require.NoError(t, store1.Close())

	store2, err := sentinel.NewSQLiteStore(path)
	require.NoError(t, err)
	defer store2.Close()
	got, err := store2.Load(t.Context())
	require.NoError(t, err)
	assert.True(t, s.Matches(got))
}

func TestSQLiteStore_InvalidPath(t *testing.T) {
	_, err := sentinel.NewSQLiteStore("/nonexistent/path/db.sqlite")
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()

	fileCfg := config.Storage{SentinelBackend: config.BackendFile, SentinelPath: filepath.Join(dir, "s.json")}
	store, err := sentinel.OpenStore(fileCfg)
	require.NoError(t, err)
	assert.IsType(t, &sentinel.FileStore{}, store)

	sqlCfg := config.Storage{SentinelBackend: config.BackendSQLite, SentinelPath: filepath.Join(dir, "s.db")}
	store, err = sentinel.OpenStore(sqlCfg)
	require.NoError(t, err)
	assert.IsType(t, &sentinel.SQLiteStore{}, store)
	require.NoError(t, store.Close())

	_, err = sentinel.OpenStore(config.Storage{SentinelBackend: "etcd"})
	assert.ErrorIs(t, err, config.ErrUnknownBackend)
}

func TestManager_Current(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	store := sentinel.NewMemoryStore()
	clock := epoch
	m := sentinel.NewManager(store,
		sentinel.WithClock(func() time.Time { return clock }),
		sentinel.WithLogger(logger),
	)
	ctx := t.Context()

	// Missing cache: the derived sentinel is persisted.
	derived := m.Derive(scenarioA, 25)
	got, err := m.Current(ctx, derived)
	require.NoError(t, err)
	assert.Equal(t, derived, got)
	assert.Equal(t, 1, store.Saves())
	assert.Empty(t, buf.String())

	// Matching cache: returned as is, nothing written.
	clock = clock.Add(time.Minute)
	again, err := m.Current(ctx, m.Derive(scenarioA, 25))
	require.NoError(t, err)
	assert.Equal(t, got, again, "identical sentinel including DerivedAt")
	assert.Equal(t, 1, store.Saves())

	// Block set changed: the stale cache is replaced and logged.
	grown := append(append([]model.BlockMeta{}, scenarioA...),
		model.BlockMeta{Index: 2, MinP: 101, MaxP: 103, RowCount: 2, UniquePrimes: 2})
	fresh := m.Derive(grown, 27)
	got, err = m.Current(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
	assert.Equal(t, 2, store.Saves())
	assert.Contains(t, buf.String(), "stale")

	loaded, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh, loaded)

	require.NoError(t, m.Invalidate(ctx))
	_, err = m.Load(ctx)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	require.NoError(t, m.Close())
}

func TestManager_CorruptCacheIsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume_sentinel.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	m := sentinel.NewManager(sentinel.NewFileStore(path))

	derived := m.Derive(scenarioA, 25)
	got, err := m.Current(t.Context(), derived)
	require.NoError(t, err)
	assert.True(t, derived.Matches(got))

	loaded, err := m.Load(t.Context())
	require.NoError(t, err)
	assert.True(t, derived.Matches(loaded))
}
