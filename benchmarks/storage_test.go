package benchmarks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/genamethi/funbuns/pkg/funbuns"
	"github.com/genamethi/funbuns/pkg/funbuns/config"
	"github.com/genamethi/funbuns/pkg/funbuns/convert"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
	"github.com/genamethi/funbuns/pkg/funbuns/sentinel"
)

var epoch = time.Unix(1700000000, 0)

// BenchmarkMemoryStore_Save measures in-memory sentinel save.
func BenchmarkMemoryStore_Save(b *testing.B) {
	store := sentinel.NewMemoryStore()
	s := createSentinel()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Save(ctx, s)
	}
}

// BenchmarkFileStore_Save measures JSON sentinel save with temp+rename.
func BenchmarkFileStore_Save(b *testing.B) {
	store := sentinel.NewFileStore(filepath.Join(b.TempDir(), "resume_sentinel.json"))
	s := createSentinel()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Save(ctx, s)
	}
}

// BenchmarkSQLiteStore_Save measures SQLite sentinel save.
func BenchmarkSQLiteStore_Save(b *testing.B) {
	store, cleanup := createSQLiteStore(b)
	defer cleanup()
	s := createSentinel()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Save(ctx, s)
	}
}

// BenchmarkSQLiteStore_Load measures SQLite sentinel load.
func BenchmarkSQLiteStore_Load(b *testing.B) {
	store, cleanup := createSQLiteStore(b)
	defer cleanup()
	ctx := context.Background()
	_ = store.Save(ctx, createSentinel())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Load(ctx)
	}
}

// BenchmarkMerge measures merging two overlapping runs.
func BenchmarkMerge(b *testing.B) {
	a := markers(1, 20000)
	c := markers(10001, 30000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = convert.Merge(a, c)
	}
}

// BenchmarkConvert measures one conversion of a fresh run into an empty
// block set.
func BenchmarkConvert(b *testing.B) {
	records := markers(1, 10000)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		s := openStorage(b, 1000)
		if _, err := s.SubmitRun(ctx, model.RunBatch{Records: records}); err != nil {
			b.Fatal(err)
		}
		b.StartTimer()
		if _, err := s.Convert(ctx); err != nil {
			b.Fatal(err)
		}
		b.StopTimer()
		_ = s.Close()
		b.StartTimer()
	}
}

// BenchmarkScan measures a full integrity scan over ten blocks.
func BenchmarkScan(b *testing.B) {
	s := openStorage(b, 1000)
	defer s.Close()
	ctx := context.Background()
	if _, err := s.SubmitRun(ctx, model.RunBatch{Records: markers(1, 10000)}); err != nil {
		b.Fatal(err)
	}
	if _, err := s.Convert(ctx); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Scan(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

// Helper functions

// markers returns zero-partition markers for the first..last odd numbers
// above 2. They stand in for primes: scans and conversions never test
// primality.
func markers(first, last uint64) []model.Record {
	out := make([]model.Record, 0, last-first+1)
	for i := first; i <= last; i++ {
		out = append(out, model.NewMarker(2*i+1))
	}
	return out
}

func createSentinel() sentinel.Sentinel {
	blocks := make([]model.BlockMeta, 100)
	for i := range blocks {
		blocks[i] = model.BlockMeta{
			Index:        i,
			MinP:         uint64(i*1000 + 1),
			MaxP:         uint64(i*1000 + 999),
			RowCount:     500,
			UniquePrimes: 500,
		}
	}
	return sentinel.Derive(blocks, 50000, epoch)
}

func createSQLiteStore(b *testing.B) (*sentinel.SQLiteStore, func()) {
	b.Helper()
	tmpFile, err := os.CreateTemp("", "bench-*.db")
	if err != nil {
		b.Fatal(err)
	}
	tmpFile.Close()

	store, err := sentinel.NewSQLiteStore(tmpFile.Name())
	if err != nil {
		os.Remove(tmpFile.Name())
		b.Fatal(err)
	}

	return store, func() {
		store.Close()
		os.Remove(tmpFile.Name())
	}
}

func openStorage(b *testing.B, target int) *funbuns.Storage {
	b.Helper()
	cfg := config.DefaultStorage(b.TempDir())
	cfg.TargetBlockPrimes = target
	s, err := funbuns.Open(cfg)
	if err != nil {
		b.Fatal(err)
	}
	return s
}
