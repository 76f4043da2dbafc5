package funbuns_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genamethi/funbuns/pkg/funbuns"
	"github.com/genamethi/funbuns/pkg/funbuns/config"
	fberrors "github.com/genamethi/funbuns/pkg/funbuns/errors"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
)

// primeMarkers returns zero-partition markers for the primes in [lo, hi].
func primeMarkers(lo, hi uint64) []model.Record {
	var out []model.Record
	for n := max(lo, 2); n <= hi; n++ {
		prime := true
		for d := uint64(2); d*d <= n; d++ {
			if n%d == 0 {
				prime = false
				break
			}
		}
		if prime {
			out = append(out, model.NewMarker(n))
		}
	}
	return out
}

func testConfig(t *testing.T, target int) config.Storage {
	t.Helper()
	cfg := config.DefaultStorage(t.TempDir())
	cfg.TargetBlockPrimes = target
	cfg.LockTimeout = 200 * time.Millisecond
	return cfg
}

func openStorage(t *testing.T, cfg config.Storage, opts ...funbuns.Option) *funbuns.Storage {
	t.Helper()
	clock := time.Unix(1700000000, 0)
	base := []funbuns.Option{
		funbuns.WithClock(func() time.Time {
			clock = clock.Add(time.Millisecond)
			return clock
		}),
		funbuns.WithLockRetry(fberrors.RetryConfig{InitialBackoff: 5 * time.Millisecond, BackoffFactor: 1}),
	}
	s, err := funbuns.Open(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func submit(t *testing.T, s *funbuns.Storage, records []model.Record) model.RunMeta {
	t.Helper()
	meta, err := s.SubmitRun(t.Context(), model.RunBatch{Records: records})
	require.NoError(t, err)
	return meta
}

func blockNames(t *testing.T, s *funbuns.Storage) []string {
	t.Helper()
	blocks, err := s.ListBlocks(t.Context())
	require.NoError(t, err)
	names := make([]string, len(blocks))
	for i, b := range blocks {
		names[i] = filepath.Base(b.Path)
	}
	return names
}

func epoch() time.Time {
	return time.Unix(1700000000, 0)
}

func violationKinds(vs []model.Violation) []model.ViolationKind {
	out := make([]model.ViolationKind, len(vs))
	for i, v := range vs {
		out[i] = v.Kind
	}
	return out
}
