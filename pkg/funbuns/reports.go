package funbuns

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/genamethi/funbuns/pkg/funbuns/dirlock"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
	"github.com/genamethi/funbuns/pkg/funbuns/query"
)

// PartitionCount is one bucket of the partition-count distribution.
type PartitionCount struct {
	// Partitions is the number of representations a prime has; 0 for primes
	// stored as zero-partition markers.
	Partitions int `json:"partitions"`
	// Primes is how many primes have exactly that many representations.
	Primes uint64 `json:"primes"`
}

// Summary aggregates the content of every block.
type Summary struct {
	Blocks         []model.BlockMeta `json:"blocks"`
	Rows           int               `json:"rows"`
	DistinctPrimes uint64            `json:"distinct_primes"`
	MinP           uint64            `json:"min_p"`
	MaxP           uint64            `json:"max_p"`
	Distribution   []PartitionCount  `json:"distribution"`
}

// Status is a cheap overview for the reporting layer. It reads run and
// block metadata only. PartialRuns counts temp files of submissions that
// never completed; the next conversion removes them once they are old enough.
type Status struct {
	PendingRuns       int      `json:"pending_runs"`
	PendingRunIDs     []string `json:"pending_run_ids,omitempty"`
	PartialRuns       int      `json:"partial_runs"`
	Blocks            int      `json:"blocks"`
	TailIndex         int      `json:"tail_index"`
	Staging           int      `json:"staging"`
	Gate              string   `json:"gate"`
	TargetBlockPrimes int      `json:"target_block_primes"`
}

// Summary reads every block under a shared lock and aggregates totals and
// the partition-count distribution. Blocks that cannot be decoded are
// skipped; Scan reports them.
func (s *Storage) Summary(ctx context.Context) (Summary, error) {
	if err := s.checkOpen(); err != nil {
		return Summary{}, err
	}
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	lock, err := dirlock.AcquireContext(lockCtx, s.blocks.Dir(), dirlock.Shared, s.retry)
	cancel()
	if err != nil {
		return Summary{}, err
	}
	defer func() { _ = lock.Release() }()

	listing, err := s.blocks.ListBlocks(ctx)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Blocks: listing.Metas()}
	buckets := make(map[int]uint64)
	var primes [][]uint64
	for _, b := range listing.Blocks {
		if b.ReadErr != nil {
			continue
		}
		records, err := s.blocks.LoadBlock(ctx, b)
		if err != nil {
			return Summary{}, err
		}
		sum.Rows += len(records)
		countPartitions(records, buckets)
		primes = append(primes, model.Coverage(records))
	}

	all := model.MergeCoverage(primes...)
	sum.DistinctPrimes = uint64(len(all))
	if len(all) > 0 {
		sum.MinP, sum.MaxP = all[0], all[len(all)-1]
	}
	for n, count := range buckets {
		sum.Distribution = append(sum.Distribution, PartitionCount{Partitions: n, Primes: count})
	}
	slices.SortFunc(sum.Distribution, func(a, b PartitionCount) int { return a.Partitions - b.Partitions })
	return sum, nil
}

// countPartitions adds the partition count of every prime in sorted records
// to buckets. Markers count as zero partitions.
func countPartitions(records []model.Record, buckets map[int]uint64) {
	for start := 0; start < len(records); {
		end, n := start, 0
		for end < len(records) && records[end].P == records[start].P {
			if !records[end].IsMarker() {
				n++
			}
			end++
		}
		buckets[n]++
		start = end
	}
}

// Status reports pending runs, the block count and the gate state.
func (s *Storage) Status(ctx context.Context) (Status, error) {
	if err := s.checkOpen(); err != nil {
		return Status{}, err
	}
	pending, err := s.runs.ListRuns(ctx)
	if err != nil {
		return Status{}, err
	}
	partial, err := s.runs.Leftovers()
	if err != nil {
		return Status{}, err
	}
	listing, err := s.blocks.ListBlocks(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		PendingRuns:       len(pending),
		PartialRuns:       len(partial),
		Blocks:            len(listing.Blocks),
		TailIndex:         -1,
		Staging:           len(listing.Staging),
		Gate:              s.gate.State().String(),
		TargetBlockPrimes: s.scanner.Target(),
	}
	for _, r := range pending {
		st.PendingRunIDs = append(st.PendingRunIDs, r.ID)
	}
	if tail := listing.Tail(); tail != nil {
		st.TailIndex = tail.FileIndex
	}
	return st, nil
}

// ErrBlockNotFound is returned by the blocks query for an unknown index.
var ErrBlockNotFound = errors.New("block not found")

// Queries returns a registry with the built-in read-only queries: blocks,
// scan, sentinel, summary and status. The blocks query accepts an int block
// index as argument to return a single block.
func (s *Storage) Queries() *query.Registry {
	r := query.NewRegistry()
	r.MustRegister(query.QueryBlocks, func(ctx context.Context, args any) (any, error) {
		blocks, err := s.ListBlocks(ctx)
		if err != nil {
			return nil, err
		}
		idx, ok := args.(int)
		if !ok {
			return blocks, nil
		}
		for _, b := range blocks {
			if b.FileIndex == idx {
				return b, nil
			}
		}
		return nil, fmt.Errorf("%w: %d", ErrBlockNotFound, idx)
	})
	r.MustRegister(query.QueryScan, func(ctx context.Context, _ any) (any, error) {
		return s.Scan(ctx)
	})
	r.MustRegister(query.QuerySentinel, func(ctx context.Context, _ any) (any, error) {
		return s.Sentinel(ctx)
	})
	r.MustRegister(query.QuerySummary, func(ctx context.Context, _ any) (any, error) {
		return s.Summary(ctx)
	})
	r.MustRegister(query.QueryStatus, func(ctx context.Context, _ any) (any, error) {
		return s.Status(ctx)
	})
	return r
}
