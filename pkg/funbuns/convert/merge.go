package convert

import (
	"slices"
	"sort"

	fberrors "github.com/genamethi/funbuns/pkg/funbuns/errors"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
)

// Merge sorts and deduplicates the concatenation of sources. It returns the
// merged records and the number of exact duplicates dropped.
func Merge(sources ...[]model.Record) ([]model.Record, int) {
	var n int
	for _, s := range sources {
		n += len(s)
	}
	all := make([]model.Record, 0, n)
	for _, s := range sources {
		all = append(all, s...)
	}
	model.SortRecords(all)
	return model.Dedup(all)
}

// Partition cuts records sorted by p into segments of target distinct primes.
// Records of one prime never straddle two segments. Only the last segment
// may hold fewer than target primes.
func Partition(records []model.Record, target int) [][]model.Record {
	if len(records) == 0 || target <= 0 {
		return nil
	}
	var (
		segments [][]model.Record
		start    int
		primes   int
	)
	for i, r := range records {
		if i == 0 || r.P != records[i-1].P {
			if primes == target {
				segments = append(segments, records[start:i])
				start = i
				primes = 0
			}
			primes++
		}
	}
	return append(segments, records[start:])
}

// SplitAt returns the records with p <= bound and the records above it.
func SplitAt(records []model.Record, bound uint64) (low, high []model.Record) {
	i := sort.Search(len(records), func(i int) bool { return records[i].P > bound })
	return records[:i], records[i:]
}

// MarkerConflicts reports every prime of sorted records that carries both
// a zero-partition marker and real partitions.
func MarkerConflicts(records []model.Record) []fberrors.Conflict {
	var out []fberrors.Conflict
	for start := 0; start < len(records); {
		end := start + 1
		for end < len(records) && records[end].P == records[start].P {
			end++
		}
		group := records[start:end]
		if len(group) > 1 && slices.ContainsFunc(group, model.Record.IsMarker) {
			out = append(out, fberrors.Conflict{
				Prime:   group[0].P,
				Block:   -1,
				Reason:  "zero-partition marker alongside partitions",
				Records: slices.Clone(group),
			})
		}
		start = end
	}
	return out
}

// sealedIndex locates the sealed block whose [MinP, MaxP] contains p.
// It returns -1 when p falls outside every sealed range.
func sealedIndex(metas []model.BlockMeta, p uint64) int {
	i := sort.Search(len(metas), func(i int) bool { return metas[i].MaxP >= p })
	if i < len(metas) && metas[i].MinP <= p {
		return i
	}
	return -1
}

// checkSealed compares records at or below the last sealed max_p with the
// sealed content. Records already present are redundant; anything else is a
// conflict. sealed loads the sorted records of the block at a position in
// metas.
func checkSealed(low []model.Record, metas []model.BlockMeta, sealed func(int) ([]model.Record, error)) (redundant int, conflicts []fberrors.Conflict, err error) {
	var current *fberrors.Conflict
	flush := func() {
		if current != nil {
			conflicts = append(conflicts, *current)
			current = nil
		}
	}

	for _, r := range low {
		pos := sealedIndex(metas, r.P)
		if pos >= 0 {
			content, err := sealed(pos)
			if err != nil {
				return 0, nil, err
			}
			if _, found := slices.BinarySearchFunc(content, r, model.Record.Compare); found {
				redundant++
				continue
			}
		}

		if current != nil && current.Prime != r.P {
			flush()
		}
		if current == nil {
			c := fberrors.Conflict{Prime: r.P, Block: -1, Reason: "prime lies between sealed blocks"}
			if pos >= 0 {
				c.Block = metas[pos].Index
				c.Reason = "record missing from sealed block"
			}
			current = &c
		}
		current.Records = append(current.Records, r)
	}
	flush()
	return redundant, conflicts, nil
}
