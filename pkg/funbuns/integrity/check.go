package integrity

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/genamethi/funbuns/pkg/funbuns/catalog"
	fberrors "github.com/genamethi/funbuns/pkg/funbuns/errors"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
	"golang.org/x/sync/errgroup"
)

// Loader reads the records of one block.
type Loader func(ctx context.Context, info catalog.BlockInfo) ([]model.Record, error)

// Report is the outcome of a scan.
type Report struct {
	OK         bool              `json:"ok"`
	Violations []model.Violation `json:"violations"`
	// Blocks is the content-derived metadata of every readable block.
	Blocks []model.BlockMeta `json:"blocks"`
	// DistinctPrimes is the number of distinct primes across all blocks.
	DistinctPrimes uint64 `json:"distinct_primes"`
}

// Err returns an IntegrityViolationError listing every violation, or nil.
func (r Report) Err() error {
	if r.OK {
		return nil
	}
	return &fberrors.IntegrityViolationError{Violations: r.Violations}
}

// blockContent is what a scan learns from one block's records.
type blockContent struct {
	coverage   []uint64
	violations []model.Violation
}

// Check evaluates every invariant over a block listing. All checks run; a
// failing check never hides the result of another. Errors are reserved for
// blocks that could not be read at all.
func Check(ctx context.Context, listing catalog.Listing, target int, load Loader, concurrency int) (Report, error) {
	var violations []model.Violation

	for _, path := range listing.Staging {
		violations = append(violations, model.Violation{
			Kind:    model.ViolationStaging,
			Message: "leftover staging artifact from an interrupted conversion",
			Path:    path,
		})
	}
	for _, name := range listing.Unparsed {
		violations = append(violations, model.Violation{
			Kind:    model.ViolationFilename,
			Message: fmt.Sprintf("unrecognized entry %q in block directory", name),
			Path:    name,
		})
	}

	for _, b := range listing.Blocks {
		if b.ReadErr != nil {
			violations = append(violations, model.Violation{
				Kind:    model.ViolationCorrupt,
				Message: fmt.Sprintf("block %d cannot be decoded: %v", b.FileIndex, b.ReadErr),
				Blocks:  []int{b.FileIndex},
				Path:    b.Path,
			})
		}
		if b.Schema != nil {
			for _, problem := range model.CheckSchema(b.Schema) {
				violations = append(violations, model.Violation{
					Kind:    model.ViolationSchema,
					Message: fmt.Sprintf("block %d: %s", b.FileIndex, problem),
					Blocks:  []int{b.FileIndex},
					Path:    b.Path,
				})
			}
		}
	}
	violations = append(violations, listing.Mismatches()...)
	violations = append(violations, checkSequence(listing.Blocks)...)
	violations = append(violations, checkSizes(listing.Blocks, target)...)

	contents, err := loadContents(ctx, listing.Blocks, load, concurrency)
	if err != nil {
		return Report{}, err
	}
	for _, c := range contents {
		if c != nil {
			violations = append(violations, c.violations...)
		}
	}
	dups, distinct := checkUniqueness(listing.Blocks, contents)
	violations = append(violations, dups...)

	return Report{
		OK:             len(violations) == 0,
		Violations:     violations,
		Blocks:         listing.Metas(),
		DistinctPrimes: distinct,
	}, nil
}

// checkSequence verifies index contiguity from zero and strictly increasing
// prime ranges.
func checkSequence(blocks []catalog.BlockInfo) []model.Violation {
	var out []model.Violation
	expected := 0
	var prev *catalog.BlockInfo
	for i := range blocks {
		b := &blocks[i]
		switch {
		case i > 0 && b.FileIndex == blocks[i-1].FileIndex:
			out = append(out, model.Violation{
				Kind:    model.ViolationOrdering,
				Message: fmt.Sprintf("index %d is declared by more than one file", b.FileIndex),
				Blocks:  []int{b.FileIndex},
				Path:    b.Path,
			})
		case b.FileIndex != expected:
			out = append(out, model.Violation{
				Kind:    model.ViolationIndexGap,
				Message: fmt.Sprintf("expected block index %d, found %d", expected, b.FileIndex),
				Blocks:  []int{expected, b.FileIndex},
				Path:    b.Path,
			})
		}
		expected = b.FileIndex + 1

		if b.ReadErr != nil || b.Meta.RowCount == 0 {
			continue
		}
		if prev != nil && prev.Meta.MaxP >= b.Meta.MinP {
			out = append(out, model.Violation{
				Kind: model.ViolationOrdering,
				Message: fmt.Sprintf("block %d ends at p=%d but block %d starts at p=%d",
					prev.FileIndex, prev.Meta.MaxP, b.FileIndex, b.Meta.MinP),
				Blocks: []int{prev.FileIndex, b.FileIndex},
				Primes: []uint64{prev.Meta.MaxP, b.Meta.MinP},
			})
		}
		prev = b
	}
	return out
}

// checkSizes flags empty blocks and sealed blocks that do not hold exactly
// target distinct primes.
func checkSizes(blocks []catalog.BlockInfo, target int) []model.Violation {
	var out []model.Violation
	for i, b := range blocks {
		if b.ReadErr != nil {
			continue
		}
		tail := i == len(blocks)-1
		switch {
		case b.Meta.RowCount == 0:
			out = append(out, model.Violation{
				Kind:    model.ViolationShortBlock,
				Message: fmt.Sprintf("block %d is empty", b.FileIndex),
				Blocks:  []int{b.FileIndex},
				Path:    b.Path,
			})
		case !tail && target > 0 && b.Meta.UniquePrimes != target:
			out = append(out, model.Violation{
				Kind: model.ViolationShortBlock,
				Message: fmt.Sprintf("sealed block %d holds %d distinct primes, target is %d",
					b.FileIndex, b.Meta.UniquePrimes, target),
				Blocks: []int{b.FileIndex},
				Primes: []uint64{b.Meta.MinP, b.Meta.MaxP},
				Path:   b.Path,
			})
		}
	}
	return out
}

func loadContents(ctx context.Context, blocks []catalog.BlockInfo, load Loader, concurrency int) ([]*blockContent, error) {
	contents := make([]*blockContent, len(blocks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i, b := range blocks {
		if b.ReadErr != nil {
			continue
		}
		g.Go(func() error {
			records, err := load(gctx, b)
			if err != nil {
				return err
			}
			contents[i] = inspectRecords(b, records)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return contents, nil
}

// inspectRecords runs the in-block checks: ordering, record uniqueness,
// marker conflicts and arithmetic.
func inspectRecords(b catalog.BlockInfo, records []model.Record) *blockContent {
	c := &blockContent{}
	violation := func(kind model.ViolationKind, msg string, primes []uint64) {
		c.violations = append(c.violations, model.Violation{
			Kind:    kind,
			Message: fmt.Sprintf("block %d: %s", b.FileIndex, msg),
			Blocks:  []int{b.FileIndex},
			Primes:  primes,
			Path:    b.Path,
		})
	}

	sorted := records
	if !model.IsSorted(records) {
		for i := 1; i < len(records); i++ {
			if records[i].Compare(records[i-1]) < 0 {
				violation(model.ViolationUnsorted,
					fmt.Sprintf("records out of order at row %d", i),
					[]uint64{records[i-1].P, records[i].P})
				break
			}
		}
		sorted = slices.Clone(records)
		model.SortRecords(sorted)
	}

	var duplicated, conflicted, invalid []uint64
	for i, r := range sorted {
		if i > 0 && r == sorted[i-1] {
			duplicated = appendOnce(duplicated, r.P)
		}
		if !r.Valid() {
			invalid = appendOnce(invalid, r.P)
		}
	}
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && sorted[end].P == sorted[start].P {
			end++
		}
		// Markers sort first within a prime.
		if sorted[start].IsMarker() && sorted[end-1] != sorted[start] {
			conflicted = append(conflicted, sorted[start].P)
		}
		start = end
	}

	if len(duplicated) > 0 {
		violation(model.ViolationDuplicateRecord,
			fmt.Sprintf("%d prime(s) with duplicate records", len(duplicated)), duplicated)
	}
	if len(conflicted) > 0 {
		violation(model.ViolationMarkerConflict,
			fmt.Sprintf("%d prime(s) with both a zero-partition marker and partitions", len(conflicted)), conflicted)
	}
	if len(invalid) > 0 {
		violation(model.ViolationArithmetic,
			fmt.Sprintf("%d prime(s) with records where p != 2^m + q^n", len(invalid)), invalid)
	}

	c.coverage = model.Coverage(sorted)
	return c
}

func appendOnce(primes []uint64, p uint64) []uint64 {
	if n := len(primes); n > 0 && primes[n-1] == p {
		return primes
	}
	return append(primes, p)
}

// checkUniqueness finds primes stored in more than one block. Only blocks
// whose prime ranges intersect are compared. It also returns the number of
// distinct primes across all readable blocks.
func checkUniqueness(blocks []catalog.BlockInfo, contents []*blockContent) ([]model.Violation, uint64) {
	type span struct {
		index    int
		minP     uint64
		maxP     uint64
		coverage []uint64
	}
	var spans []span
	var total uint64
	for i, b := range blocks {
		c := contents[i]
		if c == nil || len(c.coverage) == 0 {
			continue
		}
		total += uint64(len(c.coverage))
		spans = append(spans, span{
			index:    b.FileIndex,
			minP:     c.coverage[0],
			maxP:     c.coverage[len(c.coverage)-1],
			coverage: c.coverage,
		})
	}
	slices.SortFunc(spans, func(a, b span) int { return cmp.Compare(a.minP, b.minP) })

	owners := make(map[uint64][]int)
	for i := range spans {
		for j := i + 1; j < len(spans) && spans[j].minP <= spans[i].maxP; j++ {
			for _, p := range intersect(spans[i].coverage, spans[j].coverage) {
				owners[p] = addIndex(addIndex(owners[p], spans[i].index), spans[j].index)
			}
		}
	}

	dups := make([]uint64, 0, len(owners))
	for p := range owners {
		dups = append(dups, p)
	}
	slices.Sort(dups)

	var out []model.Violation
	for _, p := range dups {
		idx := owners[p]
		slices.Sort(idx)
		total -= uint64(len(idx) - 1)
		out = append(out, model.Violation{
			Kind:    model.ViolationDuplicatePrime,
			Message: fmt.Sprintf("p=%d is stored in %d blocks %v", p, len(idx), idx),
			Primes:  []uint64{p},
			Blocks:  idx,
		})
	}
	return out, total
}

func addIndex(set []int, idx int) []int {
	if slices.Contains(set, idx) {
		return set
	}
	return append(set, idx)
}

// intersect returns the values present in both sorted slices.
func intersect(a, b []uint64) []uint64 {
	var out []uint64
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
