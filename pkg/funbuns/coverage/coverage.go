// Package coverage compares the primes covered by pending runs with the
// primes covered by blocks.
package coverage

// Report is the difference between run and block coverage in both directions.
type Report struct {
	// RunsNotInBlocks are primes some run covers but no block does.
	RunsNotInBlocks []uint64 `json:"runs_not_in_blocks"`
	// BlocksWithoutMatchingRuns are primes blocks cover but no run does.
	BlocksWithoutMatchingRuns []uint64 `json:"blocks_without_matching_runs"`
}

// Integrated reports whether every run prime is already in a block.
func (d Report) Integrated() bool {
	return len(d.RunsNotInBlocks) == 0
}

// Diff computes the difference of two sorted distinct prime slices in a
// single merge pass.
func Diff(runs, blocks []uint64) Report {
	var d Report
	i, j := 0, 0
	for i < len(runs) && j < len(blocks) {
		switch {
		case runs[i] == blocks[j]:
			i++
			j++
		case runs[i] < blocks[j]:
			d.RunsNotInBlocks = append(d.RunsNotInBlocks, runs[i])
			i++
		default:
			d.BlocksWithoutMatchingRuns = append(d.BlocksWithoutMatchingRuns, blocks[j])
			j++
		}
	}
	d.RunsNotInBlocks = append(d.RunsNotInBlocks, runs[i:]...)
	d.BlocksWithoutMatchingRuns = append(d.BlocksWithoutMatchingRuns, blocks[j:]...)
	return d
}

// RunCoverage pairs a run with the primes it covers.
type RunCoverage struct {
	RunID  string
	Primes []uint64
}

// RunGap names a run with primes no block covers.
type RunGap struct {
	RunID   string   `json:"run_id"`
	Missing []uint64 `json:"missing"`
}

// Audit returns, for each run, the primes it covers that no block covers.
// Runs that are fully integrated are omitted.
func Audit(runs []RunCoverage, blocks []uint64) []RunGap {
	var gaps []RunGap
	for _, r := range runs {
		if d := Diff(r.Primes, blocks); !d.Integrated() {
			gaps = append(gaps, RunGap{RunID: r.RunID, Missing: d.RunsNotInBlocks})
		}
	}
	return gaps
}
