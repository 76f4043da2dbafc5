package coverage_test

import (
	"testing"

	"github.com/genamethi/funbuns/pkg/funbuns/coverage"
	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name       string
		runs       []uint64
		blocks     []uint64
		notInBlock []uint64
		noRun      []uint64
	}{
		{"both empty", nil, nil, nil, nil},
		{"runs only", []uint64{2, 3}, nil, []uint64{2, 3}, nil},
		{"blocks only", nil, []uint64{2, 3}, nil, []uint64{2, 3}},
		{"identical", []uint64{2, 3, 5}, []uint64{2, 3, 5}, nil, nil},
		{"subset", []uint64{3}, []uint64{2, 3, 5}, nil, []uint64{2, 5}},
		{"interleaved", []uint64{2, 5, 11, 13}, []uint64{3, 5, 7, 13}, []uint64{2, 11}, []uint64{3, 7}},
		{"run tail beyond blocks", []uint64{89, 97, 101, 103}, []uint64{2, 89, 97}, []uint64{101, 103}, []uint64{2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := coverage.Diff(tt.runs, tt.blocks)
			assert.Equal(t, tt.notInBlock, d.RunsNotInBlocks)
			assert.Equal(t, tt.noRun, d.BlocksWithoutMatchingRuns)
			assert.Equal(t, len(tt.notInBlock) == 0, d.Integrated())
		})
	}
}

func TestAudit(t *testing.T) {
	blocks := []uint64{2, 3, 5, 7, 11}
	runs := []coverage.RunCoverage{
		{RunID: "a", Primes: []uint64{2, 3}},
		{RunID: "b", Primes: []uint64{11, 13, 17}},
		{RunID: "c", Primes: nil},
		{RunID: "d", Primes: []uint64{19}},
	}

	gaps := coverage.Audit(runs, blocks)
	assert.Equal(t, []coverage.RunGap{
		{RunID: "b", Missing: []uint64{13, 17}},
		{RunID: "d", Missing: []uint64{19}},
	}, gaps)

	assert.Empty(t, coverage.Audit(runs[:1], blocks))
}
