// Package model defines the records, run batches and block metadata shared by
// every layer of the storage core.
package model

import (
	"cmp"
	"fmt"
	"math/bits"
	"slices"
)

// Record is one discovered partition p = 2^M + Q^N.
//
// A record with M, N and Q all zero is a zero-partition marker: the prime was
// processed and has no decomposition.
type Record struct {
	P uint64 `msgpack:"p" json:"p"`
	M uint64 `msgpack:"m" json:"m"`
	N uint64 `msgpack:"n" json:"n"`
	Q uint64 `msgpack:"q" json:"q"`
}

// NewMarker returns the zero-partition marker for p.
func NewMarker(p uint64) Record {
	return Record{P: p}
}

// IsMarker reports whether r is a zero-partition marker.
func (r Record) IsMarker() bool {
	return r.M == 0 && r.N == 0 && r.Q == 0
}

// Compare orders records by p, then m, n, q.
func (r Record) Compare(o Record) int {
	if c := cmp.Compare(r.P, o.P); c != 0 {
		return c
	}
	if c := cmp.Compare(r.M, o.M); c != 0 {
		return c
	}
	if c := cmp.Compare(r.N, o.N); c != 0 {
		return c
	}
	return cmp.Compare(r.Q, o.Q)
}

// String implements fmt.Stringer.
func (r Record) String() string {
	if r.IsMarker() {
		return fmt.Sprintf("%d (no partition)", r.P)
	}
	return fmt.Sprintf("%d = 2^%d + %d^%d", r.P, r.M, r.Q, r.N)
}

// Valid reports whether r is a well-formed marker or a partition whose
// arithmetic holds. Overflowing terms are treated as invalid.
func (r Record) Valid() bool {
	if r.P < 2 {
		return false
	}
	if r.IsMarker() {
		return true
	}
	if r.M < 1 || r.N < 1 || r.Q < 2 || r.M >= 64 {
		return false
	}
	qn, ok := pow(r.Q, r.N)
	if !ok {
		return false
	}
	sum, carry := bits.Add64(uint64(1)<<r.M, qn, 0)
	return carry == 0 && sum == r.P
}

// pow returns base^exp and false on overflow.
func pow(base, exp uint64) (uint64, bool) {
	result := uint64(1)
	for i := uint64(0); i < exp; i++ {
		hi, lo := bits.Mul64(result, base)
		if hi != 0 {
			return 0, false
		}
		result = lo
	}
	return result, true
}

// SortRecords sorts records in place by (p, m, n, q).
func SortRecords(records []Record) {
	slices.SortStableFunc(records, Record.Compare)
}

// Dedup removes exact duplicates from sorted records, returning the
// compacted slice and the number of records dropped.
func Dedup(records []Record) ([]Record, int) {
	if len(records) < 2 {
		return records, 0
	}
	out := records[:1]
	for _, r := range records[1:] {
		if r != out[len(out)-1] {
			out = append(out, r)
		}
	}
	return out, len(records) - len(out)
}

// IsSorted reports whether records are strictly increasing by (p, m, n, q).
func IsSorted(records []Record) bool {
	for i := 1; i < len(records); i++ {
		if records[i-1].Compare(records[i]) >= 0 {
			return false
		}
	}
	return true
}

// Coverage returns the sorted distinct primes of records sorted by p.
func Coverage(records []Record) []uint64 {
	primes := make([]uint64, 0, len(records))
	for _, r := range records {
		if n := len(primes); n == 0 || primes[n-1] != r.P {
			primes = append(primes, r.P)
		}
	}
	return primes
}

// MergeCoverage merges sorted distinct prime slices into one sorted distinct slice.
func MergeCoverage(sets ...[]uint64) []uint64 {
	var total int
	for _, s := range sets {
		total += len(s)
	}
	out := make([]uint64, 0, total)
	for _, s := range sets {
		out = append(out, s...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
