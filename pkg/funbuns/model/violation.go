package model

import (
	"fmt"
	"strings"
)

// ViolationKind names the invariant a violation breaks.
type ViolationKind string

const (
	ViolationDuplicatePrime  ViolationKind = "duplicate_prime"
	ViolationDuplicateRecord ViolationKind = "duplicate_record"
	ViolationOrdering        ViolationKind = "ordering"
	ViolationIndexGap        ViolationKind = "index_gap"
	ViolationSchema          ViolationKind = "schema"
	ViolationFilename        ViolationKind = "filename"
	ViolationCorrupt         ViolationKind = "corrupt"
	ViolationShortBlock      ViolationKind = "short_block"
	ViolationUnsorted        ViolationKind = "unsorted"
	ViolationMarkerConflict  ViolationKind = "marker_conflict"
	ViolationArithmetic      ViolationKind = "arithmetic"
	ViolationStaging         ViolationKind = "staging"
)

// Violation is one broken invariant found by a scan. Primes, Blocks and Path
// identify what needs repair.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Message string        `json:"message"`
	Primes  []uint64      `json:"primes,omitempty"`
	Blocks  []int         `json:"blocks,omitempty"`
	Path    string        `json:"path,omitempty"`
}

// String implements fmt.Stringer.
func (v Violation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", v.Kind, v.Message)
	if len(v.Blocks) > 0 {
		fmt.Fprintf(&b, " (blocks %v)", v.Blocks)
	}
	if len(v.Primes) > 0 {
		fmt.Fprintf(&b, " (primes %s)", FormatPrimes(v.Primes, 8))
	}
	if v.Path != "" {
		fmt.Fprintf(&b, " [%s]", v.Path)
	}
	return b.String()
}

// FormatPrimes renders at most limit primes, summarizing the rest.
func FormatPrimes(primes []uint64, limit int) string {
	if len(primes) <= limit {
		return fmt.Sprint(primes)
	}
	return fmt.Sprintf("%v... (%d total, range %d..%d)",
		primes[:limit], len(primes), primes[0], primes[len(primes)-1])
}
