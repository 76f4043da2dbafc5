package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/genamethi/funbuns/pkg/funbuns/model"
)

// Sentinel errors for storage operations.
var (
	// ErrDirectoryLocked indicates another process holds the directory lock.
	ErrDirectoryLocked = errors.New("directory is locked by another process")

	// ErrClosed indicates the storage has been closed.
	ErrClosed = errors.New("storage closed")
)

// CatalogReadError indicates the run or block store could not be read.
// It is fatal: an unreadable file is never treated as absent.
type CatalogReadError struct {
	// Op is the operation that failed ("list runs", "read block", ...).
	Op string
	// Path is the file or directory involved.
	Path string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *CatalogReadError) Error() string {
	return fmt.Sprintf("catalog %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CatalogReadError) Unwrap() error {
	return e.Err
}

// Conflict describes merged data that cannot be folded into the block set.
type Conflict struct {
	Prime   uint64
	Block   int // sealed block index, -1 when the prime falls into a gap
	Reason  string
	Records []model.Record
}

// ConversionIntegrityError indicates a merge found conflicting data.
// Nothing was committed when it is returned.
type ConversionIntegrityError struct {
	Conflicts []Conflict
}

// Error implements the error interface.
func (e *ConversionIntegrityError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "conversion integrity: %d conflicting prime(s)", len(e.Conflicts))
	for i, c := range e.Conflicts {
		if i == 5 {
			fmt.Fprintf(&b, "; ... %d more", len(e.Conflicts)-i)
			break
		}
		if c.Block >= 0 {
			fmt.Fprintf(&b, "; p=%d in sealed block %d: %s", c.Prime, c.Block, c.Reason)
		} else {
			fmt.Fprintf(&b, "; p=%d: %s", c.Prime, c.Reason)
		}
	}
	return b.String()
}

// Primes returns the conflicting primes in order.
func (e *ConversionIntegrityError) Primes() []uint64 {
	primes := make([]uint64, len(e.Conflicts))
	for i, c := range e.Conflicts {
		primes[i] = c.Prime
	}
	return primes
}

// IntegrityViolationError indicates a scan found invariant breaks.
// Violations is always the complete list.
type IntegrityViolationError struct {
	Violations []model.Violation
}

// Error implements the error interface.
func (e *IntegrityViolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "integrity violation: %d problem(s)", len(e.Violations))
	for _, v := range e.Violations {
		b.WriteString("; ")
		b.WriteString(v.String())
	}
	return b.String()
}

// Kinds returns the distinct violation kinds in order of first appearance.
func (e *IntegrityViolationError) Kinds() []model.ViolationKind {
	var kinds []model.ViolationKind
	seen := make(map[model.ViolationKind]bool)
	for _, v := range e.Violations {
		if !seen[v.Kind] {
			seen[v.Kind] = true
			kinds = append(kinds, v.Kind)
		}
	}
	return kinds
}

// UnintegratedRunsError indicates a resume was requested while runs are pending.
type UnintegratedRunsError struct {
	// RunIDs names every pending run.
	RunIDs []string
	// MissingPrimes are primes covered by pending runs but by no block.
	MissingPrimes []uint64
}

// Error implements the error interface.
func (e *UnintegratedRunsError) Error() string {
	msg := fmt.Sprintf("unintegrated runs pending: %s", strings.Join(e.RunIDs, ", "))
	if len(e.MissingPrimes) > 0 {
		msg += fmt.Sprintf(" (primes not in blocks: %s)", model.FormatPrimes(e.MissingPrimes, 8))
	}
	return msg
}
