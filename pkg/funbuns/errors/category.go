// Package errors provides the storage error taxonomy, its categorization and
// retry support for transient conditions.
//
// Categories drive what a caller may do next:
//   - Transient: retry will likely help (directory lock held by another process)
//   - Operator: fatal, needs a targeted repair before anything proceeds
//   - Convertible: recoverable by running conversion and retrying
package errors

import (
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	CategoryTransient Category = iota

	// CategoryOperator indicates the storage state needs operator action.
	// Examples: unreadable catalog, integrity violations, conflicting merges.
	CategoryOperator

	// CategoryConvertible indicates running conversion resolves the error.
	CategoryConvertible
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryOperator:
		return "operator"
	case CategoryConvertible:
		return "convertible"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryOperator // shouldn't happen, fail safe
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	if errors.Is(err, ErrDirectoryLocked) {
		return CategoryTransient
	}

	var unintegrated *UnintegratedRunsError
	if errors.As(err, &unintegrated) {
		return CategoryConvertible
	}

	// Catalog reads, conversion conflicts, integrity violations and anything
	// unknown stop here.
	return CategoryOperator
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// NeedsConversion reports whether running conversion resolves the error.
func NeedsConversion(err error) bool {
	return Categorize(err) == CategoryConvertible
}

// NeedsOperator reports whether the error is fatal until repaired.
func NeedsOperator(err error) bool {
	return Categorize(err) == CategoryOperator
}
