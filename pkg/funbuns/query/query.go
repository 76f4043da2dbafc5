// Package query provides read-only inspection of the storage for the
// reporting layer.
//
// Queries never mutate storage and never expose pending runs directly. They
// are synchronous and return a result immediately. Storage.Queries registers
// the built-in handlers named below.
package query

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Handler executes a query and returns a result.
// Handlers must not modify storage.
type Handler func(ctx context.Context, args any) (any, error)

// Built-in query names.
const (
	QueryBlocks   = "blocks"   // Returns block metadata, or one block when args is an index
	QueryScan     = "scan"     // Returns the integrity report
	QuerySentinel = "sentinel" // Returns the current resume sentinel
	QuerySummary  = "summary"  // Returns totals and the partition-count distribution
	QueryStatus   = "status"   // Returns pending runs, block count and gate state
)

// ErrQueryNotFound is returned when a query handler doesn't exist.
var ErrQueryNotFound = errors.New("query not found")

// Registry manages query handlers by query name.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates a new query registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for a query name.
func (r *Registry) Register(queryName string, handler Handler) error {
	if queryName == "" {
		return errors.New("query name is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[queryName]; exists {
		return fmt.Errorf("handler for query %q already registered", queryName)
	}

	r.handlers[queryName] = handler
	return nil
}

// MustRegister registers a handler, panicking on error.
func (r *Registry) MustRegister(queryName string, handler Handler) {
	if err := r.Register(queryName, handler); err != nil {
		panic(err)
	}
}

// Get returns the handler for a query name.
func (r *Registry) Get(queryName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, exists := r.handlers[queryName]
	return handler, exists
}

// List returns all registered query names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Unregister removes a handler for a query name.
func (r *Registry) Unregister(queryName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, queryName)
}

// Execute runs a query.
func (r *Registry) Execute(ctx context.Context, queryName string, args any) (any, error) {
	if queryName == "" {
		return nil, errors.New("query name is required")
	}
	handler, exists := r.Get(queryName)
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrQueryNotFound, queryName)
	}
	return handler(ctx, args)
}

// Result wraps a query result with metadata.
type Result struct {
	// QueryName is the query that was executed.
	QueryName string `json:"query_name"`

	// Value is the query result.
	Value any `json:"value"`

	// Error contains error details if the query failed.
	Error string `json:"error,omitempty"`
}

// ExecuteMultiple runs several queries and returns a result for each,
// including those that failed, ordered by query name.
func (r *Registry) ExecuteMultiple(ctx context.Context, queries map[string]any) []Result {
	names := make([]string, 0, len(queries))
	for name := range queries {
		names = append(names, name)
	}
	slices.Sort(names)

	results := make([]Result, 0, len(queries))
	for _, name := range names {
		result := Result{QueryName: name}
		value, err := r.Execute(ctx, name, queries[name])
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Value = value
		}
		results = append(results, result)
	}
	return results
}
