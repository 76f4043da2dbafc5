package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/genamethi/funbuns/pkg/funbuns/config"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
	"github.com/genamethi/funbuns/pkg/funbuns/observability"
)

// OpenStore opens the store selected by the storage configuration.
func OpenStore(cfg config.Storage) (Store, error) {
	switch cfg.SentinelBackend {
	case config.BackendFile:
		return NewFileStore(cfg.SentinelPath), nil
	case config.BackendSQLite:
		return NewSQLiteStore(cfg.SentinelPath)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.SentinelBackend)
	}
}

// Manager derives the sentinel and keeps its cached copy consistent with the
// block set.
type Manager struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the clock used for DerivedAt.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a manager over store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = observability.Component(m.logger, "sentinel")
	return m
}

// Derive computes the sentinel of a block set, stamped with the manager clock.
func (m *Manager) Derive(blocks []model.BlockMeta, distinct uint64) Sentinel {
	return Derive(blocks, distinct, m.now())
}

// Persist replaces the cached sentinel.
func (m *Manager) Persist(ctx context.Context, s Sentinel) error {
	return m.store.Save(ctx, s)
}

// Load returns the cached sentinel, or ErrNotFound. The result may be stale;
// use Current to obtain a sentinel consistent with the blocks.
func (m *Manager) Load(ctx context.Context) (Sentinel, error) {
	return m.store.Load(ctx)
}

// Invalidate drops the cached sentinel after the block set changed.
func (m *Manager) Invalidate(ctx context.Context) error {
	return m.store.Delete(ctx)
}

// Current returns the cached sentinel when it matches derived, and otherwise
// persists and returns derived. An unreadable cache is treated as stale.
func (m *Manager) Current(ctx context.Context, derived Sentinel) (Sentinel, error) {
	cached, err := m.store.Load(ctx)
	switch {
	case err == nil && cached.Matches(derived):
		return cached, nil
	case err == nil:
		observability.LogSentinelStale(m.logger, "cached sentinel does not match blocks")
	case errors.Is(err, ErrNotFound):
	case errors.Is(err, ErrStoreClosed):
		return Sentinel{}, err
	default:
		observability.LogSentinelStale(m.logger, err.Error())
	}

	if err := m.store.Save(ctx, derived); err != nil {
		return Sentinel{}, fmt.Errorf("persist sentinel: %w", err)
	}
	return derived, nil
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
