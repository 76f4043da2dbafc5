package funbuns

import (
	"log/slog"
	"time"

	fberrors "github.com/genamethi/funbuns/pkg/funbuns/errors"
	"github.com/genamethi/funbuns/pkg/funbuns/observability"
	"github.com/genamethi/funbuns/pkg/funbuns/sentinel"
)

// openConfig holds the options of Open.
type openConfig struct {
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
	now       func() time.Time
	store     sentinel.Store
	lockRetry *fberrors.RetryConfig
}

func defaultOpenConfig() openConfig {
	return openConfig{
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		now:     time.Now,
	}
}

// Option configures Open.
type Option func(*openConfig)

// WithLogger sets the logger shared by every component. Default: discard.
func WithLogger(logger *slog.Logger) Option {
	return func(c *openConfig) {
		c.logger = logger
	}
}

// WithMetrics enables metrics collection.
//
// Example:
//
//	store, err := funbuns.Open(cfg, funbuns.WithMetrics(observability.NewMetricsRecorder(logger)))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *openConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithTracing enables OpenTelemetry spans for conversions, rebuilds and scans.
func WithTracing() Option {
	return func(c *openConfig) {
		c.spans = observability.NewSpanManager()
	}
}

// WithClock sets the clock used for run IDs, block headers and sentinels.
func WithClock(now func() time.Time) Option {
	return func(c *openConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSentinelStore replaces the store selected by the configuration.
// Storage takes ownership and closes it.
func WithSentinelStore(s sentinel.Store) Option {
	return func(c *openConfig) {
		c.store = s
	}
}

// WithLockRetry sets the backoff used while the block directory lock is
// held by another process. The total wait is bounded by lock_timeout.
func WithLockRetry(cfg fberrors.RetryConfig) Option {
	return func(c *openConfig) {
		c.lockRetry = &cfg
	}
}
