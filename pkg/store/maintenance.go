package store

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/tempovec/internal/config"
	"github.com/fyrsmithlabs/tempovec/internal/logging"
)

// Maintainer drives the background maintenance passes: cleanup and
// optional per-context consolidation. The timer is caller-provided; the
// Maintainer rate-limits itself so a misconfigured timer cannot stampede
// the store.
type Maintainer struct {
	store   *Store
	cfg     config.MaintenanceConfig
	logger  *logging.Logger
	limiter *rate.Limiter
}

// NewMaintainer creates a maintainer for the store. A nil logger discards
// output.
func NewMaintainer(s *Store, cfg config.MaintenanceConfig, logger *logging.Logger) *Maintainer {
	if logger == nil {
		logger = logging.Nop()
	}
	interval := cfg.Interval.Duration()
	if interval <= 0 {
		interval = time.Minute
	}
	return &Maintainer{
		store:   s,
		cfg:     cfg,
		logger:  logger.Named("maintenance"),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// RunOnce performs one maintenance pass. Passes arriving faster than the
// configured interval are dropped. Idempotent modulo timestamps.
func (m *Maintainer) RunOnce(ctx context.Context) {
	if !m.limiter.Allow() {
		return
	}

	rep := m.store.Cleanup(ctx)
	for _, err := range rep.Errors {
		m.logger.Warn(ctx, "cleanup error", zap.Error(err))
	}

	if !m.cfg.Consolidate {
		return
	}
	for contextName := range m.store.Contexts() {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.store.Consolidate(ctx, contextName, float32(m.cfg.MergeThreshold)); err != nil {
			m.logger.Warn(ctx, "consolidation error",
				zap.String("context", contextName), zap.Error(err))
		}
	}
}

// Run services ticks until the context is done or the channel closes.
func (m *Maintainer) Run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			m.RunOnce(ctx)
		}
	}
}
