package audit

import (
	"context"
	"log/slog"
	"time"
)

// Purger deletes events older than a cutoff.
type Purger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionWorker periodically purges expired events.
type RetentionWorker struct {
	store     Purger
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewRetentionWorker builds a worker from cfg's retention settings.
func NewRetentionWorker(store Purger, cfg *Config, logger *slog.Logger) *RetentionWorker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.RetentionInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionWorker{
		store:     store,
		retention: cfg.Retention(),
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Run purges once immediately and then on every interval until ctx is
// done. It returns at once when retention is disabled.
func (w *RetentionWorker) Run(ctx context.Context) {
	if w.store == nil || w.retention <= 0 {
		w.logger.Info("audit retention disabled")
		return
	}
	w.logger.Info("audit retention worker started",
		"retention", w.retention.String(), "interval", w.interval.String())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.Purge(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("audit retention worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Purge runs one retention pass and returns the number of events removed.
func (w *RetentionWorker) Purge(ctx context.Context) int64 {
	cutoff := w.now().Add(-w.retention)
	deleted, err := w.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		w.logger.Error("audit retention pass failed", "error", err)
		return 0
	}
	if deleted > 0 {
		w.logger.Info("purged audit events", "deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted
}
