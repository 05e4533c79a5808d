// Package retention implements the retention worker: a periodic task that
// prunes aged events per tenant retention policy and records a summary
// event for every scope where rows were deleted.
package retention

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opscenter/commandcenter/internal/event"
	"github.com/opscenter/commandcenter/internal/metrics"
)

// DefaultInterval is the retention cadence.
const DefaultInterval = time.Hour

// DefaultDays is the retention applied to tenants without an override.
const DefaultDays = 7

// Store is the pruning surface the worker needs. *store.Store satisfies it.
type Store interface {
	PruneEvents(ctx context.Context, cutoff time.Time, tenantID string) (int64, error)
	PruneEventsExcluding(ctx context.Context, cutoff time.Time, excludeTenants []string) (int64, error)
}

// Recorder persists and broadcasts the ops.events.pruned summary events.
// *ingest.Service satisfies it.
type Recorder interface {
	Record(ctx context.Context, evt event.Event) error
}

// Worker prunes aged events on a fixed cadence. Create one with New, then
// call Start; Stop waits for the loop to exit.
type Worker struct {
	store       Store
	recorder    Recorder
	interval    time.Duration
	defaultDays int
	overrides   map[string]int // tenant id -> retention days
	logger      *slog.Logger
	counters    *metrics.Counters

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Worker. interval ≤ 0 defaults to DefaultInterval and
// defaultDays ≤ 0 to DefaultDays. overrides and counters may be nil.
func New(st Store, rec Recorder, interval time.Duration, defaultDays int, overrides map[string]int, logger *slog.Logger, counters *metrics.Counters) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if defaultDays <= 0 {
		defaultDays = DefaultDays
	}
	return &Worker{
		store:       st,
		recorder:    rec,
		interval:    interval,
		defaultDays: defaultDays,
		overrides:   overrides,
		logger:      logger,
		counters:    counters,
		done:        make(chan struct{}),
	}
}

// Start launches the retention loop. The loop runs until ctx is cancelled
// or Stop is called, waking at every interval tick.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.logger.Info("retention worker started",
			slog.Duration("interval", w.interval),
			slog.Int("default_days", w.defaultDays),
		)
		for {
			select {
			case <-ctx.Done():
				w.logger.Info("retention worker stopped")
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// Stop cancels the loop and blocks until it has exited.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
			<-w.done
		}
	})
}

// RunOnce performs a single retention pass: every tenant with an override
// is pruned at its own cutoff, then a catch-all pass prunes the remaining
// scopes (including "system") at the default cutoff. Failures are logged
// and retried on the next tick.
func (w *Worker) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	tenants := make([]string, 0, len(w.overrides))
	for tenant := range w.overrides {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		days := w.overrides[tenant]
		cutoff := now.AddDate(0, 0, -days)
		pruned, err := w.store.PruneEvents(ctx, cutoff, tenant)
		if err != nil {
			w.logger.Error("retention: prune failed",
				slog.String("scope", tenant), slog.Any("error", err))
			continue
		}
		w.finishScope(ctx, tenant, pruned, cutoff, days)
	}

	cutoff := now.AddDate(0, 0, -w.defaultDays)
	pruned, err := w.store.PruneEventsExcluding(ctx, cutoff, tenants)
	if err != nil {
		w.logger.Error("retention: prune failed",
			slog.String("scope", "all"), slog.Any("error", err))
		return
	}
	w.finishScope(ctx, "all", pruned, cutoff, w.defaultDays)
}

// finishScope updates counters and, when rows were deleted, records the
// summary event for the scope.
func (w *Worker) finishScope(ctx context.Context, scope string, pruned int64, cutoff time.Time, days int) {
	if pruned == 0 {
		return
	}
	if w.counters != nil {
		w.counters.EventsPruned.Add(pruned)
	}
	w.logger.Info("retention: pruned aged events",
		slog.String("scope", scope),
		slog.Int64("pruned_count", pruned),
		slog.Time("cutoff", cutoff),
	)

	now := time.Now().UTC()
	evt := event.Event{
		EventID:    uuid.NewString(),
		EventType:  event.TypeEventsPruned,
		Source:     "command-center",
		Severity:   event.SeverityInfo,
		TenantID:   event.DefaultTenant,
		Timestamp:  now,
		ReceivedAt: now,
		Payload: map[string]any{
			"scope":          scope,
			"pruned_count":   pruned,
			"cutoff":         cutoff.Format(time.RFC3339Nano),
			"retention_days": days,
		},
	}
	if err := w.recorder.Record(ctx, evt); err != nil {
		w.logger.Error("retention: record summary event failed",
			slog.String("scope", scope), slog.Any("error", err))
	}
}
