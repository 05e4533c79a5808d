// Package rules implements the rule evaluator: a periodic task that counts
// recent events per enabled rule and, when a threshold trips, persists a
// synthetic alert event and enqueues webhook deliveries.
package rules

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opscenter/commandcenter/internal/event"
	"github.com/opscenter/commandcenter/internal/metrics"
	"github.com/opscenter/commandcenter/internal/store"
)

// AlertSource is the source field stamped on synthetic alert events.
const AlertSource = "command-center"

// Store is the persistence surface the evaluator needs. *store.Store
// satisfies it.
type Store interface {
	EnabledRules(ctx context.Context) ([]store.Rule, error)
	CountEvents(ctx context.Context, q store.EventQuery) (int64, error)
	EnqueueDelivery(ctx context.Context, d store.Delivery) (*store.Delivery, error)
	LastEnqueue(ctx context.Context, ruleName, tenantID string) (time.Time, bool, error)
	RecordEnqueue(ctx context.Context, ruleName, tenantID string, at time.Time) error
}

// Recorder persists and broadcasts internally produced events.
// *ingest.Service satisfies it.
type Recorder interface {
	Record(ctx context.Context, evt event.Event) error
}

// Result summarizes one evaluation pass.
type Result struct {
	Evaluated  int `json:"evaluated"`
	Tripped    int `json:"tripped"`
	Suppressed int `json:"suppressed"`
	Enqueued   int `json:"enqueued"`
}

// Evaluator runs the periodic rule scan. Create one with New, then call
// Start; Stop waits for the loop to exit.
type Evaluator struct {
	store       Store
	recorder    Recorder
	webhooks    []string
	dedupWindow time.Duration
	interval    time.Duration
	logger      *slog.Logger
	counters    *metrics.Counters

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an Evaluator. interval ≤ 0 defaults to 15 seconds and
// dedupWindow ≤ 0 to 300 seconds. counters may be nil.
func New(st Store, rec Recorder, webhooks []string, interval, dedupWindow time.Duration, logger *slog.Logger, counters *metrics.Counters) *Evaluator {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if dedupWindow <= 0 {
		dedupWindow = 300 * time.Second
	}
	return &Evaluator{
		store:       st,
		recorder:    rec,
		webhooks:    webhooks,
		dedupWindow: dedupWindow,
		interval:    interval,
		logger:      logger,
		counters:    counters,
		done:        make(chan struct{}),
	}
}

// Start launches the evaluation loop. The loop runs until ctx is cancelled
// or Stop is called, waking at every interval tick.
func (e *Evaluator) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	go func() {
		defer close(e.done)

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		e.logger.Info("rule evaluator started", slog.Duration("interval", e.interval))
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("rule evaluator stopped")
				return
			case <-ticker.C:
				res := e.EvaluateOnce(ctx)
				if res.Tripped > 0 {
					e.logger.Info("evaluation pass complete",
						slog.Int("evaluated", res.Evaluated),
						slog.Int("tripped", res.Tripped),
						slog.Int("suppressed", res.Suppressed),
						slog.Int("enqueued", res.Enqueued),
					)
				}
			}
		}
	}()
}

// Stop cancels the loop and blocks until it has exited. Stop is safe to call
// more than once and before Start (in which case it only marks the evaluator
// stopped).
func (e *Evaluator) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
	})
}

// EvaluateOnce runs a single synchronous evaluation pass over every enabled
// rule. Errors from individual rules are logged and never block the rest of
// the pass; the admin evaluate endpoint calls this directly.
func (e *Evaluator) EvaluateOnce(ctx context.Context) Result {
	var res Result

	rules, err := e.store.EnabledRules(ctx)
	if err != nil {
		e.logger.Error("evaluator: list enabled rules failed", slog.Any("error", err))
		return res
	}

	for _, rule := range rules {
		res.Evaluated++
		tripped, suppressed, enqueued, err := e.evaluateRule(ctx, rule)
		if err != nil {
			e.logger.Error("evaluator: rule evaluation failed",
				slog.Int64("rule_id", rule.ID),
				slog.String("rule_name", rule.Name),
				slog.Any("error", err),
			)
			continue
		}
		if tripped {
			res.Tripped++
		}
		if suppressed {
			res.Suppressed++
		}
		res.Enqueued += enqueued
	}
	return res
}

// evaluateRule checks one rule's window and, on a trip, persists the alert
// event, enqueues deliveries unless suppressed by dedup, and stamps the
// dedup history.
func (e *Evaluator) evaluateRule(ctx context.Context, rule store.Rule) (tripped, suppressed bool, enqueued int, err error) {
	now := time.Now().UTC()
	since := now.Add(-time.Duration(rule.WindowSeconds) * time.Second)

	matched, err := e.store.CountEvents(ctx, store.EventQuery{
		EventType:     rule.EventType,
		Source:        rule.Source,
		Severity:      rule.Severity,
		TenantID:      rule.TenantID,
		ReceivedSince: since,
	})
	if err != nil {
		return false, false, 0, err
	}
	if matched < int64(rule.Threshold) {
		return false, false, 0, nil
	}

	// The alert inherits the rule's tenant; global rules alert as "system".
	tenant := rule.TenantID
	if tenant == "" {
		tenant = event.DefaultTenant
	}

	// Dedup check happens before anything is written so a suppressed trip
	// performs no delivery work, but the alert event itself is always
	// persisted: it stays observable on the stream and in queries.
	last, seen, err := e.store.LastEnqueue(ctx, rule.Name, tenant)
	if err != nil {
		return false, false, 0, err
	}
	suppressed = seen && now.Sub(last) < e.dedupWindow

	alert := e.buildAlert(rule, tenant, matched, now)
	if err := e.recorder.Record(ctx, alert); err != nil {
		return false, false, 0, err
	}
	if e.counters != nil {
		e.counters.AlertsRaised.Add(1)
	}
	e.logger.Warn("alert raised",
		slog.String("rule_name", rule.Name),
		slog.String("tenant_id", tenant),
		slog.Int64("matched_count", matched),
		slog.Int("threshold", rule.Threshold),
		slog.Bool("suppressed", suppressed),
	)

	if suppressed {
		if e.counters != nil {
			e.counters.AlertsSuppressed.Add(1)
		}
		return true, true, 0, nil
	}

	payload, err := json.Marshal(&alert)
	if err != nil {
		return true, false, 0, err
	}
	for _, url := range e.webhooks {
		if _, err := e.store.EnqueueDelivery(ctx, store.Delivery{
			AlertEventID: alert.EventID,
			RuleName:     rule.Name,
			AlertPayload: payload,
			WebhookURL:   url,
		}); err != nil {
			return true, false, enqueued, err
		}
		enqueued++
	}

	// Dedup is stamped even with zero webhooks so a repeat trip inside the
	// window is still recognized as a duplicate.
	if err := e.store.RecordEnqueue(ctx, rule.Name, tenant, now); err != nil {
		return true, false, enqueued, err
	}
	return true, false, enqueued, nil
}

// buildAlert constructs the synthetic ops.alert.raised event for a trip.
func (e *Evaluator) buildAlert(rule store.Rule, tenant string, matched int64, now time.Time) event.Event {
	filters := map[string]any{}
	if rule.EventType != "" {
		filters["event_type"] = rule.EventType
	}
	if rule.Source != "" {
		filters["source"] = rule.Source
	}
	if rule.Severity != "" {
		filters["severity"] = string(rule.Severity)
	}

	return event.Event{
		EventID:    uuid.NewString(),
		EventType:  event.TypeAlertRaised,
		Source:     AlertSource,
		Severity:   event.SeverityCritical,
		TenantID:   tenant,
		Timestamp:  now,
		ReceivedAt: now,
		Payload: map[string]any{
			"rule_name":      rule.Name,
			"rule_id":        rule.ID,
			"matched_count":  matched,
			"window_seconds": rule.WindowSeconds,
			"threshold":      rule.Threshold,
			"filters":        filters,
		},
	}
}
