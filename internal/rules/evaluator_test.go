package rules_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/opscenter/commandcenter/internal/event"
	"github.com/opscenter/commandcenter/internal/metrics"
	"github.com/opscenter/commandcenter/internal/rules"
	"github.com/opscenter/commandcenter/internal/store"
)

// fakeRecorder captures the alert events the evaluator produces.
type fakeRecorder struct {
	recorded []event.Event
}

func (f *fakeRecorder) Record(_ context.Context, evt event.Event) error {
	f.recorded = append(f.recorded, evt)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openMemStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// saveErrorEvents persists n service.error events for tenant, received now.
func saveErrorEvents(t *testing.T, s *store.Store, tenant string, n int) {
	t.Helper()
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		evt := event.Event{
			EventID:    "err-" + tenant + "-" + string(rune('a'+i)),
			EventType:  "service.error",
			Source:     "billing",
			Severity:   event.SeverityError,
			TenantID:   tenant,
			Payload:    map[string]any{"message": "boom"},
			Timestamp:  now,
			ReceivedAt: now,
		}
		if err := s.SaveEvent(context.Background(), &evt); err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}
	}
}

// createRule persists an enabled rule matching service.error events.
func createRule(t *testing.T, s *store.Store, name, tenant string, window, threshold int) store.Rule {
	t.Helper()
	r, err := s.CreateRule(context.Background(), store.Rule{
		Name:          name,
		EventType:     "service.error",
		TenantID:      tenant,
		WindowSeconds: window,
		Threshold:     threshold,
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	return *r
}

func newEvaluator(s *store.Store, rec rules.Recorder, webhooks []string, dedup time.Duration, counters *metrics.Counters) *rules.Evaluator {
	return rules.New(s, rec, webhooks, time.Minute, dedup, discardLogger(), counters)
}

func TestEvaluateOnce_ThresholdMet_RaisesAlertAndEnqueues(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}
	counters := metrics.NewCounters()
	webhooks := []string{"https://hooks.example.com/a", "https://hooks.example.com/b"}

	rule := createRule(t, s, "error-burst", "acme", 60, 3)
	saveErrorEvents(t, s, "acme", 3)

	ev := newEvaluator(s, rec, webhooks, 5*time.Minute, counters)
	res := ev.EvaluateOnce(context.Background())

	if res.Evaluated != 1 || res.Tripped != 1 || res.Suppressed != 0 {
		t.Fatalf("Result = %+v, want one trip", res)
	}
	if res.Enqueued != 2 {
		t.Errorf("Enqueued = %d, want one entry per webhook", res.Enqueued)
	}

	if len(rec.recorded) != 1 {
		t.Fatalf("recorded %d alerts, want 1", len(rec.recorded))
	}
	alert := rec.recorded[0]
	if alert.EventType != event.TypeAlertRaised {
		t.Errorf("alert type = %q", alert.EventType)
	}
	if alert.Severity != event.SeverityCritical {
		t.Errorf("alert severity = %q, want critical", alert.Severity)
	}
	if alert.TenantID != "acme" {
		t.Errorf("alert tenant = %q, want rule tenant", alert.TenantID)
	}
	if alert.Payload["rule_name"] != "error-burst" {
		t.Errorf("payload rule_name = %v", alert.Payload["rule_name"])
	}
	if alert.Payload["matched_count"] != int64(3) {
		t.Errorf("payload matched_count = %v, want 3", alert.Payload["matched_count"])
	}
	if alert.Payload["rule_id"] != rule.ID {
		t.Errorf("payload rule_id = %v, want %d", alert.Payload["rule_id"], rule.ID)
	}

	// Queue entries reference the alert and carry its JSON payload.
	queued, err := s.Deliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("Deliveries: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("queued %d deliveries, want 2", len(queued))
	}
	for _, d := range queued {
		if d.AlertEventID != alert.EventID {
			t.Errorf("delivery alert_event_id = %q, want %q", d.AlertEventID, alert.EventID)
		}
		if d.RuleName != "error-burst" {
			t.Errorf("delivery rule_name = %q", d.RuleName)
		}
		var payload event.Event
		if err := json.Unmarshal(d.AlertPayload, &payload); err != nil {
			t.Errorf("alert payload is not valid JSON: %v", err)
		}
	}

	if counters.AlertsRaised.Load() != 1 {
		t.Errorf("AlertsRaised = %d, want 1", counters.AlertsRaised.Load())
	}
}

func TestEvaluateOnce_BelowThreshold_NoAlert(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}

	createRule(t, s, "error-burst", "acme", 60, 5)
	saveErrorEvents(t, s, "acme", 4)

	ev := newEvaluator(s, rec, []string{"https://hooks.example.com/a"}, 5*time.Minute, nil)
	res := ev.EvaluateOnce(context.Background())

	if res.Tripped != 0 {
		t.Errorf("Tripped = %d, want 0", res.Tripped)
	}
	if len(rec.recorded) != 0 {
		t.Errorf("recorded %d alerts, want 0", len(rec.recorded))
	}
}

func TestEvaluateOnce_ExactThreshold_Trips(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}

	createRule(t, s, "error-burst", "acme", 60, 3)
	saveErrorEvents(t, s, "acme", 3)

	ev := newEvaluator(s, rec, nil, 5*time.Minute, nil)
	if res := ev.EvaluateOnce(context.Background()); res.Tripped != 1 {
		t.Errorf("Tripped = %d, want 1 at exact threshold", res.Tripped)
	}
}

func TestEvaluateOnce_TenantScopedCounting(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}

	// acme's rule must not trip from globex's events.
	createRule(t, s, "error-burst", "acme", 60, 3)
	saveErrorEvents(t, s, "globex", 5)
	saveErrorEvents(t, s, "acme", 2)

	ev := newEvaluator(s, rec, nil, 5*time.Minute, nil)
	if res := ev.EvaluateOnce(context.Background()); res.Tripped != 0 {
		t.Errorf("Tripped = %d, want 0: rule counted foreign tenant events", res.Tripped)
	}
}

func TestEvaluateOnce_GlobalRule_AlertsAsSystem(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}

	createRule(t, s, "any-errors", "", 60, 2)
	saveErrorEvents(t, s, "acme", 1)
	saveErrorEvents(t, s, "globex", 1)

	ev := newEvaluator(s, rec, nil, 5*time.Minute, nil)
	res := ev.EvaluateOnce(context.Background())

	if res.Tripped != 1 {
		t.Fatalf("Tripped = %d, want 1: global rule counts all tenants", res.Tripped)
	}
	if rec.recorded[0].TenantID != event.DefaultTenant {
		t.Errorf("alert tenant = %q, want %q", rec.recorded[0].TenantID, event.DefaultTenant)
	}
}

func TestEvaluateOnce_DisabledRuleSkipped(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}

	rule := createRule(t, s, "error-burst", "acme", 60, 1)
	if _, err := s.SetRuleEnabled(context.Background(), rule.ID, false); err != nil {
		t.Fatalf("SetRuleEnabled: %v", err)
	}
	saveErrorEvents(t, s, "acme", 5)

	ev := newEvaluator(s, rec, nil, 5*time.Minute, nil)
	res := ev.EvaluateOnce(context.Background())

	if res.Evaluated != 0 {
		t.Errorf("Evaluated = %d, want 0", res.Evaluated)
	}
}

func TestEvaluateOnce_DedupSuppressesEnqueueButStillRecordsAlert(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}
	counters := metrics.NewCounters()

	createRule(t, s, "error-burst", "acme", 600, 2)
	saveErrorEvents(t, s, "acme", 2)

	ev := newEvaluator(s, rec, []string{"https://hooks.example.com/a"}, time.Hour, counters)

	first := ev.EvaluateOnce(context.Background())
	if first.Tripped != 1 || first.Enqueued != 1 || first.Suppressed != 0 {
		t.Fatalf("first pass = %+v", first)
	}

	// The window has not moved, so the rule trips again inside the dedup
	// window: the alert event is still recorded but nothing is enqueued.
	second := ev.EvaluateOnce(context.Background())
	if second.Tripped != 1 || second.Suppressed != 1 || second.Enqueued != 0 {
		t.Fatalf("second pass = %+v, want suppressed trip", second)
	}
	if len(rec.recorded) != 2 {
		t.Errorf("recorded %d alerts, want 2: suppressed trips still persist alerts", len(rec.recorded))
	}

	queued, err := s.Deliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("Deliveries: %v", err)
	}
	if len(queued) != 1 {
		t.Errorf("queued %d deliveries, want 1: suppressed trip enqueued", len(queued))
	}
	if counters.AlertsSuppressed.Load() != 1 {
		t.Errorf("AlertsSuppressed = %d, want 1", counters.AlertsSuppressed.Load())
	}
}

func TestEvaluateOnce_DedupWindowElapsed_EnqueuesAgain(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}

	createRule(t, s, "error-burst", "acme", 600, 2)
	saveErrorEvents(t, s, "acme", 2)

	// Stamp a past enqueue older than the dedup window.
	if err := s.RecordEnqueue(context.Background(), "error-burst", "acme",
		time.Now().UTC().Add(-2*time.Minute)); err != nil {
		t.Fatalf("RecordEnqueue: %v", err)
	}

	ev := newEvaluator(s, rec, []string{"https://hooks.example.com/a"}, time.Minute, nil)
	res := ev.EvaluateOnce(context.Background())

	if res.Suppressed != 0 || res.Enqueued != 1 {
		t.Fatalf("Result = %+v, want fresh enqueue after window elapsed", res)
	}
}

func TestEvaluateOnce_ZeroWebhooks_StillStampsDedup(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}
	counters := metrics.NewCounters()

	createRule(t, s, "error-burst", "acme", 600, 1)
	saveErrorEvents(t, s, "acme", 1)

	ev := newEvaluator(s, rec, nil, time.Hour, counters)

	first := ev.EvaluateOnce(context.Background())
	if first.Tripped != 1 || first.Enqueued != 0 {
		t.Fatalf("first pass = %+v", first)
	}

	// Second trip must be recognized as a duplicate even though nothing was
	// enqueued the first time.
	second := ev.EvaluateOnce(context.Background())
	if second.Suppressed != 1 {
		t.Errorf("second pass = %+v, want suppressed", second)
	}
}

func TestEvaluateOnce_OldEventsOutsideWindowIgnored(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}

	createRule(t, s, "error-burst", "acme", 30, 2)

	// Events received over a minute ago fall outside the 30s window.
	past := time.Now().UTC().Add(-2 * time.Minute)
	for i := 0; i < 5; i++ {
		evt := event.Event{
			EventID:    "old-" + string(rune('a'+i)),
			EventType:  "service.error",
			Source:     "billing",
			Severity:   event.SeverityError,
			TenantID:   "acme",
			Payload:    map[string]any{"message": "boom"},
			Timestamp:  past,
			ReceivedAt: past,
		}
		if err := s.SaveEvent(context.Background(), &evt); err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}
	}

	ev := newEvaluator(s, rec, nil, 5*time.Minute, nil)
	if res := ev.EvaluateOnce(context.Background()); res.Tripped != 0 {
		t.Errorf("Tripped = %d, want 0: events outside the window counted", res.Tripped)
	}
}

func TestStartStop_LoopExitsCleanly(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}

	ev := rules.New(s, rec, nil, 10*time.Millisecond, time.Minute, discardLogger(), nil)
	ev.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	ev.Stop()
	ev.Stop() // idempotent
}
