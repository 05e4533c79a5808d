package delivery

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opscenter/commandcenter/internal/event"
	"github.com/opscenter/commandcenter/internal/metrics"
	"github.com/opscenter/commandcenter/internal/store"
)

// fakeRecorder captures the dead-letter events the dispatcher emits.
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

// enqueue persists a queue entry aimed at url and returns the stored row.
func enqueue(t *testing.T, s *store.Store, url string) store.Delivery {
	t.Helper()
	d, err := s.EnqueueDelivery(context.Background(), store.Delivery{
		AlertEventID: "alert-evt-1",
		RuleName:     "error-burst",
		AlertPayload: json.RawMessage(`{"event_type":"ops.alert.raised","payload":{"rule_name":"error-burst"}}`),
		WebhookURL:   url,
	})
	if err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}
	return *d
}

func newDispatcher(s *store.Store, rec Recorder, opts Options, counters *metrics.Counters) *Dispatcher {
	return New(s, rec, opts, discardLogger(), counters)
}

func TestNextAttemptDelay_BandFloorsAndJitter(t *testing.T) {
	floors := map[int]time.Duration{
		1: 30 * time.Second,
		2: 2 * time.Minute,
		3: 5 * time.Minute,
		4: 15 * time.Minute,
		5: 30 * time.Minute,
		6: 30 * time.Minute, // beyond the last band
		0: 30 * time.Second, // clamped up
	}
	for attempt, floor := range floors {
		for i := 0; i < 20; i++ {
			got := NextAttemptDelay(attempt)
			if got < floor {
				t.Fatalf("NextAttemptDelay(%d) = %v, below floor %v", attempt, got, floor)
			}
			max := floor + floor/10
			if got > max {
				t.Fatalf("NextAttemptDelay(%d) = %v, above floor+10%% %v", attempt, got, max)
			}
		}
	}
}

func TestProcessEntry_Success_RemovesEntryAndRecordsHistory(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}
	counters := metrics.NewCounters()

	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	entry := enqueue(t, s, srv.URL)
	d := newDispatcher(s, rec, Options{Client: srv.Client()}, counters)
	d.processEntry(context.Background(), entry)

	if string(gotBody) != string(entry.AlertPayload) {
		t.Errorf("webhook body = %s, want alert payload verbatim", gotBody)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}

	queued, err := s.Deliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("Deliveries: %v", err)
	}
	if len(queued) != 0 {
		t.Errorf("queue still has %d entries, want 0", len(queued))
	}

	history, err := s.DeliveryHistory(context.Background(), 10)
	if err != nil {
		t.Fatalf("DeliveryHistory: %v", err)
	}
	if len(history) != 1 || history[0].Status != store.StatusDelivered {
		t.Errorf("history = %+v, want one delivered row", history)
	}
	if counters.DeliveriesSucceeded.Load() != 1 || counters.DeliveryAttempts.Load() != 1 {
		t.Errorf("counters: succeeded=%d attempts=%d",
			counters.DeliveriesSucceeded.Load(), counters.DeliveryAttempts.Load())
	}
	if len(rec.recorded) != 0 {
		t.Errorf("recorded %d events, want 0 on success", len(rec.recorded))
	}
}

func TestProcessEntry_TransientFailure_ReschedulesWithBackoff(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}
	counters := metrics.NewCounters()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	entry := enqueue(t, s, srv.URL)
	before := time.Now().UTC()
	d := newDispatcher(s, rec, Options{Client: srv.Client()}, counters)
	d.processEntry(context.Background(), entry)

	queued, err := s.Deliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("Deliveries: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("queue has %d entries, want the rescheduled one", len(queued))
	}
	got := queued[0]
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}
	if got.LastError == "" {
		t.Error("LastError not recorded")
	}
	// After one attempt the next try is at least 30s out.
	if got.NextAttemptAt.Before(before.Add(30 * time.Second)) {
		t.Errorf("NextAttemptAt = %v, want ≥ 30s after %v", got.NextAttemptAt, before)
	}

	history, err := s.DeliveryHistory(context.Background(), 10)
	if err != nil {
		t.Fatalf("DeliveryHistory: %v", err)
	}
	if len(history) != 1 || history[0].Status != store.StatusFailed {
		t.Errorf("history = %+v, want one failed row", history)
	}
	if counters.DeliveriesRescheduled.Load() != 1 {
		t.Errorf("DeliveriesRescheduled = %d, want 1", counters.DeliveriesRescheduled.Load())
	}
	if len(rec.recorded) != 0 {
		t.Errorf("recorded %d events, want 0 before exhaustion", len(rec.recorded))
	}
}

func TestProcessEntry_ExhaustedAttempts_DeadLetters(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}
	counters := metrics.NewCounters()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	entry := enqueue(t, s, srv.URL)
	d := newDispatcher(s, rec, Options{Client: srv.Client()}, counters)

	// Fail through every attempt; reload the row so attempt counts advance.
	for i := 0; i < store.DefaultMaxAttempts; i++ {
		queued, err := s.Deliveries(context.Background(), 10)
		if err != nil {
			t.Fatalf("Deliveries: %v", err)
		}
		if len(queued) != 1 {
			t.Fatalf("attempt %d: queue has %d entries", i+1, len(queued))
		}
		d.processEntry(context.Background(), queued[0])
	}

	queued, err := s.Deliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("Deliveries: %v", err)
	}
	if len(queued) != 0 {
		t.Errorf("queue has %d entries after exhaustion, want 0", len(queued))
	}

	history, err := s.DeliveryHistory(context.Background(), 10)
	if err != nil {
		t.Fatalf("DeliveryHistory: %v", err)
	}
	if len(history) != store.DefaultMaxAttempts {
		t.Fatalf("history has %d rows, want %d", len(history), store.DefaultMaxAttempts)
	}
	// History is newest-first: the final attempt is the dead letter.
	if history[0].Status != store.StatusDeadLetter {
		t.Errorf("final history status = %q, want dead_letter", history[0].Status)
	}
	for _, h := range history[1:] {
		if h.Status != store.StatusFailed {
			t.Errorf("intermediate history status = %q, want failed", h.Status)
		}
	}

	if counters.DeliveriesDeadLetter.Load() != 1 {
		t.Errorf("DeliveriesDeadLetter = %d, want 1", counters.DeliveriesDeadLetter.Load())
	}

	// The dead letter produces an ops event describing the failure.
	if len(rec.recorded) != 1 {
		t.Fatalf("recorded %d events, want 1 dead-letter event", len(rec.recorded))
	}
	evt := rec.recorded[0]
	if evt.EventType != event.TypeDeliveryFailed {
		t.Errorf("event type = %q", evt.EventType)
	}
	if evt.Payload["alert_event_id"] != entry.AlertEventID {
		t.Errorf("payload alert_event_id = %v", evt.Payload["alert_event_id"])
	}
	if evt.Payload["attempts"] != store.DefaultMaxAttempts {
		t.Errorf("payload attempts = %v, want %d", evt.Payload["attempts"], store.DefaultMaxAttempts)
	}
	if evt.Payload["webhook_url"] != srv.URL {
		t.Errorf("payload webhook_url = %v", evt.Payload["webhook_url"])
	}
}

func TestProcessEntry_ConnectionRefused_TreatedAsTransient(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}

	// Reserve a port, then close it so the POST is refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	entry := enqueue(t, s, deadURL)
	d := newDispatcher(s, rec, Options{}, nil)
	d.processEntry(context.Background(), entry)

	queued, err := s.Deliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("Deliveries: %v", err)
	}
	if len(queued) != 1 || queued[0].AttemptCount != 1 {
		t.Fatalf("queue = %+v, want one rescheduled entry", queued)
	}
}

func TestProcessEntry_SignsBodyWhenSecretConfigured(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}

	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	entry := enqueue(t, s, srv.URL)
	d := newDispatcher(s, rec, Options{Client: srv.Client(), Secret: "s3cret"}, nil)
	d.processEntry(context.Background(), entry)

	if gotSig == "" {
		t.Fatal("signature header missing")
	}
	if want := Sign("s3cret", gotBody); gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
}

func TestProcessEntry_NoSecret_NoSignatureHeader(t *testing.T) {
	s := openMemStore(t)

	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	entry := enqueue(t, s, srv.URL)
	d := newDispatcher(s, &fakeRecorder{}, Options{Client: srv.Client()}, nil)
	d.processEntry(context.Background(), entry)

	if gotSig != "" {
		t.Errorf("unexpected signature header %q without a secret", gotSig)
	}
}

func TestSign_KnownVector(t *testing.T) {
	// HMAC-SHA256("secret", "payload") is stable; pin the header format.
	got := Sign("secret", []byte("payload"))
	const want = "sha256=b82fcb791acec57859b989b430a826488ce2e479fdf92326bd0a2e8375a42ba4"
	if got != want {
		t.Errorf("Sign = %q, want %q", got, want)
	}
}

func TestRunOnce_DrainsDueBatchConcurrently(t *testing.T) {
	s := openMemStore(t)
	rec := &fakeRecorder{}

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	for i := 0; i < 5; i++ {
		enqueue(t, s, srv.URL)
	}

	d := newDispatcher(s, rec, Options{Client: srv.Client(), BatchSize: 10}, nil)
	d.RunOnce(context.Background())

	if hits.Load() != 5 {
		t.Errorf("webhook hit %d times, want 5", hits.Load())
	}
	queued, err := s.Deliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("Deliveries: %v", err)
	}
	if len(queued) != 0 {
		t.Errorf("queue has %d entries after RunOnce, want 0", len(queued))
	}
}

func TestRunOnce_SkipsEntriesNotYetDue(t *testing.T) {
	s := openMemStore(t)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	entry := enqueue(t, s, srv.URL)
	// Push the entry into the future, as a failed attempt would.
	if err := s.MarkDeliveryFailed(context.Background(), entry.ID, "later",
		time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("MarkDeliveryFailed: %v", err)
	}

	d := newDispatcher(s, &fakeRecorder{}, Options{Client: srv.Client()}, nil)
	d.RunOnce(context.Background())

	if hits.Load() != 0 {
		t.Errorf("webhook hit %d times, want 0 for a future entry", hits.Load())
	}
}

func TestStartStop_InitialDelayAndCleanExit(t *testing.T) {
	s := openMemStore(t)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	enqueue(t, s, srv.URL)

	d := newDispatcher(s, &fakeRecorder{}, Options{
		Client:       srv.Client(),
		Interval:     10 * time.Millisecond,
		InitialDelay: 5 * time.Millisecond,
	}, nil)
	d.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	d.Stop()
	d.Stop() // idempotent

	if hits.Load() == 0 {
		t.Error("dispatcher never delivered after initial delay")
	}
}
