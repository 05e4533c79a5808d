package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opscenter/commandcenter/internal/event"
	"github.com/opscenter/commandcenter/internal/store"
)

// ---------------------------------------------------------------------------
// Enqueue / due
// ---------------------------------------------------------------------------

func TestEnqueueDelivery_AppliesDefaults(t *testing.T) {
	s := openMemStore(t)
	before := time.Now().UTC()

	d, err := s.EnqueueDelivery(context.Background(), makeDelivery("http://hooks.example/a"))
	if err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}
	if d.ID == 0 {
		t.Error("ID = 0 after enqueue")
	}
	if d.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0", d.AttemptCount)
	}
	if d.MaxAttempts != store.DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", d.MaxAttempts, store.DefaultMaxAttempts)
	}
	if d.NextAttemptAt.Before(before) {
		t.Errorf("NextAttemptAt = %v, want ≥ %v", d.NextAttemptAt, before)
	}
}

func TestDueDeliveries_ExcludesFutureRows(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.EnqueueDelivery(ctx, makeDelivery("http://hooks.example/due")); err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}
	future := makeDelivery("http://hooks.example/later")
	future.NextAttemptAt = now.Add(time.Hour)
	if _, err := s.EnqueueDelivery(ctx, future); err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}

	due, err := s.DueDeliveries(ctx, now.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("DueDeliveries: %v", err)
	}
	if len(due) != 1 || due[0].WebhookURL != "http://hooks.example/due" {
		t.Errorf("DueDeliveries = %+v, want just the due row", due)
	}
}

func TestDueDeliveries_OldestDueFirst(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	late := makeDelivery("http://hooks.example/late")
	late.NextAttemptAt = now.Add(-time.Minute)
	early := makeDelivery("http://hooks.example/early")
	early.NextAttemptAt = now.Add(-time.Hour)
	if _, err := s.EnqueueDelivery(ctx, late); err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}
	if _, err := s.EnqueueDelivery(ctx, early); err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}

	due, err := s.DueDeliveries(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueDeliveries: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("DueDeliveries returned %d rows, want 2", len(due))
	}
	if due[0].WebhookURL != "http://hooks.example/early" {
		t.Errorf("due[0].WebhookURL = %q, want the earlier row first", due[0].WebhookURL)
	}
}

func TestDueDeliveries_ZeroLimit_ReturnsNil(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()
	if _, err := s.EnqueueDelivery(ctx, makeDelivery("http://hooks.example/a")); err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}

	due, err := s.DueDeliveries(ctx, time.Now().UTC(), 0)
	if err != nil {
		t.Fatalf("DueDeliveries(0): %v", err)
	}
	if len(due) != 0 {
		t.Errorf("DueDeliveries(0) returned %d rows, want 0", len(due))
	}
}

// ---------------------------------------------------------------------------
// Attempt outcomes
// ---------------------------------------------------------------------------

func TestMarkDeliveryFailed_ReschedulesAndRecordsAttempt(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	d, err := s.EnqueueDelivery(ctx, makeDelivery("http://hooks.example/a"))
	if err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}

	next := time.Now().UTC().Add(30 * time.Second)
	if err := s.MarkDeliveryFailed(ctx, d.ID, "503 Service Unavailable", next); err != nil {
		t.Fatalf("MarkDeliveryFailed: %v", err)
	}

	queue, err := s.Deliveries(ctx, 10)
	if err != nil || len(queue) != 1 {
		t.Fatalf("Deliveries: err=%v, got %d rows", err, len(queue))
	}
	got := queue[0]
	if got.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", got.AttemptCount)
	}
	if got.LastError != "503 Service Unavailable" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if !got.NextAttemptAt.Equal(next) {
		t.Errorf("NextAttemptAt = %v, want %v", got.NextAttemptAt, next)
	}

	history, err := s.DeliveryHistory(ctx, 10)
	if err != nil || len(history) != 1 {
		t.Fatalf("DeliveryHistory: err=%v, got %d rows", err, len(history))
	}
	h := history[0]
	if h.Status != store.StatusFailed || h.Attempt != 1 || h.DeliveryID != d.ID {
		t.Errorf("history = %+v", h)
	}
	if h.NextAttemptAt == nil || !h.NextAttemptAt.Equal(next) {
		t.Errorf("history NextAttemptAt = %v, want %v", h.NextAttemptAt, next)
	}
}

func TestMarkDeliveryDelivered_RemovesRowAndRecordsAttempt(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	d, err := s.EnqueueDelivery(ctx, makeDelivery("http://hooks.example/a"))
	if err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}

	if err := s.MarkDeliveryDelivered(ctx, d.ID); err != nil {
		t.Fatalf("MarkDeliveryDelivered: %v", err)
	}

	queue, err := s.Deliveries(ctx, 10)
	if err != nil {
		t.Fatalf("Deliveries: %v", err)
	}
	if len(queue) != 0 {
		t.Errorf("queue has %d rows after success, want 0", len(queue))
	}

	history, err := s.DeliveryHistory(ctx, 10)
	if err != nil || len(history) != 1 {
		t.Fatalf("DeliveryHistory: err=%v, got %d rows", err, len(history))
	}
	if history[0].Status != store.StatusDelivered || history[0].Attempt != 1 {
		t.Errorf("history = %+v", history[0])
	}
}

func TestMarkDeliveryDeadLetter_RemovesRowAndRecordsAttempt(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	d, err := s.EnqueueDelivery(ctx, makeDelivery("http://hooks.example/a"))
	if err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}

	if err := s.MarkDeliveryDeadLetter(ctx, d.ID, "500 Internal Server Error"); err != nil {
		t.Fatalf("MarkDeliveryDeadLetter: %v", err)
	}

	queue, _ := s.Deliveries(ctx, 10)
	if len(queue) != 0 {
		t.Errorf("queue has %d rows after dead-letter, want 0", len(queue))
	}

	history, err := s.DeliveryHistory(ctx, 10)
	if err != nil || len(history) != 1 {
		t.Fatalf("DeliveryHistory: err=%v, got %d rows", err, len(history))
	}
	h := history[0]
	if h.Status != store.StatusDeadLetter || h.Error != "500 Internal Server Error" {
		t.Errorf("history = %+v", h)
	}
}

func TestMarkDeliveryFailed_Missing_ReturnsNotFound(t *testing.T) {
	s := openMemStore(t)

	err := s.MarkDeliveryFailed(context.Background(), 404, "boom", time.Now().UTC())
	if !errors.Is(err, event.ErrNotFound) {
		t.Errorf("MarkDeliveryFailed error = %v, want ErrNotFound", err)
	}
}

func TestDeliveryHistory_AccumulatesAttemptRows(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	d, err := s.EnqueueDelivery(ctx, makeDelivery("http://hooks.example/a"))
	if err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}

	if err := s.MarkDeliveryFailed(ctx, d.ID, "503", now.Add(30*time.Second)); err != nil {
		t.Fatalf("fail 1: %v", err)
	}
	if err := s.MarkDeliveryFailed(ctx, d.ID, "503", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("fail 2: %v", err)
	}
	if err := s.MarkDeliveryDelivered(ctx, d.ID); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	history, err := s.DeliveryHistory(ctx, 10)
	if err != nil {
		t.Fatalf("DeliveryHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("DeliveryHistory returned %d rows, want 3", len(history))
	}
	// Newest first: delivered(3), failed(2), failed(1).
	if history[0].Status != store.StatusDelivered || history[0].Attempt != 3 {
		t.Errorf("history[0] = %+v", history[0])
	}
	if history[1].Status != store.StatusFailed || history[1].Attempt != 2 {
		t.Errorf("history[1] = %+v", history[1])
	}
	if history[2].Status != store.StatusFailed || history[2].Attempt != 1 {
		t.Errorf("history[2] = %+v", history[2])
	}
}

// ---------------------------------------------------------------------------
// Replay
// ---------------------------------------------------------------------------

func TestReplayDelivery_FromDeadLetter(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	orig, err := s.EnqueueDelivery(ctx, makeDelivery("http://hooks.example/a"))
	if err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}
	if err := s.MarkDeliveryDeadLetter(ctx, orig.ID, "500"); err != nil {
		t.Fatalf("MarkDeliveryDeadLetter: %v", err)
	}

	replayed, err := s.ReplayDelivery(ctx, orig.ID)
	if err != nil {
		t.Fatalf("ReplayDelivery: %v", err)
	}
	if replayed.ID == orig.ID {
		t.Error("replay reused the original id")
	}
	if replayed.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0", replayed.AttemptCount)
	}
	if replayed.ReplayOf != orig.ID {
		t.Errorf("ReplayOf = %d, want %d", replayed.ReplayOf, orig.ID)
	}
	if replayed.WebhookURL != orig.WebhookURL {
		t.Errorf("WebhookURL = %q, want %q", replayed.WebhookURL, orig.WebhookURL)
	}
	if string(replayed.AlertPayload) != string(orig.AlertPayload) {
		t.Errorf("AlertPayload = %s, want %s", replayed.AlertPayload, orig.AlertPayload)
	}

	// The original history is untouched: still exactly one dead_letter row
	// for the original delivery.
	history, err := s.DeliveryHistory(ctx, 10)
	if err != nil {
		t.Fatalf("DeliveryHistory: %v", err)
	}
	if len(history) != 1 || history[0].DeliveryID != orig.ID || history[0].Status != store.StatusDeadLetter {
		t.Errorf("history after replay = %+v", history)
	}

	// The new entry is due immediately.
	due, err := s.DueDeliveries(ctx, time.Now().UTC().Add(time.Second), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("DueDeliveries: err=%v, got %d rows", err, len(due))
	}
	if due[0].ID != replayed.ID {
		t.Errorf("due entry id = %d, want %d", due[0].ID, replayed.ID)
	}
}

func TestReplayDelivery_PendingDelivery_NotFound(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()

	pending, err := s.EnqueueDelivery(ctx, makeDelivery("http://hooks.example/a"))
	if err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}

	// Still in the queue: no terminal outcome to replay from.
	if _, err := s.ReplayDelivery(ctx, pending.ID); !errors.Is(err, event.ErrNotFound) {
		t.Errorf("ReplayDelivery error = %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

func TestDeliveryStats_CountsQueueAndHistory(t *testing.T) {
	s := openMemStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// One pending-but-future row.
	future := makeDelivery("http://hooks.example/future")
	future.NextAttemptAt = now.Add(time.Hour)
	if _, err := s.EnqueueDelivery(ctx, future); err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}

	// One row that fails once and then succeeds.
	d, err := s.EnqueueDelivery(ctx, makeDelivery("http://hooks.example/a"))
	if err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}
	if err := s.MarkDeliveryFailed(ctx, d.ID, "503", now); err != nil {
		t.Fatalf("MarkDeliveryFailed: %v", err)
	}
	if err := s.MarkDeliveryDelivered(ctx, d.ID); err != nil {
		t.Fatalf("MarkDeliveryDelivered: %v", err)
	}

	// One row that dead-letters.
	dl, err := s.EnqueueDelivery(ctx, makeDelivery("http://hooks.example/b"))
	if err != nil {
		t.Fatalf("EnqueueDelivery: %v", err)
	}
	if err := s.MarkDeliveryDeadLetter(ctx, dl.ID, "500"); err != nil {
		t.Fatalf("MarkDeliveryDeadLetter: %v", err)
	}

	stats, err := s.DeliveryStats(ctx)
	if err != nil {
		t.Fatalf("DeliveryStats: %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}
	if stats.DueNow != 0 {
		t.Errorf("DueNow = %d, want 0", stats.DueNow)
	}
	if stats.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", stats.Delivered)
	}
	if stats.FailedAttempts != 1 {
		t.Errorf("FailedAttempts = %d, want 1", stats.FailedAttempts)
	}
	if stats.DeadLettered != 1 {
		t.Errorf("DeadLettered = %d, want 1", stats.DeadLettered)
	}
}
