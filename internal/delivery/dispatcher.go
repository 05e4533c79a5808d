// Package delivery implements the webhook delivery dispatcher: a periodic
// task that drains due entries from the durable delivery queue, POSTs each
// alert payload to its webhook, and records the outcome — success, a
// rescheduled transient failure, or a dead letter.
package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opscenter/commandcenter/internal/event"
	"github.com/opscenter/commandcenter/internal/metrics"
	"github.com/opscenter/commandcenter/internal/store"
)

const (
	// DefaultInterval is the dispatcher cadence.
	DefaultInterval = 30 * time.Second

	// DefaultInitialDelay postpones the first run after startup.
	DefaultInitialDelay = 10 * time.Second

	// DefaultBatchSize caps the entries drained per tick.
	DefaultBatchSize = 50

	// RequestTimeout is the hard per-attempt HTTP timeout.
	RequestTimeout = 10 * time.Second

	// SignatureHeader carries the hex HMAC-SHA256 of the request body when
	// a webhook secret is configured.
	SignatureHeader = "X-CommandCenter-Signature"
)

// backoffBands maps the attempt count after a failure to the minimum wait
// before the next attempt. Attempts beyond the last band reuse its value.
var backoffBands = []time.Duration{
	30 * time.Second, // after attempt 1
	2 * time.Minute,  // after attempt 2
	5 * time.Minute,  // after attempt 3
	15 * time.Minute, // after attempt 4
	30 * time.Minute, // after attempt 5+
}

// NextAttemptDelay returns the backoff before the attempt following attempt
// (1-based count of attempts made so far). The delay is the band floor plus
// up to 10% jitter; it never falls below the floor.
func NextAttemptDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(backoffBands) {
		attempt = len(backoffBands)
	}
	floor := backoffBands[attempt-1]
	jitter := time.Duration(rand.Int63n(int64(floor) / 10))
	return floor + jitter
}

// Store is the queue surface the dispatcher needs. *store.Store satisfies
// it.
type Store interface {
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]store.Delivery, error)
	MarkDeliveryDelivered(ctx context.Context, id int64) error
	MarkDeliveryFailed(ctx context.Context, id int64, attemptErr string, nextAttemptAt time.Time) error
	MarkDeliveryDeadLetter(ctx context.Context, id int64, attemptErr string) error
}

// Recorder persists and broadcasts the dead-letter events the dispatcher
// emits. *ingest.Service satisfies it.
type Recorder interface {
	Record(ctx context.Context, evt event.Event) error
}

// Dispatcher drains the delivery queue. Create one with New, then call
// Start; Stop waits for the loop to exit.
type Dispatcher struct {
	store    Store
	recorder Recorder
	client   *http.Client
	secret   string

	interval     time.Duration
	initialDelay time.Duration
	batchSize    int

	logger   *slog.Logger
	counters *metrics.Counters

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// Options tunes a Dispatcher. The zero value selects every default.
type Options struct {
	Interval     time.Duration
	InitialDelay time.Duration
	BatchSize    int

	// Secret enables HMAC signing of request bodies when non-empty.
	Secret string

	// Client overrides the pooled HTTP client, mainly for tests.
	Client *http.Client
}

// New creates a Dispatcher. counters may be nil.
func New(st Store, rec Recorder, opts Options, logger *slog.Logger, counters *metrics.Counters) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: RequestTimeout}
	}
	return &Dispatcher{
		store:        st,
		recorder:     rec,
		client:       client,
		secret:       opts.Secret,
		interval:     opts.Interval,
		initialDelay: opts.InitialDelay,
		batchSize:    opts.BatchSize,
		logger:       logger,
		counters:     counters,
		done:         make(chan struct{}),
	}
}

// Start launches the dispatch loop. The first run is postponed by the
// initial delay; afterwards the loop wakes at every interval tick until ctx
// is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	go func() {
		defer close(d.done)

		d.logger.Info("delivery dispatcher started",
			slog.Duration("interval", d.interval),
			slog.Duration("initial_delay", d.initialDelay),
		)

		select {
		case <-ctx.Done():
			d.logger.Info("delivery dispatcher stopped")
			return
		case <-time.After(d.initialDelay):
		}

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		d.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				d.logger.Info("delivery dispatcher stopped")
				return
			case <-ticker.C:
				d.RunOnce(ctx)
			}
		}
	}()
}

// Stop cancels the loop and blocks until it has exited.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
			<-d.done
		}
	})
}

// RunOnce drains one batch of due entries. Entries are processed
// concurrently: each is an independent unit, and a row appears in at most
// one batch scan so no entry is ever in flight twice.
func (d *Dispatcher) RunOnce(ctx context.Context) {
	due, err := d.store.DueDeliveries(ctx, time.Now().UTC(), d.batchSize)
	if err != nil {
		d.logger.Error("dispatcher: fetch due deliveries failed", slog.Any("error", err))
		return
	}
	if len(due) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, entry := range due {
		wg.Add(1)
		go func(entry store.Delivery) {
			defer wg.Done()
			d.processEntry(ctx, entry)
		}(entry)
	}
	wg.Wait()
}

// processEntry performs one attempt for one queue entry and records the
// outcome.
func (d *Dispatcher) processEntry(ctx context.Context, entry store.Delivery) {
	if d.counters != nil {
		d.counters.DeliveryAttempts.Add(1)
	}

	sendErr := d.send(ctx, entry)
	if sendErr == nil {
		if err := d.store.MarkDeliveryDelivered(ctx, entry.ID); err != nil {
			d.logger.Error("dispatcher: record success failed",
				slog.Int64("delivery_id", entry.ID), slog.Any("error", err))
			return
		}
		if d.counters != nil {
			d.counters.DeliveriesSucceeded.Add(1)
		}
		d.logger.Info("delivery succeeded",
			slog.Int64("delivery_id", entry.ID),
			slog.String("webhook_url", entry.WebhookURL),
			slog.Int("attempt", entry.AttemptCount+1),
		)
		return
	}

	attempt := entry.AttemptCount + 1
	if attempt >= entry.MaxAttempts {
		d.deadLetter(ctx, entry, attempt, sendErr)
		return
	}

	next := time.Now().UTC().Add(NextAttemptDelay(attempt))
	if err := d.store.MarkDeliveryFailed(ctx, entry.ID, sendErr.Error(), next); err != nil {
		d.logger.Error("dispatcher: record failure failed",
			slog.Int64("delivery_id", entry.ID), slog.Any("error", err))
		return
	}
	if d.counters != nil {
		d.counters.DeliveriesRescheduled.Add(1)
	}
	d.logger.Warn("delivery failed, rescheduled",
		slog.Int64("delivery_id", entry.ID),
		slog.String("webhook_url", entry.WebhookURL),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", entry.MaxAttempts),
		slog.Time("next_attempt_at", next),
		slog.String("error", sendErr.Error()),
	)
}

// deadLetter removes the exhausted entry and persists the dead-letter event.
func (d *Dispatcher) deadLetter(ctx context.Context, entry store.Delivery, attempt int, sendErr error) {
	if err := d.store.MarkDeliveryDeadLetter(ctx, entry.ID, sendErr.Error()); err != nil {
		d.logger.Error("dispatcher: dead-letter failed",
			slog.Int64("delivery_id", entry.ID), slog.Any("error", err))
		return
	}
	if d.counters != nil {
		d.counters.DeliveriesDeadLetter.Add(1)
	}
	d.logger.Error("delivery dead-lettered",
		slog.Int64("delivery_id", entry.ID),
		slog.String("webhook_url", entry.WebhookURL),
		slog.Int("attempts", attempt),
		slog.String("error", sendErr.Error()),
	)

	now := time.Now().UTC()
	evt := event.Event{
		EventID:    uuid.NewString(),
		EventType:  event.TypeDeliveryFailed,
		Source:     "command-center",
		Severity:   event.SeverityError,
		TenantID:   event.DefaultTenant,
		Timestamp:  now,
		ReceivedAt: now,
		Payload: map[string]any{
			"alert_event_id":  entry.AlertEventID,
			"webhook_url":     entry.WebhookURL,
			"attempts":        attempt,
			"last_error":      sendErr.Error(),
			"alert_rule_name": entry.RuleName,
		},
	}
	if err := d.recorder.Record(ctx, evt); err != nil {
		d.logger.Error("dispatcher: record dead-letter event failed",
			slog.Int64("delivery_id", entry.ID), slog.Any("error", err))
	}
}

// send POSTs the alert payload to the entry's webhook. Any 2xx response is
// success; everything else returns a *event.TransientDeliveryError.
func (d *Dispatcher) send(ctx context.Context, entry store.Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.WebhookURL, bytes.NewReader(entry.AlertPayload))
	if err != nil {
		return &event.TransientDeliveryError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		req.Header.Set(SignatureHeader, Sign(d.secret, entry.AlertPayload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &event.TransientDeliveryError{Err: err}
	}
	defer resp.Body.Close()
	// Drain so the pooled connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &event.TransientDeliveryError{Status: resp.StatusCode}
	}
	return nil
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
