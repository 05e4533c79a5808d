// Package ingest implements the event ingestion service: validation against
// the schema registry, normalization of caller-supplied fields, durable
// persistence, and best-effort fan-out to live streams.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opscenter/commandcenter/internal/event"
	"github.com/opscenter/commandcenter/internal/metrics"
)

// Store is the persistence surface the service needs. *store.Store satisfies
// it; tests substitute fakes.
type Store interface {
	SaveEvent(ctx context.Context, evt *event.Event) error
}

// Publisher is the fan-out surface the service needs. *hub.Hub satisfies it.
// Keeping it an interface here (rather than importing the hub) breaks the
// cycle between ingestion, streaming, and storage.
type Publisher interface {
	Publish(evt *event.Event)
}

// Incoming is the caller-supplied event body accepted by the publish
// endpoint. Everything except EventType is optional and defaulted.
type Incoming struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Severity  string         `json:"severity"`
	TenantID  string         `json:"tenant_id"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Service validates, normalizes, persists, and broadcasts events.
type Service struct {
	registry *event.Registry
	store    Store
	hub      Publisher
	logger   *slog.Logger
	counters *metrics.Counters
}

// New creates a Service. hub and counters may be nil; a nil hub disables
// fan-out, which is useful in tests and batch tooling.
func New(registry *event.Registry, store Store, hub Publisher, logger *slog.Logger, counters *metrics.Counters) *Service {
	return &Service{
		registry: registry,
		store:    store,
		hub:      hub,
		logger:   logger,
		counters: counters,
	}
}

// Publish ingests one external event: defaults are applied, the result is
// validated against the schema registry, persisted, and broadcast.
//
// tenantCtx is the tenant resolved from the request context header and is
// used when the body carries no tenant of its own; clientIP is recorded
// verbatim. The returned event carries the server-populated event_id and
// received_at.
//
// Persistence is synchronous: Publish does not return until the write is
// durable, so storage latency directly throttles producers. Fan-out is
// best-effort and never fails the ingestion.
func (s *Service) Publish(ctx context.Context, in Incoming, tenantCtx, clientIP string) (*event.Event, error) {
	now := time.Now().UTC()

	severity, err := event.ParseSeverity(in.Severity)
	if err != nil {
		if s.counters != nil {
			s.counters.EventsRejected.Add(1)
		}
		return nil, err
	}

	evt := &event.Event{
		EventID:    in.EventID,
		EventType:  in.EventType,
		Source:     in.Source,
		Severity:   severity,
		TenantID:   in.TenantID,
		Payload:    in.Payload,
		Timestamp:  in.Timestamp,
		ReceivedAt: now,
		ClientIP:   clientIP,
	}
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.TenantID == "" {
		evt.TenantID = tenantCtx
	}
	if evt.TenantID == "" {
		evt.TenantID = event.DefaultTenant
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = now
	}

	if err := s.registry.Validate(evt); err != nil {
		if s.counters != nil {
			s.counters.EventsRejected.Add(1)
		}
		return nil, err
	}

	if err := s.store.SaveEvent(ctx, evt); err != nil {
		s.logger.Error("ingest: save event failed",
			slog.String("event_type", evt.EventType),
			slog.String("tenant_id", evt.TenantID),
			slog.Any("error", err),
		)
		return nil, err
	}

	if s.counters != nil {
		s.counters.EventsIngested.Add(1)
	}
	s.broadcast(evt)
	return evt, nil
}

// Record ingests one internal event produced by the evaluator, dispatcher,
// or retention worker. Unlike Publish it applies no defaulting beyond the
// received_at stamp: internal producers construct complete events.
func (s *Service) Record(ctx context.Context, evt event.Event) error {
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now().UTC()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = evt.ReceivedAt
	}

	if err := s.registry.Validate(&evt); err != nil {
		return err
	}
	if err := s.store.SaveEvent(ctx, &evt); err != nil {
		return err
	}
	if s.counters != nil {
		s.counters.EventsIngested.Add(1)
	}
	s.broadcast(&evt)
	return nil
}

// Broadcast pushes evt to live streams without persisting it. It is used
// for activity frames (ops.audit.recorded) that operators watch but that
// are not part of the durable event log.
func (s *Service) Broadcast(evt *event.Event) {
	s.broadcast(evt)
}

func (s *Service) broadcast(evt *event.Event) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(evt)
}
