package rest

import (
	"context"

	"github.com/opscenter/commandcenter/internal/event"
	"github.com/opscenter/commandcenter/internal/hub"
	"github.com/opscenter/commandcenter/internal/ingest"
	"github.com/opscenter/commandcenter/internal/rules"
	"github.com/opscenter/commandcenter/internal/store"
)

// Store is the persistence surface the handlers need. *store.Store
// satisfies it; tests may substitute fakes for failure-path coverage.
type Store interface {
	Ping(ctx context.Context) error

	Events(ctx context.Context, q store.EventQuery) ([]event.Event, error)
	EventStats(ctx context.Context, tenantID string) (store.EventStats, error)

	CreateRule(ctx context.Context, r store.Rule) (*store.Rule, error)
	Rules(ctx context.Context, tenantID string) ([]store.Rule, error)
	RuleByID(ctx context.Context, id int64) (*store.Rule, error)
	SetRuleEnabled(ctx context.Context, id int64, enabled bool) (*store.Rule, error)
	DeleteRule(ctx context.Context, id int64) error

	Deliveries(ctx context.Context, limit int) ([]store.Delivery, error)
	DeliveryStats(ctx context.Context) (store.DeliveryStats, error)
	DeliveryHistory(ctx context.Context, limit int) ([]store.HistoryEntry, error)
	ReplayDelivery(ctx context.Context, originalID int64) (*store.Delivery, error)

	AppendAudit(ctx context.Context, rec store.AuditRecord) (*store.AuditRecord, error)
	AuditRecords(ctx context.Context, limit int) ([]store.AuditRecord, error)
	AuditStats(ctx context.Context) (store.AuditStats, error)
	VerifyAuditChain(ctx context.Context) (int64, error)
}

// Ingestor is the ingestion surface the publish handler needs.
// *ingest.Service satisfies it.
type Ingestor interface {
	Publish(ctx context.Context, in ingest.Incoming, tenantCtx, clientIP string) (*event.Event, error)
	Broadcast(evt *event.Event)
}

// Evaluator runs a synchronous one-shot rule evaluation for the admin
// endpoint. *rules.Evaluator satisfies it.
type Evaluator interface {
	EvaluateOnce(ctx context.Context) rules.Result
}

// Streamer is the fan-out surface the streaming handlers need. *hub.Hub
// satisfies it.
type Streamer interface {
	Subscribe(ctx context.Context) *hub.Subscription
	SubscriberCount() int
}
