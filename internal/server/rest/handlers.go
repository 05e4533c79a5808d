package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/opscenter/commandcenter/internal/event"
	"github.com/opscenter/commandcenter/internal/ingest"
	"github.com/opscenter/commandcenter/internal/metrics"
	"github.com/opscenter/commandcenter/internal/store"
)

// maxBodyBytes caps request bodies on the ingestion and admin endpoints.
const maxBodyBytes = 1 << 20 // 1 MiB

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store     Store
	ingestor  Ingestor
	evaluator Evaluator
	streamer  Streamer
	registry  *event.Registry
	counters  *metrics.Counters
	logger    *slog.Logger
	validate  *validator.Validate
	started   time.Time
}

// NewServer creates a Server. A nil counters gets a fresh zero set so the
// metrics endpoint always serves.
func NewServer(st Store, ing Ingestor, ev Evaluator, str Streamer, registry *event.Registry, counters *metrics.Counters, logger *slog.Logger) *Server {
	if counters == nil {
		counters = metrics.NewCounters()
	}
	return &Server{
		store:     st,
		ingestor:  ing,
		evaluator: ev,
		streamer:  str,
		registry:  registry,
		counters:  counters,
		logger:    logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		started:   time.Now().UTC(),
	}
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an HTTP error response with a JSON body containing an
// "error" field.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeDomainError maps a domain error to its HTTP status. Unexpected
// errors become a generic 500 so internal detail never leaks to callers.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case event.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, event.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, event.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		s.logger.Error("rest: request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// effectiveTenant applies the uniform tenant scoping rule: admin and
// operator callers may override their tenant via ?tenant_id= (the literal
// "*" selects all tenants); everyone else is forced to the tenant resolved
// from the request context.
func effectiveTenant(r *http.Request, id *Identity) string {
	if id.CanOverrideTenant() {
		if t := r.URL.Query().Get("tenant_id"); t != "" {
			if t == "*" {
				return ""
			}
			return t
		}
	}
	return id.Tenant
}

// parseLimit reads the limit query parameter, returning 0 (caller default)
// when absent and an error when malformed.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, event.NewValidationError("limit", "must be a positive integer")
	}
	return limit, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, event.NewValidationError("id", "must be an integer")
	}
	return id, nil
}

// recordAudit appends an operator audit record and pushes a hub-only
// activity frame so connected operators see the mutation live. The
// mutation has already happened when recordAudit runs, so an audit
// failure is logged rather than surfaced as a request error.
func (s *Server) recordAudit(r *http.Request, action, targetID string, metadata map[string]any) {
	id, _ := IdentityFromContext(r.Context())

	rec, err := s.store.AppendAudit(r.Context(), store.AuditRecord{
		Actor:    id.Actor,
		Action:   action,
		TargetID: targetID,
		Metadata: metadata,
		SourceIP: id.SourceIP,
	})
	if err != nil {
		s.logger.Error("rest: audit append failed",
			slog.String("action", action),
			slog.String("target_id", targetID),
			slog.Any("error", err),
		)
		return
	}

	now := time.Now().UTC()
	s.ingestor.Broadcast(&event.Event{
		EventID:    uuid.NewString(),
		EventType:  event.TypeAuditRecorded,
		Source:     "command-center",
		Severity:   event.SeverityInfo,
		TenantID:   event.DefaultTenant,
		Timestamp:  now,
		ReceivedAt: now,
		Payload: map[string]any{
			"actor":     rec.Actor,
			"action":    rec.Action,
			"target_id": rec.TargetID,
		},
	})
}

// --- ops ---

// handlePing responds to GET /ops/ping. It returns HTTP 200 with a simple
// JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth responds to GET /ops/health with per-component detail.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":             "ok",
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"stream_subscribers": s.streamer.SubscriberCount(),
		"database":           "ok",
	}
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		health["status"] = "degraded"
		health["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// --- events ---

// handlePublishEvent responds to POST /events/publish: the external entry
// point for producer events. The write is synchronous with respect to
// durability; fan-out to live streams is best-effort.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var in ingest.Incoming
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body: "+err.Error())
		return
	}

	id, _ := IdentityFromContext(r.Context())
	evt, err := s.ingestor.Publish(r.Context(), in, id.Tenant, id.SourceIP)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"event_id":    evt.EventID,
		"received_at": evt.ReceivedAt,
	})
}

// handleRecentEvents responds to GET /events/recent.
//
// Supported query parameters:
//
//	limit       – maximum number of results (default 50, max 1000)
//	event_type  – exact event type filter
//	source      – exact source filter
//	severity    – one of info, warning, error, critical
//	since       – RFC3339 inclusive lower bound on the producer timestamp
//	tenant_id   – tenant override (admin/operator only; "*" = all tenants)
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	q := r.URL.Query()

	limit, err := parseLimit(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	var severity event.Severity
	if raw := q.Get("severity"); raw != "" {
		if severity, err = event.ParseSeverity(raw); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
	}

	query := store.EventQuery{
		EventType: q.Get("event_type"),
		Source:    q.Get("source"),
		Severity:  severity,
		TenantID:  effectiveTenant(r, id),
		Limit:     limit,
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'since' must be a valid RFC3339 timestamp")
			return
		}
		query.Since = since
	}

	events, err := s.store.Events(r.Context(), query)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleEventStats responds to GET /events/stats.
func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	stats, err := s.store.EventStats(r.Context(), effectiveTenant(r, id))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleEventTypes responds to GET /events/types with the schema registry
// contents, so producers can discover what the ingestion path accepts.
func (s *Server) handleEventTypes(w http.ResponseWriter, r *http.Request) {
	types := s.registry.Types()
	out := make([]map[string]any, 0, len(types))
	for _, t := range types {
		schema, _ := s.registry.Lookup(t)
		required := schema.Required
		if required == nil {
			required = []string{}
		}
		out = append(out, map[string]any{
			"event_type":  schema.Type,
			"description": schema.Description,
			"required":    required,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- rules ---

// createRuleRequest is the body accepted by POST /alerts/rules.
type createRuleRequest struct {
	Name          string `json:"name" validate:"required,max=200"`
	EventType     string `json:"event_type"`
	Source        string `json:"source"`
	Severity      string `json:"severity" validate:"omitempty,oneof=info warning error critical"`
	TenantID      string `json:"tenant_id"`
	WindowSeconds int    `json:"window_seconds" validate:"required,gt=0"`
	Threshold     int    `json:"threshold" validate:"required,gt=0"`
	Enabled       *bool  `json:"enabled"`
}

// handleCreateRule responds to POST /alerts/rules (admin only).
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body: "+err.Error())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	rule, err := s.store.CreateRule(r.Context(), store.Rule{
		Name:          req.Name,
		EventType:     req.EventType,
		Source:        req.Source,
		Severity:      event.Severity(req.Severity),
		TenantID:      req.TenantID,
		WindowSeconds: req.WindowSeconds,
		Threshold:     req.Threshold,
		Enabled:       enabled,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.recordAudit(r, store.ActionRuleCreate, strconv.FormatInt(rule.ID, 10), map[string]any{
		"rule_name": rule.Name,
		"tenant_id": rule.TenantID,
	})
	writeJSON(w, http.StatusCreated, rule)
}

// handleListRules responds to GET /alerts/rules. Non-privileged callers see
// rules bound to their tenant plus global rules.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())

	rules, err := s.store.Rules(r.Context(), effectiveTenant(r, id))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if rules == nil {
		rules = []store.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// handleGetRule responds to GET /alerts/rules/{id}.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ruleID, err := pathID(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	rule, err := s.store.RuleByID(r.Context(), ruleID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	id, _ := IdentityFromContext(r.Context())
	if !id.CanOverrideTenant() && rule.TenantID != "" && rule.TenantID != id.Tenant {
		writeError(w, http.StatusNotFound, fmt.Sprintf("rule %d: not found", ruleID))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleDeleteRule responds to DELETE /alerts/rules/{id} (admin only).
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID, err := pathID(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	rule, err := s.store.RuleByID(r.Context(), ruleID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if err := s.store.DeleteRule(r.Context(), ruleID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.recordAudit(r, store.ActionRuleDelete, strconv.FormatInt(ruleID, 10), map[string]any{
		"rule_name": rule.Name,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleToggleRule responds to PATCH /alerts/rules/{id}/enabled?enabled=bool
// (admin only).
func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	ruleID, err := pathID(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "query parameter 'enabled' must be a boolean")
		return
	}

	rule, err := s.store.SetRuleEnabled(r.Context(), ruleID, enabled)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.recordAudit(r, store.ActionRuleToggle, strconv.FormatInt(ruleID, 10), map[string]any{
		"rule_name": rule.Name,
		"enabled":   enabled,
	})
	writeJSON(w, http.StatusOK, rule)
}

// handleEvaluate responds to POST /alerts/evaluate (admin): a
// synchronous one-shot evaluation pass over every enabled rule.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	result := s.evaluator.EvaluateOnce(r.Context())
	s.recordAudit(r, store.ActionEvaluate, "all", map[string]any{
		"evaluated": result.Evaluated,
		"tripped":   result.Tripped,
	})
	writeJSON(w, http.StatusOK, result)
}

// --- deliveries ---

// handleListDeliveries responds to GET /alerts/deliveries with the current
// queue contents, soonest attempt first.
func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	deliveries, err := s.store.Deliveries(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if deliveries == nil {
		deliveries = []store.Delivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

// handleDeliveryStats responds to GET /alerts/deliveries/stats.
func (s *Server) handleDeliveryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.DeliveryStats(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDeliveryHistory responds to GET /alerts/deliveries/history with
// attempt rows newest first.
func (s *Server) handleDeliveryHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	history, err := s.store.DeliveryHistory(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if history == nil {
		history = []store.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, history)
}

// handleReplayDelivery responds to POST /alerts/deliveries/{id}/replay
// (admin only): synthesizes a fresh queue entry from a completed or
// dead-lettered delivery.
func (s *Server) handleReplayDelivery(w http.ResponseWriter, r *http.Request) {
	originalID, err := pathID(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	replay, err := s.store.ReplayDelivery(r.Context(), originalID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.recordAudit(r, store.ActionReplay, strconv.FormatInt(originalID, 10), map[string]any{
		"new_delivery_id": replay.ID,
		"webhook_url":     replay.WebhookURL,
	})
	writeJSON(w, http.StatusCreated, replay)
}

// --- audit ---

// handleAuditRecords responds to GET /audit/operator.
func (s *Server) handleAuditRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	records, err := s.store.AuditRecords(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if records == nil {
		records = []store.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleAuditStats responds to GET /audit/operator/stats.
func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.AuditStats(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAuditVerify responds to GET /audit/operator/verify: a full
// hash-chain walk of the audit log.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	verified, err := s.store.VerifyAuditChain(r.Context())
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"status": "broken",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"verified": verified,
	})
}
