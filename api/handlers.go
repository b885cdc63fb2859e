/*
handlers.go - HTTP API handlers for the credit engine

PURPOSE:
  Exposes the credit ledger via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine.

ENDPOINTS:
  Entities:
    GET    /api/entities                 List entities
    POST   /api/entities                 Create entity (grants creation mint)
    GET    /api/entities/{id}            Lifecycle record
    GET    /api/entities/{id}/balance    Balances from the journal projection
    GET    /api/entities/{id}/history    Paged history (?credit_type=&limit=&offset=)

  Ledger commands:
    POST   /api/ledger/mint              System mint
    POST   /api/ledger/burn              Burn (may require approval)
    POST   /api/ledger/transfer          Atomic transfer (may require approval)
    POST   /api/ledger/usage             Burn priced by unit cost
    POST   /api/ledger/reward            Mission reward priced by priority
    POST   /api/ledger/tax               Existence tax of one entity

  Approvals:
    GET    /api/approvals                Pending requests (?state=all for every request)
    GET    /api/approvals/{id}           One request
    POST   /api/approvals/{id}/approve   Approve and execute
    POST   /api/approvals/{id}/reject    Reject

  Admin:
    POST   /api/admin/tax-runs           Run the existence tax batch
    GET    /api/admin/tax-runs           Past batches (?status=)
    GET    /api/audit                    Audit log (?entity_id=&actor_id=&correlation_id=&action=&limit=)
    GET    /api/integrity                Verify the hash chain (?limit=)

  Operations:
    GET    /healthz                      Engine health, 503 when the journal is sealed
    GET    /metrics                      Prometheus metrics

REQUEST FLOW:
  1. Parse HTTP request
  2. Map the body onto a ledger command
  3. Call the engine
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 202: Command parked behind the approval gate
  - 400: Validation errors, invalid input
  - 403: Mint outside the system rules
  - 404: Unknown entity or approval request
  - 409: Conflict (insufficient balance, terminated entity, duplicate,
         idempotency key reuse, exhausted retries)
  - 503: Durability failure or sealed journal
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. Actors are taken from the
  request body as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/engine"
	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine *engine.Engine
	logger *slog.Logger
}

// NewHandler creates a new handler over an open engine.
func NewHandler(e *engine.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Engine: e, logger: logger.With("component", "api")}
}

// =============================================================================
// ENTITY ENDPOINTS
// =============================================================================

// ListEntities returns every lifecycle record ordered by id.
// GET /api/entities
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	ents, err := h.Engine.Store.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	dtos := make([]EntityDTO, 0, len(ents))
	for _, e := range ents {
		dtos = append(dtos, toEntityDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateEntity registers an entity.
// POST /api/entities
func (h *Handler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var req CreateEntityRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Ledger.CreateEntity(r.Context(), req.command())
	h.respond(w, res, err)
}

// GetEntity returns one lifecycle record.
// GET /api/entities/{id}
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	ent, err := h.Engine.Ledger.Entity(r.Context(), entityParam(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityDTO(ent))
}

// GetBalance returns the balances of an entity, optionally of one credit type.
// GET /api/entities/{id}/balance?credit_type=CC
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := entityParam(r)
	balances, seq, err := h.Engine.Ledger.Balances(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}

	dto := BalanceDTO{EntityID: string(id), AsOf: seq, Balances: map[string]decimal.Decimal{}}
	if q := r.URL.Query().Get("credit_type"); q != "" {
		ct, err := credit.ParseCreditType(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid credit_type", err)
			return
		}
		dto.Balances[string(ct)] = balances[ct]
		writeJSON(w, http.StatusOK, dto)
		return
	}
	for ct, b := range balances {
		dto.Balances[string(ct)] = b
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetHistory returns a page of an entity's history, oldest first.
// GET /api/entities/{id}/history?credit_type=CC&limit=50&offset=0
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := entityParam(r)
	q := r.URL.Query()

	var ct credit.CreditType
	if s := q.Get("credit_type"); s != "" {
		parsed, err := credit.ParseCreditType(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid credit_type", err)
			return
		}
		ct = parsed
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset", err)
		return
	}

	records, total, err := h.Engine.Ledger.History(r.Context(), id, ct, limit, offset)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		EntityID: string(id),
		Records:  records,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// =============================================================================
// LEDGER COMMANDS
// =============================================================================

// Mint credits an entity under a system rule.
// POST /api/ledger/mint
func (h *Handler) Mint(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Ledger.Mint(r.Context(), req.command())
	h.respond(w, res, err)
}

// Burn debits an entity.
// POST /api/ledger/burn
func (h *Handler) Burn(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Ledger.Burn(r.Context(), req.command())
	h.respond(w, res, err)
}

// Transfer moves credits between two entities.
// POST /api/ledger/transfer
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Ledger.Transfer(r.Context(), req.command())
	h.respond(w, res, err)
}

// ChargeUsage burns the cost of consumed units.
// POST /api/ledger/usage
func (h *Handler) ChargeUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Ledger.ChargeUsage(r.Context(), req.command())
	h.respond(w, res, err)
}

// RewardMission mints a mission reward.
// POST /api/ledger/reward
func (h *Handler) RewardMission(w http.ResponseWriter, r *http.Request) {
	var req RewardRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Ledger.RewardMission(r.Context(), req.command())
	h.respond(w, res, err)
}

// CollectTax collects one entity's existence tax for the period containing
// req.At. The tax is keyed by entity and period, so a second call for the
// same period replays.
// POST /api/ledger/tax
func (h *Handler) CollectTax(w http.ResponseWriter, r *http.Request) {
	var req TaxRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := credit.EntityID(req.EntityID)

	ent, err := h.Engine.Ledger.Entity(ctx, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	at := h.Engine.Now()
	if req.At != nil {
		at = *req.At
	}
	activeSince := ent.CreatedAt
	if ent.ActivatedAt != nil {
		activeSince = *ent.ActivatedAt
	}

	res, err := h.Engine.Ledger.CollectTax(ctx, ledger.TaxCommand{
		EntityID:       id,
		CreditType:     req.CreditType,
		Period:         h.Engine.PeriodFor(at),
		Amount:         req.Amount,
		ActiveSince:    activeSince,
		IdempotencyKey: req.IdempotencyKey,
		Actor:          req.Actor,
	})
	if errors.Is(err, ledger.ErrNoTaxDue) {
		writeError(w, http.StatusUnprocessableEntity, "no tax due for period", err)
		return
	}
	h.respond(w, res, err)
}

// =============================================================================
// APPROVAL ENDPOINTS
// =============================================================================

// ListApprovals returns pending requests, or every request with ?state=all.
// GET /api/approvals
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	reqs := h.Engine.Ledger.PendingApprovals()
	if r.URL.Query().Get("state") == "all" {
		reqs = h.Engine.Ledger.Approvals()
	}
	dtos := make([]ApprovalDTO, 0, len(reqs))
	for _, req := range reqs {
		dtos = append(dtos, toApprovalDTO(req))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetApproval returns one request.
// GET /api/approvals/{id}
func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := h.Engine.Ledger.Approval(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalDTO(req))
}

// ApproveRequest approves a pending request and executes its command.
// POST /api/approvals/{id}/approve
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Ledger.Approve(r.Context(), chi.URLParam(r, "id"), req.Actor)
	h.respond(w, res, err)
}

// RejectRequest rejects a pending request. Nothing is journaled.
// POST /api/approvals/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !decode(w, r, &req) {
		return
	}
	rejected, err := h.Engine.Ledger.Reject(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApprovalDTO(rejected))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// TriggerTaxRun runs the existence tax batch for the period containing At.
// POST /api/admin/tax-runs
func (h *Handler) TriggerTaxRun(w http.ResponseWriter, r *http.Request) {
	var req TaxRunRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	at := h.Engine.Now()
	if req.At != nil {
		at = *req.At
	}
	stats, err := h.Engine.TaxRun(r.Context(), at)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListTaxRuns returns past batches, newest first.
// GET /api/admin/tax-runs?status=completed
func (h *Handler) ListTaxRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Engine.Store.TaxRuns(r.Context(), credit.TaxRunStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.fail(w, err)
		return
	}
	dtos := make([]TaxRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toTaxRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// QueryAudit returns audit entries, oldest first.
// GET /api/audit
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter credit.AuditFilter
	if s := q.Get("entity_id"); s != "" {
		id := credit.EntityID(s)
		filter.EntityID = &id
	}
	if s := q.Get("actor_id"); s != "" {
		filter.ActorID = &s
	}
	if s := q.Get("correlation_id"); s != "" {
		filter.CorrelationID = &s
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, credit.AuditAction(a))
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if s := q.Get(name); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid "+name, err)
				return
			}
			*dst = &t
		}
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	filter.Limit = limit

	entries, err := h.Engine.Store.Query(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	dtos := make([]AuditDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toAuditDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// VerifyIntegrity walks the hash chain. Violations are reported in the body
// with 200; the engine keeps serving in degraded mode.
// GET /api/integrity?limit=0
func (h *Handler) VerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	report, err := h.Engine.VerifyIntegrity(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, IntegrityResponse{Report: report, Degraded: h.Engine.Degraded()})
}

// Health reports engine status. Degraded still answers 200.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.Engine.Health()
	status := http.StatusOK
	if health.Status == "unavailable" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) respond(w http.ResponseWriter, res ledger.Result, err error) {
	if err != nil {
		h.fail(w, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// fail maps an engine error onto a status code.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var pending *credit.ApprovalRequiredError
	if errors.As(err, &pending) {
		writeJSON(w, http.StatusAccepted, PendingApprovalResponse{
			RequestID: pending.RequestID,
			State:     string(credit.ApprovalPending),
			Threshold: pending.Threshold,
			Amount:    pending.Amount,
		})
		return
	}

	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: http.StatusText(status), Code: code, Details: err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case credit.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, credit.ErrUnauthorizedMint):
		return http.StatusForbidden, "unauthorized_mint"
	case errors.Is(err, credit.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, credit.ErrTerminatedEntity):
		return http.StatusConflict, "entity_terminated"
	case errors.Is(err, credit.ErrEntityExists):
		return http.StatusConflict, "entity_exists"
	case errors.Is(err, credit.ErrIdempotencyKeyReuse):
		return http.StatusConflict, "idempotency_key_reuse"
	case errors.Is(err, credit.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, credit.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, credit.ErrJournalSealed):
		return http.StatusServiceUnavailable, "journal_sealed"
	case errors.Is(err, credit.ErrDurability):
		return http.StatusServiceUnavailable, "durability"
	}
	return http.StatusInternalServerError, "internal"
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func entityParam(r *http.Request) credit.EntityID {
	return credit.EntityID(chi.URLParam(r, "id"))
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
