/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Journal events,
  history records and transaction records already carry their wire tags
  and are returned as-is; everything else is mapped here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Amounts are decimals. Requests accept either a JSON string ("12.50") or
  a number; responses always render strings so no precision is lost.

VALIDATION:
  Validation is done by the ledger, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/commands.go: Command types the requests map to
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/calculator"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/integrity"
	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/projection"
)

// =============================================================================
// COMMAND REQUESTS
// =============================================================================

// CreateEntityRequest registers a new agent or mission.
type CreateEntityRequest struct {
	EntityID       string            `json:"entity_id"`
	EntityType     string            `json:"entity_type"`
	IdempotencyKey string            `json:"idempotency_key"`
	Actor          credit.Actor      `json:"actor"`
	Reason         string            `json:"reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// AmountRequest is the body of mint and burn.
type AmountRequest struct {
	EntityID       string            `json:"entity_id"`
	CreditType     string            `json:"credit_type"`
	Amount         decimal.Decimal   `json:"amount"`
	MintRule       string            `json:"mint_rule,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Actor          credit.Actor      `json:"actor"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TransferRequest moves credits between two entities.
type TransferRequest struct {
	From           string            `json:"from"`
	To             string            `json:"to"`
	CreditType     string            `json:"credit_type"`
	Amount         decimal.Decimal   `json:"amount"`
	Reason         string            `json:"reason,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Actor          credit.Actor      `json:"actor"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// UsageRequest charges consumed resource units at the configured unit cost.
type UsageRequest struct {
	EntityID       string            `json:"entity_id"`
	CreditType     string            `json:"credit_type"`
	Units          decimal.Decimal   `json:"units"`
	Reason         string            `json:"reason,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Actor          credit.Actor      `json:"actor"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// RewardRequest mints a mission reward scaled by priority.
type RewardRequest struct {
	EntityID       string          `json:"entity_id"`
	MissionID      string          `json:"mission_id"`
	CreditType     string          `json:"credit_type"`
	BaseReward     decimal.Decimal `json:"base_reward"`
	Priority       string          `json:"priority"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Actor          credit.Actor    `json:"actor"`
}

// TaxRequest collects the existence tax of one entity. At selects the
// billing period (default: now); a zero Amount is computed.
type TaxRequest struct {
	EntityID       string            `json:"entity_id"`
	CreditType     credit.CreditType `json:"credit_type,omitempty"`
	At             *time.Time        `json:"at,omitempty"`
	Amount         decimal.Decimal   `json:"amount"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Actor          credit.Actor      `json:"actor"`
}

// DecisionRequest approves or rejects a pending request.
type DecisionRequest struct {
	Actor  credit.Actor `json:"actor"`
	Reason string       `json:"reason,omitempty"`
}

// TaxRunRequest triggers a batch for the period containing At.
type TaxRunRequest struct {
	At *time.Time `json:"at,omitempty"`
}

func (r CreateEntityRequest) command() ledger.CreateCommand {
	return ledger.CreateCommand{
		EntityID:       credit.EntityID(r.EntityID),
		EntityType:     credit.EntityType(r.EntityType),
		IdempotencyKey: r.IdempotencyKey,
		Actor:          r.Actor,
		Reason:         r.Reason,
		Metadata:       r.Metadata,
	}
}

func (r AmountRequest) command() ledger.Command {
	return ledger.Command{
		EntityID:       credit.EntityID(r.EntityID),
		CreditType:     credit.CreditType(r.CreditType),
		Amount:         r.Amount,
		MintRule:       credit.MintRule(r.MintRule),
		Reason:         r.Reason,
		IdempotencyKey: r.IdempotencyKey,
		CorrelationID:  r.CorrelationID,
		Actor:          r.Actor,
		Metadata:       r.Metadata,
	}
}

func (r TransferRequest) command() ledger.TransferCommand {
	return ledger.TransferCommand{
		From:           credit.EntityID(r.From),
		To:             credit.EntityID(r.To),
		CreditType:     credit.CreditType(r.CreditType),
		Amount:         r.Amount,
		Reason:         r.Reason,
		IdempotencyKey: r.IdempotencyKey,
		CorrelationID:  r.CorrelationID,
		Actor:          r.Actor,
		Metadata:       r.Metadata,
	}
}

func (r UsageRequest) command() ledger.UsageCommand {
	return ledger.UsageCommand{
		EntityID:       credit.EntityID(r.EntityID),
		CreditType:     credit.CreditType(r.CreditType),
		Units:          r.Units,
		Reason:         r.Reason,
		IdempotencyKey: r.IdempotencyKey,
		Actor:          r.Actor,
		Metadata:       r.Metadata,
	}
}

func (r RewardRequest) command() ledger.RewardCommand {
	return ledger.RewardCommand{
		EntityID:       credit.EntityID(r.EntityID),
		MissionID:      credit.EntityID(r.MissionID),
		CreditType:     credit.CreditType(r.CreditType),
		BaseReward:     r.BaseReward,
		Priority:       calculator.Priority(r.Priority),
		Reason:         r.Reason,
		IdempotencyKey: r.IdempotencyKey,
		Actor:          r.Actor,
	}
}

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// PendingApprovalResponse is returned with 202 when a command was parked.
type PendingApprovalResponse struct {
	RequestID string          `json:"request_id"`
	State     string          `json:"state"`
	Threshold decimal.Decimal `json:"threshold"`
	Amount    decimal.Decimal `json:"amount"`
}

// EntityDTO is the lifecycle record plus its cached balances.
type EntityDTO struct {
	ID                     string                     `json:"entity_id"`
	Type                   string                     `json:"entity_type"`
	Status                 string                     `json:"status"`
	CreatedAt              time.Time                  `json:"created_at"`
	ActivatedAt            *time.Time                 `json:"activated_at,omitempty"`
	SuspendedAt            *time.Time                 `json:"suspended_at,omitempty"`
	TerminatedAt           *time.Time                 `json:"terminated_at,omitempty"`
	ConsecutiveTaxFailures int                        `json:"consecutive_tax_failures"`
	LastTaxPeriod          string                     `json:"last_tax_period,omitempty"`
	Balances               map[string]decimal.Decimal `json:"balances"`
	LifetimeEarned         decimal.Decimal            `json:"lifetime_earned"`
	LifetimeSpent          decimal.Decimal            `json:"lifetime_spent"`
}

func toEntityDTO(e credit.Entity) EntityDTO {
	balances := make(map[string]decimal.Decimal, len(e.Balances))
	for ct, b := range e.Balances {
		balances[string(ct)] = b
	}
	return EntityDTO{
		ID:                     string(e.ID),
		Type:                   string(e.Type),
		Status:                 string(e.Status),
		CreatedAt:              e.CreatedAt,
		ActivatedAt:            e.ActivatedAt,
		SuspendedAt:            e.SuspendedAt,
		TerminatedAt:           e.TerminatedAt,
		ConsecutiveTaxFailures: e.ConsecutiveTaxFailures,
		LastTaxPeriod:          e.LastTaxPeriod,
		Balances:               balances,
		LifetimeEarned:         e.LifetimeEarned,
		LifetimeSpent:          e.LifetimeSpent,
	}
}

// BalanceDTO answers a balance query. Balances read from the journal
// projection, not the entity cache.
type BalanceDTO struct {
	EntityID string                     `json:"entity_id"`
	Balances map[string]decimal.Decimal `json:"balances"`
	AsOf     uint64                     `json:"as_of_sequence"`
}

// HistoryResponse is one page of an entity's history.
type HistoryResponse struct {
	EntityID string              `json:"entity_id"`
	Records  []projection.Record `json:"records"`
	Total    int                 `json:"total"`
	Limit    int                 `json:"limit"`
	Offset   int                 `json:"offset"`
}

// ApprovalDTO is the current view of a gated command.
type ApprovalDTO struct {
	ID          string                 `json:"id"`
	Command     credit.ProposedCommand `json:"command"`
	State       string                 `json:"state"`
	SubmittedAt time.Time              `json:"submitted_at"`
	DecidedAt   *time.Time             `json:"decided_at,omitempty"`
	DecidedBy   string                 `json:"decided_by,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
}

func toApprovalDTO(r credit.ApprovalRequest) ApprovalDTO {
	return ApprovalDTO{
		ID:          r.ID,
		Command:     r.Command,
		State:       string(r.State),
		SubmittedAt: r.SubmittedAt,
		DecidedAt:   r.DecidedAt,
		DecidedBy:   r.DecidedBy,
		Reason:      r.Reason,
	}
}

// AuditDTO is one audit log entry.
type AuditDTO struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	ActorID       string          `json:"actor_id"`
	ActorKind     string          `json:"actor_kind"`
	Action        string          `json:"action"`
	EntityID      string          `json:"entity_id,omitempty"`
	CreditType    string          `json:"credit_type,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Result        string          `json:"result"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Error         string          `json:"error,omitempty"`
	Payload       map[string]any  `json:"payload,omitempty"`
}

func toAuditDTO(e credit.AuditEntry) AuditDTO {
	return AuditDTO{
		ID:            e.ID,
		Timestamp:     e.Timestamp,
		ActorID:       e.ActorID,
		ActorKind:     string(e.ActorKind),
		Action:        string(e.Action),
		EntityID:      string(e.EntityID),
		CreditType:    string(e.CreditType),
		Amount:        e.Amount,
		Result:        string(e.Result),
		CorrelationID: e.CorrelationID,
		Error:         e.Error,
		Payload:       e.Payload,
	}
}

// TaxRunDTO is one existence tax batch.
type TaxRunDTO struct {
	ID          string          `json:"id"`
	PeriodID    string          `json:"period_id"`
	Status      string          `json:"status"`
	Processed   int             `json:"processed"`
	Taxed       int             `json:"taxed"`
	Suspended   int             `json:"suspended"`
	Terminated  int             `json:"terminated"`
	Skipped     int             `json:"skipped"`
	Collected   decimal.Decimal `json:"collected"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func toTaxRunDTO(r credit.TaxRun) TaxRunDTO {
	return TaxRunDTO{
		ID:          r.ID,
		PeriodID:    r.PeriodID,
		Status:      string(r.Status),
		Processed:   r.Processed,
		Taxed:       r.Taxed,
		Suspended:   r.Suspended,
		Terminated:  r.Terminated,
		Skipped:     r.Skipped,
		Collected:   r.Collected,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

// IntegrityResponse wraps a verification report.
type IntegrityResponse struct {
	integrity.Report
	Degraded bool `json:"degraded"`
}
