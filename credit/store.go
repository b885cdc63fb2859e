/*
store.go - Persistence interfaces beside the journal

PURPOSE:
  The journal is the only source of truth for balances. Everything else the
  engine keeps (audit trail, entity lifecycle records, approval gate records,
  tax runs, publish cursors) goes through these interfaces so the engine can
  run on SQLite in production and in memory in tests.

APPEND-ONLY CONTRACT:
  AuditLog and ApprovalStore expose no Update or Delete. EntityStore has a
  Save for lifecycle transitions but never deletes: terminated entities stay.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - credit/store: In-memory for testing
*/
package credit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AUDIT LOG - Separate from the journal, tracks who did what and the outcome
// =============================================================================

type AuditAction string

const (
	AuditCreateEntity    AuditAction = "create_entity"
	AuditMint            AuditAction = "mint"
	AuditBurn            AuditAction = "burn"
	AuditTransfer        AuditAction = "transfer"
	AuditTax             AuditAction = "tax"
	AuditApprovalSubmit  AuditAction = "approval_submitted"
	AuditApprovalApprove AuditAction = "approval_approved"
	AuditApprovalReject  AuditAction = "approval_rejected"
	AuditLifecycle       AuditAction = "lifecycle_transition"
	AuditIntegrity       AuditAction = "integrity_check"
)

type AuditResult string

const (
	ResultCommitted AuditResult = "committed"
	ResultReplayed  AuditResult = "replayed"
	ResultDenied    AuditResult = "denied"
	ResultPending   AuditResult = "pending"
	ResultFailed    AuditResult = "failed"
)

// AuditEntry records one command outcome. Denials are recorded too.
type AuditEntry struct {
	ID            string
	Timestamp     time.Time
	ActorID       string
	ActorKind     ActorKind
	Action        AuditAction
	EntityID      EntityID
	CreditType    CreditType
	Amount        decimal.Decimal
	Result        AuditResult
	CorrelationID string
	Error         string
	Payload       map[string]any
}

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	EntityID      *EntityID
	ActorID       *string
	CorrelationID *string
	Actions       []AuditAction
	From          *time.Time
	To            *time.Time
	Limit         int
}

// Matches reports whether the entry passes the filter. Limit is not applied.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.EntityID != nil && e.EntityID != *f.EntityID {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if f.CorrelationID != nil && e.CorrelationID != *f.CorrelationID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// =============================================================================
// ENTITY STORE - Lifecycle records
// =============================================================================

type EntityStore interface {
	// Create fails with ErrEntityExists if the id is taken.
	Create(ctx context.Context, e Entity) error
	// Get fails with ErrNotFound for unknown ids.
	Get(ctx context.Context, id EntityID) (Entity, error)
	Save(ctx context.Context, e Entity) error
	// List returns every entity ordered by id.
	List(ctx context.Context) ([]Entity, error)
}

// =============================================================================
// APPROVAL STORE - Append-only approval gate records
// =============================================================================

type ApprovalStore interface {
	// AppendApproval assigns the next sequence and persists the record.
	AppendApproval(ctx context.Context, rec ApprovalRecord) (ApprovalRecord, error)
	// ApprovalRecords returns every record in sequence order.
	ApprovalRecords(ctx context.Context) ([]ApprovalRecord, error)
}

// =============================================================================
// TAX RUNS - One record per billing period batch
// =============================================================================

type TaxRunStatus string

const (
	TaxRunRunning     TaxRunStatus = "running"
	TaxRunCompleted   TaxRunStatus = "completed"
	TaxRunInterrupted TaxRunStatus = "interrupted"
	TaxRunFailed      TaxRunStatus = "failed"
)

type TaxRun struct {
	ID          string
	PeriodID    string
	Status      TaxRunStatus
	Processed   int
	Taxed       int
	Suspended   int
	Terminated  int
	Skipped     int
	Collected   decimal.Decimal
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

type TaxRunStore interface {
	SaveTaxRun(ctx context.Context, run TaxRun) error
	// TaxRuns returns runs newest first, optionally filtered by status.
	TaxRuns(ctx context.Context, status TaxRunStatus) ([]TaxRun, error)
}

// =============================================================================
// CURSORS - Delivery watermarks of outbound subscribers
// =============================================================================

type CursorStore interface {
	// Cursor returns 0 when no cursor was saved yet.
	Cursor(ctx context.Context, name string) (uint64, error)
	SaveCursor(ctx context.Context, name string, seq uint64) error
}
