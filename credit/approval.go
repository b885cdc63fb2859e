package credit

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActorKind separates system rules from agents and human operators.
type ActorKind string

const (
	ActorSystem   ActorKind = "system"
	ActorAgent    ActorKind = "agent"
	ActorOperator ActorKind = "operator"
)

func (k ActorKind) Valid() bool {
	switch k {
	case ActorSystem, ActorAgent, ActorOperator:
		return true
	}
	return false
}

// Actor is whoever issued a command.
type Actor struct {
	ID   string    `json:"id"`
	Kind ActorKind `json:"kind"`
}

// SystemActor is used by scheduled jobs and rule-driven mints.
var SystemActor = Actor{ID: "system", Kind: ActorSystem}

func (a Actor) IsSystem() bool {
	return a.Kind == ActorSystem
}

// =============================================================================
// APPROVAL GATE - Commands parked until a human decides
// =============================================================================

type ApprovalState string

const (
	ApprovalPending  ApprovalState = "PENDING"
	ApprovalApproved ApprovalState = "APPROVED"
	ApprovalRejected ApprovalState = "REJECTED"
)

type CommandOp string

const (
	OpBurn     CommandOp = "burn"
	OpTransfer CommandOp = "transfer"
)

// ProposedCommand is the serializable form of a gated command.
type ProposedCommand struct {
	Op             CommandOp         `json:"op"`
	EntityID       EntityID          `json:"entity_id"`
	EntityType     EntityType        `json:"entity_type"`
	TargetID       EntityID          `json:"target_id,omitempty"`
	TargetType     EntityType        `json:"target_type,omitempty"`
	CreditType     CreditType        `json:"credit_type"`
	Amount         decimal.Decimal   `json:"amount"`
	Reason         string            `json:"reason"`
	IdempotencyKey string            `json:"idempotency_key"`
	Actor          Actor             `json:"actor"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ApprovalRequest is the current view of one gated command. PENDING requests
// are not journal events.
type ApprovalRequest struct {
	ID          string
	Command     ProposedCommand
	State       ApprovalState
	SubmittedAt time.Time
	DecidedAt   *time.Time
	DecidedBy   string
	Reason      string
}

// ApprovalRecord is one append-only change to the approval gate. Replaying
// the records in order yields the current requests.
type ApprovalRecord struct {
	Sequence  uint64
	RequestID string
	State     ApprovalState
	Command   *ProposedCommand // set on submission only
	Actor     Actor
	Reason    string
	At        time.Time
}
