/*
Package credit holds the domain vocabulary of the credit ledger engine.

PURPOSE:
  Every other package speaks in these types: entities, credit types, the
  journaled Event and the commands that produce events. Nothing in here
  performs I/O.

KEY TYPES:
  Event:       The only persisted unit of truth (one journal line)
  BalanceKey:  (entity, credit type) pair a balance is derived for
  Entity:      Lifecycle record kept beside the journal (entity.go)
  Actor:       Who issued a command (approval.go)

AMOUNTS:
  Amounts are shopspring decimals. A positive amount credits the balance
  key, a negative amount debits it. Floating point is never used for money.

TRANSACTION TYPES (closed set):
  MINT      amount > 0, mint_rule required
  BURN      amount < 0
  TAX       amount < 0, billing_period required
  TRANSFER  one of two correlated legs; leg 1 debits the source,
            leg 2 credits the target

SEE ALSO:
  - errors.go: Error taxonomy
  - journal/journal.go: Persistence of Events
*/
package credit

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string

type EntityType string

const (
	EntityAgent   EntityType = "AGENT"
	EntityMission EntityType = "MISSION"
	EntitySystem  EntityType = "SYSTEM"
)

func (t EntityType) Valid() bool {
	switch t {
	case EntityAgent, EntityMission, EntitySystem:
		return true
	}
	return false
}

// CreditType names one of the four credit currencies.
type CreditType string

const (
	CreditCompute CreditType = "CC"
	CreditLabor   CreditType = "LC"
	CreditStorage CreditType = "SC"
	CreditNetwork CreditType = "NC"
)

// CreditTypes lists every credit type in a stable order.
var CreditTypes = []CreditType{CreditCompute, CreditLabor, CreditStorage, CreditNetwork}

func (c CreditType) Valid() bool {
	switch c {
	case CreditCompute, CreditLabor, CreditStorage, CreditNetwork:
		return true
	}
	return false
}

// ParseCreditType converts user input into a CreditType.
func ParseCreditType(s string) (CreditType, error) {
	c := CreditType(s)
	if !c.Valid() {
		return "", &ValidationError{Field: "credit_type", Reason: fmt.Sprintf("unknown credit type %q", s)}
	}
	return c, nil
}

type TransactionType string

const (
	TxMint     TransactionType = "MINT"
	TxBurn     TransactionType = "BURN"
	TxTransfer TransactionType = "TRANSFER"
	TxTax      TransactionType = "TAX"
)

// MintRule is the system rule that justifies a MINT. Minting without one is
// never allowed.
type MintRule string

const (
	MintCreationGrant MintRule = "creation_grant"
	MintMissionReward MintRule = "mission_reward"
	MintSystemGrant   MintRule = "system_grant"
)

func (r MintRule) Valid() bool {
	switch r {
	case MintCreationGrant, MintMissionReward, MintSystemGrant:
		return true
	}
	return false
}

// BalanceKey identifies one derived balance.
type BalanceKey struct {
	EntityID   EntityID
	CreditType CreditType
}

func (k BalanceKey) String() string {
	return string(k.EntityID) + "/" + string(k.CreditType)
}

// =============================================================================
// EVENT - The journaled record
// =============================================================================

// TransferLeg correlates the two events of a transfer.
type TransferLeg struct {
	CorrelationID string   `json:"correlation_id"`
	Counterparty  EntityID `json:"counterparty"`
	Leg           int      `json:"leg"`
	Legs          int      `json:"legs"`
}

// Event is one committed balance change. Once journaled it is never mutated
// or deleted; corrections are new events.
type Event struct {
	Sequence       uint64            `json:"sequence_number"`
	Timestamp      time.Time         `json:"timestamp"`
	EntityID       EntityID          `json:"entity_id"`
	EntityType     EntityType        `json:"entity_type"`
	CreditType     CreditType        `json:"credit_type"`
	Amount         decimal.Decimal   `json:"amount"`
	Type           TransactionType   `json:"transaction_type"`
	MintRule       MintRule          `json:"mint_rule,omitempty"`
	BillingPeriod  string            `json:"billing_period,omitempty"`
	Transfer       *TransferLeg      `json:"transfer,omitempty"`
	Reason         string            `json:"reason"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CorrelationID  string            `json:"correlation_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Signature      string            `json:"signature,omitempty"`
}

// Key returns the balance key the event applies to.
func (e Event) Key() BalanceKey {
	return BalanceKey{EntityID: e.EntityID, CreditType: e.CreditType}
}

// Debit reports whether the event lowers its balance.
func (e Event) Debit() bool {
	return e.Amount.IsNegative()
}

// OpensGroup reports whether more legs must follow this event in the journal.
func (e Event) OpensGroup() bool {
	return e.Transfer != nil && e.Transfer.Leg < e.Transfer.Legs
}

// ContinuesGroup reports whether the event belongs to a group opened earlier.
func (e Event) ContinuesGroup() bool {
	return e.Transfer != nil && e.Transfer.Leg > 1
}

// Validate checks the structural rules of the tagged union. It does not
// look at balances.
func (e Event) Validate() error {
	if e.EntityID == "" {
		return &ValidationError{Field: "entity_id", Reason: "required"}
	}
	if !e.EntityType.Valid() {
		return &ValidationError{Field: "entity_type", Reason: fmt.Sprintf("unknown entity type %q", e.EntityType)}
	}
	if !e.CreditType.Valid() {
		return &ValidationError{Field: "credit_type", Reason: fmt.Sprintf("unknown credit type %q", e.CreditType)}
	}
	if e.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	if e.Amount.IsZero() {
		return &ValidationError{Field: "amount", Reason: "must not be zero"}
	}

	switch e.Type {
	case TxMint:
		if !e.Amount.IsPositive() {
			return &ValidationError{Field: "amount", Reason: "mint amount must be positive"}
		}
		if !e.MintRule.Valid() {
			return &ValidationError{Field: "mint_rule", Reason: fmt.Sprintf("unknown mint rule %q", e.MintRule), Err: ErrUnauthorizedMint}
		}
	case TxBurn:
		if !e.Amount.IsNegative() {
			return &ValidationError{Field: "amount", Reason: "burn amount must be negative"}
		}
	case TxTax:
		if !e.Amount.IsNegative() {
			return &ValidationError{Field: "amount", Reason: "tax amount must be negative"}
		}
		if e.BillingPeriod == "" {
			return &ValidationError{Field: "billing_period", Reason: "required for tax"}
		}
	case TxTransfer:
		t := e.Transfer
		if t == nil || t.CorrelationID == "" || t.Counterparty == "" {
			return &ValidationError{Field: "transfer", Reason: "transfer leg details required"}
		}
		if t.Legs != 2 || t.Leg < 1 || t.Leg > t.Legs {
			return &ValidationError{Field: "transfer", Reason: fmt.Sprintf("invalid leg %d of %d", t.Leg, t.Legs)}
		}
		if t.Counterparty == e.EntityID {
			return &ValidationError{Field: "transfer", Reason: "source and target must differ"}
		}
		if t.Leg == 1 && !e.Amount.IsNegative() {
			return &ValidationError{Field: "amount", Reason: "transfer debit leg must be negative"}
		}
		if t.Leg == 2 && !e.Amount.IsPositive() {
			return &ValidationError{Field: "amount", Reason: "transfer credit leg must be positive"}
		}
	default:
		return &ValidationError{Field: "transaction_type", Reason: fmt.Sprintf("unknown transaction type %q", e.Type)}
	}
	if e.Type != TxMint && e.MintRule != "" {
		return &ValidationError{Field: "mint_rule", Reason: "only valid on MINT"}
	}
	if e.Type != TxTransfer && e.Transfer != nil {
		return &ValidationError{Field: "transfer", Reason: "only valid on TRANSFER"}
	}
	return nil
}
