package credit

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EntityStatus is the lifecycle state of an entity.
type EntityStatus string

const (
	StatusCreated    EntityStatus = "CREATED"
	StatusActive     EntityStatus = "ACTIVE"
	StatusSuspended  EntityStatus = "SUSPENDED"
	StatusTerminated EntityStatus = "TERMINATED"
)

// transitions lists the allowed lifecycle edges. TERMINATED has none.
var transitions = map[EntityStatus][]EntityStatus{
	StatusCreated:   {StatusActive},
	StatusActive:    {StatusSuspended},
	StatusSuspended: {StatusActive, StatusTerminated},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to EntityStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Entity is the lifecycle record kept beside the journal. Balances here are a
// cache; the journal is authoritative.
type Entity struct {
	ID                     EntityID
	Type                   EntityType
	Status                 EntityStatus
	CreatedAt              time.Time
	ActivatedAt            *time.Time
	SuspendedAt            *time.Time
	TerminatedAt           *time.Time
	ConsecutiveTaxFailures int
	LastTaxPeriod          string
	Balances               map[CreditType]decimal.Decimal
	LifetimeEarned         decimal.Decimal
	LifetimeSpent          decimal.Decimal
	LastAppliedSeq         uint64
	UpdatedAt              time.Time
}

// Transition moves the entity to the given status, stamping the time.
func (e *Entity) Transition(to EntityStatus, at time.Time) error {
	if !CanTransition(e.Status, to) {
		return &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("illegal transition %s -> %s for %s", e.Status, to, e.ID),
		}
	}
	stamp := at
	switch to {
	case StatusActive:
		if e.ActivatedAt == nil {
			e.ActivatedAt = &stamp
		}
		e.SuspendedAt = nil
		e.ConsecutiveTaxFailures = 0
	case StatusSuspended:
		e.SuspendedAt = &stamp
	case StatusTerminated:
		e.TerminatedAt = &stamp
	}
	e.Status = to
	e.UpdatedAt = at
	return nil
}

// Taxable reports whether the existence tax applies to the entity.
func (e Entity) Taxable() bool {
	return e.Status == StatusActive || e.Status == StatusSuspended
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	out := e
	out.Balances = make(map[CreditType]decimal.Decimal, len(e.Balances))
	for k, v := range e.Balances {
		out.Balances[k] = v
	}
	out.ActivatedAt = cloneTime(e.ActivatedAt)
	out.SuspendedAt = cloneTime(e.SuspendedAt)
	out.TerminatedAt = cloneTime(e.TerminatedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
