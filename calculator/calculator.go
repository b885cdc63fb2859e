/*
Package calculator computes rule-based credit amounts.

PURPOSE:
  Every amount the engine mints or charges on its own (creation grant,
  existence tax, usage cost, mission reward) comes from here. All functions
  are pure: no clock, no I/O, identical input gives identical output. Times
  are passed in by the caller.

RULES:
  CreationMint:   fixed grant for a new entity (default 1000 CC)
  ExistenceTax:   hourly_rate x hours_active in the billing period
  UsageCost:      unit_rate x units_consumed
  MissionReward:  base_reward x priority_multiplier

PRIORITY MULTIPLIERS (defaults):
  low 1, normal 1.5, high 2, critical 3

ERRORS:
  Negative or otherwise invalid inputs return *credit.ValidationError.

SEE ALSO:
  - ledger/service.go: Turns computed amounts into events
  - lifecycle/manager.go: Existence tax batches
*/
package calculator

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// hourPrecision is the number of decimal places kept for fractional hours.
const hourPrecision = 6

// Rates is the configuration the rules are evaluated against.
type Rates struct {
	CreationGrant       decimal.Decimal
	CreationCreditType  credit.CreditType
	HourlyTax           decimal.Decimal
	UnitCosts           map[credit.CreditType]decimal.Decimal
	PriorityMultipliers map[Priority]decimal.Decimal
}

// DefaultRates returns the stock economy.
func DefaultRates() Rates {
	return Rates{
		CreationGrant:      decimal.NewFromInt(1000),
		CreationCreditType: credit.CreditCompute,
		HourlyTax:          decimal.NewFromInt(1),
		UnitCosts: map[credit.CreditType]decimal.Decimal{
			credit.CreditCompute: decimal.NewFromInt(1),
			credit.CreditLabor:   decimal.NewFromInt(1),
			credit.CreditStorage: decimal.NewFromInt(1),
			credit.CreditNetwork: decimal.NewFromInt(1),
		},
		PriorityMultipliers: map[Priority]decimal.Decimal{
			PriorityLow:      decimal.NewFromInt(1),
			PriorityNormal:   decimal.RequireFromString("1.5"),
			PriorityHigh:     decimal.NewFromInt(2),
			PriorityCritical: decimal.NewFromInt(3),
		},
	}
}

// Validate checks that every configured rate is usable.
func (r Rates) Validate() error {
	if !r.CreationGrant.IsPositive() {
		return &credit.ValidationError{Field: "creation_grant", Reason: "must be positive"}
	}
	if !r.CreationCreditType.Valid() {
		return &credit.ValidationError{Field: "creation_credit_type", Reason: fmt.Sprintf("unknown credit type %q", r.CreationCreditType)}
	}
	if r.HourlyTax.IsNegative() {
		return &credit.ValidationError{Field: "hourly_tax", Reason: "must not be negative"}
	}
	for ct, cost := range r.UnitCosts {
		if cost.IsNegative() {
			return &credit.ValidationError{Field: "unit_costs", Reason: fmt.Sprintf("negative unit cost for %s", ct)}
		}
	}
	for p, m := range r.PriorityMultipliers {
		if !m.IsPositive() {
			return &credit.ValidationError{Field: "priority_multipliers", Reason: fmt.Sprintf("multiplier for %s must be positive", p)}
		}
	}
	return nil
}

// =============================================================================
// PURE RULES
// =============================================================================

// CreationMint returns the grant for a newly created entity.
func CreationMint(r Rates) decimal.Decimal {
	return r.CreationGrant
}

// ExistenceTax is hourlyRate x hoursActive.
func ExistenceTax(hourlyRate, hoursActive decimal.Decimal) (decimal.Decimal, error) {
	if hourlyRate.IsNegative() {
		return decimal.Zero, &credit.ValidationError{Field: "hourly_rate", Reason: "must not be negative"}
	}
	if hoursActive.IsNegative() {
		return decimal.Zero, &credit.ValidationError{Field: "hours_active", Reason: "must not be negative"}
	}
	return hourlyRate.Mul(hoursActive), nil
}

// HoursActive is the overlap of [activeSince, ∞) with the billing period,
// in hours.
func HoursActive(activeSince time.Time, period credit.BillingPeriod) decimal.Decimal {
	start := period.Start
	if activeSince.After(start) {
		start = activeSince
	}
	if !start.Before(period.End) {
		return decimal.Zero
	}
	active := period.End.Sub(start)
	return decimal.NewFromInt(int64(active)).
		DivRound(decimal.NewFromInt(int64(time.Hour)), hourPrecision)
}

// UsageCost is unitRate x units.
func UsageCost(unitRate, units decimal.Decimal) (decimal.Decimal, error) {
	if unitRate.IsNegative() {
		return decimal.Zero, &credit.ValidationError{Field: "unit_rate", Reason: "must not be negative"}
	}
	if !units.IsPositive() {
		return decimal.Zero, &credit.ValidationError{Field: "units", Reason: "must be positive"}
	}
	return unitRate.Mul(units), nil
}

// MissionReward is base x the multiplier configured for priority.
func MissionReward(base decimal.Decimal, priority Priority, multipliers map[Priority]decimal.Decimal) (decimal.Decimal, error) {
	if !base.IsPositive() {
		return decimal.Zero, &credit.ValidationError{Field: "base_reward", Reason: "must be positive"}
	}
	if priority == "" {
		priority = PriorityNormal
	}
	m, ok := multipliers[priority]
	if !ok {
		return decimal.Zero, &credit.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", priority)}
	}
	return base.Mul(m), nil
}

// =============================================================================
// CALCULATOR - Rules bound to a rate table
// =============================================================================

// Context carries the inputs of one calculation.
type Context struct {
	EntityID    credit.EntityID
	CreditType  credit.CreditType
	ActiveSince time.Time
	Period      credit.BillingPeriod
	Units       decimal.Decimal
	BaseReward  decimal.Decimal
	Priority    Priority
}

type Calculator struct {
	Rates Rates
}

func New(r Rates) Calculator {
	return Calculator{Rates: r}
}

func (c Calculator) CreationMint() decimal.Decimal {
	return CreationMint(c.Rates)
}

func (c Calculator) ExistenceTax(in Context) (decimal.Decimal, error) {
	return ExistenceTax(c.Rates.HourlyTax, HoursActive(in.ActiveSince, in.Period))
}

func (c Calculator) UsageCost(in Context) (decimal.Decimal, error) {
	rate, ok := c.Rates.UnitCosts[in.CreditType]
	if !ok {
		return decimal.Zero, &credit.ValidationError{Field: "credit_type", Reason: fmt.Sprintf("no unit cost for %q", in.CreditType)}
	}
	return UsageCost(rate, in.Units)
}

func (c Calculator) MissionReward(in Context) (decimal.Decimal, error) {
	return MissionReward(in.BaseReward, in.Priority, c.Rates.PriorityMultipliers)
}
