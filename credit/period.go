package credit

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// BILLING PERIOD - The unit existence tax is collected for
// =============================================================================

// BillingPeriod is the half-open interval [Start, End) a tax run covers.
// The ID is stable and becomes part of tax idempotency keys.
type BillingPeriod struct {
	ID    string
	Start time.Time
	End   time.Time
}

const periodIDLayout = "20060102T15"

// PeriodFor returns the period of the given length that contains t.
// Periods are aligned to the Unix epoch in UTC, so hourly periods start on
// the hour and daily periods start at midnight UTC.
func PeriodFor(t time.Time, length time.Duration) BillingPeriod {
	if length <= 0 {
		length = time.Hour
	}
	start := t.UTC().Truncate(length)
	return BillingPeriod{
		ID:    start.Format(periodIDLayout) + "/" + length.String(),
		Start: start,
		End:   start.Add(length),
	}
}

// ParsePeriodID reverses BillingPeriod.ID.
func ParsePeriodID(id string) (BillingPeriod, error) {
	startText, lengthText, ok := strings.Cut(id, "/")
	if !ok {
		return BillingPeriod{}, &ValidationError{Field: "billing_period", Reason: fmt.Sprintf("malformed period id %q", id)}
	}
	start, err := time.ParseInLocation(periodIDLayout, startText, time.UTC)
	if err != nil {
		return BillingPeriod{}, &ValidationError{Field: "billing_period", Reason: err.Error()}
	}
	length, err := time.ParseDuration(lengthText)
	if err != nil || length <= 0 {
		return BillingPeriod{}, &ValidationError{Field: "billing_period", Reason: fmt.Sprintf("malformed period length %q", lengthText)}
	}
	p := PeriodFor(start, length)
	if !p.Start.Equal(start) {
		return BillingPeriod{}, &ValidationError{Field: "billing_period", Reason: "start is not aligned to the period length"}
	}
	return p, nil
}

// Length returns the duration of the period.
func (p BillingPeriod) Length() time.Duration {
	return p.End.Sub(p.Start)
}

// Contains returns true if t is within [Start, End).
func (p BillingPeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Previous returns the period immediately before p.
func (p BillingPeriod) Previous() BillingPeriod {
	return PeriodFor(p.Start.Add(-p.Length()), p.Length())
}

// Next returns the period immediately after p.
func (p BillingPeriod) Next() BillingPeriod {
	return PeriodFor(p.End, p.Length())
}

func (p BillingPeriod) String() string {
	return p.ID
}
