package calculator_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/calculator"
	"github.com/warp/credit-engine/credit"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreationMint_Default(t *testing.T) {
	c := calculator.New(calculator.DefaultRates())
	assert.True(t, c.CreationMint().Equal(dec("1000")))
}

func TestHoursActive(t *testing.T) {
	period := credit.PeriodFor(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), time.Hour)

	tests := []struct {
		name        string
		activeSince time.Time
		want        string
	}{
		{"active before period", period.Start.Add(-48 * time.Hour), "1"},
		{"active from mid period", period.Start.Add(15 * time.Minute), "0.75"},
		{"active after period", period.End.Add(time.Minute), "0"},
		{"active exactly at end", period.End, "0"},
		{"one second", period.End.Add(-time.Second), "0.000278"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calculator.HoursActive(tt.activeSince, period)
			assert.True(t, got.Equal(dec(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestExistenceTax(t *testing.T) {
	// GIVEN: Hourly tax of 5 and an entity active for the whole hour
	// WHEN: Computing the tax for that hour
	// THEN: 5 credits are due

	rates := calculator.DefaultRates()
	rates.HourlyTax = dec("5")
	c := calculator.New(rates)
	period := credit.PeriodFor(time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC), time.Hour)

	tax, err := c.ExistenceTax(calculator.Context{ActiveSince: period.Start.Add(-time.Hour), Period: period})
	require.NoError(t, err)
	assert.True(t, tax.Equal(dec("5")))

	again, err := c.ExistenceTax(calculator.Context{ActiveSince: period.Start.Add(-time.Hour), Period: period})
	require.NoError(t, err)
	assert.True(t, tax.Equal(again), "identical input gives identical output")

	_, err = calculator.ExistenceTax(dec("-1"), dec("1"))
	assert.ErrorIs(t, err, credit.ErrValidation)
}

func TestUsageCost(t *testing.T) {
	rates := calculator.DefaultRates()
	rates.UnitCosts[credit.CreditStorage] = dec("0.25")
	c := calculator.New(rates)

	cost, err := c.UsageCost(calculator.Context{CreditType: credit.CreditStorage, Units: dec("10")})
	require.NoError(t, err)
	assert.True(t, cost.Equal(dec("2.5")))

	_, err = c.UsageCost(calculator.Context{CreditType: credit.CreditStorage, Units: dec("-1")})
	assert.ErrorIs(t, err, credit.ErrValidation)
}

func TestMissionReward(t *testing.T) {
	c := calculator.New(calculator.DefaultRates())

	tests := []struct {
		priority calculator.Priority
		want     string
	}{
		{calculator.PriorityLow, "100"},
		{calculator.PriorityNormal, "150"},
		{calculator.PriorityHigh, "200"},
		{calculator.PriorityCritical, "300"},
		{"", "150"},
	}
	for _, tt := range tests {
		got, err := c.MissionReward(calculator.Context{BaseReward: dec("100"), Priority: tt.priority})
		require.NoError(t, err)
		assert.True(t, got.Equal(dec(tt.want)), "priority %q: got %s", tt.priority, got)
	}

	_, err := c.MissionReward(calculator.Context{BaseReward: dec("100"), Priority: "urgent"})
	assert.ErrorIs(t, err, credit.ErrValidation)

	_, err = c.MissionReward(calculator.Context{BaseReward: dec("0"), Priority: calculator.PriorityLow})
	assert.ErrorIs(t, err, credit.ErrValidation)
}

func TestRatesValidate(t *testing.T) {
	require.NoError(t, calculator.DefaultRates().Validate())

	r := calculator.DefaultRates()
	r.CreationGrant = decimal.Zero
	assert.ErrorIs(t, r.Validate(), credit.ErrValidation)
}
