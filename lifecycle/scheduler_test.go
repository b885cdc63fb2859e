package lifecycle_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/calculator"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/lifecycle"
)

func TestScheduler_RunsJobsUntilStopped(t *testing.T) {
	var runs atomic.Int64
	s := lifecycle.NewScheduler(5*time.Millisecond, nil, lifecycle.Job{
		Name: "count",
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	s.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, time.Millisecond)
	s.Stop()

	stopped := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())
	s.Stop() // second stop is a no-op
}

func TestScheduler_RunNowJoinsErrors(t *testing.T) {
	var ran atomic.Int64
	boom := errors.New("boom")
	s := lifecycle.NewScheduler(time.Hour, nil,
		lifecycle.Job{Name: "fails", Run: func(context.Context) error { return boom }},
		lifecycle.Job{Name: "works", Run: func(context.Context) error { ran.Add(1); return nil }},
	)

	err := s.RunNow(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), ran.Load(), "a failing job does not stop the others")
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	var runs atomic.Int64
	s := lifecycle.NewScheduler(time.Millisecond, nil, lifecycle.Job{
		Name: "count",
		Run:  func(context.Context) error { runs.Add(1); return nil },
	})
	s.Enabled = false
	s.Start()
	time.Sleep(10 * time.Millisecond)
	s.Stop()
	assert.Zero(t, runs.Load())
}

func TestTaxJob_TaxesPreviousPeriod(t *testing.T) {
	e := newEnv(t, calculator.DefaultRates(), lifecycle.Config{})
	e.create(t, "a1")

	now := created.Add(2*time.Hour + 5*time.Minute)
	job := lifecycle.TaxJob(e.mgr, time.Hour, func() time.Time { return now })
	require.NoError(t, job.Run(context.Background()))

	ent := e.entity(t, "a1")
	want := credit.PeriodFor(now, time.Hour).Previous()
	assert.Equal(t, want.ID, ent.LastTaxPeriod)
}
