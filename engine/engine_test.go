package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/engine"
	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/publish"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Signing.Key = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	cfg.Journal.Path = filepath.Join(dir, "journal.ndjson")
	cfg.Database.Path = filepath.Join(dir, "credit.db")
	cfg.Scheduler.Enabled = false
	return cfg
}

func open(t *testing.T, cfg config.Config, deps engine.Deps) *engine.Engine {
	t.Helper()
	e, err := engine.Open(context.Background(), cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func createAndBurn(t *testing.T, e *engine.Engine) {
	t.Helper()
	ctx := context.Background()
	_, err := e.Ledger.CreateEntity(ctx, ledger.CreateCommand{
		EntityID:       "a1",
		EntityType:     credit.EntityAgent,
		IdempotencyKey: "create:a1",
		Actor:          credit.SystemActor,
	})
	require.NoError(t, err)
	_, err = e.Ledger.Burn(ctx, ledger.Command{
		EntityID:       "a1",
		CreditType:     credit.CreditCompute,
		Amount:         decimal.NewFromInt(50),
		IdempotencyKey: "burn-1",
		Actor:          credit.Actor{ID: "agent-7", Kind: credit.ActorAgent},
	})
	require.NoError(t, err)
}

func TestOpen_StateSurvivesRestart(t *testing.T) {
	// GIVEN: An engine that committed a creation grant and a burn
	// WHEN: It is closed and a new engine opens the same files
	// THEN: Balances, history and entity records are all restored

	ctx := context.Background()
	cfg := testConfig(t)

	first, err := engine.Open(ctx, cfg, engine.Deps{})
	require.NoError(t, err)
	createAndBurn(t, first)
	require.NoError(t, first.Close(ctx))
	require.NoError(t, first.Close(ctx), "second close is a no-op")

	second := open(t, cfg, engine.Deps{})

	bal, err := second.Ledger.Balance(ctx, "a1", credit.CreditCompute)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(950)), "got %s", bal)

	_, total, err := second.Ledger.History(ctx, "a1", "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	ent, err := second.Ledger.Entity(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusActive, ent.Status)
	assert.True(t, ent.Balances[credit.CreditCompute].Equal(decimal.NewFromInt(950)))

	// Replaying the burn after restart appends nothing
	res, err := second.Ledger.Burn(ctx, ledger.Command{
		EntityID:       "a1",
		CreditType:     credit.CreditCompute,
		Amount:         decimal.NewFromInt(50),
		IdempotencyKey: "burn-1",
		Actor:          credit.Actor{ID: "agent-7", Kind: credit.ActorAgent},
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, uint64(2), second.Journal.Head())
}

func TestVerifyIntegrity_TamperingDegradesButKeepsServing(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first, err := engine.Open(ctx, cfg, engine.Deps{})
	require.NoError(t, err)
	createAndBurn(t, first)
	require.NoError(t, first.Close(ctx))

	raw, err := os.ReadFile(cfg.Journal.Path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"amount":"1000"`, `"amount":"9000"`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(cfg.Journal.Path, []byte(tampered), 0o644))

	e := open(t, cfg, engine.Deps{})
	assert.False(t, e.Degraded())

	report, err := e.VerifyIntegrity(ctx, 0)
	require.NoError(t, err)
	assert.False(t, report.IntegrityOK)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, uint64(1), report.Violations[0].Sequence)

	assert.True(t, e.Degraded())
	health := e.Health()
	assert.Equal(t, "degraded", health.Status)
	require.NotNil(t, health.LastVerification)

	// Still serving
	_, err = e.Ledger.Balance(ctx, "a1", credit.CreditCompute)
	require.NoError(t, err)

	audits, err := e.Store.Query(ctx, credit.AuditFilter{Actions: []credit.AuditAction{credit.AuditIntegrity}})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, credit.ResultFailed, audits[0].Result)
}

func TestVerifyIntegrity_CleanJournal(t *testing.T) {
	e := open(t, testConfig(t), engine.Deps{})
	createAndBurn(t, e)

	report, err := e.VerifyIntegrity(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, report.IntegrityOK)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, "ok", e.Health().Status)
}

func TestOpen_HookReceivesCommittedEvents(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []uint64
	)
	hook := publish.HookFunc(func(_ context.Context, evt credit.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt.Sequence)
		return nil
	})

	e := open(t, testConfig(t), engine.Deps{Hook: hook})
	createAndBurn(t, e)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []uint64{1, 2}, seen)
	mu.Unlock()

	require.Eventually(t, func() bool {
		c := e.Health().PublishCursor
		return c != nil && *c == 2
	}, time.Second, 5*time.Millisecond)
}

func TestTaxRun_CollectsForPeriod(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	e := open(t, testConfig(t), engine.Deps{Now: clock})
	createAndBurn(t, e)

	stats, err := e.TaxRun(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Taxed)

	bal, err := e.Ledger.Balance(context.Background(), "a1", credit.CreditCompute)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(949)), "one hour at the default rate of 1, got %s", bal)
}
