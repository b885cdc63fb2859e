/*
Package lifecycle drives entity status from committed events and the
periodic existence tax.

STATE MACHINE:
  ┌─────────┐ creation mint ┌────────┐ tax not covered ┌───────────┐
  │ CREATED │──────────────▶│ ACTIVE │────────────────▶│ SUSPENDED │
  └─────────┘               └────────┘◀────────────────└───────────┘
                                        credit lifts CC       │
                                        above threshold       │ MaxFailedTaxCycles
                                                              │ or MaxSuspension
                                                              ▼
                                                        ┌────────────┐
                                                        │ TERMINATED │
                                                        └────────────┘

TAX BATCH:
  CollectExistenceTaxBatch walks every ACTIVE and SUSPENDED entity once per
  billing period. Each entity is taxed under the key tax:<entity>:<period>
  and remembers the last period it was processed for, so a re-run of the
  same period (after a crash or an interruption) charges nobody twice.
  Collection is all or nothing: an uncovered tax leaves the balance alone
  and counts as a failed cycle.

  The context is checked between entities. An interrupted batch records an
  "interrupted" TaxRun and can simply be started again.

LOCKING:
  The manager mutex guards entity record updates only. It is never held
  while calling the ledger, because the ledger calls back into OnCommitted.

SEE ALSO:
  - scheduler.go: Periodic execution
  - credit/entity.go: Legal transitions
*/
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/metrics"
	"github.com/warp/credit-engine/projection"
)

type Config struct {
	// SuspensionThreshold is the CC balance a suspended entity must exceed
	// to be reactivated.
	SuspensionThreshold decimal.Decimal
	MaxFailedTaxCycles  int
	MaxSuspension       time.Duration
	TaxCreditType       credit.CreditType
}

func (c Config) withDefaults() Config {
	if c.MaxFailedTaxCycles <= 0 {
		c.MaxFailedTaxCycles = 3
	}
	if c.MaxSuspension <= 0 {
		c.MaxSuspension = 72 * time.Hour
	}
	if c.TaxCreditType == "" {
		c.TaxCreditType = credit.CreditCompute
	}
	return c
}

// Ledger is the part of the ledger service the tax batch needs.
type Ledger interface {
	CollectTax(ctx context.Context, cmd ledger.TaxCommand) (ledger.Result, error)
}

// Projections supplies the per-entity history committed events are read from.
type Projections interface {
	Snapshot() *projection.Snapshot
}

// TaxBatchStats summarizes one run of the tax batch.
type TaxBatchStats struct {
	Period     string          `json:"period"`
	Processed  int             `json:"processed"`
	Taxed      int             `json:"taxed"`
	Suspended  int             `json:"suspended"`
	Terminated int             `json:"terminated"`
	Skipped    int             `json:"skipped"`
	Errors     int             `json:"errors"`
	Collected  decimal.Decimal `json:"collected"`
}

type Manager struct {
	ledger      Ledger
	projections Projections
	entities    credit.EntityStore
	taxRuns     credit.TaxRunStore
	audit       credit.AuditLog
	cfg         Config
	now         func() time.Time
	logger      *slog.Logger

	mu sync.Mutex
}

type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
}

func NewManager(l Ledger, p Projections, entities credit.EntityStore, taxRuns credit.TaxRunStore, audit credit.AuditLog, cfg Config, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		ledger:      l,
		projections: p,
		entities:    entities,
		taxRuns:     taxRuns,
		audit:       audit,
		cfg:         cfg.withDefaults(),
		now:         opts.Now,
		logger:      opts.Logger.With("component", "lifecycle"),
	}
}

// =============================================================================
// EVENT-DRIVEN TRANSITIONS
// =============================================================================

// OnCommitted implements ledger.Observer. Observers run on the committing
// goroutines, so records can arrive out of sequence order. Each touched
// entity is therefore brought up to date from its projected history, in
// sequence order, instead of from the record itself.
func (m *Manager) OnCommitted(ctx context.Context, rec ledger.TransactionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.projections.Snapshot()
	if n := len(rec.Sequences); n > 0 && rec.Sequences[n-1] > snap.LastSeq() {
		m.logger.Warn("projections behind committed record", "seq", rec.Sequences[n-1], "projected", snap.LastSeq())
	}
	done := make(map[credit.EntityID]bool, len(rec.Events))
	for _, e := range rec.Events {
		if done[e.EntityID] {
			continue
		}
		done[e.EntityID] = true
		if err := m.catchUp(ctx, snap, e.EntityID); err != nil {
			m.logger.Error("lifecycle update failed", "entity", e.EntityID, "seq", e.Sequence, "error", err)
		}
	}
}

// catchUp applies every projected record of id above its LastAppliedSeq.
// Called with mu held.
func (m *Manager) catchUp(ctx context.Context, snap *projection.Snapshot, id credit.EntityID) error {
	ent, err := m.entities.Get(ctx, id)
	switch {
	case errors.Is(err, credit.ErrNotFound):
		recs := snap.History.Since(id, 0)
		if len(recs) == 0 || recs[0].Type != credit.TxMint || recs[0].MintRule != credit.MintCreationGrant {
			m.logger.Warn("event for entity without lifecycle record", "entity", id)
			return nil
		}
		ent = credit.Entity{
			ID:        id,
			Type:      recs[0].EntityType,
			Status:    credit.StatusCreated,
			CreatedAt: recs[0].Timestamp,
			Balances:  make(map[credit.CreditType]decimal.Decimal),
		}
		if err := m.entities.Create(ctx, ent); err != nil {
			return fmt.Errorf("create entity record: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load entity: %w", err)
	}

	pending := snap.History.Since(id, ent.LastAppliedSeq)
	if len(pending) == 0 {
		return nil
	}
	from := ent.Status
	var cause string
	for _, r := range pending {
		changed, err := m.applyRecord(&ent, r)
		if err != nil {
			return err
		}
		if changed {
			cause = fmt.Sprintf("event %d (%s)", r.Sequence, r.Type)
		}
	}
	if err := m.entities.Save(ctx, ent); err != nil {
		return fmt.Errorf("save entity: %w", err)
	}
	if ent.Status != from {
		m.transitioned(ctx, ent, from, cause)
	}
	return nil
}

// applyRecord folds one history record into ent and reports a status change.
func (m *Manager) applyRecord(ent *credit.Entity, r projection.Record) (bool, error) {
	if ent.Balances == nil {
		ent.Balances = make(map[credit.CreditType]decimal.Decimal)
	}
	ent.Balances[r.CreditType] = r.BalanceAfter
	if r.Amount.IsNegative() {
		ent.LifetimeSpent = ent.LifetimeSpent.Add(r.Amount.Abs())
	} else {
		ent.LifetimeEarned = ent.LifetimeEarned.Add(r.Amount)
	}
	ent.LastAppliedSeq = r.Sequence
	ent.UpdatedAt = r.Timestamp

	switch {
	case ent.Status == credit.StatusCreated && r.MintRule == credit.MintCreationGrant:
		return true, ent.Transition(credit.StatusActive, r.Timestamp)
	case ent.Status == credit.StatusSuspended && r.Amount.IsPositive() && r.CreditType == m.cfg.TaxCreditType &&
		r.BalanceAfter.GreaterThan(m.cfg.SuspensionThreshold):
		return true, ent.Transition(credit.StatusActive, r.Timestamp)
	}
	return false, nil
}

func (m *Manager) transitioned(ctx context.Context, ent credit.Entity, from credit.EntityStatus, cause string) {
	metrics.Transitions.WithLabelValues(string(ent.Status)).Inc()
	m.logger.Info("entity transitioned", "entity", ent.ID, "from", from, "to", ent.Status, "cause", cause)
	if m.audit == nil {
		return
	}
	entry := credit.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: m.now().UTC(),
		ActorID:   credit.SystemActor.ID,
		ActorKind: credit.SystemActor.Kind,
		Action:    credit.AuditLifecycle,
		EntityID:  ent.ID,
		Result:    credit.ResultCommitted,
		Payload:   map[string]any{"from": string(from), "to": string(ent.Status), "cause": cause},
	}
	if err := m.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		m.logger.Error("audit append failed", "entity", ent.ID, "error", err)
	}
}

// =============================================================================
// EXISTENCE TAX BATCH
// =============================================================================

// CollectExistenceTaxBatch taxes every taxable entity for period.
func (m *Manager) CollectExistenceTaxBatch(ctx context.Context, period credit.BillingPeriod) (TaxBatchStats, error) {
	stats := TaxBatchStats{Period: period.ID, Collected: decimal.Zero}
	run := credit.TaxRun{
		ID:        uuid.NewString(),
		PeriodID:  period.ID,
		Status:    credit.TaxRunRunning,
		Collected: decimal.Zero,
		StartedAt: m.now().UTC(),
	}
	m.saveRun(ctx, run)

	entities, err := m.entities.List(ctx)
	if err != nil {
		m.finishRun(ctx, run, stats, credit.TaxRunFailed, err)
		return stats, fmt.Errorf("list entities: %w", err)
	}

	m.logger.Info("tax batch started", "period", period.ID, "entities", len(entities))
	for _, ent := range entities {
		if err := ctx.Err(); err != nil {
			m.finishRun(ctx, run, stats, credit.TaxRunInterrupted, err)
			m.logger.Warn("tax batch interrupted", "period", period.ID, "processed", stats.Processed)
			return stats, fmt.Errorf("tax batch %s interrupted: %w", period.ID, err)
		}
		if !ent.Taxable() {
			continue
		}
		stats.Processed++
		if err := m.taxEntity(ctx, ent, period, &stats); err != nil {
			if ctx.Err() != nil {
				m.finishRun(ctx, run, stats, credit.TaxRunInterrupted, err)
				return stats, fmt.Errorf("tax batch %s interrupted: %w", period.ID, err)
			}
			stats.Errors++
			m.logger.Error("tax collection failed", "entity", ent.ID, "period", period.ID, "error", err)
		}
	}

	m.finishRun(ctx, run, stats, credit.TaxRunCompleted, nil)
	m.logger.Info("tax batch completed",
		"period", period.ID,
		"processed", stats.Processed,
		"taxed", stats.Taxed,
		"suspended", stats.Suspended,
		"terminated", stats.Terminated,
		"skipped", stats.Skipped,
		"collected", stats.Collected)
	return stats, nil
}

func (m *Manager) taxEntity(ctx context.Context, ent credit.Entity, period credit.BillingPeriod, stats *TaxBatchStats) error {
	if ent.LastTaxPeriod == period.ID {
		stats.Skipped++
		metrics.TaxOutcomes.WithLabelValues("skipped").Inc()
		return nil
	}
	now := m.now().UTC()
	if ent.Status == credit.StatusSuspended && ent.SuspendedAt != nil && now.Sub(*ent.SuspendedAt) >= m.cfg.MaxSuspension {
		stats.Terminated++
		return m.update(ctx, ent.ID, period, func(e *credit.Entity) (string, error) {
			return "suspended longer than " + m.cfg.MaxSuspension.String(), e.Transition(credit.StatusTerminated, now)
		})
	}

	activeSince := ent.CreatedAt
	if ent.ActivatedAt != nil {
		activeSince = *ent.ActivatedAt
	}
	res, err := m.ledger.CollectTax(ctx, ledger.TaxCommand{
		EntityID:    ent.ID,
		Period:      period,
		ActiveSince: activeSince,
		Actor:       credit.SystemActor,
	})

	switch {
	case err == nil && res.Replayed, errors.Is(err, ledger.ErrNoTaxDue):
		stats.Skipped++
		metrics.TaxOutcomes.WithLabelValues("skipped").Inc()
		return m.update(ctx, ent.ID, period, nil)

	case err == nil:
		amount := res.Events[0].Amount.Neg()
		stats.Taxed++
		stats.Collected = stats.Collected.Add(amount)
		metrics.TaxOutcomes.WithLabelValues("taxed").Inc()
		metrics.TaxCollected.Add(amount.InexactFloat64())
		return m.update(ctx, ent.ID, period, func(e *credit.Entity) (string, error) {
			e.ConsecutiveTaxFailures = 0
			return "", nil
		})

	case errors.Is(err, credit.ErrInsufficientBalance):
		metrics.TaxOutcomes.WithLabelValues("insufficient").Inc()
		return m.update(ctx, ent.ID, period, func(e *credit.Entity) (string, error) {
			e.ConsecutiveTaxFailures++
			switch {
			case e.Status == credit.StatusActive:
				stats.Suspended++
				return "existence tax not covered for " + period.ID, e.Transition(credit.StatusSuspended, now)
			case e.Status == credit.StatusSuspended && e.ConsecutiveTaxFailures >= m.cfg.MaxFailedTaxCycles:
				stats.Terminated++
				return fmt.Sprintf("%d consecutive failed tax cycles", e.ConsecutiveTaxFailures), e.Transition(credit.StatusTerminated, now)
			}
			return "", nil
		})

	case errors.Is(err, credit.ErrTerminatedEntity):
		stats.Skipped++
		return nil
	}
	return err
}

// update re-reads the entity under the manager lock, applies fn, stamps the
// processed period and saves. fn returns a cause when it changed the status.
func (m *Manager) update(ctx context.Context, id credit.EntityID, period credit.BillingPeriod, fn func(*credit.Entity) (string, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ent, err := m.entities.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load entity %s: %w", id, err)
	}
	from := ent.Status
	var cause string
	if fn != nil {
		if cause, err = fn(&ent); err != nil {
			return err
		}
	}
	ent.LastTaxPeriod = period.ID
	ent.UpdatedAt = m.now().UTC()
	if err := m.entities.Save(ctx, ent); err != nil {
		return fmt.Errorf("save entity %s: %w", id, err)
	}
	if ent.Status != from {
		m.transitioned(ctx, ent, from, cause)
	}
	return nil
}

func (m *Manager) saveRun(ctx context.Context, run credit.TaxRun) {
	if m.taxRuns == nil {
		return
	}
	if err := m.taxRuns.SaveTaxRun(context.WithoutCancel(ctx), run); err != nil {
		m.logger.Error("save tax run failed", "run", run.ID, "error", err)
	}
}

func (m *Manager) finishRun(ctx context.Context, run credit.TaxRun, stats TaxBatchStats, status credit.TaxRunStatus, cause error) {
	done := m.now().UTC()
	run.Status = status
	run.Processed = stats.Processed
	run.Taxed = stats.Taxed
	run.Suspended = stats.Suspended
	run.Terminated = stats.Terminated
	run.Skipped = stats.Skipped
	run.Collected = stats.Collected
	run.CompletedAt = &done
	if cause != nil {
		run.Error = cause.Error()
	}
	m.saveRun(ctx, run)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile brings entity records in line with the projections: records
// missing for journaled entities are created, and cached balances and
// lifetime totals are recomputed.
func (m *Manager) Reconcile(ctx context.Context, snap *projection.Snapshot) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := 0
	for _, id := range snap.History.Entities() {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		records := snap.History.Records(id, "", 0, 0)
		ent, err := m.entities.Get(ctx, id)
		switch {
		case errors.Is(err, credit.ErrNotFound):
			first := records[0]
			ent = credit.Entity{
				ID:        id,
				Type:      first.EntityType,
				Status:    credit.StatusCreated,
				CreatedAt: first.Timestamp,
			}
			if err := ent.Transition(credit.StatusActive, first.Timestamp); err != nil {
				return changed, err
			}
			if err := m.entities.Create(ctx, ent); err != nil {
				return changed, fmt.Errorf("create entity %s: %w", id, err)
			}
			m.logger.Info("entity record rebuilt from journal", "entity", id)
		case err != nil:
			return changed, fmt.Errorf("load entity %s: %w", id, err)
		}

		earned, spent := decimal.Zero, decimal.Zero
		for _, r := range records {
			if r.Amount.IsNegative() {
				spent = spent.Add(r.Amount.Abs())
			} else {
				earned = earned.Add(r.Amount)
			}
		}
		ent.Balances = make(map[credit.CreditType]decimal.Decimal, len(credit.CreditTypes))
		for _, ct := range credit.CreditTypes {
			if b := snap.Balances.Of(id, ct); !b.IsZero() {
				ent.Balances[ct] = b
			}
		}
		ent.LifetimeEarned = earned
		ent.LifetimeSpent = spent
		ent.LastAppliedSeq = records[len(records)-1].Sequence
		if err := m.entities.Save(ctx, ent); err != nil {
			return changed, fmt.Errorf("save entity %s: %w", id, err)
		}
		changed++
	}
	return changed, nil
}

// Entity returns the lifecycle record, mainly for tests and the API.
func (m *Manager) Entity(ctx context.Context, id credit.EntityID) (credit.Entity, error) {
	return m.entities.Get(ctx, id)
}
