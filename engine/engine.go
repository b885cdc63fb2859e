/*
Package engine wires the credit ledger together and owns its lifetime.

STARTUP (Open):
  1. Open the journal (recovers a torn tail)
  2. Rebuild projections from the journal
  3. Start the bus; projections and the publish hook subscribe to it
  4. Build the ledger service and the lifecycle manager
  5. Load the approval gate and reconcile entity records

SHUTDOWN (Close):
  Stop the schedulers, drain the bus, close the journal, close the store.

There are no package-level singletons: two engines on two journals can run
in one process.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/warp/credit-engine/bus"
	"github.com/warp/credit-engine/calculator"
	"github.com/warp/credit-engine/config"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/integrity"
	"github.com/warp/credit-engine/journal"
	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/lifecycle"
	"github.com/warp/credit-engine/metrics"
	"github.com/warp/credit-engine/projection"
	"github.com/warp/credit-engine/publish"
	"github.com/warp/credit-engine/store/sqlite"
)

// Store is everything the engine persists beside the journal.
type Store interface {
	credit.AuditLog
	credit.EntityStore
	credit.ApprovalStore
	credit.TaxRunStore
	credit.CursorStore
}

// Deps overrides what Open would otherwise build from the configuration.
type Deps struct {
	// Store defaults to SQLite at cfg.Database.Path. A provided store is not
	// closed by the engine.
	Store Store
	// Hook replaces the hook selected by cfg.Publish.Hook.
	Hook   publish.Hook
	Now    func() time.Time
	Logger *slog.Logger
}

type Engine struct {
	Journal   *journal.Journal
	Bus       *bus.Bus
	Projector *projection.Projector
	Ledger    *ledger.Service
	Lifecycle *lifecycle.Manager
	Verifier  *integrity.Verifier
	Store     Store

	cfg        config.Config
	now        func() time.Time
	logger     *slog.Logger
	dispatcher *publish.Dispatcher
	schedulers []*lifecycle.Scheduler
	closer     io.Closer

	degraded   atomic.Bool
	lastReport atomic.Pointer[integrity.Report]
	closeOnce  sync.Once
	closeErr   error
}

// Open builds a ready engine. The schedulers are not started; call Start.
func Open(ctx context.Context, cfg config.Config, deps Deps) (_ *Engine, err error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "engine")

	key, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	signer, err := journal.NewHMACSigner(key)
	if err != nil {
		return nil, err
	}
	rates, err := cfg.CalculatorRates()
	if err != nil {
		return nil, err
	}
	taxCT, err := credit.ParseCreditType(cfg.Lifecycle.TaxCreditType)
	if err != nil {
		return nil, fmt.Errorf("lifecycle.tax_credit_type: %w", err)
	}

	e := &Engine{cfg: cfg, now: deps.Now, logger: logger, Store: deps.Store}
	defer func() {
		if err != nil {
			e.Close(context.WithoutCancel(ctx))
		}
	}()

	if e.Store == nil {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		db, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		e.Store = db
		e.closer = db
	}

	// 1. Journal
	e.Journal, err = journal.Open(cfg.Journal.Path, signer, journal.Options{
		SyncTimeout: cfg.Journal.SyncTimeout.Duration,
		Now:         deps.Now,
		Logger:      deps.Logger,
	})
	if err != nil {
		return nil, err
	}
	if rec := e.Journal.Recovery(); rec.Corrupt > 0 {
		e.markDegraded(fmt.Sprintf("%d corrupt journal record(s) at startup", rec.Corrupt))
	}

	// 2. Projections
	e.Projector = projection.NewProjector(deps.Logger)
	stats, err := e.Projector.Rebuild(ctx, e.Journal)
	if err != nil {
		return nil, fmt.Errorf("rebuild projections: %w", err)
	}
	logger.Info("projections rebuilt", "events", stats.Events, "corrupt", stats.Corrupt, "last_seq", stats.LastSeq)

	// 3. Bus
	e.Bus = bus.New(e.Journal, bus.Options{
		MailboxSize:   cfg.Bus.MailboxSize,
		BackfillBatch: cfg.Bus.BackfillBatch,
		Logger:        deps.Logger,
	})
	e.Journal.SetCommitHook(e.Bus.Publish)
	if err := e.Bus.Subscribe("projections", e.Projector.LastSeq(), e.Projector.Handle); err != nil {
		return nil, err
	}
	if err := e.subscribeHook(ctx, deps); err != nil {
		return nil, err
	}

	// 4. Ledger and lifecycle
	e.Ledger = ledger.NewService(e.Journal, e.Projector, e.Store, e.Store, e.Store, ledger.Options{
		Calculator:        calculator.New(rates),
		ApprovalThreshold: cfg.Ledger.ApprovalThreshold,
		MaxAttempts:       cfg.Ledger.MaxAttempts,
		InitialBackoff:    cfg.Ledger.InitialBackoff.Duration,
		MaxBackoff:        cfg.Ledger.MaxBackoff.Duration,
		WaitTimeout:       cfg.Ledger.WaitTimeout.Duration,
		Now:               deps.Now,
		Logger:            deps.Logger,
	})
	e.Lifecycle = lifecycle.NewManager(e.Ledger, e.Projector, e.Store, e.Store, e.Store, lifecycle.Config{
		SuspensionThreshold: cfg.Lifecycle.SuspensionThreshold,
		MaxFailedTaxCycles:  cfg.Lifecycle.MaxFailedTaxCycles,
		MaxSuspension:       cfg.Lifecycle.MaxSuspension.Duration,
		TaxCreditType:       taxCT,
	}, lifecycle.Options{Now: deps.Now, Logger: deps.Logger})
	e.Ledger.AddObserver(e.Lifecycle)

	// 5. Approval gate and entity records
	if err := e.Ledger.LoadApprovals(ctx); err != nil {
		return nil, err
	}
	reconciled, err := e.Lifecycle.Reconcile(ctx, e.Projector.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("reconcile entities: %w", err)
	}

	e.Verifier = integrity.NewVerifier(e.Journal, signer, deps.Logger)
	e.schedulers = e.buildSchedulers(deps.Now)

	logger.Info("engine open",
		"journal", cfg.Journal.Path,
		"head", e.Journal.Head(),
		"entities", reconciled,
		"pending_approvals", len(e.Ledger.PendingApprovals()))
	return e, nil
}

func (e *Engine) subscribeHook(ctx context.Context, deps Deps) error {
	hook, name := deps.Hook, "custom"
	if hook == nil {
		name = e.cfg.Publish.Hook
		switch name {
		case "redis":
			client := publish.NewRedisClient(e.cfg.Publish.RedisAddr, e.cfg.Publish.RedisPass, e.cfg.Publish.RedisDB)
			hook = publish.NewRedisHook(client, e.cfg.Publish.Channel)
		case "log":
			hook = publish.NewLogHook(deps.Logger)
		default:
			return nil
		}
	}

	e.dispatcher = publish.NewDispatcher(name, hook, e.Journal, e.Store, publish.Options{
		MaxAttempts: e.cfg.Publish.MaxAttempts,
		MaxBackoff:  e.cfg.Publish.MaxBackoff.Duration,
		Logger:      deps.Logger,
	})
	after, err := e.dispatcher.Load(ctx)
	if err != nil {
		return err
	}
	return e.Bus.Subscribe("publish:"+name, after, e.dispatcher.Handle)
}

func (e *Engine) buildSchedulers(now func() time.Time) []*lifecycle.Scheduler {
	tax := lifecycle.NewScheduler(e.cfg.Scheduler.TaxInterval.Duration, e.logger,
		lifecycle.TaxJob(e.Lifecycle, e.cfg.Lifecycle.BillingPeriod.Duration, now))
	verify := lifecycle.NewScheduler(e.cfg.Scheduler.VerifyInterval.Duration, e.logger, lifecycle.Job{
		Name: "integrity",
		Run: func(ctx context.Context) error {
			_, err := e.VerifyIntegrity(ctx, 0)
			return err
		},
	})
	for _, s := range []*lifecycle.Scheduler{tax, verify} {
		s.Enabled = e.cfg.Scheduler.Enabled
	}
	return []*lifecycle.Scheduler{tax, verify}
}

// Start runs the background schedulers.
func (e *Engine) Start() {
	for _, s := range e.schedulers {
		s.Start()
	}
}

// Close stops the engine. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		var errs []error
		for _, s := range e.schedulers {
			s.Stop()
		}
		if e.Bus != nil {
			if err := e.Bus.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("drain bus: %w", err))
			}
		}
		if e.Journal != nil {
			if err := e.Journal.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close journal: %w", err))
			}
		}
		if e.closer != nil {
			if err := e.closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		e.closeErr = errors.Join(errs...)
		e.logger.Info("engine closed")
	})
	return e.closeErr
}

// =============================================================================
// INTEGRITY & HEALTH
// =============================================================================

// VerifyIntegrity walks the journal chain. Violations flip the engine to
// degraded; it keeps serving. Only a full pass clears the flag.
func (e *Engine) VerifyIntegrity(ctx context.Context, limit int) (integrity.Report, error) {
	report, err := e.Verifier.Verify(ctx, limit)
	if err != nil {
		return report, err
	}
	e.lastReport.Store(&report)
	metrics.IntegrityViolations.Set(float64(len(report.Violations)))

	result := credit.ResultCommitted
	switch {
	case !report.IntegrityOK:
		result = credit.ResultFailed
		e.markDegraded(fmt.Sprintf("%d integrity violation(s)", len(report.Violations)))
	case limit <= 0 && e.degraded.Swap(false):
		metrics.Degraded.Set(0)
		e.logger.Info("integrity restored, leaving degraded mode")
	}

	entry := credit.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		ActorID:   credit.SystemActor.ID,
		ActorKind: credit.SystemActor.Kind,
		Action:    credit.AuditIntegrity,
		Result:    result,
		Payload: map[string]any{
			"checked":    report.Checked,
			"head":       report.Head,
			"violations": len(report.Violations),
		},
	}
	if !report.IntegrityOK {
		entry.Error = report.Err().Error()
	}
	if err := e.Store.Append(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Error("audit append failed", "action", entry.Action, "error", err)
	}
	return report, nil
}

func (e *Engine) markDegraded(reason string) {
	if !e.degraded.Swap(true) {
		e.logger.Error("entering degraded mode", "reason", reason)
	}
	metrics.Degraded.Set(1)
}

// Degraded reports whether integrity problems were found.
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

// Health is the engine status served at /healthz.
type Health struct {
	Status           string            `json:"status"`
	Degraded         bool              `json:"degraded"`
	JournalHead      uint64            `json:"journal_head"`
	ProjectionSeq    uint64            `json:"projection_seq"`
	Sealed           string            `json:"sealed,omitempty"`
	PublishCursor    *uint64           `json:"publish_cursor,omitempty"`
	LastVerification *integrity.Report `json:"last_verification,omitempty"`
}

func (e *Engine) Health() Health {
	h := Health{
		Status:           "ok",
		Degraded:         e.Degraded(),
		JournalHead:      e.Journal.Head(),
		ProjectionSeq:    e.Projector.LastSeq(),
		LastVerification: e.lastReport.Load(),
	}
	if h.Degraded {
		h.Status = "degraded"
	}
	if err := e.Journal.Sealed(); err != nil {
		h.Status = "unavailable"
		h.Sealed = err.Error()
	}
	if e.dispatcher != nil {
		c := e.dispatcher.Cursor()
		h.PublishCursor = &c
	}
	return h
}

// TaxRun collects the existence tax for the period containing at.
func (e *Engine) TaxRun(ctx context.Context, at time.Time) (lifecycle.TaxBatchStats, error) {
	return e.Lifecycle.CollectExistenceTaxBatch(ctx, e.PeriodFor(at))
}

// PeriodFor returns the billing period containing at.
func (e *Engine) PeriodFor(at time.Time) credit.BillingPeriod {
	return credit.PeriodFor(at, e.cfg.Lifecycle.BillingPeriod.Duration)
}

// Now reads the engine clock.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() config.Config {
	return e.cfg
}
