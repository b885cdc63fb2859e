/*
Package ledger is the command side of the credit engine.

PURPOSE:
  Turns commands (create, mint, burn, transfer, tax, usage, reward) into
  validated journal appends and answers balance and history queries from
  the projections.

COMMAND FLOW:
  ┌──────────────────────────────────────────────────────────────────────┐
  │                                                                      │
  │  command ──▶ replay? ──▶ validate against ──▶ approval ──▶ append    │
  │               (key        snapshot at W        gate       Snapshot=W │
  │              lookup)                                      Watch=keys │
  │                                                               │      │
  │                     ErrConcurrentModification ◀───────────────┤      │
  │                     wait for projection, retry (bounded)      │      │
  │                                                               ▼      │
  │                          record from history ◀── commit ──▶ observers│
  │                                                                      │
  └──────────────────────────────────────────────────────────────────────┘

FAIL-CLOSED:
  Validation and business errors return immediately and are never retried.
  Only concurrency and non-sealing durability failures are retried, with
  exponential backoff and a bounded number of attempts.

IDEMPOTENCY:
  Every command carries an idempotency key. A command whose key is already
  journaled returns the original TransactionRecord without appending.

SEE ALSO:
  - commands.go: Command types and their validation
  - approval.go: Approval gate for large debits
  - journal/journal.go: Append preconditions
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/calculator"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/journal"
	"github.com/warp/credit-engine/metrics"
	"github.com/warp/credit-engine/projection"
)

// Journal is the write side the service appends to.
type Journal interface {
	Append(ctx context.Context, events []credit.Event, opts journal.AppendOptions) (journal.Result, error)
	Lookup(key string) (credit.Event, bool)
	Head() uint64
}

// Projections is the read side commands are validated against.
type Projections interface {
	Snapshot() *projection.Snapshot
	WaitFor(ctx context.Context, seq uint64) error
}

// Observer is told about every fresh commit, after the projections reflect it.
type Observer interface {
	OnCommitted(ctx context.Context, rec TransactionRecord)
}

type Options struct {
	Calculator calculator.Calculator
	// ApprovalThreshold gates BURN/TRANSFER above it. Zero disables the gate.
	ApprovalThreshold decimal.Decimal
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	// WaitTimeout bounds how long a command waits for the projections.
	WaitTimeout time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Calculator.Rates.UnitCosts == nil {
		o.Calculator = calculator.New(calculator.DefaultRates())
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 5 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 200 * time.Millisecond
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// BalanceEntry is the balance of one key right after a command.
type BalanceEntry struct {
	EntityID   credit.EntityID   `json:"entity_id"`
	CreditType credit.CreditType `json:"credit_type"`
	Balance    decimal.Decimal   `json:"balance"`
}

// TransactionRecord describes a committed command. It is rebuilt from the
// journal and the history projection, so a replay yields an identical value.
type TransactionRecord struct {
	CorrelationID string                 `json:"correlation_id"`
	Type          credit.TransactionType `json:"transaction_type"`
	Events        []credit.Event         `json:"events"`
	Sequences     []uint64               `json:"sequence_numbers"`
	Balances      []BalanceEntry         `json:"balances"`
}

// Balance returns the recorded balance for a key.
func (r TransactionRecord) Balance(entity credit.EntityID, ct credit.CreditType) (decimal.Decimal, bool) {
	for _, b := range r.Balances {
		if b.EntityID == entity && b.CreditType == ct {
			return b.Balance, true
		}
	}
	return decimal.Zero, false
}

// Result is what every command returns.
type Result struct {
	TransactionRecord
	Replayed bool `json:"replayed"`
}

type Service struct {
	journal     Journal
	projections Projections
	entities    credit.EntityStore
	approvals   credit.ApprovalStore
	auditLog    credit.AuditLog
	calc        calculator.Calculator
	opts        Options
	logger      *slog.Logger

	gmu  sync.Mutex // guards gate and serializes approval decisions
	gate projection.ApprovalGate

	omu       sync.RWMutex
	observers []Observer
}

func NewService(
	j Journal,
	p Projections,
	entities credit.EntityStore,
	approvals credit.ApprovalStore,
	audit credit.AuditLog,
	opts Options,
) *Service {
	opts = opts.withDefaults()
	return &Service{
		journal:     j,
		projections: p,
		entities:    entities,
		approvals:   approvals,
		auditLog:    audit,
		calc:        opts.Calculator,
		opts:        opts,
		logger:      opts.Logger.With("component", "ledger"),
	}
}

// AddObserver registers o for fresh commits. Observers run synchronously
// on the committing goroutine.
func (s *Service) AddObserver(o Observer) {
	s.omu.Lock()
	defer s.omu.Unlock()
	s.observers = append(s.observers, o)
}

// Calculator exposes the rate table commands are priced with.
func (s *Service) Calculator() calculator.Calculator {
	return s.calc
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// =============================================================================
// EXECUTION - Replay, validate, append, retry
// =============================================================================

// plan is one command ready to run.
type plan struct {
	op     string
	action credit.AuditAction
	actor  credit.Actor
	keys   []string // idempotency keys of every event the command appends

	entity credit.EntityID
	credit credit.CreditType
	amount decimal.Decimal

	// build validates against snap and returns the events to append and the
	// balance keys the journal re-validates if they changed after snap.
	build func(ctx context.Context, snap *projection.Snapshot) ([]credit.Event, []credit.BalanceKey, error)
}

func (s *Service) execute(ctx context.Context, p plan) (Result, error) {
	if res, ok, err := s.replay(ctx, p.keys); err != nil {
		s.finish(ctx, p, Result{}, err)
		return Result{}, err
	} else if ok {
		s.finish(ctx, p, res, nil)
		return res, nil
	}

	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff

	appended, err := backoff.Retry(ctx, func() (journal.Result, error) {
		attempts++
		if attempts > 1 {
			metrics.CommandRetries.WithLabelValues(p.op).Inc()
		}
		snap := s.projections.Snapshot()
		events, watch, err := p.build(ctx, snap)
		if err != nil {
			return journal.Result{}, backoff.Permanent(err)
		}
		res, err := s.journal.Append(ctx, events, journal.AppendOptions{
			Snapshot: snap.LastSeq(),
			Watch:    watch,
		})
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, credit.ErrConcurrentModification):
			s.catchUp(ctx)
			return res, err
		case credit.IsRetryable(err):
			s.logger.Warn("append failed, retrying", "op", p.op, "attempt", attempts, "error", err)
			return res, err
		}
		return res, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.opts.MaxAttempts)))

	if err != nil {
		if errors.Is(err, credit.ErrConcurrentModification) {
			err = &credit.ConcurrencyConflictError{Attempts: attempts, Err: err}
		}
		s.finish(ctx, p, Result{}, err)
		return Result{}, err
	}

	res := Result{
		TransactionRecord: s.record(ctx, appended.Events),
		Replayed:          appended.Replayed,
	}
	if !res.Replayed {
		s.notify(ctx, res.TransactionRecord)
	}
	s.finish(ctx, p, res, nil)
	return res, nil
}

// replay returns the original record when every key is already journaled.
func (s *Service) replay(ctx context.Context, keys []string) (Result, bool, error) {
	var events []credit.Event
	for _, k := range keys {
		if evt, ok := s.journal.Lookup(k); ok {
			events = append(events, evt)
		}
	}
	switch {
	case len(events) == 0:
		return Result{}, false, nil
	case len(events) != len(keys):
		return Result{}, false, &credit.ValidationError{
			Field:  "idempotency_key",
			Reason: "key already used by a different command",
			Err:    credit.ErrIdempotencyKeyReuse,
		}
	}
	return Result{TransactionRecord: s.record(ctx, events), Replayed: true}, true, nil
}

// catchUp waits until the projections reflect the journal head.
func (s *Service) catchUp(ctx context.Context) {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.WaitTimeout)
	defer cancel()
	if err := s.projections.WaitFor(waitCtx, s.journal.Head()); err != nil {
		s.logger.Warn("projections lagging behind journal", "head", s.journal.Head(), "error", err)
	}
}

// record builds the TransactionRecord of committed events.
func (s *Service) record(ctx context.Context, events []credit.Event) TransactionRecord {
	rec := TransactionRecord{
		CorrelationID: events[0].CorrelationID,
		Type:          events[0].Type,
		Events:        events,
		Sequences:     make([]uint64, len(events)),
	}
	last := events[len(events)-1].Sequence
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.WaitTimeout)
	defer cancel()
	if err := s.projections.WaitFor(waitCtx, last); err != nil {
		s.logger.Warn("record built before projections caught up", "seq", last, "error", err)
	}

	history := s.projections.Snapshot().History
	index := make(map[credit.BalanceKey]int)
	for i, e := range events {
		rec.Sequences[i] = e.Sequence
		r, ok := history.Find(e.EntityID, e.Sequence)
		if !ok {
			continue
		}
		k := e.Key()
		if at, seen := index[k]; seen {
			rec.Balances[at].Balance = r.BalanceAfter
			continue
		}
		index[k] = len(rec.Balances)
		rec.Balances = append(rec.Balances, BalanceEntry{
			EntityID:   e.EntityID,
			CreditType: e.CreditType,
			Balance:    r.BalanceAfter,
		})
	}
	return rec
}

func (s *Service) notify(ctx context.Context, rec TransactionRecord) {
	s.omu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.omu.RUnlock()
	for _, o := range observers {
		o.OnCommitted(ctx, rec)
	}
}

// finish audits and counts the outcome of a command.
func (s *Service) finish(ctx context.Context, p plan, res Result, err error) {
	result := credit.ResultCommitted
	switch {
	case err != nil && errors.Is(err, credit.ErrApprovalRequired):
		result = credit.ResultPending
	case err != nil && credit.IsClientError(err), err != nil && credit.IsNotFound(err), errors.Is(err, ErrNoTaxDue):
		result = credit.ResultDenied
	case err != nil:
		result = credit.ResultFailed
	case res.Replayed:
		result = credit.ResultReplayed
	}
	metrics.Commands.WithLabelValues(p.op, string(result)).Inc()

	entry := credit.AuditEntry{
		ActorID:       p.actor.ID,
		ActorKind:     p.actor.Kind,
		Action:        p.action,
		EntityID:      p.entity,
		CreditType:    p.credit,
		Amount:        p.amount,
		Result:        result,
		CorrelationID: res.CorrelationID,
	}
	if err != nil {
		entry.Error = err.Error()
		s.logger.Info("command rejected", "op", p.op, "entity", p.entity, "result", result, "error", err)
	} else if len(res.Sequences) > 0 {
		entry.Payload = map[string]any{"sequences": res.Sequences}
		if len(p.keys) > 0 {
			entry.Payload["idempotency_key"] = p.keys[0]
		}
	}
	s.audit(ctx, entry)
}

// audit appends entry. A failing audit log is logged, never surfaced: the
// command outcome is already decided.
func (s *Service) audit(ctx context.Context, entry credit.AuditEntry) {
	if s.auditLog == nil {
		return
	}
	entry.ID = uuid.NewString()
	entry.Timestamp = s.now()
	if err := s.auditLog.Append(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error("audit append failed", "action", entry.Action, "entity", entry.EntityID, "error", err)
	}
}

// =============================================================================
// VALIDATION HELPERS
// =============================================================================

// resolve returns the entity type of a live entity.
func (s *Service) resolve(ctx context.Context, snap *projection.Snapshot, id credit.EntityID) (credit.EntityType, error) {
	if id == "" {
		return "", &credit.ValidationError{Field: "entity_id", Reason: "required"}
	}
	if s.entities != nil {
		ent, err := s.entities.Get(ctx, id)
		switch {
		case err == nil:
			if ent.Status == credit.StatusTerminated {
				return "", &credit.TerminatedEntityError{EntityID: id}
			}
			return ent.Type, nil
		case !errors.Is(err, credit.ErrNotFound):
			return "", fmt.Errorf("load entity %s: %w", id, err)
		}
	}
	if t, ok := snap.History.EntityType(id); ok {
		return t, nil
	}
	return "", &credit.UnknownEntityError{EntityID: id}
}

func requirePositive(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &credit.ValidationError{Field: field, Reason: "must be strictly positive"}
	}
	return nil
}

func requireKey(key string) error {
	if key == "" {
		return &credit.ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	return nil
}

func requireActor(a credit.Actor) error {
	if a.ID == "" || !a.Kind.Valid() {
		return &credit.ValidationError{Field: "actor", Reason: "actor id and kind required"}
	}
	return nil
}

func requireCreditType(ct credit.CreditType) error {
	if !ct.Valid() {
		return &credit.ValidationError{Field: "credit_type", Reason: fmt.Sprintf("unknown credit type %q", ct)}
	}
	return nil
}

// requireFunds fails closed when the snapshot balance cannot cover amount.
func requireFunds(snap *projection.Snapshot, id credit.EntityID, ct credit.CreditType, amount decimal.Decimal) error {
	available := snap.Balances.Of(id, ct)
	if available.LessThan(amount) {
		return &credit.InsufficientBalanceError{
			EntityID:   id,
			CreditType: ct,
			Available:  available,
			Requested:  amount,
		}
	}
	return nil
}

func correlationOr(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// =============================================================================
// QUERIES - Served from the latest snapshot
// =============================================================================

// Balance returns the current balance of one key.
func (s *Service) Balance(ctx context.Context, id credit.EntityID, ct credit.CreditType) (decimal.Decimal, error) {
	if err := requireCreditType(ct); err != nil {
		return decimal.Zero, err
	}
	snap := s.projections.Snapshot()
	if _, err := s.resolveAny(ctx, snap, id); err != nil {
		return decimal.Zero, err
	}
	return snap.Balances.Of(id, ct), nil
}

// Balances returns every credit type's balance for an entity from one snapshot.
func (s *Service) Balances(ctx context.Context, id credit.EntityID) (map[credit.CreditType]decimal.Decimal, uint64, error) {
	snap := s.projections.Snapshot()
	if _, err := s.resolveAny(ctx, snap, id); err != nil {
		return nil, 0, err
	}
	out := make(map[credit.CreditType]decimal.Decimal, len(credit.CreditTypes))
	for _, ct := range credit.CreditTypes {
		out[ct] = snap.Balances.Of(id, ct)
	}
	return out, snap.LastSeq(), nil
}

// History pages through an entity's records. An empty credit type selects all.
func (s *Service) History(ctx context.Context, id credit.EntityID, ct credit.CreditType, limit, offset int) ([]projection.Record, int, error) {
	if ct != "" {
		if err := requireCreditType(ct); err != nil {
			return nil, 0, err
		}
	}
	if limit < 0 || offset < 0 {
		return nil, 0, &credit.ValidationError{Field: "limit", Reason: "limit and offset must not be negative"}
	}
	snap := s.projections.Snapshot()
	if _, err := s.resolveAny(ctx, snap, id); err != nil {
		return nil, 0, err
	}
	return snap.History.Records(id, ct, limit, offset), snap.History.Count(id, ct), nil
}

// Entity returns the lifecycle record of an entity.
func (s *Service) Entity(ctx context.Context, id credit.EntityID) (credit.Entity, error) {
	ent, err := s.entities.Get(ctx, id)
	if errors.Is(err, credit.ErrNotFound) {
		return credit.Entity{}, &credit.UnknownEntityError{EntityID: id}
	}
	return ent, err
}

// resolveAny is resolve without the terminated check; queries still work
// for terminated entities.
func (s *Service) resolveAny(ctx context.Context, snap *projection.Snapshot, id credit.EntityID) (credit.EntityType, error) {
	t, err := s.resolve(ctx, snap, id)
	var terminated *credit.TerminatedEntityError
	if errors.As(err, &terminated) {
		ent, getErr := s.entities.Get(ctx, id)
		if getErr != nil {
			return "", getErr
		}
		return ent.Type, nil
	}
	return t, err
}
