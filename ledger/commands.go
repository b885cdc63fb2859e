package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/calculator"
	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/projection"
)

// ErrNoTaxDue is returned by CollectTax when the computed tax is zero.
var ErrNoTaxDue = errors.New("no tax due for period")

// =============================================================================
// COMMANDS
// =============================================================================

// CreateCommand registers a new entity and grants its creation mint.
type CreateCommand struct {
	EntityID       credit.EntityID
	EntityType     credit.EntityType
	IdempotencyKey string
	Actor          credit.Actor
	Reason         string
	Metadata       map[string]string
}

// Command is a plain mint or burn of an explicit amount.
type Command struct {
	EntityID       credit.EntityID
	CreditType     credit.CreditType
	Amount         decimal.Decimal // always positive; the sign comes from the op
	MintRule       credit.MintRule // mint only
	Reason         string
	IdempotencyKey string
	CorrelationID  string
	Actor          credit.Actor
	Metadata       map[string]string
}

// RewardCommand mints a mission reward priced by the calculator.
type RewardCommand struct {
	EntityID       credit.EntityID
	MissionID      credit.EntityID
	CreditType     credit.CreditType
	BaseReward     decimal.Decimal
	Priority       calculator.Priority
	Reason         string
	IdempotencyKey string
	Actor          credit.Actor
}

// UsageCommand burns the cost of consumed resource units.
type UsageCommand struct {
	EntityID       credit.EntityID
	CreditType     credit.CreditType
	Units          decimal.Decimal
	Reason         string
	IdempotencyKey string
	Actor          credit.Actor
	Metadata       map[string]string
}

// TransferCommand moves credits between two entities as one atomic unit.
type TransferCommand struct {
	From           credit.EntityID
	To             credit.EntityID
	CreditType     credit.CreditType
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
	CorrelationID  string
	Actor          credit.Actor
	Metadata       map[string]string
}

// TaxCommand collects the existence tax of one entity for one period. A zero
// Amount is computed from ActiveSince and the period.
type TaxCommand struct {
	EntityID credit.EntityID
	// CreditType defaults to the configured creation credit type.
	CreditType     credit.CreditType
	Period         credit.BillingPeriod
	Amount         decimal.Decimal
	ActiveSince    time.Time
	IdempotencyKey string
	Actor          credit.Actor
}

// TaxKey is the idempotency key of an entity's tax for a period.
func TaxKey(id credit.EntityID, period credit.BillingPeriod) string {
	return fmt.Sprintf("tax:%s:%s", id, period.ID)
}

// creditLegKey derives the key of a transfer's credit leg.
func creditLegKey(key string) string {
	return key + ":credit"
}

// =============================================================================
// CREATE
// =============================================================================

// CreateEntity mints the creation grant for a new id. A second create for
// the same id with a different key is rejected.
func (s *Service) CreateEntity(ctx context.Context, cmd CreateCommand) (Result, error) {
	ct := s.calc.Rates.CreationCreditType
	grant := s.calc.CreationMint()
	p := plan{
		op:     "create_entity",
		action: credit.AuditCreateEntity,
		actor:  cmd.Actor,
		keys:   []string{cmd.IdempotencyKey},
		entity: cmd.EntityID,
		credit: ct,
		amount: grant,
	}
	p.build = func(ctx context.Context, snap *projection.Snapshot) ([]credit.Event, []credit.BalanceKey, error) {
		if err := requireActor(cmd.Actor); err != nil {
			return nil, nil, err
		}
		if err := requireKey(cmd.IdempotencyKey); err != nil {
			return nil, nil, err
		}
		if cmd.EntityID == "" {
			return nil, nil, &credit.ValidationError{Field: "entity_id", Reason: "required"}
		}
		if !cmd.EntityType.Valid() {
			return nil, nil, &credit.ValidationError{Field: "entity_type", Reason: fmt.Sprintf("unknown entity type %q", cmd.EntityType)}
		}
		if err := s.requireNew(ctx, snap, cmd.EntityID); err != nil {
			return nil, nil, err
		}
		evt := credit.Event{
			EntityID:       cmd.EntityID,
			EntityType:     cmd.EntityType,
			CreditType:     ct,
			Amount:         grant,
			Type:           credit.TxMint,
			MintRule:       credit.MintCreationGrant,
			Reason:         reasonOr(cmd.Reason, "creation grant"),
			Metadata:       cmd.Metadata,
			CorrelationID:  correlationOr(""),
			IdempotencyKey: cmd.IdempotencyKey,
		}
		return []credit.Event{evt}, []credit.BalanceKey{evt.Key()}, nil
	}
	return s.execute(ctx, p)
}

func (s *Service) requireNew(ctx context.Context, snap *projection.Snapshot, id credit.EntityID) error {
	exists := &credit.ValidationError{Field: "entity_id", Reason: fmt.Sprintf("entity %q already exists", id), Err: credit.ErrEntityExists}
	if snap.History.Has(id) {
		return exists
	}
	if s.entities == nil {
		return nil
	}
	_, err := s.entities.Get(ctx, id)
	switch {
	case err == nil:
		return exists
	case errors.Is(err, credit.ErrNotFound):
		return nil
	}
	return fmt.Errorf("load entity %s: %w", id, err)
}

// =============================================================================
// MINT
// =============================================================================

// Mint credits an entity under an explicit system rule. Only system actors
// may mint, and never the creation grant.
func (s *Service) Mint(ctx context.Context, cmd Command) (Result, error) {
	p := plan{
		op:     "mint",
		action: credit.AuditMint,
		actor:  cmd.Actor,
		keys:   []string{cmd.IdempotencyKey},
		entity: cmd.EntityID,
		credit: cmd.CreditType,
		amount: cmd.Amount,
	}
	p.build = func(ctx context.Context, snap *projection.Snapshot) ([]credit.Event, []credit.BalanceKey, error) {
		if err := requireMintAuthority(cmd.Actor, cmd.MintRule); err != nil {
			return nil, nil, err
		}
		evt, err := s.simpleEvent(ctx, snap, cmd, credit.TxMint)
		if err != nil {
			return nil, nil, err
		}
		evt.MintRule = cmd.MintRule
		return []credit.Event{evt}, nil, nil
	}
	return s.execute(ctx, p)
}

func requireMintAuthority(actor credit.Actor, rule credit.MintRule) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if !actor.IsSystem() {
		return &credit.ValidationError{Field: "actor", Reason: "only system rules may mint", Err: credit.ErrUnauthorizedMint}
	}
	if rule != credit.MintMissionReward && rule != credit.MintSystemGrant {
		return &credit.ValidationError{Field: "mint_rule", Reason: fmt.Sprintf("mint rule %q not allowed", rule), Err: credit.ErrUnauthorizedMint}
	}
	return nil
}

// RewardMission mints the calculator's reward for a completed mission.
func (s *Service) RewardMission(ctx context.Context, cmd RewardCommand) (Result, error) {
	amount, err := s.calc.MissionReward(calculator.Context{
		EntityID:   cmd.EntityID,
		CreditType: cmd.CreditType,
		BaseReward: cmd.BaseReward,
		Priority:   cmd.Priority,
	})
	if err != nil {
		s.finish(ctx, plan{op: "reward", action: credit.AuditMint, actor: cmd.Actor, entity: cmd.EntityID, credit: cmd.CreditType}, Result{}, err)
		return Result{}, err
	}
	meta := map[string]string{"priority": string(cmd.Priority)}
	if cmd.MissionID != "" {
		meta["mission_id"] = string(cmd.MissionID)
	}
	return s.Mint(ctx, Command{
		EntityID:       cmd.EntityID,
		CreditType:     cmd.CreditType,
		Amount:         amount,
		MintRule:       credit.MintMissionReward,
		Reason:         reasonOr(cmd.Reason, "mission reward"),
		IdempotencyKey: cmd.IdempotencyKey,
		Actor:          cmd.Actor,
		Metadata:       meta,
	})
}

// =============================================================================
// BURN
// =============================================================================

// Burn debits an entity. Amounts above the approval threshold requested by
// a non-system actor are parked as approval requests.
func (s *Service) Burn(ctx context.Context, cmd Command) (Result, error) {
	if s.requiresApproval(cmd.Actor, cmd.Amount) {
		return s.submit(ctx, credit.ProposedCommand{
			Op:             credit.OpBurn,
			EntityID:       cmd.EntityID,
			CreditType:     cmd.CreditType,
			Amount:         cmd.Amount,
			Reason:         cmd.Reason,
			IdempotencyKey: cmd.IdempotencyKey,
			Actor:          cmd.Actor,
			Metadata:       cmd.Metadata,
		}, s.burnPlan(cmd))
	}
	return s.execute(ctx, s.burnPlan(cmd))
}

func (s *Service) burnPlan(cmd Command) plan {
	p := plan{
		op:     "burn",
		action: credit.AuditBurn,
		actor:  cmd.Actor,
		keys:   []string{cmd.IdempotencyKey},
		entity: cmd.EntityID,
		credit: cmd.CreditType,
		amount: cmd.Amount,
	}
	p.build = func(ctx context.Context, snap *projection.Snapshot) ([]credit.Event, []credit.BalanceKey, error) {
		if err := requireActor(cmd.Actor); err != nil {
			return nil, nil, err
		}
		if cmd.MintRule != "" {
			return nil, nil, &credit.ValidationError{Field: "mint_rule", Reason: "only valid on MINT"}
		}
		evt, err := s.simpleEvent(ctx, snap, cmd, credit.TxBurn)
		if err != nil {
			return nil, nil, err
		}
		if err := requireFunds(snap, cmd.EntityID, cmd.CreditType, cmd.Amount); err != nil {
			return nil, nil, err
		}
		evt.Amount = cmd.Amount.Neg()
		return []credit.Event{evt}, []credit.BalanceKey{evt.Key()}, nil
	}
	return p
}

// ChargeUsage burns the calculator's price for consumed units.
func (s *Service) ChargeUsage(ctx context.Context, cmd UsageCommand) (Result, error) {
	cost, err := s.calc.UsageCost(calculator.Context{
		EntityID:   cmd.EntityID,
		CreditType: cmd.CreditType,
		Units:      cmd.Units,
	})
	if err == nil && !cost.IsPositive() {
		err = &credit.ValidationError{Field: "units", Reason: "usage cost must be positive"}
	}
	if err != nil {
		s.finish(ctx, plan{op: "usage", action: credit.AuditBurn, actor: cmd.Actor, entity: cmd.EntityID, credit: cmd.CreditType}, Result{}, err)
		return Result{}, err
	}
	meta := map[string]string{"units": cmd.Units.String()}
	for k, v := range cmd.Metadata {
		meta[k] = v
	}
	p := s.burnPlan(Command{
		EntityID:       cmd.EntityID,
		CreditType:     cmd.CreditType,
		Amount:         cost,
		Reason:         reasonOr(cmd.Reason, "resource usage"),
		IdempotencyKey: cmd.IdempotencyKey,
		Actor:          cmd.Actor,
		Metadata:       meta,
	})
	p.op = "usage"
	return s.execute(ctx, p)
}

// simpleEvent validates the fields shared by mint and burn.
func (s *Service) simpleEvent(ctx context.Context, snap *projection.Snapshot, cmd Command, typ credit.TransactionType) (credit.Event, error) {
	if err := requireKey(cmd.IdempotencyKey); err != nil {
		return credit.Event{}, err
	}
	if err := requireCreditType(cmd.CreditType); err != nil {
		return credit.Event{}, err
	}
	if err := requirePositive("amount", cmd.Amount); err != nil {
		return credit.Event{}, err
	}
	et, err := s.resolve(ctx, snap, cmd.EntityID)
	if err != nil {
		return credit.Event{}, err
	}
	return credit.Event{
		EntityID:       cmd.EntityID,
		EntityType:     et,
		CreditType:     cmd.CreditType,
		Amount:         cmd.Amount,
		Type:           typ,
		Reason:         cmd.Reason,
		Metadata:       cmd.Metadata,
		CorrelationID:  correlationOr(cmd.CorrelationID),
		IdempotencyKey: cmd.IdempotencyKey,
	}, nil
}

// =============================================================================
// TRANSFER
// =============================================================================

// Transfer debits From and credits To in one journal write. The debit leg
// carries the command key, the credit leg the key with a ":credit" suffix.
func (s *Service) Transfer(ctx context.Context, cmd TransferCommand) (Result, error) {
	if s.requiresApproval(cmd.Actor, cmd.Amount) {
		return s.submit(ctx, credit.ProposedCommand{
			Op:             credit.OpTransfer,
			EntityID:       cmd.From,
			TargetID:       cmd.To,
			CreditType:     cmd.CreditType,
			Amount:         cmd.Amount,
			Reason:         cmd.Reason,
			IdempotencyKey: cmd.IdempotencyKey,
			Actor:          cmd.Actor,
			Metadata:       cmd.Metadata,
		}, s.transferPlan(cmd))
	}
	return s.execute(ctx, s.transferPlan(cmd))
}

func (s *Service) transferPlan(cmd TransferCommand) plan {
	p := plan{
		op:     "transfer",
		action: credit.AuditTransfer,
		actor:  cmd.Actor,
		keys:   []string{cmd.IdempotencyKey, creditLegKey(cmd.IdempotencyKey)},
		entity: cmd.From,
		credit: cmd.CreditType,
		amount: cmd.Amount,
	}
	p.build = func(ctx context.Context, snap *projection.Snapshot) ([]credit.Event, []credit.BalanceKey, error) {
		if err := requireActor(cmd.Actor); err != nil {
			return nil, nil, err
		}
		if err := requireKey(cmd.IdempotencyKey); err != nil {
			return nil, nil, err
		}
		if err := requireCreditType(cmd.CreditType); err != nil {
			return nil, nil, err
		}
		if err := requirePositive("amount", cmd.Amount); err != nil {
			return nil, nil, err
		}
		if cmd.From == cmd.To {
			return nil, nil, &credit.ValidationError{Field: "to", Reason: "source and target must differ"}
		}
		fromType, err := s.resolve(ctx, snap, cmd.From)
		if err != nil {
			return nil, nil, err
		}
		toType, err := s.resolve(ctx, snap, cmd.To)
		if err != nil {
			return nil, nil, err
		}
		if err := requireFunds(snap, cmd.From, cmd.CreditType, cmd.Amount); err != nil {
			return nil, nil, err
		}

		corr := correlationOr(cmd.CorrelationID)
		debit := credit.Event{
			EntityID:   cmd.From,
			EntityType: fromType,
			CreditType: cmd.CreditType,
			Amount:     cmd.Amount.Neg(),
			Type:       credit.TxTransfer,
			Transfer: &credit.TransferLeg{
				CorrelationID: corr,
				Counterparty:  cmd.To,
				Leg:           1,
				Legs:          2,
			},
			Reason:         cmd.Reason,
			Metadata:       cmd.Metadata,
			CorrelationID:  corr,
			IdempotencyKey: cmd.IdempotencyKey,
		}
		credited := debit
		credited.EntityID = cmd.To
		credited.EntityType = toType
		credited.Amount = cmd.Amount
		credited.Transfer = &credit.TransferLeg{
			CorrelationID: corr,
			Counterparty:  cmd.From,
			Leg:           2,
			Legs:          2,
		}
		credited.IdempotencyKey = creditLegKey(cmd.IdempotencyKey)
		return []credit.Event{debit, credited}, []credit.BalanceKey{debit.Key()}, nil
	}
	return p
}

// =============================================================================
// TAX
// =============================================================================

// CollectTax debits the existence tax for one billing period. Collection is
// all or nothing: an uncovered tax fails with InsufficientBalanceError and
// leaves the balance untouched.
func (s *Service) CollectTax(ctx context.Context, cmd TaxCommand) (Result, error) {
	ct := cmd.CreditType
	if ct == "" {
		ct = s.calc.Rates.CreationCreditType
	}
	key := cmd.IdempotencyKey
	if key == "" {
		key = TaxKey(cmd.EntityID, cmd.Period)
		if ct != s.calc.Rates.CreationCreditType {
			key += ":" + string(ct)
		}
	}
	amount := cmd.Amount
	p := plan{
		op:     "tax",
		action: credit.AuditTax,
		actor:  cmd.Actor,
		keys:   []string{key},
		entity: cmd.EntityID,
		credit: ct,
	}
	if err := requireCreditType(ct); err != nil {
		s.finish(ctx, p, Result{}, err)
		return Result{}, err
	}
	if amount.IsZero() {
		computed, err := s.calc.ExistenceTax(calculator.Context{
			EntityID:    cmd.EntityID,
			CreditType:  ct,
			ActiveSince: cmd.ActiveSince,
			Period:      cmd.Period,
		})
		if err != nil {
			s.finish(ctx, p, Result{}, err)
			return Result{}, err
		}
		amount = computed
	}
	p.amount = amount
	if amount.IsZero() {
		s.finish(ctx, p, Result{}, ErrNoTaxDue)
		return Result{}, ErrNoTaxDue
	}

	p.build = func(ctx context.Context, snap *projection.Snapshot) ([]credit.Event, []credit.BalanceKey, error) {
		if err := requireActor(cmd.Actor); err != nil {
			return nil, nil, err
		}
		if cmd.Period.ID == "" {
			return nil, nil, &credit.ValidationError{Field: "billing_period", Reason: "required"}
		}
		if err := requirePositive("amount", amount); err != nil {
			return nil, nil, err
		}
		et, err := s.resolve(ctx, snap, cmd.EntityID)
		if err != nil {
			return nil, nil, err
		}
		if err := requireFunds(snap, cmd.EntityID, ct, amount); err != nil {
			return nil, nil, err
		}
		evt := credit.Event{
			EntityID:       cmd.EntityID,
			EntityType:     et,
			CreditType:     ct,
			Amount:         amount.Neg(),
			Type:           credit.TxTax,
			BillingPeriod:  cmd.Period.ID,
			Reason:         "existence tax " + cmd.Period.ID,
			CorrelationID:  correlationOr(""),
			IdempotencyKey: key,
		}
		return []credit.Event{evt}, []credit.BalanceKey{evt.Key()}, nil
	}
	return s.execute(ctx, p)
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
