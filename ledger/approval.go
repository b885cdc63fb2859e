package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/metrics"
	"github.com/warp/credit-engine/projection"
)

// =============================================================================
// APPROVAL GATE - Large debits wait for a human decision
// =============================================================================

// requiresApproval reports whether a debit by actor must be parked.
func (s *Service) requiresApproval(actor credit.Actor, amount decimal.Decimal) bool {
	if !s.opts.ApprovalThreshold.IsPositive() || actor.IsSystem() {
		return false
	}
	return amount.GreaterThan(s.opts.ApprovalThreshold)
}

// approvalKey is the idempotency key an approved command executes under.
func approvalKey(requestID string) string {
	return "approval:" + requestID
}

// LoadApprovals rebuilds the gate from the approval store.
func (s *Service) LoadApprovals(ctx context.Context) error {
	records, err := s.approvals.ApprovalRecords(ctx)
	if err != nil {
		return fmt.Errorf("load approval records: %w", err)
	}
	s.gmu.Lock()
	s.gate = projection.ReplayApprovals(records)
	s.gmu.Unlock()
	s.logger.Info("approval gate loaded", "records", len(records), "pending", len(s.PendingApprovals()))
	return nil
}

// submit parks cmd as a PENDING request after validating it the same way an
// execution would. Resubmitting the same key returns the same request.
func (s *Service) submit(ctx context.Context, cmd credit.ProposedCommand, p plan) (Result, error) {
	s.gmu.Lock()
	defer s.gmu.Unlock()

	if existing, ok := s.gate.ByCommandKey(cmd.IdempotencyKey); ok && cmd.IdempotencyKey != "" {
		return s.resubmitted(ctx, existing, p)
	}

	if _, _, err := p.build(ctx, s.projections.Snapshot()); err != nil {
		s.finish(ctx, p, Result{}, err)
		return Result{}, err
	}

	rec, err := s.approvals.AppendApproval(ctx, credit.ApprovalRecord{
		RequestID: uuid.NewString(),
		State:     credit.ApprovalPending,
		Command:   &cmd,
		Actor:     cmd.Actor,
		Reason:    cmd.Reason,
		At:        s.now(),
	})
	if err != nil {
		err = fmt.Errorf("store approval request: %w", err)
		s.finish(ctx, p, Result{}, err)
		return Result{}, err
	}
	s.gate = s.gate.Apply(rec)

	pending := &credit.ApprovalRequiredError{
		RequestID: rec.RequestID,
		Threshold: s.opts.ApprovalThreshold,
		Amount:    cmd.Amount,
	}
	p.action = credit.AuditApprovalSubmit
	s.finish(ctx, p, Result{}, pending)
	s.logger.Info("command parked for approval", "request", rec.RequestID, "op", cmd.Op, "entity", cmd.EntityID, "amount", cmd.Amount)
	return Result{}, pending
}

func (s *Service) resubmitted(ctx context.Context, req credit.ApprovalRequest, p plan) (Result, error) {
	switch req.State {
	case credit.ApprovalApproved:
		res, ok, err := s.replay(ctx, s.approvedKeys(req))
		if err != nil {
			return Result{}, err
		}
		if ok {
			return res, nil
		}
		return Result{}, fmt.Errorf("approved request %s has no journaled execution: %w", req.ID, credit.ErrNotFound)
	case credit.ApprovalRejected:
		return Result{}, &credit.ValidationError{Field: "approval", Reason: fmt.Sprintf("request %s was rejected: %s", req.ID, req.Reason)}
	}
	return Result{}, &credit.ApprovalRequiredError{
		RequestID: req.ID,
		Threshold: s.opts.ApprovalThreshold,
		Amount:    req.Command.Amount,
	}
}

func (s *Service) approvedKeys(req credit.ApprovalRequest) []string {
	key := approvalKey(req.ID)
	if req.Command.Op == credit.OpTransfer {
		return []string{key, creditLegKey(key)}
	}
	return []string{key}
}

// Approve executes a pending request under the key approval:<id>. A business
// failure rejects the request; a retryable failure leaves it pending.
func (s *Service) Approve(ctx context.Context, id string, decider credit.Actor) (Result, error) {
	s.gmu.Lock()
	defer s.gmu.Unlock()

	req, err := s.decidable(id, decider)
	if err != nil {
		return Result{}, err
	}
	if req.State == credit.ApprovalApproved {
		return s.resubmitted(ctx, req, plan{})
	}

	res, execErr := s.execute(ctx, s.planFor(req))
	if execErr != nil {
		if credit.IsClientError(execErr) || credit.IsNotFound(execErr) {
			if _, err := s.decide(ctx, req, credit.ApprovalRejected, decider, "execution failed: "+execErr.Error()); err != nil {
				return Result{}, errors.Join(execErr, err)
			}
		}
		return Result{}, execErr
	}
	if _, err := s.decide(ctx, req, credit.ApprovalApproved, decider, ""); err != nil {
		return res, err
	}
	return res, nil
}

// Reject closes a pending request without executing it.
func (s *Service) Reject(ctx context.Context, id string, decider credit.Actor, reason string) (credit.ApprovalRequest, error) {
	s.gmu.Lock()
	defer s.gmu.Unlock()

	req, err := s.decidable(id, decider)
	if err != nil {
		return credit.ApprovalRequest{}, err
	}
	if req.State != credit.ApprovalPending {
		return credit.ApprovalRequest{}, &credit.ValidationError{Field: "state", Reason: fmt.Sprintf("request %s is already %s", id, req.State)}
	}
	return s.decide(ctx, req, credit.ApprovalRejected, decider, reason)
}

// decidable loads a request and checks the decider may act on it.
func (s *Service) decidable(id string, decider credit.Actor) (credit.ApprovalRequest, error) {
	req, ok := s.gate.Get(id)
	if !ok {
		return credit.ApprovalRequest{}, fmt.Errorf("approval request %s: %w", id, credit.ErrNotFound)
	}
	if err := requireActor(decider); err != nil {
		return credit.ApprovalRequest{}, err
	}
	if decider.Kind == credit.ActorAgent {
		return credit.ApprovalRequest{}, &credit.ValidationError{Field: "decider", Reason: "agents cannot decide approval requests"}
	}
	if decider.ID == req.Command.Actor.ID {
		return credit.ApprovalRequest{}, &credit.ValidationError{Field: "decider", Reason: "requester cannot decide their own request"}
	}
	if req.State == credit.ApprovalRejected {
		return credit.ApprovalRequest{}, &credit.ValidationError{Field: "state", Reason: fmt.Sprintf("request %s was rejected", id)}
	}
	return req, nil
}

func (s *Service) decide(ctx context.Context, req credit.ApprovalRequest, state credit.ApprovalState, decider credit.Actor, reason string) (credit.ApprovalRequest, error) {
	rec, err := s.approvals.AppendApproval(ctx, credit.ApprovalRecord{
		RequestID: req.ID,
		State:     state,
		Actor:     decider,
		Reason:    reason,
		At:        s.now(),
	})
	if err != nil {
		return credit.ApprovalRequest{}, fmt.Errorf("store approval decision: %w", err)
	}
	s.gate = s.gate.Apply(rec)

	action := credit.AuditApprovalApprove
	result := credit.ResultCommitted
	if state == credit.ApprovalRejected {
		action = credit.AuditApprovalReject
		result = credit.ResultDenied
	}
	metrics.Commands.WithLabelValues(string(action), string(result)).Inc()
	s.audit(ctx, credit.AuditEntry{
		ActorID:    decider.ID,
		ActorKind:  decider.Kind,
		Action:     action,
		EntityID:   req.Command.EntityID,
		CreditType: req.Command.CreditType,
		Amount:     req.Command.Amount,
		Result:     result,
		Error:      reason,
		Payload:    map[string]any{"request_id": req.ID, "requested_by": req.Command.Actor.ID},
	})

	decided, _ := s.gate.Get(req.ID)
	return decided, nil
}

// planFor turns a stored command back into an executable plan.
func (s *Service) planFor(req credit.ApprovalRequest) plan {
	cmd := req.Command
	key := approvalKey(req.ID)
	if cmd.Op == credit.OpTransfer {
		return s.transferPlan(TransferCommand{
			From:           cmd.EntityID,
			To:             cmd.TargetID,
			CreditType:     cmd.CreditType,
			Amount:         cmd.Amount,
			Reason:         cmd.Reason,
			IdempotencyKey: key,
			Actor:          cmd.Actor,
			Metadata:       cmd.Metadata,
		})
	}
	return s.burnPlan(Command{
		EntityID:       cmd.EntityID,
		CreditType:     cmd.CreditType,
		Amount:         cmd.Amount,
		Reason:         cmd.Reason,
		IdempotencyKey: key,
		Actor:          cmd.Actor,
		Metadata:       cmd.Metadata,
	})
}

// PendingApprovals lists undecided requests, oldest first.
func (s *Service) PendingApprovals() []credit.ApprovalRequest {
	s.gmu.Lock()
	defer s.gmu.Unlock()
	return s.gate.Pending()
}

// Approval returns one request in any state.
func (s *Service) Approval(id string) (credit.ApprovalRequest, error) {
	s.gmu.Lock()
	defer s.gmu.Unlock()
	req, ok := s.gate.Get(id)
	if !ok {
		return credit.ApprovalRequest{}, fmt.Errorf("approval request %s: %w", id, credit.ErrNotFound)
	}
	return req, nil
}

// Approvals lists every request, newest first.
func (s *Service) Approvals() []credit.ApprovalRequest {
	s.gmu.Lock()
	defer s.gmu.Unlock()
	return s.gate.All()
}
