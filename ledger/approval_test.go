package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/ledger"
)

func gatedEnv(t *testing.T) *env {
	t.Helper()
	e := newEnv(t, ledger.Options{ApprovalThreshold: dec(500)})
	e.create(t, "a1")
	e.create(t, "a2")
	return e
}

func TestApproval_LargeBurnIsParkedThenExecuted(t *testing.T) {
	// GIVEN: An approval threshold of 500
	// WHEN: An agent burns 600
	// THEN: Nothing is journaled until an operator approves; then the burn commits once

	ctx := context.Background()
	e := gatedEnv(t)
	head := e.j.Head()

	_, err := e.svc.Burn(ctx, burnCmd("a1", 600, "big-burn"))
	var pending *credit.ApprovalRequiredError
	require.ErrorAs(t, err, &pending)
	assert.NotEmpty(t, pending.RequestID)
	assert.True(t, dec(500).Equal(pending.Threshold))
	assert.Equal(t, head, e.j.Head())
	assert.True(t, dec(1000).Equal(e.balance(t, "a1")))

	// Resubmission returns the same request.
	_, err = e.svc.Burn(ctx, burnCmd("a1", 600, "big-burn"))
	var again *credit.ApprovalRequiredError
	require.ErrorAs(t, err, &again)
	assert.Equal(t, pending.RequestID, again.RequestID)
	require.Len(t, e.svc.PendingApprovals(), 1)

	_, err = e.svc.Approve(ctx, pending.RequestID, agent)
	assert.ErrorIs(t, err, credit.ErrValidation, "the requester cannot approve")

	res, err := e.svc.Approve(ctx, pending.RequestID, operator)
	require.NoError(t, err)
	assert.Equal(t, "approval:"+pending.RequestID, res.Events[0].IdempotencyKey)
	assert.True(t, dec(400).Equal(e.balance(t, "a1")))

	req, err := e.svc.Approval(pending.RequestID)
	require.NoError(t, err)
	assert.Equal(t, credit.ApprovalApproved, req.State)
	assert.Equal(t, operator.ID, req.DecidedBy)
	assert.Empty(t, e.svc.PendingApprovals())

	// Approving again or resubmitting replays the executed command.
	replayed, err := e.svc.Approve(ctx, pending.RequestID, operator)
	require.NoError(t, err)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, res.TransactionRecord, replayed.TransactionRecord)

	resubmitted, err := e.svc.Burn(ctx, burnCmd("a1", 600, "big-burn"))
	require.NoError(t, err)
	assert.Equal(t, res.TransactionRecord, resubmitted.TransactionRecord)
	assert.True(t, dec(400).Equal(e.balance(t, "a1")))
}

func TestApproval_SmallAndSystemDebitsBypassGate(t *testing.T) {
	ctx := context.Background()
	e := gatedEnv(t)

	_, err := e.svc.Burn(ctx, burnCmd("a1", 500, "at-threshold"))
	require.NoError(t, err)

	sys := burnCmd("a2", 900, "system-burn")
	sys.Actor = credit.SystemActor
	_, err = e.svc.Burn(ctx, sys)
	require.NoError(t, err)
	assert.Empty(t, e.svc.PendingApprovals())
}

func TestApproval_RejectClosesRequest(t *testing.T) {
	ctx := context.Background()
	e := gatedEnv(t)

	_, err := e.svc.Transfer(ctx, ledger.TransferCommand{
		From: "a1", To: "a2", CreditType: credit.CreditCompute,
		Amount: dec(800), IdempotencyKey: "big-transfer", Actor: agent,
	})
	var pending *credit.ApprovalRequiredError
	require.ErrorAs(t, err, &pending)

	req, err := e.svc.Reject(ctx, pending.RequestID, operator, "not budgeted")
	require.NoError(t, err)
	assert.Equal(t, credit.ApprovalRejected, req.State)
	assert.Equal(t, "not budgeted", req.Reason)

	_, err = e.svc.Approve(ctx, pending.RequestID, operator)
	assert.ErrorIs(t, err, credit.ErrValidation)

	_, err = e.svc.Transfer(ctx, ledger.TransferCommand{
		From: "a1", To: "a2", CreditType: credit.CreditCompute,
		Amount: dec(800), IdempotencyKey: "big-transfer", Actor: agent,
	})
	assert.ErrorIs(t, err, credit.ErrValidation)
	assert.True(t, dec(1000).Equal(e.balance(t, "a1")))

	_, err = e.svc.Reject(ctx, "missing", operator, "")
	assert.True(t, credit.IsNotFound(err))
}

func TestApproval_FailedExecutionRejectsRequest(t *testing.T) {
	// GIVEN: A parked burn of 900
	// WHEN: The balance drops below 900 before approval
	// THEN: Approval fails closed and the request is rejected

	ctx := context.Background()
	e := gatedEnv(t)

	_, err := e.svc.Burn(ctx, burnCmd("a1", 900, "big"))
	var pending *credit.ApprovalRequiredError
	require.ErrorAs(t, err, &pending)

	_, err = e.svc.Burn(ctx, burnCmd("a1", 300, "small"))
	require.NoError(t, err)

	_, err = e.svc.Approve(ctx, pending.RequestID, operator)
	assert.ErrorIs(t, err, credit.ErrInsufficientBalance)

	req, err := e.svc.Approval(pending.RequestID)
	require.NoError(t, err)
	assert.Equal(t, credit.ApprovalRejected, req.State)
	assert.True(t, dec(700).Equal(e.balance(t, "a1")))
}

func TestApproval_GateSurvivesReload(t *testing.T) {
	ctx := context.Background()
	e := gatedEnv(t)

	_, err := e.svc.Burn(ctx, burnCmd("a1", 700, "parked"))
	var pending *credit.ApprovalRequiredError
	require.ErrorAs(t, err, &pending)

	reloaded := ledger.NewService(e.j, e.proj, e.store, e.store, e.store, ledger.Options{ApprovalThreshold: dec(500)})
	require.NoError(t, reloaded.LoadApprovals(ctx))
	require.Len(t, reloaded.PendingApprovals(), 1)
	assert.Equal(t, pending.RequestID, reloaded.PendingApprovals()[0].ID)

	entries, err := e.store.Query(ctx, credit.AuditFilter{Actions: []credit.AuditAction{credit.AuditApprovalSubmit}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, credit.ResultPending, entries[0].Result)
}
