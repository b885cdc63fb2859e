package projection

import (
	"maps"
	"slices"

	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// APPROVAL GATE - Fold of approval records into current requests
// =============================================================================

// ApprovalGate is the current state of every gated command.
type ApprovalGate struct {
	lastSeq  uint64
	requests map[string]credit.ApprovalRequest
	byKey    map[string]string // command idempotency key -> request id
}

func ReplayApprovals(records []credit.ApprovalRecord) ApprovalGate {
	return ApprovalGate{}.Apply(records...)
}

// Apply returns the gate after records. A decision only lands on a PENDING
// request; later decisions for the same request are ignored.
func (g ApprovalGate) Apply(records ...credit.ApprovalRecord) ApprovalGate {
	out := g
	var cloned bool
	for _, rec := range records {
		if rec.Sequence != 0 && rec.Sequence <= out.lastSeq {
			continue
		}
		if !cloned {
			out.requests = maps.Clone(g.requests)
			if out.requests == nil {
				out.requests = make(map[string]credit.ApprovalRequest)
			}
			out.byKey = maps.Clone(g.byKey)
			if out.byKey == nil {
				out.byKey = make(map[string]string)
			}
			cloned = true
		}
		if rec.Sequence > out.lastSeq {
			out.lastSeq = rec.Sequence
		}

		switch rec.State {
		case credit.ApprovalPending:
			if rec.Command == nil {
				continue
			}
			if _, exists := out.requests[rec.RequestID]; exists {
				continue
			}
			out.requests[rec.RequestID] = credit.ApprovalRequest{
				ID:          rec.RequestID,
				Command:     *rec.Command,
				State:       credit.ApprovalPending,
				SubmittedAt: rec.At,
				Reason:      rec.Reason,
			}
			out.byKey[rec.Command.IdempotencyKey] = rec.RequestID
		case credit.ApprovalApproved, credit.ApprovalRejected:
			req, ok := out.requests[rec.RequestID]
			if !ok || req.State != credit.ApprovalPending {
				continue
			}
			at := rec.At
			req.State = rec.State
			req.DecidedAt = &at
			req.DecidedBy = rec.Actor.ID
			if rec.Reason != "" {
				req.Reason = rec.Reason
			}
			out.requests[rec.RequestID] = req
		}
	}
	return out
}

func (g ApprovalGate) LastSeq() uint64 {
	return g.lastSeq
}

func (g ApprovalGate) Get(id string) (credit.ApprovalRequest, bool) {
	req, ok := g.requests[id]
	return req, ok
}

// ByCommandKey finds the request parked for a command idempotency key.
func (g ApprovalGate) ByCommandKey(key string) (credit.ApprovalRequest, bool) {
	id, ok := g.byKey[key]
	if !ok {
		return credit.ApprovalRequest{}, false
	}
	return g.Get(id)
}

// Pending lists undecided requests, oldest first.
func (g ApprovalGate) Pending() []credit.ApprovalRequest {
	var out []credit.ApprovalRequest
	for _, req := range g.requests {
		if req.State == credit.ApprovalPending {
			out = append(out, req)
		}
	}
	slices.SortFunc(out, func(a, b credit.ApprovalRequest) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// All lists every request regardless of state, newest first.
func (g ApprovalGate) All() []credit.ApprovalRequest {
	out := slices.Collect(maps.Values(g.requests))
	slices.SortFunc(out, func(a, b credit.ApprovalRequest) int {
		return b.SubmittedAt.Compare(a.SubmittedAt)
	})
	return out
}

