package projection

import (
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// HISTORY - Ordered per-entity records with the balance after each event
// =============================================================================

// Record is one event as seen from its entity's history.
type Record struct {
	Sequence       uint64                 `json:"sequence_number"`
	Timestamp      time.Time              `json:"timestamp"`
	EntityID       credit.EntityID        `json:"entity_id"`
	EntityType     credit.EntityType      `json:"entity_type"`
	CreditType     credit.CreditType      `json:"credit_type"`
	Type           credit.TransactionType `json:"transaction_type"`
	MintRule       credit.MintRule        `json:"mint_rule,omitempty"`
	BillingPeriod  string                 `json:"billing_period,omitempty"`
	Amount         decimal.Decimal        `json:"amount"`
	BalanceAfter   decimal.Decimal        `json:"balance_after"`
	Counterparty   credit.EntityID        `json:"counterparty,omitempty"`
	Reason         string                 `json:"reason"`
	CorrelationID  string                 `json:"correlation_id"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

// Key returns the balance key of the record.
func (r Record) Key() credit.BalanceKey {
	return credit.BalanceKey{EntityID: r.EntityID, CreditType: r.CreditType}
}

// HistoryState is the per-entity event history. Like BalanceState it is an
// immutable value.
type HistoryState struct {
	lastSeq  uint64
	byEntity shardMap[credit.EntityID, []Record]
	running  shardMap[credit.BalanceKey, decimal.Decimal]
}

func ReplayHistory(events []credit.Event) HistoryState {
	return HistoryState{}.Apply(events...)
}

// Apply returns the history after events. Already-applied sequences are skipped.
func (h HistoryState) Apply(events ...credit.Event) HistoryState {
	out := h
	var (
		byEntity *shardEdit[credit.EntityID, []Record]
		running  *shardEdit[credit.BalanceKey, decimal.Decimal]
		clipped  map[credit.EntityID]bool
	)
	for _, e := range events {
		if e.Sequence <= out.lastSeq {
			continue
		}
		if byEntity == nil {
			byEntity = h.byEntity.edit()
			running = h.running.edit()
			clipped = make(map[credit.EntityID]bool)
		}

		k := e.Key()
		after := running.get(k).Add(e.Amount)
		running.set(k, after)

		// Never append into a backing array an older state still reads.
		recs := byEntity.get(e.EntityID)
		if !clipped[e.EntityID] {
			recs = slices.Clip(recs)
			clipped[e.EntityID] = true
		}
		byEntity.set(e.EntityID, append(recs, recordOf(e, after)))
		out.lastSeq = e.Sequence
	}
	if byEntity != nil {
		out.byEntity = byEntity.done()
		out.running = running.done()
	}
	return out
}

func recordOf(e credit.Event, after decimal.Decimal) Record {
	r := Record{
		Sequence:       e.Sequence,
		Timestamp:      e.Timestamp,
		EntityID:       e.EntityID,
		EntityType:     e.EntityType,
		CreditType:     e.CreditType,
		Type:           e.Type,
		MintRule:       e.MintRule,
		BillingPeriod:  e.BillingPeriod,
		Amount:         e.Amount,
		BalanceAfter:   after,
		Reason:         e.Reason,
		CorrelationID:  e.CorrelationID,
		IdempotencyKey: e.IdempotencyKey,
	}
	if e.Transfer != nil {
		r.Counterparty = e.Transfer.Counterparty
	}
	return r
}

func (h HistoryState) LastSeq() uint64 {
	return h.lastSeq
}

// Has reports whether any event was recorded for the entity.
func (h HistoryState) Has(entity credit.EntityID) bool {
	return len(h.byEntity.get(entity)) > 0
}

// Entities lists every entity with history, sorted.
func (h HistoryState) Entities() []credit.EntityID {
	ids := h.byEntity.keys()
	slices.Sort(ids)
	return ids
}

// Records pages through an entity's history in sequence order. An empty
// credit type selects all credit types; limit <= 0 means no limit.
func (h HistoryState) Records(entity credit.EntityID, ct credit.CreditType, limit, offset int) []Record {
	all := h.byEntity.get(entity)
	var out []Record
	skipped := 0
	for _, r := range all {
		if ct != "" && r.CreditType != ct {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Count returns how many records Records would page over.
func (h HistoryState) Count(entity credit.EntityID, ct credit.CreditType) int {
	if ct == "" {
		return len(h.byEntity.get(entity))
	}
	n := 0
	for _, r := range h.byEntity.get(entity) {
		if r.CreditType == ct {
			n++
		}
	}
	return n
}

// Find returns the entity's record for a sequence number.
func (h HistoryState) Find(entity credit.EntityID, seq uint64) (Record, bool) {
	recs := h.byEntity.get(entity)
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Sequence >= seq })
	if i < len(recs) && recs[i].Sequence == seq {
		return recs[i], true
	}
	return Record{}, false
}

// Since returns the entity's records with Sequence > after, in order.
func (h HistoryState) Since(entity credit.EntityID, after uint64) []Record {
	recs := h.byEntity.get(entity)
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Sequence > after })
	return recs[i:]
}

// Latest returns the newest record of a balance key.
func (h HistoryState) Latest(k credit.BalanceKey) (Record, bool) {
	recs := h.byEntity.get(k.EntityID)
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].CreditType == k.CreditType {
			return recs[i], true
		}
	}
	return Record{}, false
}

// EntityType returns the type carried by the entity's first event.
func (h HistoryState) EntityType(entity credit.EntityID) (credit.EntityType, bool) {
	recs := h.byEntity.get(entity)
	if len(recs) == 0 {
		return "", false
	}
	return recs[0].EntityType, true
}
