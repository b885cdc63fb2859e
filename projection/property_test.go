package projection_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/projection"
)

var propertyEntities = []credit.EntityID{"a1", "a2", "m1"}

// buildEvents turns generated integers into a contiguous event stream.
func buildEvents(amounts []int64, owners []int) []credit.Event {
	events := make([]credit.Event, 0, len(amounts))
	for i, a := range amounts {
		if a == 0 {
			a = 1
		}
		owner := 0
		if len(owners) > 0 {
			owner = owners[i%len(owners)] % len(propertyEntities)
		}
		typ := credit.TxMint
		if a < 0 {
			typ = credit.TxBurn
		}
		events = append(events, credit.Event{
			Sequence:       uint64(i + 1),
			EntityID:       propertyEntities[owner],
			EntityType:     credit.EntityAgent,
			CreditType:     credit.CreditCompute,
			Amount:         decimal.NewFromInt(a),
			Type:           typ,
			IdempotencyKey: fmt.Sprintf("k%d", i),
		})
	}
	return events
}

// applyInChunks feeds events in the given chunk sizes, re-sending `overlap`
// already-applied events at the start of every chunk.
func applyInChunks(events []credit.Event, chunks []int, overlap int) (projection.BalanceState, projection.HistoryState) {
	var (
		b   projection.BalanceState
		h   projection.HistoryState
		pos int
	)
	for i := 0; pos < len(events); i++ {
		size := 1
		if len(chunks) > 0 {
			size = chunks[i%len(chunks)]
		}
		start := max(0, pos-overlap)
		end := min(len(events), pos+size)
		b = b.Apply(events[start:end]...)
		h = h.Apply(events[start:end]...)
		pos = end
	}
	return b, h
}

func TestProjection_ReplayEqualsIncremental(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("full replay equals chunked application with redelivery", prop.ForAll(
		func(amounts []int64, owners []int, chunks []int, overlap int) bool {
			events := buildEvents(amounts, owners)

			full := projection.ReplayBalances(events)
			fullHistory := projection.ReplayHistory(events)
			inc, incHistory := applyInChunks(events, chunks, overlap)

			if !full.Equal(inc) || full.LastSeq() != inc.LastSeq() {
				return false
			}
			for _, id := range propertyEntities {
				a := fullHistory.Records(id, "", 0, 0)
				b := incHistory.Records(id, "", 0, 0)
				if len(a) != len(b) {
					return false
				}
				for i := range a {
					if a[i].Sequence != b[i].Sequence || !a[i].BalanceAfter.Equal(b[i].BalanceAfter) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(-100, 100)),
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.SliceOf(gen.IntRange(1, 7)),
		gen.IntRange(0, 4),
	))

	properties.Property("balance is the signed sum of deltas", prop.ForAll(
		func(amounts []int64, owners []int) bool {
			events := buildEvents(amounts, owners)
			state := projection.ReplayBalances(events)
			history := projection.ReplayHistory(events)

			sums := make(map[credit.BalanceKey]decimal.Decimal)
			for _, e := range events {
				sums[e.Key()] = sums[e.Key()].Add(e.Amount)
			}
			for k, want := range sums {
				if !state.Balance(k).Equal(want) {
					return false
				}
				last, ok := history.Latest(k)
				if !ok || !last.BalanceAfter.Equal(want) {
					return false
				}
			}
			return len(state.Keys()) == len(sums)
		},
		gen.SliceOf(gen.Int64Range(-100, 100)),
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
