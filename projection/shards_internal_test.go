package projection

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credit"
)

func mintEvent(seq uint64, entity credit.EntityID, amount int64) credit.Event {
	return credit.Event{
		Sequence:   seq,
		EntityID:   entity,
		EntityType: credit.EntityAgent,
		CreditType: credit.CreditCompute,
		Amount:     decimal.NewFromInt(amount),
		Type:       credit.TxMint,
	}
}

func TestApply_CopiesOnlyTouchedShards(t *testing.T) {
	// GIVEN: Balances and history for 1000 entities
	// WHEN: One more event is applied
	// THEN: Exactly one shard of each map is copied and the rest are shared

	var events []credit.Event
	for i := 1; i <= 1000; i++ {
		events = append(events, mintEvent(uint64(i), credit.EntityID(fmt.Sprintf("a%d", i)), 10))
	}
	balances := ReplayBalances(events)
	history := ReplayHistory(events)

	next := mintEvent(1001, "a7", 5)
	nextBalances := balances.Apply(next)
	nextHistory := history.Apply(next)

	touched := shardOf(next.Key())
	for i := 0; i < shardCount; i++ {
		same := fmt.Sprintf("%p", balances.totals.shards[i]) == fmt.Sprintf("%p", nextBalances.totals.shards[i])
		assert.Equal(t, i != touched, same, "balance shard %d", i)
	}
	entityShard := shardOf(next.EntityID)
	for i := 0; i < shardCount; i++ {
		same := fmt.Sprintf("%p", history.byEntity.shards[i]) == fmt.Sprintf("%p", nextHistory.byEntity.shards[i])
		assert.Equal(t, i != entityShard, same, "history shard %d", i)
	}

	assert.True(t, decimal.NewFromInt(10).Equal(balances.Of("a7", credit.CreditCompute)))
	assert.True(t, decimal.NewFromInt(15).Equal(nextBalances.Of("a7", credit.CreditCompute)))
	assert.Len(t, history.Records("a7", "", 0, 0), 1)
	recs := nextHistory.Records("a7", "", 0, 0)
	require.Len(t, recs, 2)
	assert.True(t, decimal.NewFromInt(15).Equal(recs[1].BalanceAfter))
	assert.Len(t, nextBalances.Keys(), 1000)
	assert.Len(t, nextHistory.Entities(), 1000)
}
