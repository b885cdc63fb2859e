package journal_test

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/journal"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func fixtureTransferLeg() credit.Event {
	return credit.Event{
		Sequence:   7,
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		EntityID:   "a1",
		EntityType: credit.EntityAgent,
		CreditType: credit.CreditCompute,
		Amount:     decimal.NewFromInt(-50),
		Type:       credit.TxTransfer,
		Transfer: &credit.TransferLeg{
			CorrelationID: "corr-1",
			Counterparty:  "a2",
			Leg:           1,
			Legs:          2,
		},
		Reason:         "pay for review",
		Metadata:       map[string]string{"mission": "m-9"},
		CorrelationID:  "corr-1",
		IdempotencyKey: "cmd-1",
		Signature:      "ignored-by-canonical-form",
	}
}

func TestCanonicalContent_Golden(t *testing.T) {
	content, err := journal.CanonicalContent(fixtureTransferLeg())
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "canonical_transfer_leg", content)
}

func TestHMACSigner_KnownAnswers(t *testing.T) {
	signer, err := journal.NewHMACSigner(testKey)
	require.NoError(t, err)

	content, err := journal.CanonicalContent(fixtureTransferLeg())
	require.NoError(t, err)

	first := signer.Sign("", content)
	assert.Equal(t, "0d2d19fb95f9de4fe53b7f1011301bf021f20ab78377b10c30a4fe0e9dbe4a8c", first)
	assert.Equal(t, "2939a0bd8b76213710f6b8f83746a1281480f503e2f9fe359f3e344deaff681c", signer.Sign("deadbeef", content))

	assert.True(t, signer.Verify("", content, first))
	assert.False(t, signer.Verify("deadbeef", content, first), "signature is bound to the predecessor")

	tampered := fixtureTransferLeg()
	tampered.Amount = decimal.NewFromInt(-500)
	tamperedContent, err := journal.CanonicalContent(tampered)
	require.NoError(t, err)
	assert.False(t, signer.Verify("", tamperedContent, first))
}

func TestNewHMACSigner_RejectsShortKey(t *testing.T) {
	_, err := journal.NewHMACSigner([]byte("short"))
	assert.Error(t, err)
}

func TestCanonicalContent_IgnoresSignature(t *testing.T) {
	a := fixtureTransferLeg()
	b := fixtureTransferLeg()
	b.Signature = "something else"

	ca, err := journal.CanonicalContent(a)
	require.NoError(t, err)
	cb, err := journal.CanonicalContent(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}
