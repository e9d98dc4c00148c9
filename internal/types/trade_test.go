package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSignedIntent(t *testing.T) (TradeIntent, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	intent := TradeIntent{
		TradeID:       "trade-1",
		LeaderID:      hex.EncodeToString(pub),
		Side:          SideBuy,
		AssetID:       "BTC-USD",
		Quantity:      10,
		Price:         100,
		Timestamp:     1700000000000,
		ChannelHandle: "CH_1",
	}
	SignTradeIntent(&intent, priv)
	return intent, priv
}

func TestVerifySignature(t *testing.T) {
	intent, _ := newSignedIntent(t)
	assert.NoError(t, intent.VerifySignature())
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	fields := map[string]func(*TradeIntent){
		"quantity": func(i *TradeIntent) { i.Quantity = 99 },
		"price":    func(i *TradeIntent) { i.Price = 1 },
		"side":     func(i *TradeIntent) { i.Side = SideSell },
		"asset":    func(i *TradeIntent) { i.AssetID = "ETH-USD" },
		"channel":  func(i *TradeIntent) { i.ChannelHandle = "CH_2" },
	}

	for name, mutate := range fields {
		t.Run(name, func(t *testing.T) {
			intent, _ := newSignedIntent(t)
			mutate(&intent)
			assert.ErrorIs(t, intent.VerifySignature(), ErrInvalidSignature)
		})
	}
}

func TestVerifySignatureRejectsWrongSigner(t *testing.T) {
	intent, _ := newSignedIntent(t)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	SignTradeIntent(&intent, otherPriv)

	assert.ErrorIs(t, intent.VerifySignature(), ErrInvalidSignature)
}

func TestVerifySignatureRejectsMalformedFields(t *testing.T) {
	intent, _ := newSignedIntent(t)
	intent.LeaderID = "not-hex"
	assert.ErrorIs(t, intent.VerifySignature(), ErrInvalidSignature)

	intent, _ = newSignedIntent(t)
	intent.Signature = "abcd"
	assert.ErrorIs(t, intent.VerifySignature(), ErrInvalidSignature)
}

func TestNotional(t *testing.T) {
	intent := TradeIntent{Quantity: 10, Price: 150}
	assert.Equal(t, int64(1500), intent.Notional())
}
