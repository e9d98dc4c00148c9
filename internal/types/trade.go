package types

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TradeIntent is a leader's signed instruction to trade inside their channel.
// It is immutable once created; the signature covers SigningPayload.
type TradeIntent struct {
	TradeID       string `json:"trade_id"`
	LeaderID      string `json:"leader_id"` // hex-encoded ed25519 public key
	Side          Side   `json:"side"`
	AssetID       string `json:"asset_id"`
	Quantity      int64  `json:"quantity"`
	Price         int64  `json:"price"`
	Timestamp     int64  `json:"timestamp"` // unix milliseconds
	ChannelHandle string `json:"channel_handle"`
	Signature     string `json:"signature"` // hex-encoded ed25519 signature
}

// SigningPayload returns the canonical byte encoding covered by the
// signature. Field order is fixed; changing it breaks every stored signature.
func (t *TradeIntent) SigningPayload() []byte {
	return []byte(strings.Join([]string{
		t.TradeID,
		t.LeaderID,
		string(t.Side),
		t.AssetID,
		fmt.Sprintf("%d", t.Quantity),
		fmt.Sprintf("%d", t.Price),
		fmt.Sprintf("%d", t.Timestamp),
		t.ChannelHandle,
	}, "|"))
}

// VerifySignature checks the intent's signature against the leader identity
// embedded in the intent itself.
func (t *TradeIntent) VerifySignature() error {
	pub, err := hex.DecodeString(t.LeaderID)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrInvalidSignature
	}
	sig, err := hex.DecodeString(t.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), t.SigningPayload(), sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Notional returns the quantity x price cost of the intent.
func (t *TradeIntent) Notional() int64 {
	return t.Quantity * t.Price
}

// SignTradeIntent fills in the signature using the given private key.
// Used by clients and tests; the engine only ever verifies.
func SignTradeIntent(t *TradeIntent, priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, t.SigningPayload())
	t.Signature = hex.EncodeToString(sig)
}
