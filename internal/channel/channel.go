package channel

import (
	"context"
	"time"

	"github.com/ksred/copychannel/internal/types"
)

// Balances is the two-sided balance sheet of a payment channel. Party is the
// leader or copier side; Counterparty is the remote hub the channel is open
// with. The engine's invariant: a copier session's current value always
// equals the Party balance last reported by the channel client.
type Balances struct {
	Party        int64 `json:"party"`
	Counterparty int64 `json:"counterparty"`
}

// Handle identifies one open channel session at the transport layer.
type Handle string

// TradeLeg is one execution inside a single channel.
type TradeLeg struct {
	TradeID  string     `json:"trade_id"`
	Side     types.Side `json:"side"`
	AssetID  string     `json:"asset_id"`
	Quantity int64      `json:"quantity"`
	Price    int64      `json:"price"`
}

// StateUpdate is the channel state returned after a successful execution.
type StateUpdate struct {
	SequenceNumber uint64    `json:"sequence_number"`
	Balances       Balances  `json:"balances"`
	Timestamp      time.Time `json:"timestamp"`
}

// Proof is the final-state material produced when a channel closes. Its
// contents are opaque to the engine; it is carried through to the
// settlement contract unmodified.
type Proof struct {
	ChannelID  string `json:"channel_id"`
	Sequence   uint64 `json:"sequence"`
	StateHash  string `json:"state_hash"`
	Signatures string `json:"signatures"`
}

// Confirmation is the settlement contract's acknowledgement of a payout.
type Confirmation struct {
	TxRef       string    `json:"tx_ref"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Client is the abstract channel transport consumed by the core. Every call
// is a blocking request/response with a bounded timeout carried on the
// context; a timeout is a transient failure, not data.
type Client interface {
	Open(ctx context.Context, partyA, partyB string, initial Balances) (Handle, error)
	Execute(ctx context.Context, session Handle, leg TradeLeg, newBalances Balances) (StateUpdate, error)
	Close(ctx context.Context, session Handle, finalBalances Balances) (Proof, error)
}

// SettlementContract is the public-ledger contract the coordinator invokes.
// Its verification logic and idempotency guarantees live on-chain.
type SettlementContract interface {
	Settle(ctx context.Context, channelID, copier, leader string, finalBalance, feeDue int64, proof Proof) (Confirmation, error)
}

// PriceOracle quotes the current price for an asset.
type PriceOracle interface {
	CurrentPrice(ctx context.Context, assetID string) (int64, error)
}

// ProfileDirectory resolves a display name to an identity. Consulted at
// leader registration only, never on the trading hot path.
type ProfileDirectory interface {
	Resolve(ctx context.Context, name string) (string, error)
}
