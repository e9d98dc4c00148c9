package channel

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ksred/copychannel/internal/types"
)

// MockHub is an in-memory stand-in for the external channel transport,
// settlement contract, price oracle and profile directory. It simulates
// request latency and a configurable failure rate so the engine's
// partial-failure handling can be exercised without a live counterparty.
type MockHub struct {
	mu       sync.Mutex
	channels map[Handle]*mockChannel
	prices   map[string]int64
	names    map[string]string // display name -> identity
	settled  map[string]Confirmation

	MinLatency  time.Duration
	MaxLatency  time.Duration
	FailureRate float64 // 0-1, probability a channel call fails
}

type mockChannel struct {
	partyA   string
	partyB   string
	seq      uint64
	balances Balances
	closed   bool
	proof    Proof
}

func NewMockHub() *MockHub {
	return &MockHub{
		channels: make(map[Handle]*mockChannel),
		prices:   make(map[string]int64),
		names:    make(map[string]string),
		settled:  make(map[string]Confirmation),
	}
}

// SetPrice seeds the oracle with a quote for an asset.
func (h *MockHub) SetPrice(assetID string, price int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prices[assetID] = price
}

// RegisterName seeds the directory with a display-name mapping.
func (h *MockHub) RegisterName(name, identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.names[name] = identity
}

func (h *MockHub) simulateCall() error {
	if h.MaxLatency > h.MinLatency {
		latency := h.MinLatency + time.Duration(rand.Int63n(int64(h.MaxLatency-h.MinLatency)))
		time.Sleep(latency)
	}
	if h.FailureRate > 0 && rand.Float64() < h.FailureRate {
		return types.ErrTransientTransport
	}
	return nil
}

func (h *MockHub) Open(ctx context.Context, partyA, partyB string, initial Balances) (Handle, error) {
	if err := h.simulateCall(); err != nil {
		return "", err
	}

	handle := Handle("CHN_" + uuid.New().String())
	h.mu.Lock()
	h.channels[handle] = &mockChannel{
		partyA:   partyA,
		partyB:   partyB,
		balances: initial,
	}
	h.mu.Unlock()

	log.Debug().
		Str("channel", string(handle)).
		Str("party_a", partyA).
		Int64("party_balance", initial.Party).
		Msg("mock channel opened")

	return handle, nil
}

func (h *MockHub) Execute(ctx context.Context, session Handle, leg TradeLeg, newBalances Balances) (StateUpdate, error) {
	if err := h.simulateCall(); err != nil {
		return StateUpdate{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[session]
	if !ok || ch.closed {
		return StateUpdate{}, fmt.Errorf("channel %s not open: %w", session, types.ErrSessionNotFound)
	}

	ch.seq++
	ch.balances = newBalances

	return StateUpdate{
		SequenceNumber: ch.seq,
		Balances:       ch.balances,
		Timestamp:      time.Now(),
	}, nil
}

func (h *MockHub) Close(ctx context.Context, session Handle, finalBalances Balances) (Proof, error) {
	if err := h.simulateCall(); err != nil {
		return Proof{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[session]
	if !ok {
		return Proof{}, fmt.Errorf("channel %s not open: %w", session, types.ErrSessionNotFound)
	}

	// Re-closing returns the original final-state proof, mirroring Settle's
	// idempotency: a settlement attempt that closed the channel but failed at
	// the contract must be able to retry.
	if ch.closed {
		return ch.proof, nil
	}

	ch.seq++
	ch.balances = finalBalances
	ch.closed = true
	ch.proof = Proof{
		ChannelID:  string(session),
		Sequence:   ch.seq,
		StateHash:  fmt.Sprintf("mockstate-%s-%d", session, ch.seq),
		Signatures: fmt.Sprintf("mocksig-%s-%s", ch.partyA, ch.partyB),
	}

	return ch.proof, nil
}

// Settle simulates the public-ledger contract. Re-settling the same channel
// returns the original confirmation, mirroring the contract-side idempotency
// the real deployment relies on.
func (h *MockHub) Settle(ctx context.Context, channelID, copier, leader string, finalBalance, feeDue int64, proof Proof) (Confirmation, error) {
	if err := h.simulateCall(); err != nil {
		return Confirmation{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if conf, ok := h.settled[channelID]; ok {
		return conf, nil
	}

	conf := Confirmation{
		TxRef:       "TX_" + uuid.New().String(),
		ConfirmedAt: time.Now(),
	}
	h.settled[channelID] = conf

	log.Info().
		Str("channel", channelID).
		Str("copier", copier).
		Int64("final_balance", finalBalance).
		Int64("fee_due", feeDue).
		Str("tx_ref", conf.TxRef).
		Msg("mock settlement confirmed")

	return conf, nil
}

func (h *MockHub) CurrentPrice(ctx context.Context, assetID string) (int64, error) {
	if err := h.simulateCall(); err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	price, ok := h.prices[assetID]
	if !ok {
		return 0, fmt.Errorf("no quote for asset %s", assetID)
	}
	return price, nil
}

func (h *MockHub) Resolve(ctx context.Context, name string) (string, error) {
	if err := h.simulateCall(); err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	identity, ok := h.names[name]
	if !ok {
		return "", fmt.Errorf("name %s not found in directory", name)
	}
	return identity, nil
}
