// Package risk owns the per-copier position book, peak-value tracking and
// drawdown/daily-loss accounting. It detects breaches; acting on them
// (deactivating the session) is the caller's job, since the risk manager has
// no registry mutation rights.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/copychannel/internal/types"
)

type BreachReason string

const (
	ReasonNone          BreachReason = ""
	ReasonPositionSize  BreachReason = "position_size"
	ReasonOpenPositions BreachReason = "open_positions"
	ReasonDailyLoss     BreachReason = "daily_loss"
	ReasonDrawdown      BreachReason = "drawdown"
)

// LimitError reports which risk check a proposed trade failed.
type LimitError struct {
	Reason BreachReason
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("risk limit breached: %s", e.Reason)
}

// Limits are the per-trade checks applied before replication. MaxDrawdownBps
// comes from the copier's session config; the rest are engine-wide defaults.
// A zero value disables the corresponding check.
type Limits struct {
	MaxPositionSize  int64
	MaxOpenPositions int
	MaxDailyLoss     int64
	MaxDrawdownBps   int64
}

// ProposedTrade is the sized copier leg presented for a risk check.
type ProposedTrade struct {
	Side     types.Side
	AssetID  string
	Quantity int64
	Price    int64
}

// CheckResult is the outcome of CheckLimits.
type CheckResult struct {
	Passed               bool
	Reason               BreachReason
	CurrentDrawdownBps   int64
	ProjectedDrawdownBps int64
}

// Position is one open (session, asset) exposure. Removed from the book when
// quantity reaches zero.
type Position struct {
	AssetID       string `json:"asset_id"`
	Quantity      int64  `json:"quantity"`
	EntryPrice    int64  `json:"entry_price"` // volume-weighted average
	LastPrice     int64  `json:"last_price"`
	UnrealizedPnL int64  `json:"unrealized_pnl"`
}

// sessionState is the mutable book for one copier session. peakValue is
// monotonically non-decreasing and only reset when the session is cleared.
type sessionState struct {
	mu           sync.Mutex
	currentValue int64
	peakValue    int64
	positions    map[string]*Position
	dailyLoss    int64
	lossDay      string
}

// Manager holds the risk state for every tracked session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	now      func() time.Time
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*sessionState),
		now:      time.Now,
	}
}

// SetClock overrides the manager's time source. Used by tests to control
// calendar-day rollover of the loss counter.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// InitSession starts tracking a session at its opening value.
func (m *Manager) InitSession(sessionID string, startValue int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &sessionState{
		currentValue: startValue,
		peakValue:    startValue,
		positions:    make(map[string]*Position),
	}
}

// ClearSession drops all state for a session, including its peak tracker.
func (m *Manager) ClearSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) state(sessionID string) *sessionState {
	m.mu.RLock()
	st, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.sessions[sessionID]; ok {
		return st
	}
	st = &sessionState{positions: make(map[string]*Position)}
	m.sessions[sessionID] = st
	return st
}

// UpdateValue records the session's latest channel balance. A value above
// the stored peak raises the peak, which resets drawdown to zero.
func (m *Manager) UpdateValue(sessionID string, value int64) {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.currentValue = value
	if value > st.peakValue {
		st.peakValue = value
	}
}

// DrawdownBps returns (peak - current) / peak in basis points.
func (m *Manager) DrawdownBps(sessionID string) int64 {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return drawdownBps(st.peakValue, st.currentValue)
}

func drawdownBps(peak, current int64) int64 {
	if peak <= 0 || current >= peak {
		return 0
	}
	return (peak - current) * 10000 / peak
}

// ShouldUnsubscribe reports whether the session's drawdown has reached the
// configured maximum. Exactly at the limit counts as a breach; one basis
// point below does not.
func (m *Manager) ShouldUnsubscribe(sessionID string, maxDrawdownBps int64) bool {
	if maxDrawdownBps <= 0 {
		return false
	}
	return m.DrawdownBps(sessionID) >= maxDrawdownBps
}

// CheckLimits runs the ordered risk checks for a proposed trade,
// short-circuiting on the first failure:
//  1. notional cost vs MaxPositionSize
//  2. a new long position vs MaxOpenPositions
//  3. already-realized daily loss vs MaxDailyLoss
//  4. projected drawdown vs the session's MaxDrawdownBps
func (m *Manager) CheckLimits(sessionID string, trade ProposedTrade, limits Limits) CheckResult {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	current := drawdownBps(st.peakValue, st.currentValue)
	result := CheckResult{
		Passed:               true,
		CurrentDrawdownBps:   current,
		ProjectedDrawdownBps: current,
	}

	notional, overflow := mulNotional(trade.Quantity, trade.Price)
	if overflow || (limits.MaxPositionSize > 0 && notional > limits.MaxPositionSize) {
		result.Passed = false
		result.Reason = ReasonPositionSize
		return result
	}

	if trade.Side == types.SideBuy && limits.MaxOpenPositions > 0 {
		if _, open := st.positions[trade.AssetID]; !open && len(st.positions) >= limits.MaxOpenPositions {
			result.Passed = false
			result.Reason = ReasonOpenPositions
			return result
		}
	}

	if limits.MaxDailyLoss > 0 && m.lossForToday(st) >= limits.MaxDailyLoss {
		result.Passed = false
		result.Reason = ReasonDailyLoss
		return result
	}

	if limits.MaxDrawdownBps > 0 {
		projected := m.projectDrawdown(st, trade, current, limits.MaxDrawdownBps)
		result.ProjectedDrawdownBps = projected
		if projected > limits.MaxDrawdownBps {
			result.Passed = false
			result.Reason = ReasonDrawdown
			return result
		}
	}

	return result
}

// projectDrawdown estimates post-trade drawdown. Below half the limit,
// trading is unrestricted. Above it, buys are soft-braked to 90% of the
// limit, and sells at a loss add the estimated realized-loss fraction to the
// current drawdown. Caller holds st.mu.
func (m *Manager) projectDrawdown(st *sessionState, trade ProposedTrade, current, limit int64) int64 {
	if current < limit/2 {
		return current
	}

	if trade.Side == types.SideBuy {
		return limit * 9 / 10
	}

	pos, ok := st.positions[trade.AssetID]
	if !ok || st.peakValue <= 0 {
		return current
	}
	closed := trade.Quantity
	if closed > pos.Quantity {
		closed = pos.Quantity
	}
	estimated := closed * (trade.Price - pos.EntryPrice)
	if estimated >= 0 {
		return current
	}
	return current + (-estimated)*10000/st.peakValue
}

// RecordTrade updates the position book for an executed trade and returns
// the realized profit or loss. Buys open or volume-weight into a position;
// sells reduce or close one. Only realized losses accumulate into the
// calendar day's loss counter.
func (m *Manager) RecordTrade(sessionID string, side types.Side, assetID string, quantity, execPrice, markPrice int64) int64 {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	switch side {
	case types.SideBuy:
		pos, ok := st.positions[assetID]
		if !ok {
			pos = &Position{AssetID: assetID}
			st.positions[assetID] = pos
		}
		newQty := pos.Quantity + quantity
		if newQty > 0 {
			pos.EntryPrice = (pos.EntryPrice*pos.Quantity + execPrice*quantity) / newQty
		}
		pos.Quantity = newQty
		pos.LastPrice = markPrice
		pos.UnrealizedPnL = (markPrice - pos.EntryPrice) * pos.Quantity
		return 0

	case types.SideSell:
		pos, ok := st.positions[assetID]
		if !ok {
			log.Debug().
				Str("session_id", sessionID).
				Str("asset_id", assetID).
				Msg("sell with no open position, nothing realized")
			return 0
		}

		closed := quantity
		if closed > pos.Quantity {
			closed = pos.Quantity
		}
		realized := closed * (execPrice - pos.EntryPrice)

		pos.Quantity -= closed
		if pos.Quantity == 0 {
			delete(st.positions, assetID)
		} else {
			pos.LastPrice = markPrice
			pos.UnrealizedPnL = (markPrice - pos.EntryPrice) * pos.Quantity
		}

		if realized < 0 {
			m.addDailyLoss(st, -realized)
		}
		return realized
	}

	return 0
}

// lossForToday returns the realized loss accumulated during the current
// calendar day, rolling the counter when the day changes. Caller holds st.mu.
func (m *Manager) lossForToday(st *sessionState) int64 {
	today := m.now().UTC().Format("2006-01-02")
	if st.lossDay != today {
		st.lossDay = today
		st.dailyLoss = 0
	}
	return st.dailyLoss
}

func (m *Manager) addDailyLoss(st *sessionState, loss int64) {
	m.lossForToday(st)
	st.dailyLoss += loss
}

// Metrics exposes the read-model values for the risk endpoint.
func (m *Manager) Metrics(sessionID string) (dailyLoss int64, openPositions int) {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.lossForToday(st), len(st.positions)
}

// Positions returns a snapshot of the session's open positions.
func (m *Manager) Positions(sessionID string) []Position {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]Position, 0, len(st.positions))
	for _, pos := range st.positions {
		out = append(out, *pos)
	}
	return out
}

const maxInt64 = int64(^uint64(0) >> 1)

// mulNotional multiplies quantity by price, reporting overflow instead of
// wrapping.
func mulNotional(quantity, price int64) (int64, bool) {
	if quantity <= 0 || price <= 0 {
		return 0, false
	}
	if quantity > maxInt64/price {
		return 0, true
	}
	return quantity * price, false
}
