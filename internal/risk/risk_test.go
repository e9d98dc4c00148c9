package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/copychannel/internal/types"
)

func TestDrawdownBps(t *testing.T) {
	m := NewManager()
	m.InitSession("copier-1", 100_000)

	assert.Equal(t, int64(0), m.DrawdownBps("copier-1"))

	// New peak at 120,000, then a drop to 96,000: 24,000 off a 120,000 peak
	// is 2,000 bps.
	m.UpdateValue("copier-1", 120_000)
	m.UpdateValue("copier-1", 96_000)
	assert.Equal(t, int64(2000), m.DrawdownBps("copier-1"))
}

func TestPeakIsMonotonic(t *testing.T) {
	m := NewManager()
	m.InitSession("copier-1", 100_000)

	m.UpdateValue("copier-1", 150_000)
	m.UpdateValue("copier-1", 120_000)
	m.UpdateValue("copier-1", 140_000)

	// Peak stays at 150,000 even after the recovery to 140,000.
	assert.Equal(t, int64((150_000-140_000)*10000/150_000), m.DrawdownBps("copier-1"))
}

func TestShouldUnsubscribeBoundary(t *testing.T) {
	m := NewManager()
	m.InitSession("copier-1", 120_000)
	m.UpdateValue("copier-1", 96_000) // 2,000 bps drawdown

	assert.True(t, m.ShouldUnsubscribe("copier-1", 1500))
	// Exactly at the limit counts as a breach.
	assert.True(t, m.ShouldUnsubscribe("copier-1", 2000))
	// One basis point above the drawdown does not.
	assert.False(t, m.ShouldUnsubscribe("copier-1", 2001))
	// Unset limit disables the check entirely.
	assert.False(t, m.ShouldUnsubscribe("copier-1", 0))
}

func TestCheckLimitsOrdering(t *testing.T) {
	m := NewManager()
	m.InitSession("copier-1", 10_000)
	m.UpdateValue("copier-1", 5_000) // 5,000 bps drawdown

	// The trade violates both the position size and the drawdown limit; the
	// position size check runs first and wins.
	result := m.CheckLimits("copier-1", ProposedTrade{
		Side:     types.SideBuy,
		AssetID:  "BTC-USD",
		Quantity: 10,
		Price:    100,
	}, Limits{MaxPositionSize: 500, MaxDrawdownBps: 1000})

	assert.False(t, result.Passed)
	assert.Equal(t, ReasonPositionSize, result.Reason)
}

func TestCheckLimitsOpenPositions(t *testing.T) {
	m := NewManager()
	m.InitSession("copier-1", 100_000)
	m.RecordTrade("copier-1", types.SideBuy, "BTC-USD", 1, 100, 100)

	limits := Limits{MaxOpenPositions: 1}

	// Opening a second asset is rejected.
	result := m.CheckLimits("copier-1", ProposedTrade{
		Side:     types.SideBuy,
		AssetID:  "ETH-USD",
		Quantity: 1,
		Price:    100,
	}, limits)
	assert.False(t, result.Passed)
	assert.Equal(t, ReasonOpenPositions, result.Reason)

	// Adding to the existing position is fine.
	result = m.CheckLimits("copier-1", ProposedTrade{
		Side:     types.SideBuy,
		AssetID:  "BTC-USD",
		Quantity: 1,
		Price:    100,
	}, limits)
	assert.True(t, result.Passed)

	// Sells never count against the open position limit.
	result = m.CheckLimits("copier-1", ProposedTrade{
		Side:     types.SideSell,
		AssetID:  "ETH-USD",
		Quantity: 1,
		Price:    100,
	}, limits)
	assert.True(t, result.Passed)
}

func TestDailyLossAccumulation(t *testing.T) {
	m := NewManager()
	day1 := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return day1 })
	m.InitSession("copier-1", 1_000_000)

	limits := Limits{MaxDailyLoss: 150}

	// Two losing round trips: -50 and -80.
	m.RecordTrade("copier-1", types.SideBuy, "BTC-USD", 1, 1000, 1000)
	realized := m.RecordTrade("copier-1", types.SideSell, "BTC-USD", 1, 950, 950)
	require.Equal(t, int64(-50), realized)

	m.RecordTrade("copier-1", types.SideBuy, "BTC-USD", 1, 1000, 1000)
	realized = m.RecordTrade("copier-1", types.SideSell, "BTC-USD", 1, 920, 920)
	require.Equal(t, int64(-80), realized)

	dailyLoss, _ := m.Metrics("copier-1")
	assert.Equal(t, int64(130), dailyLoss)

	// 130 is still under the 150 limit: trading continues.
	result := m.CheckLimits("copier-1", ProposedTrade{
		Side: types.SideBuy, AssetID: "BTC-USD", Quantity: 1, Price: 1000,
	}, limits)
	assert.True(t, result.Passed)

	// One more -20 brings the day to the limit; the next trade is rejected.
	m.RecordTrade("copier-1", types.SideBuy, "BTC-USD", 1, 1000, 1000)
	m.RecordTrade("copier-1", types.SideSell, "BTC-USD", 1, 980, 980)

	result = m.CheckLimits("copier-1", ProposedTrade{
		Side: types.SideBuy, AssetID: "BTC-USD", Quantity: 1, Price: 1000,
	}, limits)
	assert.False(t, result.Passed)
	assert.Equal(t, ReasonDailyLoss, result.Reason)

	// The counter rolls over at the UTC day boundary.
	day2 := day1.Add(24 * time.Hour)
	m.SetClock(func() time.Time { return day2 })

	dailyLoss, _ = m.Metrics("copier-1")
	assert.Equal(t, int64(0), dailyLoss)

	result = m.CheckLimits("copier-1", ProposedTrade{
		Side: types.SideBuy, AssetID: "BTC-USD", Quantity: 1, Price: 1000,
	}, limits)
	assert.True(t, result.Passed)
}

func TestRecordTradeVWAPAndRealized(t *testing.T) {
	m := NewManager()
	m.InitSession("copier-1", 1_000_000)

	// 10 @ 100 then 10 @ 200 volume-weights to an entry of 150.
	m.RecordTrade("copier-1", types.SideBuy, "BTC-USD", 10, 100, 100)
	m.RecordTrade("copier-1", types.SideBuy, "BTC-USD", 10, 200, 200)

	positions := m.Positions("copier-1")
	require.Len(t, positions, 1)
	assert.Equal(t, int64(20), positions[0].Quantity)
	assert.Equal(t, int64(150), positions[0].EntryPrice)

	// Selling 5 @ 180 realizes 5 x 30.
	realized := m.RecordTrade("copier-1", types.SideSell, "BTC-USD", 5, 180, 180)
	assert.Equal(t, int64(150), realized)

	positions = m.Positions("copier-1")
	require.Len(t, positions, 1)
	assert.Equal(t, int64(15), positions[0].Quantity)

	// Selling the rest removes the position from the book.
	m.RecordTrade("copier-1", types.SideSell, "BTC-USD", 15, 150, 150)
	assert.Empty(t, m.Positions("copier-1"))

	// A profitable close does not touch the daily loss counter.
	dailyLoss, _ := m.Metrics("copier-1")
	assert.Equal(t, int64(0), dailyLoss)
}

func TestSellWithNoPositionRealizesNothing(t *testing.T) {
	m := NewManager()
	m.InitSession("copier-1", 100_000)

	realized := m.RecordTrade("copier-1", types.SideSell, "BTC-USD", 5, 100, 100)
	assert.Equal(t, int64(0), realized)
}

func TestSellCapsAtPositionQuantity(t *testing.T) {
	m := NewManager()
	m.InitSession("copier-1", 1_000_000)

	m.RecordTrade("copier-1", types.SideBuy, "BTC-USD", 3, 100, 100)

	// Selling 10 against a 3-lot position only closes 3.
	realized := m.RecordTrade("copier-1", types.SideSell, "BTC-USD", 10, 120, 120)
	assert.Equal(t, int64(60), realized)
	assert.Empty(t, m.Positions("copier-1"))
}

func TestProjectedDrawdownUnrestrictedBelowHalfLimit(t *testing.T) {
	m := NewManager()
	m.InitSession("copier-1", 10_000)
	m.UpdateValue("copier-1", 9_600) // 400 bps, below half of the 1,000 limit

	result := m.CheckLimits("copier-1", ProposedTrade{
		Side: types.SideBuy, AssetID: "BTC-USD", Quantity: 1, Price: 100,
	}, Limits{MaxDrawdownBps: 1000})

	assert.True(t, result.Passed)
	assert.Equal(t, int64(400), result.ProjectedDrawdownBps)
}

func TestProjectedDrawdownSoftBrakesBuys(t *testing.T) {
	m := NewManager()
	m.InitSession("copier-1", 10_000)
	m.UpdateValue("copier-1", 9_200) // 800 bps, past half of the 1,000 limit

	result := m.CheckLimits("copier-1", ProposedTrade{
		Side: types.SideBuy, AssetID: "BTC-USD", Quantity: 1, Price: 100,
	}, Limits{MaxDrawdownBps: 1000})

	// Buys project to 90% of the limit, which still passes.
	assert.True(t, result.Passed)
	assert.Equal(t, int64(900), result.ProjectedDrawdownBps)
}

func TestProjectedDrawdownRejectsLossySell(t *testing.T) {
	m := NewManager()
	m.InitSession("copier-1", 10_000)
	m.RecordTrade("copier-1", types.SideBuy, "BTC-USD", 10, 100, 100)
	m.UpdateValue("copier-1", 9_200) // 800 bps

	// Selling 10 @ 70 would realize -300, projecting 800 + 300 bps over the
	// limit.
	result := m.CheckLimits("copier-1", ProposedTrade{
		Side: types.SideSell, AssetID: "BTC-USD", Quantity: 10, Price: 70,
	}, Limits{MaxDrawdownBps: 1000})
	assert.False(t, result.Passed)
	assert.Equal(t, ReasonDrawdown, result.Reason)
	assert.Equal(t, int64(1100), result.ProjectedDrawdownBps)

	// A milder loss projects within the limit and passes.
	result = m.CheckLimits("copier-1", ProposedTrade{
		Side: types.SideSell, AssetID: "BTC-USD", Quantity: 10, Price: 90,
	}, Limits{MaxDrawdownBps: 1000})
	assert.True(t, result.Passed)
	assert.Equal(t, int64(900), result.ProjectedDrawdownBps)
}

func TestClearSessionResetsPeak(t *testing.T) {
	m := NewManager()
	m.InitSession("copier-1", 100_000)
	m.UpdateValue("copier-1", 50_000)
	require.Equal(t, int64(5000), m.DrawdownBps("copier-1"))

	m.ClearSession("copier-1")
	m.InitSession("copier-1", 50_000)

	// Re-subscribing starts a fresh peak at the new deposit.
	assert.Equal(t, int64(0), m.DrawdownBps("copier-1"))
}

func TestMulNotionalOverflow(t *testing.T) {
	m := NewManager()
	m.InitSession("copier-1", 100_000)

	result := m.CheckLimits("copier-1", ProposedTrade{
		Side:     types.SideBuy,
		AssetID:  "BTC-USD",
		Quantity: maxInt64 / 2,
		Price:    4,
	}, Limits{MaxPositionSize: 1})

	assert.False(t, result.Passed)
	assert.Equal(t, ReasonPositionSize, result.Reason)
}
