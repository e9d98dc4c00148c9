package settlement

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/copychannel/internal/channel"
	"github.com/ksred/copychannel/internal/events"
	"github.com/ksred/copychannel/internal/registry"
	"github.com/ksred/copychannel/internal/risk"
	"github.com/ksred/copychannel/internal/types"
)

// stubHub is a channel.Client and ProfileDirectory with a switchable close
// failure.
type stubHub struct {
	mu        sync.Mutex
	opens     int
	failClose bool
}

func (s *stubHub) Open(ctx context.Context, partyA, partyB string, initial channel.Balances) (channel.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	return channel.Handle(fmt.Sprintf("CH_%d", s.opens)), nil
}

func (s *stubHub) Execute(ctx context.Context, session channel.Handle, leg channel.TradeLeg, newBalances channel.Balances) (channel.StateUpdate, error) {
	return channel.StateUpdate{SequenceNumber: 1, Balances: newBalances, Timestamp: time.Now()}, nil
}

func (s *stubHub) Close(ctx context.Context, session channel.Handle, finalBalances channel.Balances) (channel.Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failClose {
		return channel.Proof{}, types.ErrTransientTransport
	}
	return channel.Proof{
		ChannelID:  string(session),
		Sequence:   1,
		StateHash:  "hash-" + string(session),
		Signatures: "sig-a,sig-b",
	}, nil
}

func (s *stubHub) Resolve(ctx context.Context, name string) (string, error) {
	return "", types.ErrNotRegistered
}

// countingContract counts Settle invocations and fails on demand.
type countingContract struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (c *countingContract) Settle(ctx context.Context, channelID, copier, leader string, finalBalance, feeDue int64, proof channel.Proof) (channel.Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return channel.Confirmation{}, types.ErrSettlementFailed
	}
	c.calls++
	return channel.Confirmation{
		TxRef:       fmt.Sprintf("TX_%d", c.calls),
		ConfirmedAt: time.Now(),
	}, nil
}

type testEnv struct {
	service  *Service
	registry *registry.Service
	hub      *stubHub
	contract *countingContract
	risk     *risk.Manager
	bus      *events.Bus
	db       *gorm.DB
	rel      *types.CopyRelationship
}

func setupSettlement(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "settlement.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.LeaderSession{},
		&types.CopierSession{},
		&types.CopyRelationship{},
		&ChannelSettlement{},
	))

	hub := &stubHub{}
	contract := &countingContract{}
	riskMgr := risk.NewManager()
	bus := events.NewBus()
	locks := channel.NewLockTable()
	reg := registry.NewService(db, hub, hub, riskMgr, bus)
	svc := NewService(db, reg, hub, contract, riskMgr, bus, locks)

	ctx := context.Background()
	leader, err := reg.RegisterLeader(ctx, registry.RegisterLeaderRequest{
		DisplayName: "leader",
		PublicKey:   "aabbcc",
		Capital:     100_000,
	})
	require.NoError(t, err)

	rel, err := reg.RegisterCopier(ctx, registry.RegisterCopierRequest{
		CopierID:       "copier-1",
		LeaderID:       leader.LeaderID,
		Deposit:        10_000,
		MaxDrawdownBps: 1500,
		FeeRateBps:     200,
	})
	require.NoError(t, err)

	// Seed an accrued fee as if profitable trades had been replicated.
	require.NoError(t, db.Model(&types.CopyRelationship{}).
		Where("relationship_id = ?", rel.RelationshipID).
		Update("accrued_fees", 50).Error)

	return &testEnv{
		service:  svc,
		registry: reg,
		hub:      hub,
		contract: contract,
		risk:     riskMgr,
		bus:      bus,
		db:       db,
		rel:      rel,
	}
}

func TestSettleHappyPath(t *testing.T) {
	env := setupSettlement(t)
	eventCh := env.bus.Subscribe()

	result, err := env.service.Settle(context.Background(), env.rel.CopierChannel)
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, result.Status)
	assert.Equal(t, int64(10_000), result.FinalBalance)
	assert.Equal(t, int64(50), result.FeeDue)
	assert.Equal(t, int64(9_950), result.NetPayout)
	assert.NotEmpty(t, result.TxRef)
	assert.Equal(t, 1, env.contract.calls)

	// The relationship is deactivated and its fee zeroed in the same step.
	var rel types.CopyRelationship
	require.NoError(t, env.db.Where("relationship_id = ?", env.rel.RelationshipID).First(&rel).Error)
	assert.False(t, rel.Active)
	assert.Equal(t, int64(0), rel.AccruedFees)

	var copier types.CopierSession
	require.NoError(t, env.db.Where("copier_id = ?", "copier-1").First(&copier).Error)
	assert.False(t, copier.Active)

	event := <-eventCh
	assert.Equal(t, events.TypeSettlementConfirmed, event.Type)
}

func TestSettleUnknownChannel(t *testing.T) {
	env := setupSettlement(t)

	_, err := env.service.Settle(context.Background(), "CH_unknown")
	assert.ErrorIs(t, err, types.ErrRelationshipNotFound)
	assert.Zero(t, env.contract.calls)
}

func TestContractFailurePreservesState(t *testing.T) {
	env := setupSettlement(t)
	env.contract.fail = true
	ctx := context.Background()

	_, err := env.service.Settle(ctx, env.rel.CopierChannel)
	assert.ErrorIs(t, err, types.ErrSettlementFailed)

	// The relationship stays active with its fee untouched: settlement can
	// be retried without losing anything.
	var rel types.CopyRelationship
	require.NoError(t, env.db.Where("relationship_id = ?", env.rel.RelationshipID).First(&rel).Error)
	assert.True(t, rel.Active)
	assert.Equal(t, int64(50), rel.AccruedFees)

	// The failed attempt is on record and the channel is retryable.
	var failed ChannelSettlement
	require.NoError(t, env.db.Where("channel_handle = ?", env.rel.CopierChannel).First(&failed).Error)
	assert.Equal(t, StatusFailed, failed.Status)

	handles, err := env.service.GetDB().RetryableChannels()
	require.NoError(t, err)
	assert.Contains(t, handles, env.rel.CopierChannel)

	// The retry succeeds once the contract recovers.
	env.contract.fail = false
	result, err := env.service.Settle(ctx, env.rel.CopierChannel)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.Equal(t, int64(50), result.FeeDue)

	handles, err = env.service.GetDB().RetryableChannels()
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestChannelCloseFailure(t *testing.T) {
	env := setupSettlement(t)
	env.hub.failClose = true

	_, err := env.service.Settle(context.Background(), env.rel.CopierChannel)
	assert.ErrorIs(t, err, types.ErrTransientTransport)

	// The contract is never reached.
	assert.Zero(t, env.contract.calls)

	var rel types.CopyRelationship
	require.NoError(t, env.db.Where("relationship_id = ?", env.rel.RelationshipID).First(&rel).Error)
	assert.True(t, rel.Active)
	assert.Equal(t, int64(50), rel.AccruedFees)
}

func TestDoubleSettleIsIdempotent(t *testing.T) {
	env := setupSettlement(t)
	ctx := context.Background()

	first, err := env.service.Settle(ctx, env.rel.CopierChannel)
	require.NoError(t, err)
	require.Equal(t, 1, env.contract.calls)

	// A second request returns the confirmed record without another contract
	// call or fee deduction.
	second, err := env.service.Settle(ctx, env.rel.CopierChannel)
	require.NoError(t, err)

	assert.Equal(t, first.SettlementID, second.SettlementID)
	assert.Equal(t, first.FeeDue, second.FeeDue)
	assert.Equal(t, first.TxRef, second.TxRef)
	assert.Equal(t, 1, env.contract.calls)

	var count int64
	require.NoError(t, env.db.Model(&ChannelSettlement{}).
		Where("channel_handle = ?", env.rel.CopierChannel).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

// flakyContract fails its first invocation and succeeds afterwards.
type flakyContract struct {
	mu       sync.Mutex
	attempts int
}

func (c *flakyContract) Settle(ctx context.Context, channelID, copier, leader string, finalBalance, feeDue int64, proof channel.Proof) (channel.Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.attempts == 1 {
		return channel.Confirmation{}, types.ErrSettlementFailed
	}
	return channel.Confirmation{TxRef: "TX_RETRY", ConfirmedAt: time.Now()}, nil
}

func TestSettleRetryAfterChannelAlreadyClosed(t *testing.T) {
	// The real mock transport closes the channel on the first attempt; the
	// retry must still reach the contract and confirm.
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "settlement.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.LeaderSession{},
		&types.CopierSession{},
		&types.CopyRelationship{},
		&ChannelSettlement{},
	))

	hub := channel.NewMockHub()
	contract := &flakyContract{}
	riskMgr := risk.NewManager()
	bus := events.NewBus()
	reg := registry.NewService(db, hub, hub, riskMgr, bus)
	svc := NewService(db, reg, hub, contract, riskMgr, bus, channel.NewLockTable())

	ctx := context.Background()
	leader, err := reg.RegisterLeader(ctx, registry.RegisterLeaderRequest{
		DisplayName: "leader",
		PublicKey:   "aabbcc",
		Capital:     100_000,
	})
	require.NoError(t, err)

	rel, err := reg.RegisterCopier(ctx, registry.RegisterCopierRequest{
		CopierID:       "copier-1",
		LeaderID:       leader.LeaderID,
		Deposit:        10_000,
		MaxDrawdownBps: 1500,
		FeeRateBps:     200,
	})
	require.NoError(t, err)
	require.NoError(t, db.Model(&types.CopyRelationship{}).
		Where("relationship_id = ?", rel.RelationshipID).
		Update("accrued_fees", 50).Error)

	// First attempt closes the channel, then fails at the contract.
	_, err = svc.Settle(ctx, rel.CopierChannel)
	require.ErrorIs(t, err, types.ErrSettlementFailed)

	var stored types.CopyRelationship
	require.NoError(t, db.Where("relationship_id = ?", rel.RelationshipID).First(&stored).Error)
	require.True(t, stored.Active)
	require.Equal(t, int64(50), stored.AccruedFees)

	// The retry re-obtains the close proof and confirms on-chain.
	result, err := svc.Settle(ctx, rel.CopierChannel)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.Equal(t, int64(50), result.FeeDue)
	assert.Equal(t, "TX_RETRY", result.TxRef)
	assert.Equal(t, 2, contract.attempts)

	require.NoError(t, db.Where("relationship_id = ?", rel.RelationshipID).First(&stored).Error)
	assert.False(t, stored.Active)
	assert.Equal(t, int64(0), stored.AccruedFees)
}

func TestGetSettlement(t *testing.T) {
	env := setupSettlement(t)

	result, err := env.service.Settle(context.Background(), env.rel.CopierChannel)
	require.NoError(t, err)

	stored, err := env.service.GetSettlement(result.SettlementID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, StatusConfirmed, stored.Status)
	assert.NotNil(t, stored.ConfirmedAt)

	missing, err := env.service.GetSettlement("SET_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
