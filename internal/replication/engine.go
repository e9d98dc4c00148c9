// Package replication fans a leader's trade out to every subscribed copier
// at a size proportional to their deposit.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/copychannel/internal/channel"
	"github.com/ksred/copychannel/internal/dedupe"
	"github.com/ksred/copychannel/internal/events"
	"github.com/ksred/copychannel/internal/registry"
	"github.com/ksred/copychannel/internal/risk"
	"github.com/ksred/copychannel/internal/types"
	"github.com/ksred/copychannel/pkg/response"
)

// Engine orchestrates trade replication: verify, execute the leader leg,
// fan out proportional copier legs, enforce risk limits, record results.
type Engine struct {
	db       *Database
	registry *registry.Service
	risk     *risk.Manager
	channels channel.Client
	oracle   channel.PriceOracle
	events   events.Publisher
	locks    *channel.LockTable
	limits   risk.Limits
}

// NewEngine wires the replication engine. The limits argument carries the
// engine-wide defaults; each copier's max drawdown comes from its session.
func NewEngine(gormDB *gorm.DB, reg *registry.Service, riskMgr *risk.Manager, channels channel.Client, oracle channel.PriceOracle, publisher events.Publisher, locks *channel.LockTable, limits risk.Limits) *Engine {
	return &Engine{
		db:       NewDatabase(gormDB),
		registry: reg,
		risk:     riskMgr,
		channels: channels,
		oracle:   oracle,
		events:   publisher,
		locks:    locks,
		limits:   limits,
	}
}

const maxInt64 = int64(^uint64(0) >> 1)

// ProportionalQuantity sizes a copier leg: floor(leaderQty x deposit /
// leaderCapital). Truncation only, never rounding up, so a copier trade can
// never exceed its deposit ratio. Inputs whose product would overflow size
// to zero rather than wrapping.
func ProportionalQuantity(leaderQty, copierDeposit, leaderCapital int64) int64 {
	if leaderQty <= 0 || copierDeposit <= 0 || leaderCapital <= 0 {
		return 0
	}
	if leaderQty > maxInt64/copierDeposit {
		return 0
	}
	return leaderQty * copierDeposit / leaderCapital
}

// ProcessLeaderTrade verifies and executes a signed leader trade, then
// replicates it to every active copier. Signature and identity failures
// abort the whole call before any side effect; per-copier failures are
// captured in the summary and never abort sibling legs.
func (e *Engine) ProcessLeaderTrade(ctx context.Context, intent types.TradeIntent) (*ReplicationSummary, error) {
	logger := log.With().
		Str("trade_id", intent.TradeID).
		Str("leader_id", intent.LeaderID).
		Str("service", "replication").
		Logger()

	logger.Info().
		Str("side", string(intent.Side)).
		Str("asset_id", intent.AssetID).
		Int64("quantity", intent.Quantity).
		Int64("price", intent.Price).
		Msg("processing leader trade")

	if err := intent.VerifySignature(); err != nil {
		logger.Warn().Msg("trade signature verification failed")
		return nil, err
	}

	leader, err := e.registry.ActiveLeader(intent.LeaderID)
	if err != nil {
		logger.Warn().Err(err).Msg("trade signer is not an active leader")
		return nil, err
	}

	markPrice, err := e.oracle.CurrentPrice(ctx, intent.AssetID)
	if err != nil {
		logger.Debug().Err(err).Msg("price oracle unavailable, using trade price as mark")
		markPrice = intent.Price
	}

	leaderSeq, err := e.executeLeaderLeg(ctx, intent, leader)
	if err != nil {
		logger.Error().Err(err).Msg("leader trade execution failed")
		return nil, err
	}

	copiers, err := e.registry.ActiveCopiersOf(leader.LeaderID)
	if err != nil {
		return nil, fmt.Errorf("load active copiers: %w", err)
	}

	logger.Info().
		Uint64("leader_sequence", leaderSeq).
		Int("copier_count", len(copiers)).
		Msg("leader trade executed, fanning out to copiers")

	summary := &ReplicationSummary{
		TradeID:        intent.TradeID,
		LeaderID:       leader.LeaderID,
		LeaderSequence: leaderSeq,
		Results:        make([]ReplicationResult, 0, len(copiers)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := range copiers {
		rel := copiers[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := e.replicateLeg(ctx, intent, &rel, leader, markPrice)

			mu.Lock()
			summary.Results = append(summary.Results, result)
			if result.Success {
				summary.Succeeded++
			} else {
				summary.Failed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if err := e.events.Publish(ctx, events.New(events.TypeTradeReplicated, summary)); err != nil {
		logger.Warn().Err(err).Msg("failed to publish trade-replicated event")
	}

	logger.Info().
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Msg("trade replication completed")

	return summary, nil
}

// executeLeaderLeg runs the trade inside the leader's own channel and
// persists the execution. Serialized per channel against settlement.
func (e *Engine) executeLeaderLeg(ctx context.Context, intent types.TradeIntent, leader *types.LeaderSession) (uint64, error) {
	handle := channel.Handle(leader.ChannelHandle)
	e.locks.Lock(handle)
	defer e.locks.Unlock(handle)

	newBalance := applySide(leader.ChannelBalance, intent.Side, intent.Notional())

	update, err := e.channels.Execute(ctx, handle, channel.TradeLeg{
		TradeID:  intent.TradeID,
		Side:     intent.Side,
		AssetID:  intent.AssetID,
		Quantity: intent.Quantity,
		Price:    intent.Price,
	}, channel.Balances{Party: newBalance})
	if err != nil {
		return 0, fmt.Errorf("execute leader trade: %w", err)
	}

	leader.ChannelBalance = update.Balances.Party

	executed := &ExecutedTrade{
		ExecutionID:    "EXE_" + uuid.New().String(),
		TradeID:        intent.TradeID,
		ExecutorID:     leader.LeaderID,
		Role:           RoleLeader,
		Side:           intent.Side,
		AssetID:        intent.AssetID,
		Quantity:       intent.Quantity,
		Price:          intent.Price,
		SequenceNumber: update.SequenceNumber,
		ExecutedAt:     update.Timestamp,
	}
	if err := e.db.SaveLeaderLeg(executed, leader); err != nil {
		return 0, fmt.Errorf("save leader execution: %w", err)
	}

	return update.SequenceNumber, nil
}

// replicateLeg runs one copier's proportional trade. Every failure path
// returns a failed result instead of an error so sibling legs are never
// affected.
func (e *Engine) replicateLeg(ctx context.Context, intent types.TradeIntent, rel *types.CopyRelationship, leader *types.LeaderSession, markPrice int64) ReplicationResult {
	logger := log.With().
		Str("trade_id", intent.TradeID).
		Str("copier_id", rel.CopierID).
		Str("service", "replication").
		Logger()

	result := ReplicationResult{
		ResultID:  "RES_" + uuid.New().String(),
		TradeID:   intent.TradeID,
		CopierID:  rel.CopierID,
		Price:     intent.Price,
		CreatedAt: time.Now(),
	}

	copier, err := e.db.GetCopierSession(rel.CopierID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load copier session")
		return e.failLeg(result, ReasonTransport)
	}

	qty := ProportionalQuantity(intent.Quantity, copier.Deposit, leader.Capital)
	if qty == 0 {
		logger.Debug().
			Int64("deposit", copier.Deposit).
			Int64("leader_capital", leader.Capital).
			Msg("proportional quantity truncates to zero, skipping leg")
		return e.failLeg(result, ReasonZeroQuantity)
	}
	result.Quantity = qty

	limits := e.limits
	limits.MaxDrawdownBps = copier.MaxDrawdownBps

	check := e.risk.CheckLimits(rel.CopierID, risk.ProposedTrade{
		Side:     intent.Side,
		AssetID:  intent.AssetID,
		Quantity: qty,
		Price:    intent.Price,
	}, limits)
	if !check.Passed {
		logger.Info().
			Str("reason", string(check.Reason)).
			Int64("current_drawdown_bps", check.CurrentDrawdownBps).
			Int64("projected_drawdown_bps", check.ProjectedDrawdownBps).
			Msg("copier leg rejected by risk check")
		return e.failLeg(result, string(check.Reason))
	}

	handle := channel.Handle(copier.ChannelHandle)
	e.locks.Lock(handle)
	defer e.locks.Unlock(handle)

	notional := qty * intent.Price
	newValue := applySide(copier.CurrentValue, intent.Side, notional)

	update, err := e.channels.Execute(ctx, handle, channel.TradeLeg{
		TradeID:  intent.TradeID,
		Side:     intent.Side,
		AssetID:  intent.AssetID,
		Quantity: qty,
		Price:    intent.Price,
	}, channel.Balances{Party: newValue})
	if err != nil {
		logger.Warn().Err(err).Msg("copier channel execution failed")
		return e.failLeg(result, ReasonTransport)
	}

	e.risk.UpdateValue(rel.CopierID, update.Balances.Party)
	realized := e.risk.RecordTrade(rel.CopierID, intent.Side, intent.AssetID, qty, intent.Price, markPrice)

	var fee int64
	if realized > 0 && rel.FeeRateBps > 0 {
		fee = realized * rel.FeeRateBps / 10000
	}

	result.Success = true
	result.RealizedPnL = realized
	result.FeeAccrued = fee
	result.SequenceNumber = update.SequenceNumber

	executed := &ExecutedTrade{
		ExecutionID:    "EXE_" + uuid.New().String(),
		TradeID:        intent.TradeID,
		ExecutorID:     rel.CopierID,
		Role:           RoleCopier,
		Side:           intent.Side,
		AssetID:        intent.AssetID,
		Quantity:       qty,
		Price:          intent.Price,
		SequenceNumber: update.SequenceNumber,
		ExecutedAt:     update.Timestamp,
	}
	if err := e.db.SaveCopierLeg(executed, &result, update.Balances.Party, rel, notional, fee); err != nil {
		logger.Error().Err(err).Msg("failed to persist copier leg")
	}

	logger.Info().
		Int64("quantity", qty).
		Int64("realized_pnl", realized).
		Int64("fee_accrued", fee).
		Uint64("sequence", update.SequenceNumber).
		Msg("copier leg replicated")

	if e.risk.ShouldUnsubscribe(rel.CopierID, copier.MaxDrawdownBps) {
		drawdown := e.risk.DrawdownBps(rel.CopierID)
		logger.Warn().
			Int64("drawdown_bps", drawdown).
			Int64("max_drawdown_bps", copier.MaxDrawdownBps).
			Msg("copier breached max drawdown, unsubscribing")

		payload := map[string]interface{}{
			"copier_id":        rel.CopierID,
			"leader_id":        rel.LeaderID,
			"drawdown_bps":     drawdown,
			"max_drawdown_bps": copier.MaxDrawdownBps,
		}
		if err := e.events.Publish(ctx, events.New(events.TypeRiskBreach, payload)); err != nil {
			logger.Warn().Err(err).Msg("failed to publish risk-breach event")
		}
		if err := e.registry.Deactivate(ctx, rel, "risk_breach"); err != nil {
			logger.Error().Err(err).Msg("failed to deactivate breaching copier")
		}
	}

	return result
}

// failLeg records a failed result so operators can distinguish a risk pause
// from a transport problem.
func (e *Engine) failLeg(result ReplicationResult, reason string) ReplicationResult {
	result.Success = false
	result.Reason = reason
	if err := e.db.CreateReplicationResult(&result); err != nil {
		log.Error().
			Err(err).
			Str("trade_id", result.TradeID).
			Str("copier_id", result.CopierID).
			Msg("failed to persist replication result")
	}
	return result
}

func applySide(balance int64, side types.Side, notional int64) int64 {
	if side == types.SideBuy {
		return balance - notional
	}
	return balance + notional
}

// GinHandlers contains HTTP handlers for trade submission
type GinHandlers struct {
	engine *Engine
	ledger dedupe.Ledger
}

func NewGinHandlers(engine *Engine, ledger dedupe.Ledger) *GinHandlers {
	return &GinHandlers{
		engine: engine,
		ledger: ledger,
	}
}

// SubmitTradeHandler handles POST requests carrying a signed leader trade.
// The dedupe ledger rejects a trade identifier that was already processed.
func (h *GinHandlers) SubmitTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var intent types.TradeIntent
		if err := c.ShouldBindJSON(&intent); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if intent.TradeID == "" {
			response.BadRequest(c, "trade_id is required")
			return
		}

		first, err := h.ledger.MarkProcessed(c.Request.Context(), intent.TradeID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if !first {
			response.Conflict(c, "trade already processed")
			return
		}

		summary, err := h.engine.ProcessLeaderTrade(c.Request.Context(), intent)
		if err != nil && (errors.Is(err, types.ErrInvalidSignature) || errors.Is(err, types.ErrNotRegistered)) {
			// Nothing executed: free the ID so a corrected submission is not
			// rejected as a duplicate for the rest of the TTL.
			if relErr := h.ledger.Release(c.Request.Context(), intent.TradeID); relErr != nil {
				log.Warn().
					Err(relErr).
					Str("trade_id", intent.TradeID).
					Msg("failed to release rejected trade id")
			}
		}
		response.Handle(c, summary, err)
	}
}
