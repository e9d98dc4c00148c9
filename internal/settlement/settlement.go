// Package settlement closes copier channels and reconciles off-chain fee
// accrual into a final on-chain settlement call.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/copychannel/internal/channel"
	"github.com/ksred/copychannel/internal/events"
	"github.com/ksred/copychannel/internal/registry"
	"github.com/ksred/copychannel/internal/risk"
	"github.com/ksred/copychannel/internal/types"
	"github.com/ksred/copychannel/pkg/response"
)

// Service coordinates channel settlement. A failed contract call leaves the
// relationship active and its accrued fee untouched, so settlement is safely
// retryable; the contract's own idempotency prevents double payout.
type Service struct {
	db       *Database
	registry *registry.Service
	channels channel.Client
	contract channel.SettlementContract
	risk     *risk.Manager
	events   events.Publisher
	locks    *channel.LockTable
}

func NewService(gormDB *gorm.DB, reg *registry.Service, channels channel.Client, contract channel.SettlementContract, riskMgr *risk.Manager, publisher events.Publisher, locks *channel.LockTable) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		registry: reg,
		channels: channels,
		contract: contract,
		risk:     riskMgr,
		events:   publisher,
		locks:    locks,
	}
}

// Settle closes a copier channel and invokes the settlement contract.
// Serialized per channel against replication and other settlement requests.
// Calling it again after confirmation returns the original settlement
// without touching the contract.
func (s *Service) Settle(ctx context.Context, channelHandle string) (*SettlementResult, error) {
	logger := log.With().
		Str("channel", channelHandle).
		Str("service", "settlement").
		Logger()

	logger.Info().Msg("starting settlement for channel")

	handle := channel.Handle(channelHandle)
	s.locks.Lock(handle)
	defer s.locks.Unlock(handle)

	// A confirmed channel never settles twice.
	if confirmed, err := s.db.ConfirmedByChannel(channelHandle); err != nil {
		return nil, err
	} else if confirmed != nil {
		logger.Info().
			Str("settlement_id", confirmed.SettlementID).
			Msg("channel already settled, returning confirmed record")
		return resultFrom(confirmed), nil
	}

	rel, err := s.registry.FindByChannel(channelHandle)
	if err != nil {
		logger.Warn().Err(err).Msg("no active relationship for channel")
		return nil, err
	}

	copier, err := s.db.GetCopierSession(rel.CopierID)
	if err != nil {
		return nil, err
	}
	if copier == nil {
		return nil, types.ErrSessionNotFound
	}

	// The session's current value mirrors the channel balance last reported
	// by the channel client, so it is the settlement-time balance.
	finalBalance := copier.CurrentValue
	feeDue := rel.AccruedFees
	netPayout := finalBalance - feeDue

	settlement := &ChannelSettlement{
		SettlementID:   "SET_" + uuid.New().String(),
		RelationshipID: rel.RelationshipID,
		ChannelHandle:  channelHandle,
		CopierID:       rel.CopierID,
		LeaderID:       rel.LeaderID,
		FinalBalance:   finalBalance,
		FeeDue:         feeDue,
		NetPayout:      netPayout,
		Status:         StatusInitiated,
		InitiatedAt:    time.Now(),
	}
	if err := s.db.CreateSettlement(settlement); err != nil {
		return nil, fmt.Errorf("create settlement record: %w", err)
	}

	logger.Info().
		Str("settlement_id", settlement.SettlementID).
		Int64("final_balance", finalBalance).
		Int64("fee_due", feeDue).
		Int64("net_payout", netPayout).
		Msg("requesting channel close")

	proof, err := s.channels.Close(ctx, handle, channel.Balances{Party: finalBalance})
	if err != nil {
		logger.Error().Err(err).Msg("channel close failed")
		s.markFailed(settlement)
		return nil, fmt.Errorf("close channel: %w", types.ErrTransientTransport)
	}

	settlement.ProofStateHash = proof.StateHash
	settlement.ProofSignatures = proof.Signatures

	confirmation, err := s.contract.Settle(ctx, channelHandle, rel.CopierID, rel.LeaderID, finalBalance, feeDue, proof)
	if err != nil {
		logger.Error().Err(err).Msg("settlement contract call failed, state preserved for retry")
		s.markFailed(settlement)
		return nil, fmt.Errorf("settlement contract: %w", types.ErrSettlementFailed)
	}

	now := time.Now()
	settlement.Status = StatusConfirmed
	settlement.TxRef = confirmation.TxRef
	settlement.ConfirmedAt = &now

	if err := s.db.ConfirmSettlement(settlement, rel); err != nil {
		logger.Error().Err(err).Msg("failed to persist confirmed settlement")
		return nil, fmt.Errorf("confirm settlement: %w", err)
	}

	s.risk.ClearSession(rel.CopierID)

	if err := s.events.Publish(ctx, events.New(events.TypeSettlementConfirmed, settlement)); err != nil {
		logger.Warn().Err(err).Msg("failed to publish settlement event")
	}

	logger.Info().
		Str("settlement_id", settlement.SettlementID).
		Str("tx_ref", settlement.TxRef).
		Msg("settlement confirmed")

	return resultFrom(settlement), nil
}

func (s *Service) markFailed(settlement *ChannelSettlement) {
	settlement.Status = StatusFailed
	if err := s.db.UpdateSettlement(settlement); err != nil {
		log.Error().
			Err(err).
			Str("settlement_id", settlement.SettlementID).
			Msg("failed to record failed settlement attempt")
	}
}

// GetSettlement retrieves a settlement by ID.
func (s *Service) GetSettlement(settlementID string) (*ChannelSettlement, error) {
	return s.db.GetSettlement(settlementID)
}

// GetDB exposes the database wrapper for the retry processor.
func (s *Service) GetDB() *Database {
	return s.db
}

func resultFrom(settlement *ChannelSettlement) *SettlementResult {
	return &SettlementResult{
		SettlementID:  settlement.SettlementID,
		ChannelHandle: settlement.ChannelHandle,
		CopierID:      settlement.CopierID,
		LeaderID:      settlement.LeaderID,
		FinalBalance:  settlement.FinalBalance,
		FeeDue:        settlement.FeeDue,
		NetPayout:     settlement.NetPayout,
		Status:        settlement.Status,
		TxRef:         settlement.TxRef,
		Timestamp:     time.Now(),
	}
}

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// SettleChannelHandler handles POST requests to settle a copier channel
// URL parameter: channel_id
func (h *GinHandlers) SettleChannelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		channelID := c.Param("channel_id")

		result, err := h.service.Settle(c.Request.Context(), channelID)
		response.Handle(c, result, err)
	}
}

// GetSettlementHandler handles GET requests for a settlement record
// URL parameter: settlement_id
func (h *GinHandlers) GetSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settlementID := c.Param("settlement_id")

		settlement, err := h.service.GetSettlement(settlementID)
		if err == nil && settlement == nil {
			response.NotFound(c, "Settlement not found")
			return
		}
		response.Handle(c, settlement, err)
	}
}
