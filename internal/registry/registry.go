// Package registry owns the canonical mapping of leader and copier
// identities to their channel sessions and subscription relationships.
package registry

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
	"github.com/ksred/copychannel/internal/risk"
	"github.com/ksred/copychannel/internal/types"
	"github.com/ksred/copychannel/pkg/response"
)

// CounterpartyID names the remote hub every private channel is opened with.
const CounterpartyID = "channel-hub"

// Service manages session lifecycle. All lookups other components depend on
// (active copiers per leader, relationship by channel) go through here or
// its Database.
type Service struct {
	db        *Database
	channels  channel.Client
	directory channel.ProfileDirectory
	risk      *risk.Manager
	events    events.Publisher
}

func NewService(gormDB *gorm.DB, channels channel.Client, directory channel.ProfileDirectory, riskMgr *risk.Manager, publisher events.Publisher) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		channels:  channels,
		directory: directory,
		risk:      riskMgr,
		events:    publisher,
	}
}

type RegisterLeaderRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
	PublicKey   string `json:"public_key"`
	Capital     int64  `json:"capital" binding:"required"`
}

type RegisterCopierRequest struct {
	CopierID       string `json:"copier_id" binding:"required"`
	LeaderID       string `json:"leader_id" binding:"required"`
	Deposit        int64  `json:"deposit" binding:"required"`
	MaxDrawdownBps int64  `json:"max_drawdown_bps" binding:"required"`
	FeeRateBps     int64  `json:"fee_rate_bps"`
}

// RegisterLeader creates a leader session and opens its channel.
// Registration is idempotent per identity: re-registering an active leader
// fails with DuplicateSession. The identity is the leader's public key; if
// the request omits it, the profile directory resolves the display name.
func (s *Service) RegisterLeader(ctx context.Context, req RegisterLeaderRequest) (*types.LeaderSession, error) {
	logger := log.With().
		Str("display_name", req.DisplayName).
		Str("service", "registry").
		Logger()

	identity := req.PublicKey
	if identity == "" {
		resolved, err := s.directory.Resolve(ctx, req.DisplayName)
		if err != nil {
			logger.Error().Err(err).Msg("failed to resolve leader identity")
			return nil, fmt.Errorf("resolve leader identity: %w", err)
		}
		identity = resolved
	}

	existing, err := s.db.GetActiveLeader(identity)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logger.Warn().Str("leader_id", identity).Msg("leader already registered")
		return nil, types.ErrDuplicateSession
	}

	handle, err := s.channels.Open(ctx, identity, CounterpartyID, channel.Balances{Party: req.Capital})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open leader channel")
		return nil, fmt.Errorf("open leader channel: %w", err)
	}

	leader := &types.LeaderSession{
		LeaderID:       identity,
		DisplayName:    req.DisplayName,
		ChannelHandle:  string(handle),
		Capital:        req.Capital,
		ChannelBalance: req.Capital,
		Active:         true,
		RegisteredAt:   time.Now(),
	}
	if err := s.db.CreateLeader(leader); err != nil {
		return nil, fmt.Errorf("create leader session: %w", err)
	}

	logger.Info().
		Str("leader_id", leader.LeaderID).
		Str("channel", leader.ChannelHandle).
		Int64("capital", leader.Capital).
		Msg("leader registered")

	return leader, nil
}

// RegisterCopier subscribes a copier to a leader: opens the copier channel,
// creates the session and the copy relationship, and starts risk tracking at
// the deposit value.
func (s *Service) RegisterCopier(ctx context.Context, req RegisterCopierRequest) (*types.CopyRelationship, error) {
	logger := log.With().
		Str("copier_id", req.CopierID).
		Str("leader_id", req.LeaderID).
		Str("service", "registry").
		Logger()

	leader, err := s.db.GetActiveLeader(req.LeaderID)
	if err != nil {
		return nil, err
	}
	if leader == nil {
		return nil, types.ErrSessionNotFound
	}

	existing, err := s.db.GetActiveCopier(req.CopierID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logger.Warn().Msg("copier already subscribed")
		return nil, types.ErrDuplicateSession
	}

	handle, err := s.channels.Open(ctx, req.CopierID, CounterpartyID, channel.Balances{Party: req.Deposit})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open copier channel")
		return nil, fmt.Errorf("open copier channel: %w", err)
	}

	now := time.Now()
	copier := &types.CopierSession{
		CopierID:       req.CopierID,
		LeaderID:       leader.LeaderID,
		Deposit:        req.Deposit,
		MaxDrawdownBps: req.MaxDrawdownBps,
		ChannelHandle:  string(handle),
		CurrentValue:   req.Deposit,
		StartValue:     req.Deposit,
		Active:         true,
		StartedAt:      now,
	}
	rel := &types.CopyRelationship{
		RelationshipID: "REL_" + uuid.New().String(),
		LeaderID:       leader.LeaderID,
		CopierID:       req.CopierID,
		LeaderChannel:  leader.ChannelHandle,
		CopierChannel:  string(handle),
		FeeRateBps:     req.FeeRateBps,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.db.CreateCopierWithRelationship(copier, rel); err != nil {
		return nil, fmt.Errorf("create copier session: %w", err)
	}

	s.risk.InitSession(req.CopierID, req.Deposit)

	if err := s.events.Publish(ctx, events.New(events.TypeCopierSubscribed, rel)); err != nil {
		logger.Warn().Err(err).Msg("failed to publish subscription event")
	}

	logger.Info().
		Str("relationship_id", rel.RelationshipID).
		Str("channel", rel.CopierChannel).
		Int64("deposit", req.Deposit).
		Int64("max_drawdown_bps", req.MaxDrawdownBps).
		Msg("copier subscribed")

	return rel, nil
}

// ActiveCopiersOf returns the active copy relationships for a leader. The
// result is a snapshot: subscriptions changing mid-iteration do not affect
// it.
func (s *Service) ActiveCopiersOf(leaderID string) ([]types.CopyRelationship, error) {
	return s.db.ActiveRelationshipsByLeader(leaderID)
}

// FindByChannel looks up the active relationship owning a copier channel.
func (s *Service) FindByChannel(channelHandle string) (*types.CopyRelationship, error) {
	rel, err := s.db.ActiveRelationshipByChannel(channelHandle)
	if err != nil {
		return nil, err
	}
	if rel == nil {
		return nil, types.ErrRelationshipNotFound
	}
	return rel, nil
}

// ActiveLeader returns the active leader session for an identity, or
// ErrNotRegistered.
func (s *Service) ActiveLeader(leaderID string) (*types.LeaderSession, error) {
	leader, err := s.db.GetActiveLeader(leaderID)
	if err != nil {
		return nil, err
	}
	if leader == nil {
		return nil, types.ErrNotRegistered
	}
	return leader, nil
}

// Deactivate removes a relationship from all active-lookup indices and
// clears the copier's risk state. Reason is carried on the emitted event so
// observers can distinguish a manual unsubscribe from a risk breach.
func (s *Service) Deactivate(ctx context.Context, rel *types.CopyRelationship, reason string) error {
	logger := log.With().
		Str("relationship_id", rel.RelationshipID).
		Str("copier_id", rel.CopierID).
		Str("reason", reason).
		Str("service", "registry").
		Logger()

	if err := s.db.DeactivateRelationship(rel); err != nil {
		logger.Error().Err(err).Msg("failed to deactivate relationship")
		return fmt.Errorf("deactivate relationship: %w", err)
	}

	s.risk.ClearSession(rel.CopierID)

	payload := map[string]interface{}{
		"relationship_id": rel.RelationshipID,
		"copier_id":       rel.CopierID,
		"leader_id":       rel.LeaderID,
		"reason":          reason,
	}
	if err := s.events.Publish(ctx, events.New(events.TypeCopierUnsubscribed, payload)); err != nil {
		logger.Warn().Err(err).Msg("failed to publish unsubscription event")
	}

	logger.Info().Msg("copier unsubscribed")
	return nil
}

// Unsubscribe deactivates the copier's relationship by copier identity.
func (s *Service) Unsubscribe(ctx context.Context, copierID, reason string) error {
	copier, err := s.db.GetActiveCopier(copierID)
	if err != nil {
		return err
	}
	if copier == nil {
		return types.ErrSessionNotFound
	}

	rel, err := s.db.ActiveRelationshipByChannel(copier.ChannelHandle)
	if err != nil {
		return err
	}
	if rel == nil {
		return types.ErrRelationshipNotFound
	}

	return s.Deactivate(ctx, rel, reason)
}

// LeaderStats assembles the leader read-model.
func (s *Service) LeaderStats(leaderID string) (*types.LeaderStats, error) {
	leader, err := s.db.GetLeader(leaderID)
	if err != nil {
		return nil, err
	}
	if leader == nil {
		return nil, types.ErrSessionNotFound
	}

	count, err := s.db.CountActiveCopiers(leaderID)
	if err != nil {
		return nil, err
	}

	return &types.LeaderStats{
		LeaderID:         leader.LeaderID,
		DisplayName:      leader.DisplayName,
		Active:           leader.Active,
		ActiveCopiers:    int(count),
		ReplicatedVolume: leader.ReplicatedVolume,
		FeesEarned:       leader.FeesEarned,
		RegisteredAt:     leader.RegisteredAt,
	}, nil
}

// CopierRiskMetrics assembles the copier risk read-model from the session
// record and the live risk book.
func (s *Service) CopierRiskMetrics(copierID string) (*types.CopierRiskMetrics, error) {
	copier, err := s.db.GetCopier(copierID)
	if err != nil {
		return nil, err
	}
	if copier == nil {
		return nil, types.ErrSessionNotFound
	}

	dailyLoss, openPositions := s.risk.Metrics(copierID)

	return &types.CopierRiskMetrics{
		CopierID:       copier.CopierID,
		LeaderID:       copier.LeaderID,
		Active:         copier.Active,
		CurrentValue:   copier.CurrentValue,
		StartValue:     copier.StartValue,
		DrawdownBps:    s.risk.DrawdownBps(copierID),
		MaxDrawdownBps: copier.MaxDrawdownBps,
		DailyLoss:      dailyLoss,
		OpenPositions:  openPositions,
	}, nil
}

// GinHandlers contains HTTP handlers for session lifecycle and read APIs
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RegisterLeaderHandler handles POST requests to register a trading leader
func (h *GinHandlers) RegisterLeaderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterLeaderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		leader, err := h.service.RegisterLeader(c.Request.Context(), req)
		response.Handle(c, leader, err)
	}
}

// SubscribeCopierHandler handles POST requests to subscribe a copier to a leader
func (h *GinHandlers) SubscribeCopierHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterCopierRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		rel, err := h.service.RegisterCopier(c.Request.Context(), req)
		response.Handle(c, rel, err)
	}
}

// UnsubscribeCopierHandler handles DELETE requests to unsubscribe a copier
// URL parameter: copier_id
func (h *GinHandlers) UnsubscribeCopierHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		copierID := c.Param("copier_id")

		if err := h.service.Unsubscribe(c.Request.Context(), copierID, "manual"); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"message": "copier unsubscribed"})
	}
}

// LeaderStatsHandler handles GET requests for leader statistics
// URL parameter: leader_id
func (h *GinHandlers) LeaderStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		leaderID := c.Param("leader_id")

		stats, err := h.service.LeaderStats(leaderID)
		response.Handle(c, stats, err)
	}
}

// CopierRiskHandler handles GET requests for copier risk metrics
// URL parameter: copier_id
func (h *GinHandlers) CopierRiskHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		copierID := c.Param("copier_id")

		metrics, err := h.service.CopierRiskMetrics(copierID)
		response.Handle(c, metrics, err)
	}
}
