package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/copychannel/internal/types"
)

// Processor retries failed settlement attempts in the background. Retrying
// is safe: the coordinator re-reads all state per attempt and the contract
// is idempotent per channel.
type Processor struct {
	service      *Service
	processDelay time.Duration
}

func NewProcessor(service *Service) *Processor {
	return &Processor{
		service:      service,
		processDelay: 5 * time.Minute,
	}
}

// Start begins the settlement retry loop.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().Msg("starting settlement retry processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement retry processor")
			return
		case <-ticker.C:
			if err := p.retryFailedSettlements(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process settlement retries")
			}
		}
	}
}

func (p *Processor) retryFailedSettlements(ctx context.Context) error {
	logger := log.With().Str("component", "settlement_processor").Logger()

	handles, err := p.service.GetDB().RetryableChannels()
	if err != nil {
		return err
	}
	if len(handles) == 0 {
		return nil
	}

	logger.Info().Int("retryable_count", len(handles)).Msg("retrying failed settlements")

	for _, handle := range handles {
		_, err := p.service.Settle(ctx, handle)
		switch {
		case err == nil:
			logger.Info().Str("channel", handle).Msg("settlement retry succeeded")
		case errors.Is(err, types.ErrRelationshipNotFound):
			// Relationship settled or unsubscribed since the failed attempt.
			logger.Debug().Str("channel", handle).Msg("no active relationship, skipping retry")
		default:
			logger.Warn().Err(err).Str("channel", handle).Msg("settlement retry failed")
		}
	}

	return nil
}
