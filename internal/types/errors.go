package types

import "errors"

// Error taxonomy shared across the engine. Per-copier failures during
// replication are captured in the aggregate result, never returned as errors
// from ProcessLeaderTrade.
var (
	ErrInvalidSignature     = errors.New("invalid trade signature")
	ErrNotRegistered        = errors.New("signer is not an active leader")
	ErrDuplicateSession     = errors.New("session already registered")
	ErrSessionNotFound      = errors.New("session not found")
	ErrRelationshipNotFound = errors.New("copy relationship not found")
	ErrSettlementFailed     = errors.New("settlement failed")
	ErrTransientTransport   = errors.New("transient transport failure")
)
