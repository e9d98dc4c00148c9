package settlement

import (
	"time"

	"gorm.io/gorm"
)

const (
	StatusInitiated = "INITIATED"
	StatusConfirmed = "CONFIRMED"
	StatusFailed    = "FAILED"
)

// ChannelSettlement is the terminal record of one copier-channel close
// attempt. One row per attempt; immutable after confirmation.
type ChannelSettlement struct {
	gorm.Model      `json:"-"`
	SettlementID    string     `gorm:"uniqueIndex" json:"settlement_id"`
	RelationshipID  string     `gorm:"index" json:"relationship_id"`
	ChannelHandle   string     `gorm:"index" json:"channel_handle"`
	CopierID        string     `json:"copier_id"`
	LeaderID        string     `json:"leader_id"`
	FinalBalance    int64      `json:"final_balance"`
	FeeDue          int64      `json:"fee_due"`
	NetPayout       int64      `json:"net_payout"`
	Status          string     `json:"status"` // INITIATED, CONFIRMED, FAILED
	ProofStateHash  string     `json:"proof_state_hash"`
	ProofSignatures string     `json:"proof_signatures"`
	TxRef           string     `json:"tx_ref"`
	InitiatedAt     time.Time  `json:"initiated_at"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
}

// SettlementResult is the response returned to the caller.
type SettlementResult struct {
	SettlementID  string    `json:"settlement_id"`
	ChannelHandle string    `json:"channel_handle"`
	CopierID      string    `json:"copier_id"`
	LeaderID      string    `json:"leader_id"`
	FinalBalance  int64     `json:"final_balance"`
	FeeDue        int64     `json:"fee_due"`
	NetPayout     int64     `json:"net_payout"`
	Status        string    `json:"status"`
	TxRef         string    `json:"tx_ref,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
