package types

import (
	"time"

	"gorm.io/gorm"
)

// All monetary amounts are fixed-point integers in the smallest unit of the
// channel collateral asset. Prices are quoted per whole unit of the traded
// asset. Percentages are expressed in basis points.

// LeaderSession is the canonical record of a trading leader. It is created at
// registration and never destroyed; deactivation clears the Active flag.
type LeaderSession struct {
	gorm.Model       `json:"-"`
	LeaderID         string    `gorm:"uniqueIndex" json:"leader_id"` // hex-encoded ed25519 public key
	DisplayName      string    `json:"display_name"`
	ChannelHandle    string    `gorm:"index" json:"channel_handle"`
	Capital          int64     `json:"capital"` // reference capital fixed at registration
	ChannelBalance   int64     `json:"channel_balance"`
	ReplicatedVolume int64     `json:"replicated_volume"`
	FeesEarned       int64     `json:"fees_earned"`
	Active           bool      `json:"active"`
	RegisteredAt     time.Time `json:"registered_at"`
}

// CopierSession tracks one copier's channel and its live value.
type CopierSession struct {
	gorm.Model     `json:"-"`
	CopierID       string    `gorm:"uniqueIndex" json:"copier_id"`
	LeaderID       string    `gorm:"index" json:"leader_id"`
	Deposit        int64     `json:"deposit"`
	MaxDrawdownBps int64     `json:"max_drawdown_bps"`
	ChannelHandle  string    `gorm:"index" json:"channel_handle"`
	CurrentValue   int64     `json:"current_value"`
	StartValue     int64     `json:"start_value"`
	Active         bool      `json:"active"`
	StartedAt      time.Time `json:"started_at"`
}

// CopyRelationship is the durable pairing of one leader and one copier.
// AccruedFees only grows between settlements; settlement zeroes it exactly
// once when the matching ChannelSettlement is confirmed.
type CopyRelationship struct {
	gorm.Model       `json:"-"`
	RelationshipID   string    `gorm:"uniqueIndex" json:"relationship_id"`
	LeaderID         string    `gorm:"index" json:"leader_id"`
	CopierID         string    `gorm:"index" json:"copier_id"`
	LeaderChannel    string    `json:"leader_channel"`
	CopierChannel    string    `gorm:"index" json:"copier_channel"`
	FeeRateBps       int64     `json:"fee_rate_bps"`
	AccruedFees      int64     `json:"accrued_fees"`
	TradesReplicated int64     `json:"trades_replicated"`
	RealizedPnL      int64     `gorm:"column:realized_pnl" json:"realized_pnl"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
