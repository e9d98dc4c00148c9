package replication

import (
	"time"

	"gorm.io/gorm"

	"github.com/ksred/copychannel/internal/types"
)

// Role of the executor for one trade leg.
const (
	RoleLeader = "LEADER"
	RoleCopier = "COPIER"
)

// ExecutedTrade is one replication leg written to a channel. Never mutated.
type ExecutedTrade struct {
	gorm.Model     `json:"-"`
	ExecutionID    string     `gorm:"uniqueIndex" json:"execution_id"`
	TradeID        string     `gorm:"index" json:"trade_id"`
	ExecutorID     string     `gorm:"index" json:"executor_id"`
	Role           string     `json:"role"` // LEADER or COPIER
	Side           types.Side `json:"side"`
	AssetID        string     `json:"asset_id"`
	Quantity       int64      `json:"quantity"`
	Price          int64      `json:"price"`
	SequenceNumber uint64     `json:"sequence_number"` // channel state sequence after this leg
	ExecutedAt     time.Time  `json:"executed_at"`
}

// ReplicationResult records the outcome of one copier leg, success or not.
type ReplicationResult struct {
	gorm.Model     `json:"-"`
	ResultID       string    `gorm:"uniqueIndex" json:"result_id"`
	TradeID        string    `gorm:"index" json:"trade_id"`
	CopierID       string    `gorm:"index" json:"copier_id"`
	Success        bool      `json:"success"`
	Reason         string    `json:"reason,omitempty"`
	Quantity       int64     `json:"quantity"`
	Price          int64     `json:"price"`
	RealizedPnL    int64     `json:"realized_pnl"`
	FeeAccrued     int64     `json:"fee_accrued"`
	SequenceNumber uint64    `json:"sequence_number"`
	CreatedAt      time.Time `json:"created_at"`
}

// Failure reasons reported per copier leg. Risk breaches carry the breach
// sub-reason from the risk manager instead.
const (
	ReasonTransport    = "transport_failure"
	ReasonZeroQuantity = "proportional_quantity_zero"
)

// ReplicationSummary is the aggregate outcome of processing one leader
// trade. Individual copier failures never abort the call; they are reported
// here.
type ReplicationSummary struct {
	TradeID        string              `json:"trade_id"`
	LeaderID       string              `json:"leader_id"`
	LeaderSequence uint64              `json:"leader_sequence"`
	Succeeded      int                 `json:"succeeded"`
	Failed         int                 `json:"failed"`
	Results        []ReplicationResult `json:"results"`
}
