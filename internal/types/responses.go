package types

import "time"

// LeaderStats is the read-model returned by the leader statistics endpoint.
type LeaderStats struct {
	LeaderID         string    `json:"leader_id"`
	DisplayName      string    `json:"display_name"`
	Active           bool      `json:"active"`
	ActiveCopiers    int       `json:"active_copiers"`
	ReplicatedVolume int64     `json:"replicated_volume"`
	FeesEarned       int64     `json:"fees_earned"`
	RegisteredAt     time.Time `json:"registered_at"`
}

// CopierRiskMetrics is the read-model returned by the copier risk endpoint.
type CopierRiskMetrics struct {
	CopierID       string `json:"copier_id"`
	LeaderID       string `json:"leader_id"`
	Active         bool   `json:"active"`
	CurrentValue   int64  `json:"current_value"`
	StartValue     int64  `json:"start_value"`
	DrawdownBps    int64  `json:"drawdown_bps"`
	MaxDrawdownBps int64  `json:"max_drawdown_bps"`
	DailyLoss      int64  `json:"daily_loss"`
	OpenPositions  int    `json:"open_positions"`
}
