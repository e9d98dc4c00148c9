package migrations

import (
	"gorm.io/gorm"
)

// AddReplicationIndexes creates indexes for the replication and settlement
// query paths
func AddReplicationIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Copier legs are fetched per leader trade
		`CREATE INDEX IF NOT EXISTS idx_replication_results_trade_id
		 ON replication_results(trade_id)`,

		// Per-copier history lookups
		`CREATE INDEX IF NOT EXISTS idx_replication_results_copier_id
		 ON replication_results(copier_id)`,

		// Executed legs by executor and role
		`CREATE INDEX IF NOT EXISTS idx_executed_trades_executor_role
		 ON executed_trades(executor_id, role)`,

		// Retry processor scans settlements by status
		`CREATE INDEX IF NOT EXISTS idx_channel_settlements_status
		 ON channel_settlements(status)`,

		// Active relationships by leader drive the replication fan-out
		`CREATE INDEX IF NOT EXISTS idx_copy_relationships_leader_active
		 ON copy_relationships(leader_id, active)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
