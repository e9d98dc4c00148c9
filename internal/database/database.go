package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ksred/copychannel/internal/database/migrations"
	"github.com/ksred/copychannel/internal/replication"
	"github.com/ksred/copychannel/internal/settlement"
	"github.com/ksred/copychannel/internal/types"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Auto-migrate session and trade schemas
	err = db.AutoMigrate(
		&types.LeaderSession{},
		&types.CopierSession{},
		&types.CopyRelationship{},
		&replication.ExecutedTrade{},
		&replication.ReplicationResult{},
		&settlement.ChannelSettlement{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddReplicationIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
