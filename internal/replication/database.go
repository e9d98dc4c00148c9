package replication

import (
	"gorm.io/gorm"

	"github.com/ksred/copychannel/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateExecutedTrade(trade *ExecutedTrade) error {
	return d.db.Create(trade).Error
}

func (d *Database) CreateReplicationResult(result *ReplicationResult) error {
	return d.db.Create(result).Error
}

// SaveLeaderLeg persists the leader execution and the updated leader session
// in one transaction.
func (d *Database) SaveLeaderLeg(trade *ExecutedTrade, leader *types.LeaderSession) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(trade).Error; err != nil {
			return err
		}
		return tx.Save(leader).Error
	})
}

// SaveCopierLeg persists one successful copier leg: the executed trade, its
// result, the copier's new value and the relationship counters, plus the
// leader's cumulative volume and fees. All or nothing.
func (d *Database) SaveCopierLeg(trade *ExecutedTrade, result *ReplicationResult, copierValue int64, rel *types.CopyRelationship, legNotional, fee int64) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(trade).Error; err != nil {
			return err
		}
		if err := tx.Create(result).Error; err != nil {
			return err
		}
		if err := tx.Model(&types.CopierSession{}).
			Where("copier_id = ?", result.CopierID).
			Update("current_value", copierValue).Error; err != nil {
			return err
		}
		if err := tx.Model(&types.CopyRelationship{}).
			Where("relationship_id = ?", rel.RelationshipID).
			Updates(map[string]interface{}{
				"trades_replicated": gorm.Expr("trades_replicated + ?", 1),
				"accrued_fees":      gorm.Expr("accrued_fees + ?", fee),
				"realized_pnl":      gorm.Expr("realized_pnl + ?", result.RealizedPnL),
			}).Error; err != nil {
			return err
		}
		return tx.Model(&types.LeaderSession{}).
			Where("leader_id = ?", rel.LeaderID).
			Updates(map[string]interface{}{
				"replicated_volume": gorm.Expr("replicated_volume + ?", legNotional),
				"fees_earned":       gorm.Expr("fees_earned + ?", fee),
			}).Error
	})
}

func (d *Database) GetCopierSession(copierID string) (*types.CopierSession, error) {
	var copier types.CopierSession
	if err := d.db.Where("copier_id = ?", copierID).First(&copier).Error; err != nil {
		return nil, err
	}
	return &copier, nil
}

// ResultsByTradeID returns the recorded outcomes for one trade identifier.
func (d *Database) ResultsByTradeID(tradeID string) ([]ReplicationResult, error) {
	var results []ReplicationResult
	if err := d.db.Where("trade_id = ?", tradeID).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
