package registry

import (
	"errors"

	"gorm.io/gorm"

	"github.com/ksred/copychannel/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateLeader(leader *types.LeaderSession) error {
	return d.db.Create(leader).Error
}

func (d *Database) GetLeader(leaderID string) (*types.LeaderSession, error) {
	var leader types.LeaderSession
	if err := d.db.Where("leader_id = ?", leaderID).First(&leader).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &leader, nil
}

func (d *Database) GetActiveLeader(leaderID string) (*types.LeaderSession, error) {
	var leader types.LeaderSession
	if err := d.db.Where("leader_id = ? AND active = ?", leaderID, true).First(&leader).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &leader, nil
}

func (d *Database) GetCopier(copierID string) (*types.CopierSession, error) {
	var copier types.CopierSession
	if err := d.db.Where("copier_id = ?", copierID).First(&copier).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &copier, nil
}

func (d *Database) GetActiveCopier(copierID string) (*types.CopierSession, error) {
	var copier types.CopierSession
	if err := d.db.Where("copier_id = ? AND active = ?", copierID, true).First(&copier).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &copier, nil
}

// CreateCopierWithRelationship persists the copier session and its copy
// relationship in one transaction.
func (d *Database) CreateCopierWithRelationship(copier *types.CopierSession, rel *types.CopyRelationship) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(copier).Error; err != nil {
			return err
		}
		return tx.Create(rel).Error
	})
}

// ActiveRelationshipsByLeader returns the consistent snapshot used at
// fan-out time.
func (d *Database) ActiveRelationshipsByLeader(leaderID string) ([]types.CopyRelationship, error) {
	var rels []types.CopyRelationship
	if err := d.db.Where("leader_id = ? AND active = ?", leaderID, true).Find(&rels).Error; err != nil {
		return nil, err
	}
	return rels, nil
}

func (d *Database) ActiveRelationshipByChannel(channelHandle string) (*types.CopyRelationship, error) {
	var rel types.CopyRelationship
	if err := d.db.Where("copier_channel = ? AND active = ?", channelHandle, true).First(&rel).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rel, nil
}

func (d *Database) GetRelationship(relationshipID string) (*types.CopyRelationship, error) {
	var rel types.CopyRelationship
	if err := d.db.Where("relationship_id = ?", relationshipID).First(&rel).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rel, nil
}

// DeactivateRelationship clears the active flag on a relationship and its
// copier session atomically, removing both from every active-lookup index.
func (d *Database) DeactivateRelationship(rel *types.CopyRelationship) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&types.CopyRelationship{}).
			Where("relationship_id = ?", rel.RelationshipID).
			Update("active", false).Error; err != nil {
			return err
		}
		return tx.Model(&types.CopierSession{}).
			Where("copier_id = ?", rel.CopierID).
			Update("active", false).Error
	})
}

func (d *Database) CountActiveCopiers(leaderID string) (int64, error) {
	var count int64
	if err := d.db.Model(&types.CopyRelationship{}).
		Where("leader_id = ? AND active = ?", leaderID, true).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
