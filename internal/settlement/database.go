package settlement

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

func (d *Database) CreateSettlement(settlement *ChannelSettlement) error {
	return d.db.Create(settlement).Error
}

func (d *Database) UpdateSettlement(settlement *ChannelSettlement) error {
	return d.db.Save(settlement).Error
}

func (d *Database) GetSettlement(settlementID string) (*ChannelSettlement, error) {
	var settlement ChannelSettlement
	if err := d.db.Where("settlement_id = ?", settlementID).First(&settlement).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &settlement, nil
}

// ConfirmedByChannel returns the confirmed settlement for a channel, if any.
// A channel settles at most once.
func (d *Database) ConfirmedByChannel(channelHandle string) (*ChannelSettlement, error) {
	var settlement ChannelSettlement
	if err := d.db.Where("channel_handle = ? AND status = ?", channelHandle, StatusConfirmed).
		First(&settlement).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &settlement, nil
}

// RetryableChannels returns channel handles with a failed attempt and no
// confirmed settlement yet.
func (d *Database) RetryableChannels() ([]string, error) {
	var handles []string
	err := d.db.Model(&ChannelSettlement{}).
		Distinct("channel_handle").
		Where("status = ?", StatusFailed).
		Where("channel_handle NOT IN (?)", d.db.Model(&ChannelSettlement{}).
			Select("channel_handle").
			Where("status = ?", StatusConfirmed)).
		Pluck("channel_handle", &handles).Error
	if err != nil {
		return nil, err
	}
	return handles, nil
}

// ConfirmSettlement finalizes a settlement atomically: the attempt record is
// confirmed, the relationship is deactivated and its accrued fee zeroed, and
// the copier session closed. The fee transfers into the settlement record
// exactly once.
func (d *Database) ConfirmSettlement(settlement *ChannelSettlement, rel *types.CopyRelationship) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(settlement).Error; err != nil {
			return err
		}
		if err := tx.Model(&types.CopyRelationship{}).
			Where("relationship_id = ?", rel.RelationshipID).
			Updates(map[string]interface{}{
				"active":       false,
				"accrued_fees": 0,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&types.CopierSession{}).
			Where("copier_id = ?", rel.CopierID).
			Update("active", false).Error
	})
}

func (d *Database) GetCopierSession(copierID string) (*types.CopierSession, error) {
	var copier types.CopierSession
	if err := d.db.Where("copier_id = ?", copierID).First(&copier).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &copier, nil
}
