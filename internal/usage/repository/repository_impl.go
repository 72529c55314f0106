package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	tariffdomain "github.com/cloudmeter/quota/internal/tariff/domain"
	usagedomain "github.com/cloudmeter/quota/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type source struct {
	db *gorm.DB
}

type Params struct {
	fx.In

	DB *gorm.DB
}

func NewSource(p Params) usagedomain.Source {
	return &source{db: p.DB}
}

func (s *source) WithTx(tx *gorm.DB) usagedomain.Source {
	return &source{db: tx}
}

func (s *source) PendingForAccount(ctx context.Context, accountID snowflake.ID) ([]usagedomain.UsageRecord, error) {
	var records []usagedomain.UsageRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND calculated = ?", accountID, false).
		Order("start_date ASC, id ASC").
		Find(&records).Error
	return records, err
}

func (s *source) InWindow(ctx context.Context, accountID snowflake.ID, usageType tariffdomain.UsageType, start, end time.Time) ([]usagedomain.UsageRecord, error) {
	var records []usagedomain.UsageRecord
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND usage_type = ? AND start_date >= ? AND start_date < ?", accountID, usageType, start, end).
		Order("start_date ASC, id ASC").
		Find(&records).Error
	return records, err
}

func (s *source) MarkCalculated(ctx context.Context, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&usagedomain.UsageRecord{}).
		Where("id IN ?", ids).
		Update("calculated", true).Error
}
