// Package catalog serves tariff definitions to the calculation passes and
// owns the tariff row lifecycle.
package catalog

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	tariffdomain "github.com/cloudmeter/quota/internal/tariff/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Catalog struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

func New(p Params) *Catalog {
	return &Catalog{
		db:    p.DB,
		log:   p.Log.Named("tariff.catalog"),
		genID: p.GenID,
	}
}

// TariffsFor returns the non-removed tariffs of the given usage type that
// became effective on or before asOf, ascending by position; position ties
// resolve in insertion order.
func (c *Catalog) TariffsFor(ctx context.Context, usageType tariffdomain.UsageType, asOf time.Time) ([]tariffdomain.Tariff, error) {
	var tariffs []tariffdomain.Tariff
	err := c.db.WithContext(ctx).
		Where("usage_type = ? AND removed IS NULL AND effective_from <= ?", usageType, asOf).
		Order("position ASC, id ASC").
		Find(&tariffs).Error
	return tariffs, err
}

// MapByUsageType loads every active BY_ENTRY tariff once and buckets them
// per usage type, preserving catalog order. The by-entry pass consults this
// map instead of re-querying per record; MONTHLY tariffs are excluded so an
// aggregate tariff is never applied to an individual record.
func (c *Catalog) MapByUsageType(ctx context.Context, asOf time.Time) (map[tariffdomain.UsageType][]tariffdomain.Tariff, error) {
	var tariffs []tariffdomain.Tariff
	err := c.db.WithContext(ctx).
		Where("period = ? AND removed IS NULL AND effective_from <= ?", tariffdomain.PeriodByEntry, asOf).
		Order("position ASC, id ASC").
		Find(&tariffs).Error
	if err != nil {
		return nil, err
	}

	byType := make(map[tariffdomain.UsageType][]tariffdomain.Tariff)
	for _, t := range tariffs {
		byType[t.UsageType] = append(byType[t.UsageType], t)
	}
	return byType, nil
}

// MonthlyTariffs returns active MONTHLY tariffs in catalog order.
func (c *Catalog) MonthlyTariffs(ctx context.Context, asOf time.Time) ([]tariffdomain.Tariff, error) {
	var tariffs []tariffdomain.Tariff
	err := c.db.WithContext(ctx).
		Where("period = ? AND removed IS NULL AND effective_from <= ?", tariffdomain.PeriodMonthly, asOf).
		Order("position ASC, id ASC").
		Find(&tariffs).Error
	return tariffs, err
}

// NewTariff describes a tariff to create or the replacement values for an
// update.
type NewTariff struct {
	Name           string
	UsageType      tariffdomain.UsageType
	Period         tariffdomain.ProcessingPeriod
	ScheduleDay    *int
	CurrencyValue  decimal.Decimal
	ActivationRule string
	EffectiveFrom  time.Time
	EffectiveUntil *time.Time
	Position       int
}

func (n NewTariff) validate() error {
	if !n.UsageType.Valid() {
		return tariffdomain.ErrInvalidUsageType
	}
	if !n.Period.Valid() {
		return tariffdomain.ErrInvalidPeriod
	}
	if n.Period == tariffdomain.PeriodMonthly {
		if n.ScheduleDay == nil || *n.ScheduleDay < 1 || *n.ScheduleDay > 28 {
			return tariffdomain.ErrInvalidScheduleDay
		}
	}
	return nil
}

// Create inserts a new tariff row.
func (c *Catalog) Create(ctx context.Context, in NewTariff) (*tariffdomain.Tariff, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	position := in.Position
	if position <= 0 {
		position = 1
	}
	tariff := tariffdomain.Tariff{
		ID:             c.genID.Generate(),
		Name:           in.Name,
		UsageType:      in.UsageType,
		Period:         in.Period,
		ScheduleDay:    in.ScheduleDay,
		CurrencyValue:  in.CurrencyValue,
		ActivationRule: in.ActivationRule,
		EffectiveFrom:  in.EffectiveFrom.UTC(),
		EffectiveUntil: in.EffectiveUntil,
		Position:       position,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.db.WithContext(ctx).Create(&tariff).Error; err != nil {
		return nil, err
	}

	c.log.Info("tariff created",
		zap.String("tariff_id", tariff.ID.String()),
		zap.String("usage_type", string(tariff.UsageType)),
		zap.String("value", tariff.CurrencyValue.String()))
	return &tariff, nil
}

// Update replaces a tariff: the old row is soft-removed and a new row with
// the updated values and a fresh effective-from date is inserted, so
// historical calculations keep referencing the row they were rated with.
func (c *Catalog) Update(ctx context.Context, id snowflake.ID, in NewTariff) (*tariffdomain.Tariff, error) {
	var updated *tariffdomain.Tariff
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current tariffdomain.Tariff
		if err := tx.Where("id = ? AND removed IS NULL", id).First(&current).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return tariffdomain.ErrTariffNotFound
			}
			return err
		}

		// Usage type and period are inherited, so only the schedule day
		// needs revalidation.
		if current.Period == tariffdomain.PeriodMonthly && in.ScheduleDay != nil {
			if *in.ScheduleDay < 1 || *in.ScheduleDay > 28 {
				return tariffdomain.ErrInvalidScheduleDay
			}
		}

		now := time.Now().UTC()
		if err := tx.Model(&current).Update("removed", now).Error; err != nil {
			return err
		}

		replacement := tariffdomain.Tariff{
			ID:             c.genID.Generate(),
			Name:           in.Name,
			UsageType:      current.UsageType,
			Period:         current.Period,
			ScheduleDay:    in.ScheduleDay,
			CurrencyValue:  in.CurrencyValue,
			ActivationRule: in.ActivationRule,
			EffectiveFrom:  now,
			EffectiveUntil: in.EffectiveUntil,
			Position:       in.Position,
			CreatedAt:      now,
		}
		if replacement.ScheduleDay == nil {
			replacement.ScheduleDay = current.ScheduleDay
		}
		if replacement.Position <= 0 {
			replacement.Position = current.Position
		}
		if replacement.Name == "" {
			replacement.Name = current.Name
		}
		if err := tx.Create(&replacement).Error; err != nil {
			return err
		}
		updated = &replacement
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("tariff updated",
		zap.String("previous_id", id.String()),
		zap.String("tariff_id", updated.ID.String()))
	return updated, nil
}

// Remove soft-removes a tariff.
func (c *Catalog) Remove(ctx context.Context, id snowflake.ID) error {
	now := time.Now().UTC()
	result := c.db.WithContext(ctx).
		Model(&tariffdomain.Tariff{}).
		Where("id = ? AND removed IS NULL", id).
		Update("removed", now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return tariffdomain.ErrTariffNotFound
	}
	return nil
}
