package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/cloudmeter/quota/internal/account/domain"
	"github.com/cloudmeter/quota/internal/clock"
	ratingdomain "github.com/cloudmeter/quota/internal/rating/domain"
	"github.com/cloudmeter/quota/internal/rating/rule"
	"github.com/cloudmeter/quota/internal/rating/unit"
	"github.com/cloudmeter/quota/internal/tariff/catalog"
	tariffdomain "github.com/cloudmeter/quota/internal/tariff/domain"
	usagedomain "github.com/cloudmeter/quota/internal/usage/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	log       *zap.Logger
	genID     *snowflake.Node
	catalog   *catalog.Catalog
	evaluator *rule.Evaluator
	converter *unit.Converter
	usageSrc  usagedomain.Source
	clock     clock.Clock
}

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Catalog   *catalog.Catalog
	Evaluator *rule.Evaluator
	Converter *unit.Converter
	UsageSrc  usagedomain.Source
	Clock     clock.Clock
}

func NewService(p Params) ratingdomain.Service {
	return &Service{
		log:       p.Log.Named("rating.service"),
		genID:     p.GenID,
		catalog:   p.Catalog,
		evaluator: p.Evaluator,
		converter: p.Converter,
		usageSrc:  p.UsageSrc,
		clock:     p.Clock,
	}
}

// ByEntryPass rates every pending usage record of the account. Each record
// is rated against the applicable tariffs of its usage type in catalog
// order, the evaluated tariff values are summed and converted once by
// usage unit, and the record is marked calculated. A zero converted amount
// yields no ComputedUsage row. Any evaluation error aborts the pass so the
// surrounding transaction commits nothing for this account.
func (s *Service) ByEntryPass(ctx context.Context, tx *gorm.DB, account accountdomain.Account) ([]ratingdomain.ComputedUsage, error) {
	src := s.usageSrc.WithTx(tx)

	records, err := src.PendingForAccount(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("list pending usage records: %w", err)
	}
	if len(records) == 0 {
		s.log.Debug("no pending usage records", zap.String("account_id", account.ID.String()))
		return nil, nil
	}

	markIDs := make([]snowflake.ID, 0, len(records))

	if !account.QuotaEnabled {
		s.log.Debug("quota disabled for account, marking records calculated without rating",
			zap.String("account_id", account.ID.String()),
			zap.Int("records", len(records)))
		for i := range records {
			markIDs = append(markIDs, records[i].ID)
		}
		return nil, src.MarkCalculated(ctx, markIDs)
	}

	tariffsByType, err := s.catalog.MapByUsageType(ctx, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("load tariff catalog: %w", err)
	}

	var usages []ratingdomain.ComputedUsage

	for i := range records {
		record := &records[i]
		markIDs = append(markIDs, record.ID)

		if !record.UsageType.Valid() || record.EndDate.Before(record.StartDate) {
			s.log.Warn("skipping malformed usage record",
				zap.String("record_id", record.ID.String()),
				zap.String("usage_type", string(record.UsageType)),
				zap.Error(ratingdomain.ErrMalformedRecord))
			continue
		}

		computed, err := s.rateRecord(ctx, tx, account, record, tariffsByType[record.UsageType])
		if err != nil {
			return nil, err
		}
		if computed != nil {
			usages = append(usages, *computed)
		}
	}

	if err := src.MarkCalculated(ctx, markIDs); err != nil {
		return nil, fmt.Errorf("mark usage records calculated: %w", err)
	}
	return usages, nil
}

func (s *Service) rateRecord(ctx context.Context, tx *gorm.DB, account accountdomain.Account, record *usagedomain.UsageRecord, tariffs []tariffdomain.Tariff) (*ratingdomain.ComputedUsage, error) {
	env := s.recordEnvironment(account, record)

	var contributions []tariffdomain.Contribution
	aggregated := decimal.Zero

	for i := range tariffs {
		tariff := &tariffs[i]
		if !tariff.AppliesTo(record.StartDate, record.EndDate) {
			continue
		}

		env.LastTariffs = contributions
		value, err := s.evaluator.TariffValue(ctx, tariff, env)
		if err != nil {
			return nil, fmt.Errorf("%w: account %s: %v", ratingdomain.ErrEvaluation, account.ID, err)
		}

		contributions = append(contributions, tariffdomain.Contribution{TariffID: tariff.ID, Value: value})
		aggregated = aggregated.Add(value)
	}

	usageUnit := record.UsageType.Unit()
	total := s.converter.Cost(usageUnit, record.RawUsage, record.SizeBytes, aggregated, record.StartDate)
	if total.IsZero() {
		s.log.Debug("usage record rated to zero, marking calculated only",
			zap.String("record_id", record.ID.String()))
		return nil, nil
	}

	computed := ratingdomain.ComputedUsage{
		ID:            s.genID.Generate(),
		AccountID:     record.AccountID,
		DomainID:      record.DomainID,
		ZoneID:        record.ZoneID,
		UsageType:     record.UsageType,
		UsageRecordID: record.ID,
		ResourceID:    record.ResourceID,
		StartDate:     record.StartDate,
		EndDate:       record.EndDate,
		Amount:        total,
		CreatedAt:     time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&computed).Error; err != nil {
		return nil, fmt.Errorf("persist computed usage: %w", err)
	}

	for _, contribution := range contributions {
		amount := decimal.Zero
		if !contribution.Value.IsZero() {
			amount = s.converter.Cost(usageUnit, record.RawUsage, record.SizeBytes, contribution.Value, record.StartDate)
		}
		detail := ratingdomain.ComputedUsageDetail{
			ID:              s.genID.Generate(),
			ComputedUsageID: computed.ID,
			TariffID:        contribution.TariffID,
			Amount:          amount,
			CreatedAt:       computed.CreatedAt,
		}
		if err := tx.WithContext(ctx).Create(&detail).Error; err != nil {
			return nil, fmt.Errorf("persist computed usage detail: %w", err)
		}
	}

	return &computed, nil
}

func (s *Service) recordEnvironment(account accountdomain.Account, record *usagedomain.UsageRecord) rule.Environment {
	env := rule.Environment{
		Account:      &rule.Entity{ID: account.ID, Name: account.Name},
		Domain:       &rule.Entity{ID: account.DomainID, Name: account.DomainName},
		ResourceType: string(record.UsageType),
		Value: &rule.ResourceValue{
			ResourceID: record.ResourceID,
			Quantity:   record.RawUsage,
			SizeBytes:  record.SizeBytes,
		},
	}
	if account.ProjectID != 0 {
		env.Project = &rule.Entity{ID: account.ProjectID, Name: account.ProjectName}
	}
	if record.ZoneID != 0 {
		env.Zone = &rule.Entity{ID: record.ZoneID}
	}
	return env
}

func sortByStartDate(usages []ratingdomain.ComputedUsage) {
	sort.SliceStable(usages, func(i, j int) bool {
		return usages[i].StartDate.Before(usages[j].StartDate)
	})
}
