package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/cloudmeter/quota/internal/account/domain"
	ratingdomain "github.com/cloudmeter/quota/internal/rating/domain"
	"github.com/cloudmeter/quota/internal/rating/rule"
	tariffdomain "github.com/cloudmeter/quota/internal/tariff/domain"
	usagedomain "github.com/cloudmeter/quota/internal/usage/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type monthlyKey struct {
	resource  snowflake.ID
	scheduled time.Time
}

// resourceGroup aggregates one resource's records inside a tariff's
// monthly window.
type resourceGroup struct {
	resource  snowflake.ID
	quantity  decimal.Decimal
	sizeBytes int64
	count     int
	zoneID    snowflake.ID
}

// MonthlyPass rates each MONTHLY tariff whose scheduled day has arrived.
// For every tariff the prior one-month window ending at the scheduled day
// is resolved, the window's usage records are grouped by resource, and each
// not-yet-rated group is rated once. Tariffs run in catalog order so later
// tariffs observe earlier contributions for the same resource.
func (s *Service) MonthlyPass(ctx context.Context, tx *gorm.DB, account accountdomain.Account) ([]ratingdomain.ComputedUsage, error) {
	if !account.QuotaEnabled {
		return nil, nil
	}

	now := s.clock.Now()
	tariffs, err := s.catalog.MonthlyTariffs(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("load monthly tariffs: %w", err)
	}
	if len(tariffs) == 0 {
		return nil, nil
	}

	src := s.usageSrc.WithTx(tx)
	touched := make(map[monthlyKey]*ratingdomain.ComputedUsage)
	contributions := make(map[monthlyKey][]tariffdomain.Contribution)

	for i := range tariffs {
		tariff := &tariffs[i]
		if tariff.ScheduleDay == nil {
			s.log.Warn("monthly tariff without schedule day, skipping",
				zap.String("tariff_id", tariff.ID.String()))
			continue
		}
		if *tariff.ScheduleDay > now.Day() {
			continue
		}

		scheduled := time.Date(now.Year(), now.Month(), *tariff.ScheduleDay, 0, 0, 0, 0, time.UTC)
		if !tariff.AppliesTo(scheduled, scheduled) {
			continue
		}
		windowStart := scheduled.AddDate(0, -1, 0)

		records, err := src.InWindow(ctx, account.ID, tariff.UsageType, windowStart, scheduled)
		if err != nil {
			return nil, fmt.Errorf("list usage records for monthly tariff %s: %w", tariff.ID, err)
		}
		if len(records) == 0 {
			continue
		}

		for _, group := range groupByResource(records) {
			key := monthlyKey{resource: group.resource, scheduled: scheduled}

			rated, err := s.monthlyAlreadyRated(ctx, tx, account.ID, tariff.ID, group.resource, scheduled)
			if err != nil {
				return nil, err
			}
			if rated {
				s.log.Debug("resource already rated for this tariff and month, skipping",
					zap.String("tariff_id", tariff.ID.String()),
					zap.String("resource_id", group.resource.String()))
				continue
			}

			env := s.monthlyEnvironment(account, tariff, group)
			env.LastTariffs = contributions[key]
			value, err := s.evaluator.TariffValue(ctx, tariff, env)
			if err != nil {
				return nil, fmt.Errorf("%w: account %s: %v", ratingdomain.ErrEvaluation, account.ID, err)
			}
			contributions[key] = append(contributions[key], tariffdomain.Contribution{TariffID: tariff.ID, Value: value})

			cost := s.converter.Cost(tariff.UsageType.Unit(), group.quantity, group.sizeBytes, value, windowStart)
			if cost.IsZero() {
				continue
			}

			computed, err := s.extendOrCreateMonthlyUsage(ctx, tx, account, tariff, group, windowStart, scheduled, cost, touched)
			if err != nil {
				return nil, err
			}

			detail := ratingdomain.ComputedUsageDetail{
				ID:              s.genID.Generate(),
				ComputedUsageID: computed.ID,
				TariffID:        tariff.ID,
				Amount:          cost,
				CreatedAt:       time.Now().UTC(),
			}
			if err := tx.WithContext(ctx).Create(&detail).Error; err != nil {
				return nil, fmt.Errorf("persist monthly usage detail: %w", err)
			}
		}
	}

	usages := make([]ratingdomain.ComputedUsage, 0, len(touched))
	for _, computed := range touched {
		usages = append(usages, *computed)
	}
	sortByStartDate(usages)
	return usages, nil
}

// monthlyAlreadyRated reports whether a detail referencing this tariff
// already exists for a monthly ComputedUsage of this resource and
// scheduled day. This is the idempotence barrier for re-runs inside the
// same month.
func (s *Service) monthlyAlreadyRated(ctx context.Context, tx *gorm.DB, accountID, tariffID, resourceID snowflake.ID, scheduled time.Time) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*)
		 FROM computed_usage_details d
		 JOIN computed_usages u ON u.id = d.computed_usage_id
		 WHERE d.tariff_id = ?
		   AND u.account_id = ?
		   AND u.resource_id = ?
		   AND u.usage_record_id = 0
		   AND u.end_date = ?`,
		tariffID,
		accountID,
		resourceID,
		scheduled,
	).Scan(&count).Error
	if err != nil {
		return false, fmt.Errorf("monthly idempotence check: %w", err)
	}
	return count > 0, nil
}

func (s *Service) extendOrCreateMonthlyUsage(
	ctx context.Context,
	tx *gorm.DB,
	account accountdomain.Account,
	tariff *tariffdomain.Tariff,
	group resourceGroup,
	windowStart, scheduled time.Time,
	cost decimal.Decimal,
	touched map[monthlyKey]*ratingdomain.ComputedUsage,
) (*ratingdomain.ComputedUsage, error) {
	key := monthlyKey{resource: group.resource, scheduled: scheduled}

	computed, ok := touched[key]
	if !ok {
		var existing ratingdomain.ComputedUsage
		err := tx.WithContext(ctx).
			Where("account_id = ? AND resource_id = ? AND usage_record_id = 0 AND end_date = ?",
				account.ID, group.resource, scheduled).
			First(&existing).Error
		switch err {
		case nil:
			computed = &existing
		case gorm.ErrRecordNotFound:
			// first tariff to charge this resource this month
		default:
			return nil, fmt.Errorf("find monthly computed usage: %w", err)
		}
	}

	if computed == nil {
		created := ratingdomain.ComputedUsage{
			ID:         s.genID.Generate(),
			AccountID:  account.ID,
			DomainID:   account.DomainID,
			ZoneID:     group.zoneID,
			UsageType:  tariff.UsageType,
			ResourceID: group.resource,
			StartDate:  windowStart,
			EndDate:    scheduled,
			Amount:     cost,
			CreatedAt:  time.Now().UTC(),
		}
		if err := tx.WithContext(ctx).Create(&created).Error; err != nil {
			return nil, fmt.Errorf("persist monthly computed usage: %w", err)
		}
		touched[key] = &created
		return &created, nil
	}

	computed.Amount = computed.Amount.Add(cost)
	if err := tx.WithContext(ctx).
		Model(&ratingdomain.ComputedUsage{}).
		Where("id = ?", computed.ID).
		Update("amount", computed.Amount).Error; err != nil {
		return nil, fmt.Errorf("extend monthly computed usage: %w", err)
	}
	touched[key] = computed
	return computed, nil
}

func (s *Service) monthlyEnvironment(account accountdomain.Account, tariff *tariffdomain.Tariff, group resourceGroup) rule.Environment {
	env := rule.Environment{
		Account:      &rule.Entity{ID: account.ID, Name: account.Name},
		Domain:       &rule.Entity{ID: account.DomainID, Name: account.DomainName},
		ResourceType: string(tariff.UsageType),
		Value: &rule.ResourceValue{
			ResourceID: group.resource,
			Quantity:   group.quantity,
			SizeBytes:  group.sizeBytes,
		},
		Processed: &rule.ProcessedData{
			Quantity:    group.quantity,
			RecordCount: group.count,
		},
	}
	if account.ProjectID != 0 {
		env.Project = &rule.Entity{ID: account.ProjectID, Name: account.ProjectName}
	}
	if group.zoneID != 0 {
		env.Zone = &rule.Entity{ID: group.zoneID}
	}
	return env
}

// groupByResource buckets records by their monthly resource key, keeping
// first-seen order for determinism.
func groupByResource(records []usagedomain.UsageRecord) []resourceGroup {
	index := make(map[snowflake.ID]int)
	groups := make([]resourceGroup, 0)

	for i := range records {
		record := &records[i]
		key := record.ResourceKey()

		at, ok := index[key]
		if !ok {
			index[key] = len(groups)
			groups = append(groups, resourceGroup{
				resource: key,
				quantity: decimal.Zero,
				zoneID:   record.ZoneID,
			})
			at = index[key]
		}

		groups[at].quantity = groups[at].quantity.Add(record.RawUsage)
		groups[at].count++
		if record.SizeBytes > groups[at].sizeBytes {
			groups[at].sizeBytes = record.SizeBytes
		}
	}
	return groups
}
