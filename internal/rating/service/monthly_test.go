package service

import (
	"context"
	"testing"
	"time"

	ratingdomain "github.com/cloudmeter/quota/internal/rating/domain"
	"github.com/cloudmeter/quota/internal/tariff/catalog"
	tariffdomain "github.com/cloudmeter/quota/internal/tariff/domain"
	"github.com/cloudmeter/quota/internal/usage/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonthlyPass_RatesResourceGroupOnce(t *testing.T) {
	r := newTestRig(t)
	account := r.account(t, true)

	day := 5
	tariff := r.tariff(t, catalog.NewTariff{
		Name:          "volume-monthly",
		UsageType:     tariffdomain.UsageTypeVolume,
		Period:        tariffdomain.PeriodMonthly,
		ScheduleDay:   &day,
		CurrencyValue: decimal.RequireFromString("50.00"),
	})

	// Two records of the same volume inside the Feb 5 - Mar 5 window.
	resourceID := r.node.Generate()
	for _, start := range []time.Time{
		time.Date(2026, time.February, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2026, time.February, 20, 0, 0, 0, 0, time.UTC),
	} {
		record := domain.UsageRecord{
			ID:         r.node.Generate(),
			AccountID:  account.ID,
			DomainID:   account.DomainID,
			UsageType:  tariffdomain.UsageTypeVolume,
			ResourceID: resourceID,
			RawUsage:   decimal.NewFromInt(5),
			SizeBytes:  2 * (1 << 30),
			StartDate:  start,
			EndDate:    start.Add(5 * time.Hour),
		}
		require.NoError(t, r.db.Create(&record).Error)
	}

	usages, err := r.svc.MonthlyPass(context.Background(), r.db, account)
	require.NoError(t, err)
	require.Len(t, usages, 1)

	// 10 hours at 50.00 over a 100 hour month, 2 GiB provisioned.
	assert.True(t, usages[0].Amount.Equal(decimal.RequireFromString("10.00")), "got %s", usages[0].Amount)
	assert.Equal(t, resourceID, usages[0].ResourceID)
	assert.True(t, usages[0].UsageRecordID == 0)
	assert.Equal(t, time.Date(2026, time.March, 5, 0, 0, 0, 0, time.UTC), usages[0].EndDate.UTC())

	var details []ratingdomain.ComputedUsageDetail
	require.NoError(t, r.db.Where("tariff_id = ?", tariff.ID).Find(&details).Error)
	require.Len(t, details, 1)

	// Re-running the pass inside the same month rates nothing new.
	again, err := r.svc.MonthlyPass(context.Background(), r.db, account)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, r.db.Where("tariff_id = ?", tariff.ID).Find(&details).Error)
	assert.Len(t, details, 1)
}

func TestMonthlyPass_ScheduleDayNotReached(t *testing.T) {
	r := newTestRig(t)
	account := r.account(t, true)

	day := 25 // clock sits at March 10
	r.tariff(t, catalog.NewTariff{
		Name:          "volume-monthly",
		UsageType:     tariffdomain.UsageTypeVolume,
		Period:        tariffdomain.PeriodMonthly,
		ScheduleDay:   &day,
		CurrencyValue: decimal.NewFromInt(50),
	})

	record := domain.UsageRecord{
		ID:         r.node.Generate(),
		AccountID:  account.ID,
		DomainID:   account.DomainID,
		UsageType:  tariffdomain.UsageTypeVolume,
		ResourceID: r.node.Generate(),
		RawUsage:   decimal.NewFromInt(5),
		SizeBytes:  1 << 30,
		StartDate:  time.Date(2026, time.February, 20, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2026, time.February, 20, 5, 0, 0, 0, time.UTC),
	}
	require.NoError(t, r.db.Create(&record).Error)

	usages, err := r.svc.MonthlyPass(context.Background(), r.db, account)
	require.NoError(t, err)
	assert.Empty(t, usages)
}

func TestMonthlyPass_GroupsByOffering(t *testing.T) {
	r := newTestRig(t)
	account := r.account(t, true)

	day := 5
	r.tariff(t, catalog.NewTariff{
		Name:          "backup-monthly",
		UsageType:     tariffdomain.UsageTypeBackup,
		Period:        tariffdomain.PeriodMonthly,
		ScheduleDay:   &day,
		CurrencyValue: decimal.RequireFromString("50.00"),
	})

	// Distinct backups under the same offering collapse into one group.
	offeringID := r.node.Generate()
	for i := 0; i < 2; i++ {
		record := domain.UsageRecord{
			ID:         r.node.Generate(),
			AccountID:  account.ID,
			DomainID:   account.DomainID,
			UsageType:  tariffdomain.UsageTypeBackup,
			ResourceID: r.node.Generate(),
			OfferingID: offeringID,
			RawUsage:   decimal.NewFromInt(5),
			SizeBytes:  1 << 30,
			StartDate:  time.Date(2026, time.February, 12, 0, 0, 0, 0, time.UTC),
			EndDate:    time.Date(2026, time.February, 12, 5, 0, 0, 0, time.UTC),
		}
		require.NoError(t, r.db.Create(&record).Error)
	}

	usages, err := r.svc.MonthlyPass(context.Background(), r.db, account)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	assert.Equal(t, offeringID, usages[0].ResourceID)

	// 10 hours at 50.00 over a 100 hour month, 1 GiB provisioned.
	assert.True(t, usages[0].Amount.Equal(decimal.RequireFromString("5.00")), "got %s", usages[0].Amount)
}

func TestMonthlyPass_QuotaDisabled(t *testing.T) {
	r := newTestRig(t)
	account := r.account(t, false)

	usages, err := r.svc.MonthlyPass(context.Background(), r.db, account)
	require.NoError(t, err)
	assert.Empty(t, usages)
}
