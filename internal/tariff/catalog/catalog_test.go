package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	tariffdomain "github.com/cloudmeter/quota/internal/tariff/domain"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&tariffdomain.Tariff{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return New(Params{DB: db, Log: zap.NewNop(), GenID: node})
}

func TestTariffsFor_OrderAndFiltering(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	second, err := c.Create(ctx, NewTariff{
		Name:          "vm-surcharge",
		UsageType:     tariffdomain.UsageTypeRunningVM,
		Period:        tariffdomain.PeriodByEntry,
		CurrencyValue: decimal.NewFromInt(1),
		EffectiveFrom: now.Add(-time.Hour),
		Position:      2,
	})
	require.NoError(t, err)

	first, err := c.Create(ctx, NewTariff{
		Name:          "vm-base",
		UsageType:     tariffdomain.UsageTypeRunningVM,
		Period:        tariffdomain.PeriodByEntry,
		CurrencyValue: decimal.NewFromInt(10),
		EffectiveFrom: now.Add(-time.Hour),
		Position:      1,
	})
	require.NoError(t, err)

	// Not yet effective, must be filtered out.
	_, err = c.Create(ctx, NewTariff{
		Name:          "vm-future",
		UsageType:     tariffdomain.UsageTypeRunningVM,
		Period:        tariffdomain.PeriodByEntry,
		CurrencyValue: decimal.NewFromInt(99),
		EffectiveFrom: now.Add(time.Hour),
		Position:      1,
	})
	require.NoError(t, err)

	tariffs, err := c.TariffsFor(ctx, tariffdomain.UsageTypeRunningVM, now)
	require.NoError(t, err)
	require.Len(t, tariffs, 2)
	assert.Equal(t, first.ID, tariffs[0].ID)
	assert.Equal(t, second.ID, tariffs[1].ID)
}

func TestCreate_ValidatesInput(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	_, err := c.Create(ctx, NewTariff{
		UsageType:     tariffdomain.UsageType("TELEPORT"),
		Period:        tariffdomain.PeriodByEntry,
		CurrencyValue: decimal.NewFromInt(1),
		EffectiveFrom: time.Now(),
	})
	assert.ErrorIs(t, err, tariffdomain.ErrInvalidUsageType)

	day := 31
	_, err = c.Create(ctx, NewTariff{
		UsageType:     tariffdomain.UsageTypeVolume,
		Period:        tariffdomain.PeriodMonthly,
		ScheduleDay:   &day,
		CurrencyValue: decimal.NewFromInt(1),
		EffectiveFrom: time.Now(),
	})
	assert.ErrorIs(t, err, tariffdomain.ErrInvalidScheduleDay)
}

func TestUpdate_SoftRemovesAndReplaces(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	original, err := c.Create(ctx, NewTariff{
		Name:          "volume-base",
		UsageType:     tariffdomain.UsageTypeVolume,
		Period:        tariffdomain.PeriodByEntry,
		CurrencyValue: decimal.NewFromInt(5),
		EffectiveFrom: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	replacement, err := c.Update(ctx, original.ID, NewTariff{
		CurrencyValue: decimal.NewFromInt(8),
	})
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, replacement.ID)
	assert.True(t, replacement.CurrencyValue.Equal(decimal.NewFromInt(8)))
	assert.Equal(t, original.UsageType, replacement.UsageType)

	// Only the replacement remains active; the old row keeps its identity
	// for historical detail lookups.
	active, err := c.TariffsFor(ctx, tariffdomain.UsageTypeVolume, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, replacement.ID, active[0].ID)

	var removed tariffdomain.Tariff
	require.NoError(t, c.db.Where("id = ?", original.ID).First(&removed).Error)
	assert.NotNil(t, removed.Removed)
}

func TestUpdate_NotFound(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.Update(context.Background(), 12345, NewTariff{
		CurrencyValue: decimal.NewFromInt(1),
		UsageType:     tariffdomain.UsageTypeVolume,
		Period:        tariffdomain.PeriodByEntry,
	})
	assert.ErrorIs(t, err, tariffdomain.ErrTariffNotFound)
}

func TestRemove(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	tariff, err := c.Create(ctx, NewTariff{
		Name:          "ip-base",
		UsageType:     tariffdomain.UsageTypeIPAddress,
		Period:        tariffdomain.PeriodByEntry,
		CurrencyValue: decimal.NewFromInt(2),
		EffectiveFrom: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, c.Remove(ctx, tariff.ID))
	assert.ErrorIs(t, c.Remove(ctx, tariff.ID), tariffdomain.ErrTariffNotFound)

	active, err := c.TariffsFor(ctx, tariffdomain.UsageTypeIPAddress, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMapByUsageType_ExcludesMonthly(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()
	day := 5

	byEntry, err := c.Create(ctx, NewTariff{
		Name:          "volume-base",
		UsageType:     tariffdomain.UsageTypeVolume,
		Period:        tariffdomain.PeriodByEntry,
		CurrencyValue: decimal.NewFromInt(2),
		EffectiveFrom: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	_, err = c.Create(ctx, NewTariff{
		Name:          "volume-monthly",
		UsageType:     tariffdomain.UsageTypeVolume,
		Period:        tariffdomain.PeriodMonthly,
		ScheduleDay:   &day,
		CurrencyValue: decimal.NewFromInt(50),
		EffectiveFrom: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	byType, err := c.MapByUsageType(ctx, now)
	require.NoError(t, err)
	require.Len(t, byType[tariffdomain.UsageTypeVolume], 1)
	assert.Equal(t, byEntry.ID, byType[tariffdomain.UsageTypeVolume][0].ID)
}

func TestMonthlyTariffs(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()
	day := 5

	_, err := c.Create(ctx, NewTariff{
		Name:          "volume-monthly",
		UsageType:     tariffdomain.UsageTypeVolume,
		Period:        tariffdomain.PeriodMonthly,
		ScheduleDay:   &day,
		CurrencyValue: decimal.NewFromInt(3),
		EffectiveFrom: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	_, err = c.Create(ctx, NewTariff{
		Name:          "vm-by-entry",
		UsageType:     tariffdomain.UsageTypeRunningVM,
		Period:        tariffdomain.PeriodByEntry,
		CurrencyValue: decimal.NewFromInt(1),
		EffectiveFrom: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	monthly, err := c.MonthlyTariffs(ctx, now)
	require.NoError(t, err)
	require.Len(t, monthly, 1)
	assert.Equal(t, tariffdomain.PeriodMonthly, monthly[0].Period)
}

func TestAppliesTo(t *testing.T) {
	now := time.Now().UTC()
	until := now.Add(24 * time.Hour)
	tariff := tariffdomain.Tariff{
		EffectiveFrom:  now,
		EffectiveUntil: &until,
	}

	assert.True(t, tariff.AppliesTo(now.Add(time.Hour), now.Add(2*time.Hour)))
	// Record ended before the tariff became effective.
	assert.False(t, tariff.AppliesTo(now.Add(-2*time.Hour), now.Add(-time.Hour)))
	// Record started after the tariff expired.
	assert.False(t, tariff.AppliesTo(until.Add(time.Hour), until.Add(2*time.Hour)))
	// Overlap at the boundary still applies.
	assert.True(t, tariff.AppliesTo(now.Add(-time.Hour), now))
}
