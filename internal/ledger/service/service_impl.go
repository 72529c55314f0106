package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/cloudmeter/quota/internal/account/domain"
	"github.com/cloudmeter/quota/internal/clock"
	"github.com/cloudmeter/quota/internal/config"
	ledgerdomain "github.com/cloudmeter/quota/internal/ledger/domain"
	obsmetrics "github.com/cloudmeter/quota/internal/observability/metrics"
	ratingdomain "github.com/cloudmeter/quota/internal/rating/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
	db    *gorm.DB
	clock clock.Clock

	// compatZeroSeed keeps the legacy tolerance for an account with rated
	// history but no prior snapshot: the run seeds from the credits
	// already posted instead of failing. Off by default; the missing
	// snapshot is then a consistency error.
	compatZeroSeed bool
}

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	DB    *gorm.DB
	Cfg   config.EngineConfig
	Clock clock.Clock
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		log:            p.Log.Named("ledger.service"),
		genID:          p.GenID,
		db:             p.DB,
		clock:          p.Clock,
		compatZeroSeed: p.Cfg.CompatZeroSeedMissingBalance,
	}
}

// ProcessBalance folds the run's computed usages and the account's credits
// into balance snapshots. Usages sharing a start date form one window; each
// window close persists a snapshot at the window's end. The caller supplies
// usages sorted by start date and runs this inside the account transaction.
//
// Snapshots are append-only, so a usage whose window closed at or before
// the account's latest snapshot (a monthly aggregate that became due after
// by-entry runs already advanced the ledger head) cannot re-open a closed
// window. Such usages adjust the running balance up front and surface in
// the next snapshot written.
func (s *Service) ProcessBalance(ctx context.Context, tx *gorm.DB, account accountdomain.Account, usages []ratingdomain.ComputedUsage) error {
	if len(usages) == 0 {
		return nil
	}

	head, err := s.latestSnapshot(ctx, tx, account.ID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if head != nil && head.PostedAt.After(now) {
		return fmt.Errorf("%w: account %s ledger head at %s is ahead of the run clock %s",
			ledgerdomain.ErrSnapshotOutOfOrder, account.ID,
			head.PostedAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	var backfill, current []ratingdomain.ComputedUsage
	if head == nil {
		current = usages
	} else {
		for i := range usages {
			if usages[i].EndDate.After(head.PostedAt) {
				current = append(current, usages[i])
			} else {
				backfill = append(backfill, usages[i])
			}
		}
	}

	var running decimal.Decimal
	var creditMark time.Time
	if head != nil {
		running = head.Amount
		creditMark = head.PostedAt
	} else {
		firstStart := current[0].StartDate
		running, err = s.seedRunning(ctx, tx, account, firstStart)
		if err != nil {
			return err
		}
		creditMark = firstStart
	}

	for i := range backfill {
		running = running.Sub(backfill[i].Amount)
	}

	// foldCredits advances the credit cursor, adding every CREDIT posted in
	// (creditMark, upTo] exactly once.
	foldCredits := func(upTo time.Time) error {
		credits, err := s.creditsBetween(ctx, tx, account.ID, creditMark, upTo)
		if err != nil {
			return err
		}
		running = running.Add(credits)
		if upTo.After(creditMark) {
			creditMark = upTo
		}
		return nil
	}

	if len(current) == 0 {
		if err := foldCredits(now); err != nil {
			return err
		}
		if err := s.persistSnapshot(ctx, tx, account, now, running); err != nil {
			return err
		}
		return s.upsertCache(ctx, tx, account, running, now)
	}

	windowStart := current[0].StartDate
	windowEnd := current[0].EndDate
	// Credits posted between the ledger head and the first open window.
	if err := foldCredits(windowStart); err != nil {
		return err
	}

	for i := range current {
		usage := &current[i]

		if usage.Amount.IsZero() {
			if err := foldCredits(usage.EndDate); err != nil {
				return err
			}
			continue
		}

		if usage.StartDate.Equal(windowStart) {
			running = running.Sub(usage.Amount)
			if usage.EndDate.After(windowEnd) {
				windowEnd = usage.EndDate
			}
			continue
		}

		// New window: close the previous one with all its credits folded in,
		// then reseed from that snapshot plus any credits posted before the
		// new window opens.
		if err := foldCredits(windowEnd); err != nil {
			return err
		}
		if err := s.persistSnapshot(ctx, tx, account, windowEnd, running); err != nil {
			return err
		}
		if err := foldCredits(usage.StartDate); err != nil {
			return err
		}

		windowStart = usage.StartDate
		windowEnd = usage.EndDate
		running = running.Sub(usage.Amount)
	}

	if err := foldCredits(windowEnd); err != nil {
		return err
	}
	if err := s.persistSnapshot(ctx, tx, account, windowEnd, running); err != nil {
		return err
	}
	return s.upsertCache(ctx, tx, account, running, windowEnd)
}

func (s *Service) upsertCache(ctx context.Context, tx *gorm.DB, account accountdomain.Account, balance decimal.Decimal, asOf time.Time) error {
	cache := ledgerdomain.BalanceCache{
		AccountID: account.ID,
		DomainID:  account.DomainID,
		Balance:   balance,
		AsOf:      asOf,
		UpdatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"balance", "as_of", "updated_at"}),
		}).
		Create(&cache).Error; err != nil {
		return fmt.Errorf("upsert balance cache: %w", err)
	}

	s.log.Info("ledger run complete",
		zap.String("account_id", account.ID.String()),
		zap.String("balance", balance.String()),
		zap.Time("as_of", asOf))
	return nil
}

// seedRunning resolves the starting balance for an account with no ledger
// head: the credits posted before start, persisted as the first snapshot.
// Rated history without any snapshot is a consistency error unless the
// compat flag tolerates it.
func (s *Service) seedRunning(ctx context.Context, tx *gorm.DB, account accountdomain.Account, start time.Time) (decimal.Decimal, error) {
	hasHistory, err := s.hasComputedUsageBefore(ctx, tx, account.ID, start)
	if err != nil {
		return decimal.Zero, err
	}
	if hasHistory && !s.compatZeroSeed {
		return decimal.Zero, fmt.Errorf("%w: account %s, window start %s",
			ledgerdomain.ErrMissingPriorSnapshot, account.ID, start.Format(time.RFC3339))
	}
	if hasHistory {
		s.log.Warn("account has rated history but no prior snapshot, seeding from credits",
			zap.String("account_id", account.ID.String()),
			zap.Time("window_start", start))
	}

	credits, err := s.creditsBetween(ctx, tx, account.ID, time.Time{}, start)
	if err != nil {
		return decimal.Zero, err
	}
	if err := s.persistSnapshot(ctx, tx, account, start, credits); err != nil {
		return decimal.Zero, err
	}
	return credits, nil
}

func (s *Service) persistSnapshot(ctx context.Context, tx *gorm.DB, account accountdomain.Account, postedAt time.Time, amount decimal.Decimal) error {
	entry := ledgerdomain.Entry{
		ID:        s.genID.Generate(),
		AccountID: account.ID,
		DomainID:  account.DomainID,
		Kind:      ledgerdomain.KindSnapshot,
		Amount:    amount,
		PostedAt:  postedAt,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("persist balance snapshot: %w", err)
	}
	obsmetrics.Engine().IncSnapshotsWritten()
	return nil
}

// latestSnapshot returns the account's ledger head, the most recent
// snapshot of any age.
func (s *Service) latestSnapshot(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*ledgerdomain.Entry, error) {
	var entry ledgerdomain.Entry
	err := tx.WithContext(ctx).
		Where("account_id = ? AND kind = ?", accountID, ledgerdomain.KindSnapshot).
		Order("posted_at DESC, id DESC").
		First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find ledger head: %w", err)
	}
	return &entry, nil
}

// creditsBetween sums CREDIT amounts posted inside (start, end]. A zero
// start means from the beginning of the ledger. Summation happens in Go so
// amounts stay decimal end to end.
func (s *Service) creditsBetween(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, start, end time.Time) (decimal.Decimal, error) {
	query := tx.WithContext(ctx).
		Where("account_id = ? AND kind = ? AND posted_at <= ?", accountID, ledgerdomain.KindCredit, end)
	if !start.IsZero() {
		query = query.Where("posted_at > ?", start)
	}

	var entries []ledgerdomain.Entry
	if err := query.Find(&entries).Error; err != nil {
		return decimal.Zero, fmt.Errorf("sum credits: %w", err)
	}

	sum := decimal.Zero
	for i := range entries {
		sum = sum.Add(entries[i].Amount)
	}
	return sum, nil
}

func (s *Service) hasComputedUsageBefore(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, before time.Time) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).
		Model(&ratingdomain.ComputedUsage{}).
		Where("account_id = ? AND end_date < ?", accountID, before).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check rated history: %w", err)
	}
	return count > 0, nil
}

// PostCredit appends a CREDIT entry. Credits take effect on the next
// ledger run; the cached balance is not touched here.
func (s *Service) PostCredit(ctx context.Context, accountID, domainID snowflake.ID, amount decimal.Decimal, postedAt time.Time) (*ledgerdomain.Entry, error) {
	if postedAt.IsZero() {
		postedAt = s.clock.Now()
	}
	entry := ledgerdomain.Entry{
		ID:        s.genID.Generate(),
		AccountID: accountID,
		DomainID:  domainID,
		Kind:      ledgerdomain.KindCredit,
		Amount:    amount,
		PostedAt:  postedAt,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("post credit: %w", err)
	}
	s.log.Info("credit posted",
		zap.String("account_id", accountID.String()),
		zap.String("amount", amount.String()))
	return &entry, nil
}

func (s *Service) CurrentBalance(ctx context.Context, accountID snowflake.ID) (*ledgerdomain.BalanceCache, error) {
	var cache ledgerdomain.BalanceCache
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&cache).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load balance cache: %w", err)
	}
	return &cache, nil
}

func (s *Service) EntriesBetween(ctx context.Context, accountID snowflake.ID, start, end time.Time) ([]ledgerdomain.Entry, error) {
	var entries []ledgerdomain.Entry
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND posted_at >= ? AND posted_at < ?", accountID, start, end).
		Order("posted_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}
