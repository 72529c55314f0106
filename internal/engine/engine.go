// Package engine orchestrates the rating passes and the balance ledger
// builder over all accounts on a timer.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	accountdomain "github.com/cloudmeter/quota/internal/account/domain"
	"github.com/cloudmeter/quota/internal/clock"
	ledgerdomain "github.com/cloudmeter/quota/internal/ledger/domain"
	obsmetrics "github.com/cloudmeter/quota/internal/observability/metrics"
	ratingdomain "github.com/cloudmeter/quota/internal/rating/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("engine: missing required dependency")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Accounts  accountdomain.Directory
	RatingSvc ratingdomain.Service
	LedgerSvc ledgerdomain.Service
	Clock     clock.Clock
	Config    Config `optional:"true"`
}

type Engine struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	accounts  accountdomain.Directory
	ratingSvc ratingdomain.Service
	ledgerSvc ledgerdomain.Service
	clock     clock.Clock
}

func New(p Params) (*Engine, error) {
	if p.DB == nil || p.Log == nil || p.Accounts == nil || p.RatingSvc == nil || p.LedgerSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Engine{
		db:        p.DB,
		log:       p.Log.Named("engine").With(zap.String("component", "engine")),
		cfg:       p.Config.withDefaults(),
		accounts:  p.Accounts,
		ratingSvc: p.RatingSvc,
		ledgerSvc: p.LedgerSvc,
		clock:     p.Clock,
	}, nil
}

// RunForever triggers RunOnce on every tick until the context is canceled.
func (e *Engine) RunForever(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := e.RunOnce(ctx); err != nil {
			e.log.Warn("engine run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce processes every account exactly once. Accounts are independent,
// so they are fanned out over a fixed worker pool; one account's failure
// never rolls back or blocks another's. The returned error reflects only
// the inability to list accounts, not per-account pass failures.
func (e *Engine) RunOnce(ctx context.Context) error {
	start := time.Now()
	engMetrics := obsmetrics.Engine()
	defer func() { engMetrics.ObserveRunDuration(time.Since(start)) }()

	accounts, err := e.accounts.ListAll(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}

	work := make(chan accountdomain.Account)
	var wg sync.WaitGroup

	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for account := range work {
				e.runAccount(ctx, account, engMetrics)
			}
		}()
	}

	for i := range accounts {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return ctx.Err()
		case work <- accounts[i]:
		}
	}
	close(work)
	wg.Wait()
	return nil
}

func (e *Engine) runAccount(ctx context.Context, account accountdomain.Account, engMetrics *obsmetrics.EngineMetrics) {
	log := e.log.With(zap.String("account_id", account.ID.String()))

	accountCtx, cancel := context.WithTimeout(ctx, e.cfg.AccountTimeout)
	defer cancel()

	usages, err := e.processAccount(accountCtx, account)
	if err != nil {
		engMetrics.IncAccountRun(obsmetrics.AccountRunStatusFailed)
		engMetrics.IncPassError(err)
		log.Error("account pass failed, deferring to next run",
			zap.String("kind", obsmetrics.ClassifyPassError(err)),
			zap.Error(err))
		return
	}

	if len(usages) == 0 {
		engMetrics.IncAccountRun(obsmetrics.AccountRunStatusSkipped)
		return
	}
	engMetrics.IncAccountRun(obsmetrics.AccountRunStatusOK)
	engMetrics.AddRecordsRated(len(usages))
	log.Debug("account pass complete", zap.Int("computed_usages", len(usages)))
}

// processAccount runs both rating passes and the ledger builder for one
// account inside a single transaction. A crash or error mid-pass leaves the
// account's usage records unmarked and its ledger untouched.
func (e *Engine) processAccount(ctx context.Context, account accountdomain.Account) ([]ratingdomain.ComputedUsage, error) {
	var usages []ratingdomain.ComputedUsage

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		byEntry, err := e.ratingSvc.ByEntryPass(ctx, tx, account)
		if err != nil {
			return err
		}

		monthly, err := e.ratingSvc.MonthlyPass(ctx, tx, account)
		if err != nil {
			return err
		}

		usages = mergeByStartDate(byEntry, monthly)
		return e.ledgerSvc.ProcessBalance(ctx, tx, account, usages)
	})
	if err != nil {
		return nil, err
	}
	return usages, nil
}

// mergeByStartDate concatenates both passes' outputs preserving the
// ledger builder's ordering requirement.
func mergeByStartDate(byEntry, monthly []ratingdomain.ComputedUsage) []ratingdomain.ComputedUsage {
	merged := make([]ratingdomain.ComputedUsage, 0, len(byEntry)+len(monthly))
	merged = append(merged, byEntry...)
	merged = append(merged, monthly...)
	sortByStartDate(merged)
	return merged
}
