// Package domain defines the append-only balance ledger. SNAPSHOT entries
// are written exclusively by the ledger service; CREDIT entries come from
// the credit-posting operation and are pure input to balance chaining.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/cloudmeter/quota/internal/account/domain"
	ratingdomain "github.com/cloudmeter/quota/internal/rating/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type EntryKind string

const (
	KindSnapshot EntryKind = "SNAPSHOT"
	KindCredit   EntryKind = "CREDIT"
)

// Entry is one row of an account's ledger.
type Entry struct {
	ID        snowflake.ID    `gorm:"primaryKey"`
	AccountID snowflake.ID    `gorm:"not null;index:idx_ledger_account_posted"`
	DomainID  snowflake.ID    `gorm:"not null"`
	Kind      EntryKind       `gorm:"type:text;not null"`
	Amount    decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	PostedAt  time.Time       `gorm:"not null;index:idx_ledger_account_posted"`
	CreatedAt time.Time
}

func (Entry) TableName() string { return "ledger_entries" }

// BalanceCache is the denormalized current balance, upserted after every
// ledger run.
type BalanceCache struct {
	AccountID snowflake.ID    `gorm:"primaryKey"`
	DomainID  snowflake.ID    `gorm:"not null"`
	Balance   decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	AsOf      time.Time       `gorm:"not null"`
	UpdatedAt time.Time
}

func (BalanceCache) TableName() string { return "account_balances" }

var (
	// ErrSnapshotOutOfOrder means a snapshot already exists at or after the
	// point the builder is about to write one. The ledger is append-only and
	// strictly ordered, so this is fatal for the account's run.
	ErrSnapshotOutOfOrder = errors.New("ledger snapshot out of order")

	// ErrMissingPriorSnapshot means the account has rated usage history but
	// no snapshot precedes the current window.
	ErrMissingPriorSnapshot = errors.New("no prior ledger snapshot for account with usage history")
)

// Service builds balance snapshots from computed usage and credits.
type Service interface {
	// ProcessBalance chains the run's computed usages with the account's
	// credits into ordered balance snapshots and refreshes the cached
	// balance. Usages must be sorted by start date.
	ProcessBalance(ctx context.Context, tx *gorm.DB, account accountdomain.Account, usages []ratingdomain.ComputedUsage) error

	// PostCredit appends a CREDIT entry for the account.
	PostCredit(ctx context.Context, accountID, domainID snowflake.ID, amount decimal.Decimal, postedAt time.Time) (*Entry, error)

	// CurrentBalance returns the cached balance, or nil if the account has
	// never completed a ledger run.
	CurrentBalance(ctx context.Context, accountID snowflake.ID) (*BalanceCache, error)

	// EntriesBetween lists the account's ledger entries posted inside
	// [start, end), oldest first.
	EntriesBetween(ctx context.Context, accountID snowflake.ID, start, end time.Time) ([]Entry, error)
}
