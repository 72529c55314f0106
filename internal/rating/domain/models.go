// Package domain contains the rated-usage models and the rating service
// contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/cloudmeter/quota/internal/account/domain"
	tariffdomain "github.com/cloudmeter/quota/internal/tariff/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	// ErrEvaluation wraps activation-rule failures; any occurrence aborts
	// the whole pass for the account.
	ErrEvaluation = errors.New("rating: activation rule evaluation failed")
	// ErrMalformedRecord marks a usage record the pass skips (data error).
	ErrMalformedRecord = errors.New("rating: malformed usage record")
)

// ComputedUsage is the charged amount for one usage record (by-entry) or
// one resource and scheduled day (monthly). Rows are never mutated after
// the pass that created them commits.
type ComputedUsage struct {
	ID            snowflake.ID           `gorm:"primaryKey"`
	AccountID     snowflake.ID           `gorm:"not null;index"`
	DomainID      snowflake.ID           `gorm:"not null"`
	ZoneID        snowflake.ID           `gorm:""`
	UsageType     tariffdomain.UsageType `gorm:"type:text;not null"`
	UsageRecordID snowflake.ID           `gorm:"index"` // zero for monthly rows
	ResourceID    snowflake.ID           `gorm:"index"`
	StartDate     time.Time              `gorm:"not null;index"`
	EndDate       time.Time              `gorm:"not null"`
	Amount        decimal.Decimal        `gorm:"type:decimal(24,8);not null"`
	CreatedAt     time.Time
}

// TableName sets the database table name.
func (ComputedUsage) TableName() string { return "computed_usages" }

// ComputedUsageDetail records one tariff's contribution to a ComputedUsage,
// for audit and for monthly idempotence detection.
type ComputedUsageDetail struct {
	ID              snowflake.ID    `gorm:"primaryKey"`
	ComputedUsageID snowflake.ID    `gorm:"not null;index"`
	TariffID        snowflake.ID    `gorm:"not null;index"`
	Amount          decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	CreatedAt       time.Time
}

// TableName sets the database table name.
func (ComputedUsageDetail) TableName() string { return "computed_usage_details" }

// Service runs the calculation passes for one account. Both passes expect
// to be called inside the account's transaction; nothing is committed when
// either returns an error.
type Service interface {
	// ByEntryPass rates every pending usage record of the account and
	// marks them calculated. Returned usages are ordered by start date.
	ByEntryPass(ctx context.Context, tx *gorm.DB, account accountdomain.Account) ([]ComputedUsage, error)
	// MonthlyPass rates each due MONTHLY tariff once per resource for the
	// prior one-month window, skipping resource/tariff pairs already rated
	// for the scheduled day.
	MonthlyPass(ctx context.Context, tx *gorm.DB, account accountdomain.Account) ([]ComputedUsage, error)
}
