// Package domain contains the raw usage records produced by the metering
// subsystem. This module only reads them and flips the calculated flag.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	tariffdomain "github.com/cloudmeter/quota/internal/tariff/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UsageRecord stores a single unit of metered activity.
type UsageRecord struct {
	ID          snowflake.ID           `gorm:"primaryKey"`
	AccountID   snowflake.ID           `gorm:"not null;index"`
	DomainID    snowflake.ID           `gorm:"not null"`
	ZoneID      snowflake.ID           `gorm:""`
	UsageType   tariffdomain.UsageType `gorm:"type:text;not null"`
	Description string                 `gorm:"type:text"`
	ResourceID  snowflake.ID           `gorm:""`
	OfferingID  snowflake.ID           `gorm:""`
	NetworkID   snowflake.ID           `gorm:""`
	// RawUsage is the metered quantity in the unit's raw scale: hours for
	// month-based units, bytes for GB units, operations for IOPS.
	RawUsage decimal.Decimal `gorm:"type:decimal(24,8);not null"`
	// SizeBytes is the provisioned capacity for capacity-based types.
	SizeBytes  int64     `gorm:"not null;default:0"`
	StartDate  time.Time `gorm:"not null;index"`
	EndDate    time.Time `gorm:"not null"`
	Calculated bool      `gorm:"not null;default:false;index"`
	CreatedAt  time.Time
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// ResourceKey returns the id monthly rating groups this record under:
// the offering for offering-scoped types, the network for traffic types,
// otherwise the record's own resource.
func (r *UsageRecord) ResourceKey() snowflake.ID {
	switch {
	case r.UsageType.GroupsByOffering():
		return r.OfferingID
	case r.UsageType.GroupsByNetwork():
		return r.NetworkID
	default:
		return r.ResourceID
	}
}

// Source is the narrow contract over the metering subsystem's records.
type Source interface {
	// WithTx scopes the source to a transaction.
	WithTx(tx *gorm.DB) Source
	// PendingForAccount returns the account's uncalculated records ordered
	// by start date.
	PendingForAccount(ctx context.Context, accountID snowflake.ID) ([]UsageRecord, error)
	// InWindow returns the account's records of a usage type whose start
	// date falls inside [start, end), ordered by start date, regardless of
	// the calculated flag.
	InWindow(ctx context.Context, accountID snowflake.ID, usageType tariffdomain.UsageType, start, end time.Time) ([]UsageRecord, error)
	// MarkCalculated flips the calculated flag for the given records.
	MarkCalculated(ctx context.Context, ids []snowflake.ID) error
}
