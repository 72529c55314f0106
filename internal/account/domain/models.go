// Package domain describes the account directory consumed by the engine.
// Account administration itself lives outside this module; the engine only
// resolves identity and the per-account quota flag.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Account is a billable tenant.
type Account struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	DomainID    snowflake.ID `gorm:"not null;index"`
	ProjectID   snowflake.ID
	Name        string `gorm:"type:text;not null"`
	DomainName  string `gorm:"type:text"`
	ProjectName string `gorm:"type:text"`
	// No column default here: gorm drops zero values for defaulted
	// columns on insert, which would make false unstorable.
	QuotaEnabled bool `gorm:"not null"`
	CreatedAt    time.Time
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// Directory resolves accounts for a calculation run.
type Directory interface {
	// ListAll returns every known account. Disabled accounts are still
	// returned: their pending usage is marked calculated without rating.
	ListAll(ctx context.Context) ([]Account, error)
}
