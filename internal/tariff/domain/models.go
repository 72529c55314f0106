// Package domain contains the tariff catalog models: the closed set of
// metered usage types, their billing units, and the tariff rows priced
// against them.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidUsageType   = errors.New("tariff: invalid usage type")
	ErrInvalidPeriod      = errors.New("tariff: invalid processing period")
	ErrInvalidScheduleDay = errors.New("tariff: schedule day must be between 1 and 28")
	ErrTariffNotFound     = errors.New("tariff: not found")
)

// ProcessingPeriod selects when a tariff is applied.
type ProcessingPeriod string

const (
	// PeriodByEntry rates every individual usage record.
	PeriodByEntry ProcessingPeriod = "BY_ENTRY"
	// PeriodMonthly rates once per resource per calendar month, on the
	// tariff's scheduled day.
	PeriodMonthly ProcessingPeriod = "MONTHLY"
)

func (p ProcessingPeriod) Valid() bool {
	return p == PeriodByEntry || p == PeriodMonthly
}

// UsageUnit is the billing unit a usage type is metered in.
type UsageUnit string

const (
	UnitComputeMonth UsageUnit = "Compute-Month"
	UnitIPMonth      UsageUnit = "IP-Month"
	UnitPolicyMonth  UsageUnit = "Policy-Month"
	UnitGB           UsageUnit = "GB"
	UnitGBMonth      UsageUnit = "GB-Month"
	UnitBytes        UsageUnit = "Bytes"
	UnitIOPS         UsageUnit = "IOPS"
)

// UsageType is one of the closed set of resource-consumption kinds.
type UsageType string

const (
	UsageTypeRunningVM            UsageType = "RUNNING_VM"
	UsageTypeAllocatedVM          UsageType = "ALLOCATED_VM"
	UsageTypeIPAddress            UsageType = "IP_ADDRESS"
	UsageTypeNetworkBytesSent     UsageType = "NETWORK_BYTES_SENT"
	UsageTypeNetworkBytesReceived UsageType = "NETWORK_BYTES_RECEIVED"
	UsageTypeVolume               UsageType = "VOLUME"
	UsageTypeTemplate             UsageType = "TEMPLATE"
	UsageTypeSnapshot             UsageType = "SNAPSHOT"
	UsageTypeSecurityPolicy       UsageType = "SECURITY_POLICY"
	UsageTypeVMDiskIO             UsageType = "VM_DISK_IO"
	UsageTypeVMDiskBytes          UsageType = "VM_DISK_BYTES"
	UsageTypeBackup               UsageType = "BACKUP"
)

type usageTypeInfo struct {
	Unit        UsageUnit
	Description string
	// Offering resources are grouped monthly by the offering that produced
	// them; network resources by the network the traffic crossed.
	OfferingResource bool
	NetworkResource  bool
}

var usageTypes = map[UsageType]usageTypeInfo{
	UsageTypeRunningVM:            {Unit: UnitComputeMonth, Description: "Running VM usage"},
	UsageTypeAllocatedVM:          {Unit: UnitComputeMonth, Description: "Allocated VM usage"},
	UsageTypeIPAddress:            {Unit: UnitIPMonth, Description: "IP address usage"},
	UsageTypeNetworkBytesSent:     {Unit: UnitGB, Description: "Network usage (transmitted)", NetworkResource: true},
	UsageTypeNetworkBytesReceived: {Unit: UnitGB, Description: "Network usage (received)", NetworkResource: true},
	UsageTypeVolume:               {Unit: UnitGBMonth, Description: "Volume usage"},
	UsageTypeTemplate:             {Unit: UnitGBMonth, Description: "Template usage"},
	UsageTypeSnapshot:             {Unit: UnitGBMonth, Description: "Snapshot usage"},
	UsageTypeSecurityPolicy:       {Unit: UnitPolicyMonth, Description: "Security policy usage"},
	UsageTypeVMDiskIO:             {Unit: UnitIOPS, Description: "VM disk I/O usage"},
	UsageTypeVMDiskBytes:          {Unit: UnitBytes, Description: "VM disk bytes usage"},
	UsageTypeBackup:               {Unit: UnitGBMonth, Description: "Backup storage usage", OfferingResource: true},
}

func (t UsageType) Valid() bool {
	_, ok := usageTypes[t]
	return ok
}

// Unit returns the billing unit of the usage type, or "" if unknown.
func (t UsageType) Unit() UsageUnit {
	return usageTypes[t].Unit
}

func (t UsageType) Description() string {
	return usageTypes[t].Description
}

// GroupsByOffering reports whether monthly rating groups this type's
// records by offering id instead of resource id.
func (t UsageType) GroupsByOffering() bool {
	return usageTypes[t].OfferingResource
}

// GroupsByNetwork reports whether monthly rating groups this type's records
// by network id.
func (t UsageType) GroupsByNetwork() bool {
	return usageTypes[t].NetworkResource
}

// Tariff prices a usage type, optionally conditioned on an activation rule.
//
// A tariff row is immutable once effective: updating a tariff inserts a new
// row with a fresh effective-from date and soft-removes the old one.
type Tariff struct {
	ID             snowflake.ID     `gorm:"primaryKey"`
	Name           string           `gorm:"type:text;not null"`
	UsageType      UsageType        `gorm:"type:text;not null;index"`
	Period         ProcessingPeriod `gorm:"type:text;not null;default:BY_ENTRY"`
	ScheduleDay    *int             // day-of-month 1..28, MONTHLY only
	CurrencyValue  decimal.Decimal  `gorm:"type:decimal(24,8);not null"`
	ActivationRule string           `gorm:"type:text"`
	EffectiveFrom  time.Time        `gorm:"not null;index"`
	EffectiveUntil *time.Time
	Position       int        `gorm:"not null;default:1"`
	Removed        *time.Time `gorm:"index"`
	CreatedAt      time.Time  `gorm:"not null"`
}

// TableName sets the database table name.
func (Tariff) TableName() string { return "tariffs" }

func (t *Tariff) HasActivationRule() bool {
	return t.ActivationRule != ""
}

// AppliesTo reports whether the tariff's validity window overlaps the
// [start, end] window of a usage record. The tariff does not apply when it
// ended before the record started or starts after the record ended.
func (t *Tariff) AppliesTo(start, end time.Time) bool {
	if t.EffectiveUntil != nil && start.After(*t.EffectiveUntil) {
		return false
	}
	return !end.Before(t.EffectiveFrom)
}

// Contribution is one tariff's evaluated value inside a calculation pass.
// Later tariffs of the same pass can reference earlier contributions
// through the rule environment, which is why catalog order matters.
type Contribution struct {
	TariffID snowflake.ID
	Value    decimal.Decimal
}
