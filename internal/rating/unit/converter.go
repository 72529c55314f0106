// Package unit converts aggregated tariff values plus raw usage into
// currency amounts, per usage-unit kind. All arithmetic is decimal; binary
// floating point would make ledger snapshots irreproducible.
package unit

import (
	"time"

	tariffdomain "github.com/cloudmeter/quota/internal/tariff/domain"
	"github.com/shopspring/decimal"
)

const divisionScale = 8

var (
	gib = decimal.NewFromInt(1 << 30)
	two = decimal.NewFromInt(2)
)

// HoursInMonth returns the hour count of t's calendar month.
func HoursInMonth(t time.Time) decimal.Decimal {
	year, month, _ := t.UTC().Date()
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	days := firstOfMonth.AddDate(0, 1, -1).Day()
	return decimal.NewFromInt(int64(days) * 24)
}

// Converter turns tariff values into costs. HoursFn defaults to
// HoursInMonth and is injectable for tests.
type Converter struct {
	HoursFn func(time.Time) decimal.Decimal
}

func NewConverter() *Converter {
	return &Converter{HoursFn: HoursInMonth}
}

// Cost converts an aggregated tariff value and a record's raw usage into a
// currency amount. recordStart selects the calendar month for the
// hours-in-month divisor. Unrecognized units cost zero.
func (c *Converter) Cost(unit tariffdomain.UsageUnit, rawUsage decimal.Decimal, sizeBytes int64, tariffValue decimal.Decimal, recordStart time.Time) decimal.Decimal {
	switch unit {
	case tariffdomain.UnitComputeMonth, tariffdomain.UnitIPMonth, tariffdomain.UnitPolicyMonth:
		return rawUsage.Mul(c.costPerHour(tariffValue, recordStart))

	case tariffdomain.UnitGB:
		usageInGB := divRoundHalfEven(rawUsage, gib, divisionScale)
		return usageInGB.Mul(tariffValue)

	case tariffdomain.UnitGBMonth:
		gbInUse := divRoundHalfEven(decimal.NewFromInt(sizeBytes), gib, divisionScale)
		return rawUsage.Mul(c.costPerHour(tariffValue, recordStart)).Mul(gbInUse)

	case tariffdomain.UnitBytes, tariffdomain.UnitIOPS:
		return rawUsage.Mul(tariffValue)

	default:
		return decimal.Zero
	}
}

func (c *Converter) costPerHour(costPerMonth decimal.Decimal, recordStart time.Time) decimal.Decimal {
	hours := c.HoursFn(recordStart)
	return divRoundHalfEven(costPerMonth, hours, divisionScale)
}

// divRoundHalfEven divides a by b and rounds the quotient to the given
// number of fractional digits using banker's rounding. decimal.DivRound
// rounds half away from zero, so the tie handling is done on the exact
// remainder instead.
func divRoundHalfEven(a, b decimal.Decimal, scale int32) decimal.Decimal {
	quotient, remainder := a.QuoRem(b, scale)
	if remainder.IsZero() {
		return quotient
	}

	step := decimal.New(1, -scale)
	twiceRemainder := remainder.Abs().Mul(two)
	halfStepOfB := b.Abs().Mul(step)

	switch twiceRemainder.Cmp(halfStepOfB) {
	case -1:
		return quotient
	case 0:
		if quotient.Shift(scale).Abs().Mod(two).IsZero() {
			return quotient
		}
	}

	if a.Sign()*b.Sign() < 0 {
		return quotient.Sub(step)
	}
	return quotient.Add(step)
}
