// Package policy computes the amount due on a charge as of a reference date.
//
// All functions are pure: they never mutate their inputs and hold no state, so
// historical snapshots can be recomputed by passing an earlier reference date.
package policy

import (
	"time"

	"github.com/shopspring/decimal"
)

// DaysPerMonth converts days late into fractional months of interest.
const DaysPerMonth = 30

var (
	hundred         = decimal.NewFromInt(100)
	interestDivisor = decimal.NewFromInt(100 * DaysPerMonth)
)

// Terms are the inputs of the adjustment computation. Rates are percentages
// (2 means 2%). Amounts are in cents.
type Terms struct {
	Principal           int64
	DueDate             time.Time
	PenaltyRate         decimal.Decimal
	MonthlyInterestRate decimal.Decimal
	DiscountRate        decimal.Decimal
	DiscountDeadline    *time.Time
}

// HasDiscount reports whether an early-payment discount is configured.
func (t Terms) HasDiscount() bool {
	return t.DiscountDeadline != nil && t.DiscountRate.IsPositive()
}

// Breakdown explains how Total was reached. Discount, Interest and Penalty are
// rounded for display only; Total is rounded once from the exact terms and is
// the only authoritative figure.
type Breakdown struct {
	AsOf       time.Time       `json:"as_of"`
	Principal  int64           `json:"principal"`
	Discount   int64           `json:"discount"`
	Interest   int64           `json:"interest"`
	Penalty    int64           `json:"penalty"`
	Total      int64           `json:"total"`
	DaysLate   int             `json:"days_late"`
	MonthsLate decimal.Decimal `json:"months_late"`
}

// Compute returns the adjusted amount for terms as of asOf.
func Compute(t Terms, asOf time.Time) Breakdown {
	principal := decimal.NewFromInt(t.Principal)

	b := Breakdown{
		AsOf:       asOf,
		Principal:  t.Principal,
		MonthsLate: decimal.Zero,
	}

	daysLate := DaysBetween(t.DueDate, asOf)
	if daysLate <= 0 {
		if t.HasDiscount() && DaysBetween(*t.DiscountDeadline, asOf) <= 0 {
			discount := principal.Mul(t.DiscountRate).Div(hundred)
			b.Discount = roundCents(discount)
			b.Total = roundCents(principal.Sub(discount))

			return b
		}

		b.Total = t.Principal

		return b
	}

	days := decimal.NewFromInt(int64(daysLate))

	// Single division keeps exact half cents exact.
	interest := principal.Mul(t.MonthlyInterestRate).Mul(days).Div(interestDivisor)
	penalty := principal.Mul(t.PenaltyRate).Div(hundred)

	b.DaysLate = daysLate
	b.MonthsLate = days.Div(decimal.NewFromInt(DaysPerMonth))
	b.Interest = roundCents(interest)
	b.Penalty = roundCents(penalty)
	b.Total = roundCents(principal.Add(interest).Add(penalty))

	return b
}

// DaysBetween returns the number of calendar days from -> to, comparing the
// civil dates of both instants in their own locations.
func DaysBetween(from, to time.Time) int {
	return int(civil(to).Sub(civil(from)).Hours() / 24)
}

// civil drops the time of day, keeping the calendar date.
func civil(t time.Time) time.Time {
	y, m, d := t.Date()

	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// roundCents rounds half-up to whole cents. Amounts are never negative, so
// decimal's half-away-from-zero rounding is half-up here.
func roundCents(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}
