package subscription

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// BillingCycle is how often a subscription is charged.
type BillingCycle string

const (
	BillingCycleWeekly    BillingCycle = "weekly"
	BillingCycleMonthly   BillingCycle = "monthly"
	BillingCycleQuarterly BillingCycle = "quarterly"
	BillingCycleYearly    BillingCycle = "yearly"
	// BillingCycleCustom has no fixed period; billing dates are tracked by the user.
	BillingCycleCustom BillingCycle = "custom"
)

// BillingCycles lists every known cycle.
var BillingCycles = []BillingCycle{
	BillingCycleWeekly,
	BillingCycleMonthly,
	BillingCycleQuarterly,
	BillingCycleYearly,
	BillingCycleCustom,
}

// ParseBillingCycle maps a raw value onto a known cycle.
func ParseBillingCycle(value string) (BillingCycle, error) {
	cycle := BillingCycle(value)
	if !cycle.IsValid() {
		return "", fmt.Errorf("unknown billing cycle %q", value)
	}
	return cycle, nil
}

// IsValid reports whether c is one of the known cycles.
func (c BillingCycle) IsValid() bool {
	switch c {
	case BillingCycleWeekly, BillingCycleMonthly, BillingCycleQuarterly, BillingCycleYearly, BillingCycleCustom:
		return true
	}
	return false
}

func (c BillingCycle) String() string {
	return string(c)
}

// period returns the calendar step of one cycle. ok is false for custom.
func (c BillingCycle) period() (years, months, days int, ok bool) {
	switch c {
	case BillingCycleWeekly:
		return 0, 0, 7, true
	case BillingCycleMonthly:
		return 0, 1, 0, true
	case BillingCycleQuarterly:
		return 0, 3, 0, true
	case BillingCycleYearly:
		return 1, 0, 0, true
	}
	return 0, 0, 0, false
}

// BillingDate returns the n-th billing date counted from start (n = 0 is start).
// Month based cycles are always computed from start so a subscription starting
// on the 31st bills on the last day of shorter months instead of drifting.
func (c BillingCycle) BillingDate(start civil.Date, n int) (civil.Date, bool) {
	years, months, days, ok := c.period()
	if !ok {
		return civil.Date{}, false
	}
	if days > 0 {
		return start.AddDays(days * n), true
	}

	totalMonths := (years*12 + months) * n
	first := civil.Date{Year: start.Year, Month: start.Month, Day: 1}
	target := civil.DateOf(first.In(time.UTC).AddDate(0, totalMonths, 0))
	lastDay := civil.DateOf(time.Date(target.Year, target.Month+1, 0, 0, 0, 0, 0, time.UTC)).Day
	target.Day = min(start.Day, lastDay)
	return target, true
}

// NextBillingDate returns the first billing date strictly after the given date.
// Custom cycles have no computable next date.
func (c BillingCycle) NextBillingDate(start, after civil.Date) (civil.Date, bool) {
	if _, _, _, ok := c.period(); !ok {
		return civil.Date{}, false
	}
	if start.After(after) {
		return start, true
	}

	// Jump close to the answer, then step.
	n := 0
	if c == BillingCycleWeekly {
		n = after.DaysSince(start) / 7
	} else {
		years, months, _, _ := c.period()
		elapsed := (after.Year-start.Year)*12 + int(after.Month-start.Month)
		n = max(elapsed/(years*12+months)-1, 0)
	}
	for {
		date, _ := c.BillingDate(start, n)
		if date.After(after) {
			return date, true
		}
		n++
	}
}

// AnnualAmount is the yearly cost of paying amount once per cycle.
// Custom cycles are counted once per year.
func (c BillingCycle) AnnualAmount(amount decimal.Decimal) decimal.Decimal {
	switch c {
	case BillingCycleWeekly:
		return amount.Mul(decimal.NewFromInt(52))
	case BillingCycleMonthly:
		return amount.Mul(decimal.NewFromInt(12))
	case BillingCycleQuarterly:
		return amount.Mul(decimal.NewFromInt(4))
	}
	return amount
}
