package projections

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/plaenen/subscriptions/pkg/subscription"
	"github.com/shopspring/decimal"
)

// Summary is one row of the subscription read model.
// Optional dates are the zero civil.Date when absent.
type Summary struct {
	ID           string
	Name         string
	Description  string
	Amount       decimal.Decimal
	Currency     string
	BillingCycle subscription.BillingCycle
	Website      string
	Category     string
	Status       subscription.Status
	StartDate    civil.Date
	EndDate      civil.Date

	// NextBillingDate is the next expected charge: the start date until the
	// first payment, then the first billing date after the latest payment.
	// Zero for cancelled subscriptions and custom cycles.
	NextBillingDate civil.Date

	Reminders       subscription.Reminders
	PaymentsCount   int
	TotalPaid       decimal.Decimal
	LastPaymentDate civil.Date
	Version         int64
	UpdatedAt       time.Time
}

// AnnualCost is the yearly cost of the subscription at its current amount.
func (s Summary) AnnualCost() decimal.Decimal {
	return s.BillingCycle.AnnualAmount(s.Amount)
}

// DueReminder is a reminder to send today for an upcoming billing date.
type DueReminder struct {
	Subscription Summary
	BillingDate  civil.Date
}

// apply folds one event into the row. The zero Summary is the row before Created.
func (s Summary) apply(event subscription.Event) Summary {
	switch e := event.(type) {
	case subscription.Created:
		s = Summary{
			ID:           e.SubscriptionID,
			Name:         e.Name,
			Description:  e.Description,
			Amount:       e.Amount,
			Currency:     e.Currency,
			BillingCycle: e.BillingCycle,
			Website:      e.Website,
			Category:     e.Category,
			Status:       subscription.StatusActive,
			StartDate:    e.StartDate,
			TotalPaid:    decimal.Zero,
		}
	case subscription.Updated:
		s.Name = e.Name
		s.Description = e.Description
		s.Amount = e.Amount
		s.Currency = e.Currency
		s.BillingCycle = e.BillingCycle
		s.Website = e.Website
		s.Category = e.Category
	case subscription.Cancelled:
		s.Status = subscription.StatusCancelled
		s.EndDate = e.EndDate
	case subscription.RemindersConfigured:
		s.Reminders = subscription.Reminders{Enabled: e.Enabled, DaysBefore: e.DaysBefore, Method: e.Method}
	case subscription.PaymentRecorded:
		s.PaymentsCount++
		s.TotalPaid = s.TotalPaid.Add(e.Amount)
		if !s.LastPaymentDate.IsValid() || e.PaymentDate.After(s.LastPaymentDate) {
			s.LastPaymentDate = e.PaymentDate
		}
	}

	s.NextBillingDate = s.nextBillingDate()
	return s
}

func (s Summary) nextBillingDate() civil.Date {
	if s.Status != subscription.StatusActive {
		return civil.Date{}
	}
	if !s.LastPaymentDate.IsValid() {
		if _, ok := s.BillingCycle.BillingDate(s.StartDate, 0); !ok {
			return civil.Date{}
		}
		return s.StartDate
	}
	next, ok := s.BillingCycle.NextBillingDate(s.StartDate, s.LastPaymentDate)
	if !ok {
		return civil.Date{}
	}
	return next
}

// reminderFor reports the billing date a reminder sent on today announces.
// A reminder is due when today plus the days-before lands on a billing date of
// the cycle's schedule, whether or not earlier charges were recorded.
func (s Summary) reminderFor(today civil.Date) (civil.Date, bool) {
	if s.Status != subscription.StatusActive || !s.Reminders.Enabled || s.Reminders.DaysBefore < 1 {
		return civil.Date{}, false
	}
	target := today.AddDays(s.Reminders.DaysBefore)
	next, ok := s.BillingCycle.NextBillingDate(s.StartDate, target.AddDays(-1))
	if !ok || next != target {
		return civil.Date{}, false
	}
	return target, true
}
