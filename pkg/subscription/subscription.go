package subscription

import (
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
)

// ReminderMethod is the channel a billing reminder is sent through.
type ReminderMethod string

const (
	ReminderEmail ReminderMethod = "email"
	ReminderSMS   ReminderMethod = "sms"
	ReminderPush  ReminderMethod = "push"
	ReminderInApp ReminderMethod = "in_app"
)

// ReminderMethods lists every supported reminder channel.
var ReminderMethods = []ReminderMethod{ReminderEmail, ReminderSMS, ReminderPush, ReminderInApp}

// Reminders is the reminder configuration of a subscription.
type Reminders struct {
	Enabled    bool
	DaysBefore int
	Method     ReminderMethod
}

// Payment is a single recorded payment.
type Payment struct {
	ID     string
	Amount decimal.Decimal
	Date   civil.Date
	Notes  string
}

// Details are the user editable attributes of a subscription.
// Website and Category are optional and empty when absent.
type Details struct {
	Name         string
	Description  string
	Amount       decimal.Decimal
	Currency     string
	BillingCycle BillingCycle
	Website      string
	Category     string
}

// Subscription is the event-sourced aggregate. It is a value: every operation
// returns the new state together with the events that produced it and never
// modifies the receiver.
type Subscription struct {
	ID string
	Details
	StartDate civil.Date
	// EndDate is zero until the subscription is cancelled.
	EndDate   civil.Date
	Status    Status
	Reminders Reminders
	Payments  []Payment
	// Version is the number of events the state was folded from.
	Version int64
}

// Create starts a new subscription.
func Create(id string, details Details, startDate civil.Date) (Subscription, []Event, error) {
	return Subscription{ID: id}.record(Created{
		SubscriptionID: id,
		Name:           details.Name,
		Description:    details.Description,
		Amount:         details.Amount,
		Currency:       details.Currency,
		BillingCycle:   details.BillingCycle,
		StartDate:      startDate,
		Website:        details.Website,
		Category:       details.Category,
	})
}

// Update replaces the editable details. Payments and reminders are left as they are.
func (s Subscription) Update(details Details) (Subscription, []Event, error) {
	if s.IsCancelled() {
		return s, nil, ErrSubscriptionCancelled
	}
	return s.record(Updated{
		SubscriptionID: s.ID,
		Name:           details.Name,
		Description:    details.Description,
		Amount:         details.Amount,
		Currency:       details.Currency,
		BillingCycle:   details.BillingCycle,
		Website:        details.Website,
		Category:       details.Category,
	})
}

// Cancel ends the subscription on endDate. Cancellation is terminal.
func (s Subscription) Cancel(endDate civil.Date) (Subscription, []Event, error) {
	if s.IsCancelled() {
		return s, nil, ErrAlreadyCancelled
	}
	return s.record(Cancelled{SubscriptionID: s.ID, EndDate: endDate})
}

// ConfigureReminders replaces the reminder configuration wholesale.
func (s Subscription) ConfigureReminders(daysBefore int, enabled bool, method ReminderMethod) (Subscription, []Event, error) {
	if s.IsCancelled() {
		return s, nil, ErrSubscriptionCancelled
	}
	return s.record(RemindersConfigured{
		SubscriptionID: s.ID,
		Enabled:        enabled,
		DaysBefore:     daysBefore,
		Method:         method,
	})
}

// RecordPayment appends a payment. The amount is not compared with the subscription price.
func (s Subscription) RecordPayment(paymentID string, amount decimal.Decimal, paymentDate civil.Date, notes string) (Subscription, []Event, error) {
	if s.IsCancelled() {
		return s, nil, ErrSubscriptionCancelled
	}
	return s.record(PaymentRecorded{
		SubscriptionID: s.ID,
		PaymentID:      paymentID,
		Amount:         amount,
		PaymentDate:    paymentDate,
		Notes:          notes,
	})
}

// FromEvents rebuilds a subscription by folding its history in order.
func FromEvents(id string, events []Event) (Subscription, error) {
	s := Subscription{ID: id}
	for i, event := range events {
		next, err := s.apply(event)
		if err != nil {
			return Subscription{}, fmt.Errorf("replay subscription %s at version %d: %w", id, i+1, err)
		}
		s = next
	}
	return s, nil
}

// record applies a freshly decided event and returns it as the operation's output.
func (s Subscription) record(event Event) (Subscription, []Event, error) {
	next, err := s.apply(event)
	if err != nil {
		return s, nil, err
	}
	return next, []Event{event}, nil
}

// apply is the pure transition function of the aggregate.
func (s Subscription) apply(event Event) (Subscription, error) {
	if _, created := event.(Created); !created && s.Version == 0 {
		return s, fmt.Errorf("%s before %s", event.EventType(), EventTypeCreated)
	}

	switch e := event.(type) {
	case Created:
		if s.Version != 0 {
			return s, fmt.Errorf("%s after version %d", e.EventType(), s.Version)
		}
		s.Details = Details{
			Name:         e.Name,
			Description:  e.Description,
			Amount:       e.Amount,
			Currency:     e.Currency,
			BillingCycle: e.BillingCycle,
			Website:      e.Website,
			Category:     e.Category,
		}
		s.StartDate = e.StartDate
		s.Status = StatusActive
	case Updated:
		s.Details = Details{
			Name:         e.Name,
			Description:  e.Description,
			Amount:       e.Amount,
			Currency:     e.Currency,
			BillingCycle: e.BillingCycle,
			Website:      e.Website,
			Category:     e.Category,
		}
	case Cancelled:
		s.EndDate = e.EndDate
		s.Status = StatusCancelled
	case RemindersConfigured:
		s.Reminders = Reminders{Enabled: e.Enabled, DaysBefore: e.DaysBefore, Method: e.Method}
	case PaymentRecorded:
		payments := make([]Payment, len(s.Payments), len(s.Payments)+1)
		copy(payments, s.Payments)
		s.Payments = append(payments, Payment{
			ID:     e.PaymentID,
			Amount: e.Amount,
			Date:   e.PaymentDate,
			Notes:  e.Notes,
		})
	default:
		return s, fmt.Errorf("unexpected event %T", event)
	}

	s.Version++
	return s, nil
}

// IsCancelled reports whether the subscription has been cancelled.
func (s Subscription) IsCancelled() bool {
	return s.Status == StatusCancelled
}

// TotalPaid sums every recorded payment.
func (s Subscription) TotalPaid() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Payments {
		total = total.Add(p.Amount)
	}
	return total
}

// NextBillingDate is the first billing date after the given day, if the
// subscription is active and its cycle has fixed periods.
func (s Subscription) NextBillingDate(after civil.Date) (civil.Date, bool) {
	if s.Status != StatusActive {
		return civil.Date{}, false
	}
	return s.BillingCycle.NextBillingDate(s.StartDate, after)
}
