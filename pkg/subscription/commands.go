package subscription

import (
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/plaenen/subscriptions/pkg/idgen"
	"github.com/plaenen/subscriptions/pkg/validators"
	"github.com/shopspring/decimal"
)

// Command type names used to route commands on the command bus.
const (
	CommandTypeAddSubscription    = "subscription.AddSubscription"
	CommandTypeUpdateSubscription = "subscription.UpdateSubscription"
	CommandTypeCancelSubscription = "subscription.CancelSubscription"
	CommandTypeConfigureReminders = "subscription.ConfigureReminders"
	CommandTypeRecordPayment      = "subscription.RecordPayment"
)

// Command is a validated intent that decides new events from the current state.
type Command interface {
	eventsourcing.Command
	eventsourcing.Validatable

	// Decide runs the aggregate operation for the command against s.
	// The command must have passed Validate.
	Decide(s Subscription) (Subscription, []Event, error)
}

var ids idgen.Generator = idgen.UUID{}

// Limits on free-text subscription fields, in characters.
const (
	MaxNameLength        = 100
	MaxDescriptionLength = 1000
)

// DetailsInput carries the editable subscription fields as received from callers.
type DetailsInput struct {
	Name         string
	Description  string
	Amount       decimal.Decimal
	Currency     string
	BillingCycle string
	Website      string
	Category     string
}

func (in DetailsInput) validate() error {
	return validators.FirstError(
		validators.ValidateStringEmpty(in.Name, "name"),
		validators.ValidateStringLength(strings.TrimSpace(in.Name), "name", 1, MaxNameLength),
		validators.ValidateStringLength(in.Description, "description", 0, MaxDescriptionLength),
		validators.ValidatePositiveAmount(in.Amount, "amount"),
		validators.ValidateCurrency(in.Currency, "currency"),
		validators.ValidateOneOf(in.BillingCycle, "billing_cycle", billingCycleNames()),
		validators.ValidateOptionalURL(in.Website, "website"),
	)
}

func (in DetailsInput) details() (Details, error) {
	cycle, err := ParseBillingCycle(in.BillingCycle)
	if err != nil {
		return Details{}, eventsourcing.NewValidationError("billing_cycle", err.Error())
	}
	return Details{
		Name:         strings.TrimSpace(in.Name),
		Description:  in.Description,
		Amount:       in.Amount,
		Currency:     strings.ToUpper(in.Currency),
		BillingCycle: cycle,
		Website:      in.Website,
		Category:     in.Category,
	}, nil
}

func billingCycleNames() []string {
	names := make([]string, len(BillingCycles))
	for i, c := range BillingCycles {
		names[i] = c.String()
	}
	return names
}

func reminderMethodNames() []string {
	names := make([]string, len(ReminderMethods))
	for i, m := range ReminderMethods {
		names[i] = string(m)
	}
	return names
}

// parseDate parses a date that already passed validation.
func parseDate(value, fieldName string) (civil.Date, error) {
	date, result := validators.ValidateCalendarDate(value, fieldName)
	return date, result.Err()
}

// AddSubscription creates a new subscription.
type AddSubscription struct {
	SubscriptionID string
	DetailsInput
	StartDate string
}

// NewAddSubscription builds an AddSubscription with a freshly minted subscription id.
func NewAddSubscription(input DetailsInput, startDate string) AddSubscription {
	return AddSubscription{
		SubscriptionID: ids.NewID(),
		DetailsInput:   input,
		StartDate:      startDate,
	}
}

func (c AddSubscription) AggregateID() string { return c.SubscriptionID }
func (c AddSubscription) CommandType() string { return CommandTypeAddSubscription }

// CreatesAggregate marks AddSubscription as the command that starts a stream.
func (c AddSubscription) CreatesAggregate() bool { return true }

func (c AddSubscription) Validate(time.Time) error {
	if err := validators.ValidateStringEmpty(c.SubscriptionID, "subscription_id").Err(); err != nil {
		return err
	}
	if err := c.DetailsInput.validate(); err != nil {
		return err
	}
	_, result := validators.ValidateCalendarDate(c.StartDate, "start_date")
	return result.Err()
}

func (c AddSubscription) Decide(Subscription) (Subscription, []Event, error) {
	startDate, err := parseDate(c.StartDate, "start_date")
	if err != nil {
		return Subscription{}, nil, err
	}
	details, err := c.details()
	if err != nil {
		return Subscription{}, nil, err
	}
	return Create(c.SubscriptionID, details, startDate)
}

// UpdateSubscription replaces the editable details of an existing subscription.
type UpdateSubscription struct {
	SubscriptionID string
	DetailsInput
}

func (c UpdateSubscription) AggregateID() string { return c.SubscriptionID }
func (c UpdateSubscription) CommandType() string { return CommandTypeUpdateSubscription }

func (c UpdateSubscription) Validate(time.Time) error {
	if err := validators.ValidateStringEmpty(c.SubscriptionID, "subscription_id").Err(); err != nil {
		return err
	}
	return c.DetailsInput.validate()
}

func (c UpdateSubscription) Decide(s Subscription) (Subscription, []Event, error) {
	details, err := c.details()
	if err != nil {
		return s, nil, err
	}
	return s.Update(details)
}

// CancelSubscription ends a subscription on EndDate.
type CancelSubscription struct {
	SubscriptionID string
	EndDate        string
}

func (c CancelSubscription) AggregateID() string { return c.SubscriptionID }
func (c CancelSubscription) CommandType() string { return CommandTypeCancelSubscription }

// Validate rejects end dates before the calendar day of now.
func (c CancelSubscription) Validate(now time.Time) error {
	if err := validators.ValidateStringEmpty(c.SubscriptionID, "subscription_id").Err(); err != nil {
		return err
	}
	endDate, result := validators.ValidateCalendarDate(c.EndDate, "end_date")
	if !result.IsValid {
		return result.Err()
	}
	return validators.ValidateDateNotBefore(endDate, civil.DateOf(now), "end_date").Err()
}

func (c CancelSubscription) Decide(s Subscription) (Subscription, []Event, error) {
	endDate, err := parseDate(c.EndDate, "end_date")
	if err != nil {
		return s, nil, err
	}
	return s.Cancel(endDate)
}

// ConfigureReminders replaces the reminder settings of a subscription.
type ConfigureReminders struct {
	SubscriptionID string
	DaysBefore     int
	Enabled        bool
	Method         string
}

func (c ConfigureReminders) AggregateID() string { return c.SubscriptionID }
func (c ConfigureReminders) CommandType() string { return CommandTypeConfigureReminders }

func (c ConfigureReminders) Validate(time.Time) error {
	return validators.FirstError(
		validators.ValidateStringEmpty(c.SubscriptionID, "subscription_id"),
		validators.ValidateMinInt(c.DaysBefore, "days_before", 1),
		validators.ValidateOneOf(c.Method, "method", reminderMethodNames()),
	)
}

func (c ConfigureReminders) Decide(s Subscription) (Subscription, []Event, error) {
	return s.ConfigureReminders(c.DaysBefore, c.Enabled, ReminderMethod(c.Method))
}

// RecordPayment appends a payment to a subscription.
type RecordPayment struct {
	SubscriptionID string
	PaymentID      string
	Amount         decimal.Decimal
	PaymentDate    string
	Notes          string
}

// NewRecordPayment builds a RecordPayment with a freshly minted payment id.
func NewRecordPayment(subscriptionID string, amount decimal.Decimal, paymentDate, notes string) RecordPayment {
	return RecordPayment{
		SubscriptionID: subscriptionID,
		PaymentID:      ids.NewID(),
		Amount:         amount,
		PaymentDate:    paymentDate,
		Notes:          notes,
	}
}

func (c RecordPayment) AggregateID() string { return c.SubscriptionID }
func (c RecordPayment) CommandType() string { return CommandTypeRecordPayment }

func (c RecordPayment) Validate(time.Time) error {
	if err := validators.FirstError(
		validators.ValidateStringEmpty(c.SubscriptionID, "subscription_id"),
		validators.ValidateStringEmpty(c.PaymentID, "payment_id"),
		validators.ValidatePositiveAmount(c.Amount, "amount"),
	); err != nil {
		return err
	}
	_, result := validators.ValidateCalendarDate(c.PaymentDate, "payment_date")
	return result.Err()
}

func (c RecordPayment) Decide(s Subscription) (Subscription, []Event, error) {
	paymentDate, err := parseDate(c.PaymentDate, "payment_date")
	if err != nil {
		return s, nil, err
	}
	return s.RecordPayment(c.PaymentID, c.Amount, paymentDate, c.Notes)
}
