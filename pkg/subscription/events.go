package subscription

import (
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/shopspring/decimal"
)

// AggregateType is the aggregate type recorded on every subscription event.
const AggregateType = "Subscription"

// Event type names as stored in the event log.
const (
	EventTypeCreated             = "subscription.Created"
	EventTypeUpdated             = "subscription.Updated"
	EventTypeCancelled           = "subscription.Cancelled"
	EventTypeRemindersConfigured = "subscription.RemindersConfigured"
	EventTypePaymentRecorded     = "subscription.PaymentRecorded"
)

// Event is one of the subscription domain events:
// Created, Updated, Cancelled, RemindersConfigured or PaymentRecorded.
type Event interface {
	eventsourcing.Payload
	isSubscriptionEvent()
}

type Created struct {
	SubscriptionID string          `json:"subscription_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	BillingCycle   BillingCycle    `json:"billing_cycle"`
	StartDate      civil.Date      `json:"start_date"`
	Website        string          `json:"website,omitempty"`
	Category       string          `json:"category,omitempty"`
}

type Updated struct {
	SubscriptionID string          `json:"subscription_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	BillingCycle   BillingCycle    `json:"billing_cycle"`
	Website        string          `json:"website,omitempty"`
	Category       string          `json:"category,omitempty"`
}

type Cancelled struct {
	SubscriptionID string     `json:"subscription_id"`
	EndDate        civil.Date `json:"end_date"`
}

type RemindersConfigured struct {
	SubscriptionID string         `json:"subscription_id"`
	Enabled        bool           `json:"enabled"`
	DaysBefore     int            `json:"days_before"`
	Method         ReminderMethod `json:"method"`
}

type PaymentRecorded struct {
	SubscriptionID string          `json:"subscription_id"`
	PaymentID      string          `json:"payment_id"`
	Amount         decimal.Decimal `json:"amount"`
	PaymentDate    civil.Date      `json:"payment_date"`
	Notes          string          `json:"notes,omitempty"`
}

func (Created) EventType() string             { return EventTypeCreated }
func (Updated) EventType() string             { return EventTypeUpdated }
func (Cancelled) EventType() string           { return EventTypeCancelled }
func (RemindersConfigured) EventType() string { return EventTypeRemindersConfigured }
func (PaymentRecorded) EventType() string     { return EventTypePaymentRecorded }

func (Created) isSubscriptionEvent()             {}
func (Updated) isSubscriptionEvent()             {}
func (Cancelled) isSubscriptionEvent()           {}
func (RemindersConfigured) isSubscriptionEvent() {}
func (PaymentRecorded) isSubscriptionEvent()     {}

// Decode turns a stored envelope back into its typed event.
func Decode(e *eventsourcing.Event) (Event, error) {
	var (
		event Event
		err   error
	)
	switch e.EventType {
	case EventTypeCreated:
		event, err = decodeAs[Created](e)
	case EventTypeUpdated:
		event, err = decodeAs[Updated](e)
	case EventTypeCancelled:
		event, err = decodeAs[Cancelled](e)
	case EventTypeRemindersConfigured:
		event, err = decodeAs[RemindersConfigured](e)
	case EventTypePaymentRecorded:
		event, err = decodeAs[PaymentRecorded](e)
	default:
		return nil, fmt.Errorf("%w: %s", eventsourcing.ErrUnknownEventType, e.EventType)
	}
	return event, err
}

func decodeAs[T Event](e *eventsourcing.Event) (Event, error) {
	var payload T
	if err := e.UnmarshalData(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// DecodeAll decodes a stream in order.
func DecodeAll(envelopes []*eventsourcing.Event) ([]Event, error) {
	events := make([]Event, 0, len(envelopes))
	for _, envelope := range envelopes {
		event, err := Decode(envelope)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// Replay decodes a stored stream and folds it into a subscription.
func Replay(id string, envelopes []*eventsourcing.Event) (Subscription, error) {
	events, err := DecodeAll(envelopes)
	if err != nil {
		return Subscription{}, fmt.Errorf("decode subscription %s: %w", id, err)
	}
	return FromEvents(id, events)
}
