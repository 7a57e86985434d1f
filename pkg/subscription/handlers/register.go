package handlers

import (
	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/plaenen/subscriptions/pkg/subscription"
)

// AddSubscriptionHandler starts new subscriptions.
type AddSubscriptionHandler = Handler[subscription.AddSubscription]

// UpdateSubscriptionHandler replaces subscription details.
type UpdateSubscriptionHandler = Handler[subscription.UpdateSubscription]

// CancelSubscriptionHandler cancels subscriptions.
type CancelSubscriptionHandler = Handler[subscription.CancelSubscription]

// ConfigureRemindersHandler changes reminder settings.
type ConfigureRemindersHandler = Handler[subscription.ConfigureReminders]

// RecordPaymentHandler records payments.
type RecordPaymentHandler = Handler[subscription.RecordPayment]

func NewAddSubscriptionHandler(store eventsourcing.EventStore, bus eventsourcing.EventBus, opts ...Option) *AddSubscriptionHandler {
	return newHandler[subscription.AddSubscription](store, bus, opts...)
}

func NewUpdateSubscriptionHandler(store eventsourcing.EventStore, bus eventsourcing.EventBus, opts ...Option) *UpdateSubscriptionHandler {
	return newHandler[subscription.UpdateSubscription](store, bus, opts...)
}

func NewCancelSubscriptionHandler(store eventsourcing.EventStore, bus eventsourcing.EventBus, opts ...Option) *CancelSubscriptionHandler {
	return newHandler[subscription.CancelSubscription](store, bus, opts...)
}

func NewConfigureRemindersHandler(store eventsourcing.EventStore, bus eventsourcing.EventBus, opts ...Option) *ConfigureRemindersHandler {
	return newHandler[subscription.ConfigureReminders](store, bus, opts...)
}

func NewRecordPaymentHandler(store eventsourcing.EventStore, bus eventsourcing.EventBus, opts ...Option) *RecordPaymentHandler {
	return newHandler[subscription.RecordPayment](store, bus, opts...)
}

// Register registers a handler for every subscription command on commands.
func Register(commands eventsourcing.CommandBus, store eventsourcing.EventStore, bus eventsourcing.EventBus, opts ...Option) {
	commands.Register(subscription.CommandTypeAddSubscription, NewAddSubscriptionHandler(store, bus, opts...).CommandHandler())
	commands.Register(subscription.CommandTypeUpdateSubscription, NewUpdateSubscriptionHandler(store, bus, opts...).CommandHandler())
	commands.Register(subscription.CommandTypeCancelSubscription, NewCancelSubscriptionHandler(store, bus, opts...).CommandHandler())
	commands.Register(subscription.CommandTypeConfigureReminders, NewConfigureRemindersHandler(store, bus, opts...).CommandHandler())
	commands.Register(subscription.CommandTypeRecordPayment, NewRecordPaymentHandler(store, bus, opts...).CommandHandler())
}
