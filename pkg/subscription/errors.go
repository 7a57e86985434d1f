package subscription

import "errors"

var (
	// ErrSubscriptionCancelled is returned when a command targets a cancelled subscription.
	ErrSubscriptionCancelled = errors.New("subscription is cancelled")

	// ErrAlreadyCancelled is returned when cancelling a subscription twice.
	ErrAlreadyCancelled = alreadyCancelledError{}
)

type alreadyCancelledError struct{}

func (alreadyCancelledError) Error() string { return "subscription is already cancelled" }

func (alreadyCancelledError) Is(target error) bool { return target == ErrSubscriptionCancelled }
