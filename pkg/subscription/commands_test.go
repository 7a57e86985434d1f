package subscription_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/plaenen/subscriptions/pkg/subscription"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2024, time.January, 15, 10, 30, 0, 0, time.UTC)

func validInput() subscription.DetailsInput {
	return subscription.DetailsInput{
		Name:         "Netflix",
		Amount:       decimal.RequireFromString("15.99"),
		Currency:     "USD",
		BillingCycle: "monthly",
	}
}

func requireFieldError(t *testing.T, err error, field string) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, eventsourcing.ErrInvalidCommand)

	var vErr *eventsourcing.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, field, vErr.Field)
	assert.NotEmpty(t, vErr.Reason)
}

func TestNewAddSubscription(t *testing.T) {
	a := subscription.NewAddSubscription(validInput(), "2024-01-01")
	b := subscription.NewAddSubscription(validInput(), "2024-01-01")

	_, err := uuid.Parse(a.SubscriptionID)
	require.NoError(t, err)
	assert.NotEqual(t, a.SubscriptionID, b.SubscriptionID)
	assert.Equal(t, a.SubscriptionID, a.AggregateID())
	assert.Equal(t, subscription.CommandTypeAddSubscription, a.CommandType())
	assert.NoError(t, a.Validate(today))
}

func TestAddSubscription_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*subscription.AddSubscription)
		field  string
	}{
		{"amount zero", func(c *subscription.AddSubscription) { c.Amount = decimal.Zero }, "amount"},
		{"amount negative", func(c *subscription.AddSubscription) { c.Amount = decimal.NewFromInt(-1) }, "amount"},
		{"fortnightly", func(c *subscription.AddSubscription) { c.BillingCycle = "fortnightly" }, "billing_cycle"},
		{"empty name", func(c *subscription.AddSubscription) { c.Name = "" }, "name"},
		{"empty currency", func(c *subscription.AddSubscription) { c.Currency = "" }, "currency"},
		{"impossible date", func(c *subscription.AddSubscription) { c.StartDate = "2024-02-30" }, "start_date"},
		{"bad date format", func(c *subscription.AddSubscription) { c.StartDate = "01-03-2024" }, "start_date"},
		{"bad website", func(c *subscription.AddSubscription) { c.Website = "not a url" }, "website"},
		{"long name", func(c *subscription.AddSubscription) {
			c.Name = strings.Repeat("n", subscription.MaxNameLength+1)
		}, "name"},
		{"long description", func(c *subscription.AddSubscription) {
			c.Description = strings.Repeat("d", subscription.MaxDescriptionLength+1)
		}, "description"},
		{"missing id", func(c *subscription.AddSubscription) { c.SubscriptionID = "" }, "subscription_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := subscription.NewAddSubscription(validInput(), "2024-01-01")
			tt.mutate(&cmd)
			requireFieldError(t, cmd.Validate(today), tt.field)
		})
	}

	t.Run("smallest positive amount", func(t *testing.T) {
		cmd := subscription.NewAddSubscription(validInput(), "2024-01-01")
		cmd.Amount = decimal.RequireFromString("0.01")
		assert.NoError(t, cmd.Validate(today))
	})

	t.Run("name at the limit after trimming", func(t *testing.T) {
		cmd := subscription.NewAddSubscription(validInput(), "2024-01-01")
		cmd.Name = "  " + strings.Repeat("n", subscription.MaxNameLength) + "  "
		assert.NoError(t, cmd.Validate(today))
	})

	t.Run("start date in the past is allowed", func(t *testing.T) {
		cmd := subscription.NewAddSubscription(validInput(), "2020-01-01")
		assert.NoError(t, cmd.Validate(today))
	})
}

func TestAddSubscription_Decide(t *testing.T) {
	input := validInput()
	input.Name = "  Netflix "
	input.Currency = "usd"
	cmd := subscription.NewAddSubscription(input, "2024-01-01")
	require.NoError(t, cmd.Validate(today))

	s, events, err := cmd.Decide(subscription.Subscription{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, cmd.SubscriptionID, s.ID)
	assert.Equal(t, "Netflix", s.Name)
	assert.Equal(t, "USD", s.Currency)
	assert.Equal(t, subscription.BillingCycleMonthly, s.BillingCycle)
}

func TestDecideRejectsUnknownBillingCycle(t *testing.T) {
	input := validInput()
	input.BillingCycle = "fortnightly"

	_, _, err := subscription.NewAddSubscription(input, "2024-01-01").Decide(subscription.Subscription{})
	requireFieldError(t, err, "billing_cycle")

	existing, _, err := subscription.NewAddSubscription(validInput(), "2024-01-01").Decide(subscription.Subscription{})
	require.NoError(t, err)
	_, events, err := subscription.UpdateSubscription{SubscriptionID: existing.ID, DetailsInput: input}.Decide(existing)
	requireFieldError(t, err, "billing_cycle")
	assert.Empty(t, events)
}

func TestCancelSubscription_Validate(t *testing.T) {
	tests := []struct {
		name    string
		endDate string
		valid   bool
	}{
		{"yesterday", "2024-01-14", false},
		{"today", "2024-01-15", true},
		{"future", "2024-03-01", true},
		{"impossible", "2024-02-30", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := subscription.CancelSubscription{SubscriptionID: "sub-1", EndDate: tt.endDate}.Validate(today)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			requireFieldError(t, err, "end_date")
		})
	}

	requireFieldError(t, subscription.CancelSubscription{EndDate: "2024-03-01"}.Validate(today), "subscription_id")
}

func TestConfigureReminders_Validate(t *testing.T) {
	valid := subscription.ConfigureReminders{SubscriptionID: "sub-1", DaysBefore: 1, Enabled: true, Method: "in_app"}
	assert.NoError(t, valid.Validate(today))

	zeroDays := valid
	zeroDays.DaysBefore = 0
	requireFieldError(t, zeroDays.Validate(today), "days_before")

	badMethod := valid
	badMethod.Method = "pager"
	requireFieldError(t, badMethod.Validate(today), "method")

	for _, method := range []string{"email", "sms", "push", "in_app"} {
		cmd := valid
		cmd.Method = method
		assert.NoError(t, cmd.Validate(today), method)
	}
}

func TestRecordPayment_Validate(t *testing.T) {
	cmd := subscription.NewRecordPayment("sub-1", decimal.RequireFromString("15.99"), "2024-01-01", "")
	_, err := uuid.Parse(cmd.PaymentID)
	require.NoError(t, err)
	assert.NoError(t, cmd.Validate(today))

	zero := cmd
	zero.Amount = decimal.Zero
	requireFieldError(t, zero.Validate(today), "amount")

	noPaymentID := cmd
	noPaymentID.PaymentID = ""
	requireFieldError(t, noPaymentID.Validate(today), "payment_id")

	badDate := cmd
	badDate.PaymentDate = "2023-02-29"
	requireFieldError(t, badDate.Validate(today), "payment_date")
}

func TestUpdateSubscription_Validate(t *testing.T) {
	cmd := subscription.UpdateSubscription{SubscriptionID: "sub-1", DetailsInput: validInput()}
	assert.NoError(t, cmd.Validate(today))

	cmd.BillingCycle = "fortnightly"
	requireFieldError(t, cmd.Validate(today), "billing_cycle")

	requireFieldError(t, subscription.UpdateSubscription{DetailsInput: validInput()}.Validate(today), "subscription_id")
}
