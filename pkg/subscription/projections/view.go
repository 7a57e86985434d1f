// Package projections maintains read models built from subscription events.
package projections

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cloud.google.com/go/civil"
	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/plaenen/subscriptions/pkg/store/sqlite/migrate"
	"github.com/plaenen/subscriptions/pkg/subscription"
	"github.com/shopspring/decimal"
)

// ViewName is the projection name and checkpoint key of SubscriptionView.
const ViewName = "subscription_view"

var (
	// ErrNotFound is returned by Get for unknown subscriptions.
	ErrNotFound = errors.New("subscription not found in view")

	// ErrOutOfOrder is returned when an event skips a version of its subscription.
	ErrOutOfOrder = errors.New("event out of order")
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SubscriptionView keeps one row per subscription in the subscription_view
// table. Handle is idempotent: events at or below a row's version are skipped.
type SubscriptionView struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the view.
type Option func(*SubscriptionView)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *SubscriptionView) {
		v.logger = logger
	}
}

// NewSubscriptionView migrates the view schema on db and returns the projection.
func NewSubscriptionView(ctx context.Context, db *sql.DB, opts ...Option) (*SubscriptionView, error) {
	m := migrate.New(db, "subscription_view_schema_migrations")
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("failed to load view migrations: %w", err)
	}
	if err := m.Up(ctx); err != nil {
		return nil, fmt.Errorf("failed to run view migrations: %w", err)
	}

	v := &SubscriptionView{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Name implements eventsourcing.Projection.
func (v *SubscriptionView) Name() string {
	return ViewName
}

// Handle folds a subscription event into its row.
func (v *SubscriptionView) Handle(ctx context.Context, event *eventsourcing.Event) error {
	if event.AggregateType != subscription.AggregateType {
		return nil
	}

	payload, err := subscription.Decode(event)
	if err != nil {
		return err
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := get(ctx, tx, event.AggregateID)
	switch {
	case errors.Is(err, ErrNotFound):
		current = Summary{}
	case err != nil:
		return err
	}

	if event.Version <= current.Version {
		v.logger.DebugContext(ctx, "skipping applied event",
			"projection", ViewName,
			"aggregate_id", event.AggregateID,
			"version", event.Version)
		return nil
	}
	if event.Version != current.Version+1 {
		return fmt.Errorf("%w: subscription %s at version %d got version %d",
			ErrOutOfOrder, event.AggregateID, current.Version, event.Version)
	}

	next := current.apply(payload)
	next.ID = event.AggregateID
	next.Version = event.Version
	next.UpdatedAt = eventsourcing.Now()

	if err := upsert(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

// Reset empties the view.
func (v *SubscriptionView) Reset(ctx context.Context) error {
	if _, err := v.db.ExecContext(ctx, "DELETE FROM subscription_view"); err != nil {
		return fmt.Errorf("failed to reset view: %w", err)
	}
	return nil
}

// Get returns the row of one subscription.
func (v *SubscriptionView) Get(ctx context.Context, id string) (Summary, error) {
	return get(ctx, v.db, id)
}

// ListFilter narrows List. The zero value lists everything.
type ListFilter struct {
	Status   subscription.Status
	Category string
}

// List returns subscriptions ordered by name.
func (v *SubscriptionView) List(ctx context.Context, filter ListFilter) ([]Summary, error) {
	query := selectSummary + " WHERE 1=1"
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Category != "" {
		query += " AND category = ?"
		args = append(args, filter.Category)
	}
	query += " ORDER BY name, id"

	return list(ctx, v.db, query, args...)
}

// DueReminders returns the reminders to send on today: active subscriptions
// with reminders enabled that bill exactly DaysBefore days from today.
func (v *SubscriptionView) DueReminders(ctx context.Context, today civil.Date) ([]DueReminder, error) {
	candidates, err := list(ctx, v.db, selectSummary+" WHERE status = ? AND reminders_enabled = 1 ORDER BY name, id",
		string(subscription.StatusActive))
	if err != nil {
		return nil, err
	}

	var due []DueReminder
	for _, s := range candidates {
		if date, ok := s.reminderFor(today); ok {
			due = append(due, DueReminder{Subscription: s, BillingDate: date})
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].BillingDate.Before(due[j].BillingDate)
	})
	return due, nil
}

var _ eventsourcing.Projection = (*SubscriptionView)(nil)

const selectSummary = `SELECT id, name, description, amount, currency, billing_cycle, website, category,
	status, start_date, end_date, next_billing_date, reminders_enabled, reminder_days_before,
	reminder_method, payments_count, total_paid, last_payment_date, version, updated_at
	FROM subscription_view`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func get(ctx context.Context, q queryer, id string) (Summary, error) {
	s, err := scanSummary(q.QueryRowContext(ctx, selectSummary+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Summary{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, err
}

func list(ctx context.Context, q queryer, query string, args ...any) ([]Summary, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query view: %w", err)
	}
	defer rows.Close()

	var result []Summary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func scanSummary(row scanner) (Summary, error) {
	var (
		s                                         Summary
		amount, totalPaid, startDate              string
		billingCycle, status, method              string
		endDate, nextBillingDate, lastPaymentDate sql.NullString
		updatedAt                                 int64
	)
	err := row.Scan(&s.ID, &s.Name, &s.Description, &amount, &s.Currency, &billingCycle, &s.Website, &s.Category,
		&status, &startDate, &endDate, &nextBillingDate, &s.Reminders.Enabled, &s.Reminders.DaysBefore,
		&method, &s.PaymentsCount, &totalPaid, &lastPaymentDate, &s.Version, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("failed to scan view row: %w", err)
	}

	s.BillingCycle = subscription.BillingCycle(billingCycle)
	s.Status = subscription.Status(status)
	s.Reminders.Method = subscription.ReminderMethod(method)
	s.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if s.Amount, err = decimal.NewFromString(amount); err != nil {
		return s, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if s.TotalPaid, err = decimal.NewFromString(totalPaid); err != nil {
		return s, fmt.Errorf("invalid total_paid %q: %w", totalPaid, err)
	}
	if s.StartDate, err = civil.ParseDate(startDate); err != nil {
		return s, fmt.Errorf("invalid start_date %q: %w", startDate, err)
	}
	for _, d := range []struct {
		src sql.NullString
		dst *civil.Date
	}{{endDate, &s.EndDate}, {nextBillingDate, &s.NextBillingDate}, {lastPaymentDate, &s.LastPaymentDate}} {
		if !d.src.Valid {
			continue
		}
		if *d.dst, err = civil.ParseDate(d.src.String); err != nil {
			return s, fmt.Errorf("invalid date %q: %w", d.src.String, err)
		}
	}
	return s, nil
}

func nullDate(d civil.Date) sql.NullString {
	if !d.IsValid() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func upsert(ctx context.Context, tx *sql.Tx, s Summary) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO subscription_view (
			id, name, description, amount, currency, billing_cycle, website, category,
			status, start_date, end_date, next_billing_date, reminders_enabled, reminder_days_before,
			reminder_method, payments_count, total_paid, last_payment_date, version, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			amount = excluded.amount,
			currency = excluded.currency,
			billing_cycle = excluded.billing_cycle,
			website = excluded.website,
			category = excluded.category,
			status = excluded.status,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			next_billing_date = excluded.next_billing_date,
			reminders_enabled = excluded.reminders_enabled,
			reminder_days_before = excluded.reminder_days_before,
			reminder_method = excluded.reminder_method,
			payments_count = excluded.payments_count,
			total_paid = excluded.total_paid,
			last_payment_date = excluded.last_payment_date,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		s.ID, s.Name, s.Description, s.Amount.String(), s.Currency, string(s.BillingCycle), s.Website, s.Category,
		string(s.Status), s.StartDate.String(), nullDate(s.EndDate), nullDate(s.NextBillingDate),
		s.Reminders.Enabled, s.Reminders.DaysBefore, string(s.Reminders.Method),
		s.PaymentsCount, s.TotalPaid.String(), nullDate(s.LastPaymentDate), s.Version, s.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription %s: %w", s.ID, err)
	}
	return nil
}
