package obligation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoBillingAccount is returned by Billing when the customer does not exist
	// (or was deleted) on the payment provider.
	ErrNoBillingAccount = errors.New("billing account not found")
	// ErrAlreadyNotified is returned by Notifier when the dedup key was already
	// attempted. The occurrence counts as notified.
	ErrAlreadyNotified = errors.New("notification already attempted")
)

// ReminderStore is read/write access to note reminders.
type ReminderStore interface {
	// FindDueReminders returns unfired reminders of non-deleted notes whose
	// next due date is on or before now's calendar date (now is already in the
	// scheduler location). The caller applies the exact time-of-day test.
	FindDueReminders(ctx context.Context, now time.Time) ([]Reminder, error)
	// SaveReminder persists the due-state fields (next due date, fired).
	SaveReminder(ctx context.Context, r Reminder) error
}

// SubscriptionStore is read/write access to user subscriptions.
type SubscriptionStore interface {
	// FindDueSubscriptions returns active subscriptions with expiry <= now.
	FindDueSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error)
	// SaveSubscription persists the due-state fields (status, expiry).
	SaveSubscription(ctx context.Context, s Subscription) error
}

// TemplateKind names a notification template.
type TemplateKind string

const (
	TemplateReminder            TemplateKind = "reminder"
	TemplateSubscriptionRenewed TemplateKind = "subscription_renewed"
	TemplateSubscriptionPastDue TemplateKind = "subscription_past_due"
	TemplateSubscriptionEnded   TemplateKind = "subscription_inactive"
)

type Recipient struct {
	Email string
	Name  string
}

type Notification struct {
	To       Recipient
	Template TemplateKind
	Params   map[string]string
	// DedupKey makes the attempt at-most-once across ticks and restarts.
	// Empty disables dedup.
	DedupKey string
}

// Notifier sends one notification and returns when the attempt completed.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type ChargeRequest struct {
	CustomerRef    string
	PaymentMethod  string
	Amount         int64 // minor units
	Currency       string
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

type ChargeResult struct {
	ID        string
	Succeeded bool
	// Pending means the provider accepted the charge but has not settled it.
	// It is neither a success nor a failure.
	Pending       bool
	FailureReason string
}

// Billing is the payment provider.
type Billing interface {
	// DefaultPaymentMethod returns the customer's default payment method, or ""
	// when none is set. ErrNoBillingAccount means the customer is missing.
	DefaultPaymentMethod(ctx context.Context, customerRef string) (string, error)
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// Clock supplies the tick time when the runner picks it itself.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
