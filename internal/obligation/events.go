package obligation

import (
	"context"
	"time"
)

// Event types published on the event bus.
const (
	EventReminderFired          = "reminder.fired"
	EventReminderCompleted      = "reminder.completed"
	EventSubscriptionRenewed    = "subscription.renewed"
	EventSubscriptionPastDue    = "subscription.past_due"
	EventSubscriptionDeactivate = "subscription.deactivated"
	EventTickCompleted          = "tick.completed"
)

// Deactivation reasons.
const (
	ReasonUnknownPlan      = "unknown_plan"
	ReasonNoBillingAccount = "no_billing_account"
	ReasonNoPaymentMethod  = "no_payment_method"
)

type ReminderEvent struct {
	TickID      string    `json:"tick_id,omitempty"`
	NoteID      int64     `json:"note_id"`
	OwnerID     int64     `json:"owner_id"`
	FiredAt     time.Time `json:"fired_at"`
	Occurrence  string    `json:"occurrence"`
	NextDueDate string    `json:"next_due_date,omitempty"`
	Notified    bool      `json:"notified"`
	Malformed   bool      `json:"malformed,omitempty"`
}

type SubscriptionEvent struct {
	TickID         string    `json:"tick_id,omitempty"`
	UserID         int64     `json:"user_id"`
	Plan           Plan      `json:"plan"`
	From           Status    `json:"from"`
	To             Status    `json:"to"`
	PreviousExpiry time.Time `json:"previous_expiry"`
	Expiry         time.Time `json:"expiry"`
	ChargeID       string    `json:"charge_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

type tickKey struct{}

func withTickID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tickKey{}, id)
}

// TickIDFrom returns the ID of the tick ctx belongs to, if any.
func TickIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(tickKey{}).(string)
	return id
}
