package notifier

import (
	"context"
	"errors"
	"time"

	"keepsched/internal/obligation"
)

var (
	ErrDisabled = errors.New("notifier disabled")
	// ErrDuplicate is returned when the dedup key was already attempted.
	ErrDuplicate = obligation.ErrAlreadyNotified
)

// Config controls the notification pipeline.
type Config struct {
	Enabled bool
	// Transport is "brevo" or "log".
	Transport  string
	RatePerSec float64
	Burst      int
	// DedupWindow is how long an attempted key suppresses repeats.
	DedupWindow     time.Duration
	DedupMaxEntries int
	Brevo           BrevoConfig
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.Burst <= 0 {
		c.Burst = int(c.RatePerSec)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 72 * time.Hour
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 5000
	}
	return c
}

// Message is what a transport delivers.
type Message struct {
	To       obligation.Recipient
	Template obligation.TemplateKind
	Params   map[string]string
}

// Transport delivers one message.
type Transport interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// DedupStore persists attempted keys. storage.Store satisfies it.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// PermanentError marks a delivery failure caused by the message itself
// (bad address, unknown template). It does not trip the breaker.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	To       string    `json:"to"`
	Template string    `json:"template"`
	Error    string    `json:"error,omitempty"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Template string    `json:"template"`
	Key      string    `json:"key,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
