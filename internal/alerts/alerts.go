// Package alerts forwards selected obligation events to an operator chat.
//
// Only billing transitions that need a human (past_due, deactivated) and
// ticks whose due-query failed are forwarded by default. Delivery is best
// effort: a failed send is logged and dropped.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"keepsched/internal/eventbus"
	"keepsched/internal/obligation"
	logx "keepsched/pkg/logx"
)

type Config struct {
	Enabled  bool
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Telegram Bot API endpoint.
	APIURL  string
	Timeout time.Duration
	// Events lists the event types to forward; empty means DefaultEvents.
	Events []string
	// PerMinute bounds outgoing messages; excess alerts are counted and dropped.
	PerMinute int
}

var DefaultEvents = []string{
	obligation.EventSubscriptionPastDue,
	obligation.EventSubscriptionDeactivate,
	obligation.EventTickCompleted,
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if len(c.Events) == 0 {
		c.Events = DefaultEvents
	}
	if c.PerMinute <= 0 {
		c.PerMinute = 20
	}
	return c
}

// Sender delivers one preformatted HTML message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Alerter struct {
	cfg     Config
	sender  Sender
	log     logx.Logger
	want    map[string]bool
	limiter *rate.Limiter
	dropped atomic.Uint64
	sent    atomic.Uint64
}

func New(cfg Config, sender Sender, log logx.Logger) (*Alerter, error) {
	if sender == nil {
		return nil, errors.New("alerts: sender is required")
	}
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	want := map[string]bool{}
	for _, e := range cfg.Events {
		want[strings.TrimSpace(e)] = true
	}
	return &Alerter{
		cfg:     cfg,
		sender:  sender,
		log:     log.With(logx.String("comp", "alerts")),
		want:    want,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.PerMinute),
	}, nil
}

// Run forwards events from bus until ctx is done.
func (a *Alerter) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	return a.Consume(ctx, ch)
}

// Consume forwards events from an existing subscription until ctx is done
// or ch is closed.
func (a *Alerter) Consume(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			if n := a.dropped.Load(); n > 0 {
				a.log.Warn("alerts dropped", logx.Uint64("count", n))
			}
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			a.Handle(ctx, ev)
		}
	}
}

// Handle formats and sends one event if it is selected.
func (a *Alerter) Handle(ctx context.Context, ev eventbus.Event) {
	if !a.want[ev.Type] {
		return
	}
	text, ok := Format(ev)
	if !ok {
		return
	}
	if !a.limiter.Allow() {
		a.dropped.Add(1)
		return
	}
	sctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	err := a.sender.Send(sctx, text)
	cancel()
	if err != nil {
		a.log.Warn("alert.send_failed", logx.String("event", ev.Type), logx.Err(err))
		return
	}
	a.sent.Add(1)
}

// Stats reports sent and rate-dropped alerts.
func (a *Alerter) Stats() (sent, dropped uint64) {
	return a.sent.Load(), a.dropped.Load()
}

// Format renders ev as Telegram HTML. ok is false for events that carry
// nothing worth alerting on (e.g. a healthy tick).
func Format(ev eventbus.Event) (string, bool) {
	switch d := ev.Data.(type) {
	case obligation.SubscriptionEvent:
		var b strings.Builder
		fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(ev.Type))
		fmt.Fprintf(&b, "user: <code>%d</code> plan: %s\n", d.UserID, html.EscapeString(string(d.Plan)))
		fmt.Fprintf(&b, "status: %s → %s\n", d.From, d.To)
		fmt.Fprintf(&b, "expiry: %s", d.Expiry.UTC().Format("2006-01-02"))
		if d.Reason != "" {
			fmt.Fprintf(&b, "\nreason: %s", html.EscapeString(d.Reason))
		}
		if d.ChargeID != "" {
			fmt.Fprintf(&b, "\ncharge: <code>%s</code>", html.EscapeString(d.ChargeID))
		}
		return b.String(), true
	case obligation.TickReport:
		if d.ReminderQueryErr == "" && d.SubscriptionQueryErr == "" {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "<b>tick degraded</b> <code>%s</code>", html.EscapeString(d.ID))
		if d.ReminderQueryErr != "" {
			fmt.Fprintf(&b, "\nreminders: %s", html.EscapeString(d.ReminderQueryErr))
		}
		if d.SubscriptionQueryErr != "" {
			fmt.Fprintf(&b, "\nsubscriptions: %s", html.EscapeString(d.SubscriptionQueryErr))
		}
		return b.String(), true
	case obligation.ReminderEvent:
		return fmt.Sprintf("<b>%s</b>\nnote: <code>%d</code> occurrence: %s notified: %t",
			html.EscapeString(ev.Type), d.NoteID, html.EscapeString(d.Occurrence), d.Notified), true
	default:
		return "", false
	}
}
