package obligation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"keepsched/internal/eventbus"
	logx "keepsched/pkg/logx"
)

// Config controls one Runner. Zero values are replaced by defaults.
type Config struct {
	// Location is the zone reminder dates and times of day are interpreted in.
	Location *time.Location
	// Workers bounds per-item concurrency inside one category of a tick.
	Workers int

	QueryTimeout  time.Duration
	NotifyTimeout time.Duration
	LookupTimeout time.Duration
	ChargeTimeout time.Duration
	StoreTimeout  time.Duration

	// Prices are in minor units per plan.
	Prices   map[Plan]int64
	Currency string
	// BillingEmails enables the renewed / past_due / inactive emails.
	BillingEmails bool
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 15 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 10 * time.Second
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 10 * time.Second
	}
	if c.ChargeTimeout <= 0 {
		c.ChargeTimeout = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if c.Prices == nil {
		c.Prices = map[Plan]int64{}
	}
	return c
}

// Deps are the collaborators of a Runner. Bus and Log are optional.
type Deps struct {
	Reminders     ReminderStore
	Subscriptions SubscriptionStore
	Notifier      Notifier
	Billing       Billing
	Bus           eventbus.Bus
	Log           logx.Logger
	// Clock defaults to SystemClock.
	Clock Clock
}

// Runner executes ticks. It holds no obligation state between ticks; every
// tick recomputes due sets from the stores.
type Runner struct {
	reminders ReminderStore
	subs      SubscriptionStore
	notifier  Notifier
	billing   Billing
	bus       eventbus.Bus
	log       logx.Logger
	clock     Clock

	mu  sync.RWMutex
	cfg Config

	running atomic.Bool
	last    atomic.Pointer[TickReport]
}

var ErrTickRunning = errors.New("tick already running")

func NewRunner(cfg Config, d Deps) (*Runner, error) {
	switch {
	case d.Reminders == nil:
		return nil, errors.New("obligation: reminder store is required")
	case d.Subscriptions == nil:
		return nil, errors.New("obligation: subscription store is required")
	case d.Notifier == nil:
		return nil, errors.New("obligation: notifier is required")
	case d.Billing == nil:
		return nil, errors.New("obligation: billing is required")
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	clock := d.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &Runner{
		reminders: d.Reminders,
		subs:      d.Subscriptions,
		notifier:  d.Notifier,
		billing:   d.Billing,
		bus:       d.Bus,
		log:       log.With(logx.String("comp", "obligation")),
		clock:     clock,
		cfg:       cfg.withDefaults(),
	}, nil
}

// Apply swaps the runner config. In-flight ticks keep the config they started with.
func (r *Runner) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Runner) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// LastReport returns the report of the most recently completed tick.
func (r *Runner) LastReport() (TickReport, bool) {
	p := r.last.Load()
	if p == nil {
		return TickReport{}, false
	}
	return *p, true
}

// Tick runs one tick at the current time. It is the scheduler entry point
// and only returns an error when a due-query failed or a tick is already
// running.
func (r *Runner) Tick(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrTickRunning
	}
	defer r.running.Store(false)

	rep := r.RunTick(ctx, r.clock.Now())
	return rep.Err()
}

// RunTick processes every due reminder, then every due subscription.
// Per-item failures are logged and counted, never returned.
func (r *Runner) RunTick(ctx context.Context, now time.Time) TickReport {
	cfg := r.config()
	now = now.In(cfg.Location)

	rep := TickReport{ID: uuid.NewString(), Now: now, Started: r.clock.Now()}
	log := r.log.With(logx.String("tick", rep.ID))
	ctx = withTickID(ctx, rep.ID)

	r.runReminders(ctx, cfg, now, log, &rep)
	r.runSubscriptions(ctx, cfg, now, log, &rep)

	rep.Duration = r.clock.Now().Sub(rep.Started)
	r.last.Store(&rep)

	lvl := log.Info
	if rep.ReminderQueryErr != "" || rep.SubscriptionQueryErr != "" {
		lvl = log.Warn
	}
	lvl("tick.completed",
		logx.Int("reminders_due", rep.Reminders.Due),
		logx.Int("reminders_failed", rep.Reminders.Failed),
		logx.Int("subs_due", rep.Subscriptions.Due),
		logx.Int("subs_renewed", rep.Subscriptions.Renewed),
		logx.Int("subs_failed", rep.Subscriptions.Failed),
		logx.Duration("took", rep.Duration),
	)
	r.publish(EventTickCompleted, now, rep)
	return rep
}

func (r *Runner) runReminders(ctx context.Context, cfg Config, now time.Time, log logx.Logger, rep *TickReport) {
	qctx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	items, err := r.reminders.FindDueReminders(qctx, now)
	cancel()
	if err != nil {
		rep.ReminderQueryErr = err.Error()
		log.Error("reminder.query_failed", logx.Err(err))
		return
	}

	var mu sync.Mutex
	forEach(ctx, cfg.Workers, items, func(ctx context.Context, rem Reminder) {
		if !rem.IsDue(now, cfg.Location) {
			return
		}
		out := r.guardReminder(ctx, cfg, now, rem, log)
		mu.Lock()
		rep.Reminders.add(out)
		mu.Unlock()
	})
}

func (r *Runner) runSubscriptions(ctx context.Context, cfg Config, now time.Time, log logx.Logger, rep *TickReport) {
	qctx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	items, err := r.subs.FindDueSubscriptions(qctx, now)
	cancel()
	if err != nil {
		rep.SubscriptionQueryErr = err.Error()
		log.Error("subscription.query_failed", logx.Err(err))
		return
	}

	var mu sync.Mutex
	forEach(ctx, cfg.Workers, items, func(ctx context.Context, s Subscription) {
		if !s.IsDue(now) {
			return
		}
		out := r.guardSubscription(ctx, cfg, now, s, log)
		mu.Lock()
		rep.Subscriptions.add(out)
		mu.Unlock()
	})
}

func (r *Runner) guardReminder(ctx context.Context, cfg Config, now time.Time, rem Reminder, log logx.Logger) (out reminderOutcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("reminder.panic", logx.Int64("note", rem.NoteID), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			out = reminderOutcome{failed: true}
		}
	}()
	return r.processReminder(ctx, cfg, now, rem, log)
}

func (r *Runner) guardSubscription(ctx context.Context, cfg Config, now time.Time, s Subscription, log logx.Logger) (out subscriptionOutcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("subscription.panic", logx.Int64("user", s.UserID), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			out = subscriptionOutcome{kind: outcomeFailed}
		}
	}()
	return r.processSubscription(ctx, cfg, now, s, log)
}

// forEach runs fn for every item with at most workers in flight. It stops
// starting new items once ctx is done.
func forEach[T any](ctx context.Context, workers int, items []T, fn func(context.Context, T)) {
	if len(items) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, it := range items {
		if gctx.Err() != nil {
			break
		}
		it := it
		g.Go(func() error {
			fn(gctx, it)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Runner) publish(typ string, at time.Time, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
}

// TickReport summarises one tick.
type TickReport struct {
	ID       string        `json:"id"`
	Now      time.Time     `json:"now"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Reminders     ReminderCounts     `json:"reminders"`
	Subscriptions SubscriptionCounts `json:"subscriptions"`

	ReminderQueryErr     string `json:"reminder_query_err,omitempty"`
	SubscriptionQueryErr string `json:"subscription_query_err,omitempty"`
}

// Err reports the due-query failures of the tick, if any.
func (t TickReport) Err() error {
	var errs []error
	if t.ReminderQueryErr != "" {
		errs = append(errs, fmt.Errorf("reminder query: %s", t.ReminderQueryErr))
	}
	if t.SubscriptionQueryErr != "" {
		errs = append(errs, fmt.Errorf("subscription query: %s", t.SubscriptionQueryErr))
	}
	return errors.Join(errs...)
}

type ReminderCounts struct {
	Due          int `json:"due"`
	Notified     int `json:"notified"`
	NotifyFailed int `json:"notify_failed"`
	Rescheduled  int `json:"rescheduled"`
	Completed    int `json:"completed"`
	Malformed    int `json:"malformed"`
	Failed       int `json:"failed"`
}

func (c *ReminderCounts) add(o reminderOutcome) {
	c.Due++
	switch {
	case o.failed:
		c.Failed++
		return
	case o.notified:
		c.Notified++
	default:
		c.NotifyFailed++
	}
	if o.malformed {
		c.Malformed++
	}
	if o.terminal {
		c.Completed++
	} else {
		c.Rescheduled++
	}
}

type SubscriptionCounts struct {
	Due         int `json:"due"`
	Renewed     int `json:"renewed"`
	PastDue     int `json:"past_due"`
	Deactivated int `json:"deactivated"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
}

func (c *SubscriptionCounts) add(o subscriptionOutcome) {
	c.Due++
	switch o.kind {
	case outcomeRenewed:
		c.Renewed++
	case outcomePastDue:
		c.PastDue++
	case outcomeDeactivated:
		c.Deactivated++
	case outcomeSkipped:
		c.Skipped++
	default:
		c.Failed++
	}
}
