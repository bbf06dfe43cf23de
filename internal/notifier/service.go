package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"keepsched/internal/breaker"
	"keepsched/internal/eventbus"
	"keepsched/internal/obligation"
	logx "keepsched/pkg/logx"
)

// Service implements obligation.Notifier.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log       logx.Logger
	transport Transport
	bus       eventbus.Bus
	store     DedupStore
	brk       *breaker.Breaker

	cfg     Config
	limiter *rate.Limiter

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the service. store, brk and bus may be nil.
func New(cfg Config, t Transport, store DedupStore, brk *breaker.Breaker, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if brk != nil {
		brk.WithNeutral(IsPermanent)
	}
	s := &Service{
		log:       log.With(logx.String("comp", "notifier")),
		transport: t,
		store:     store,
		brk:       brk,
		bus:       bus,
		dedup:     map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps config. The transport is not rebuilt; the app recreates the
// service when the transport kind or credentials change.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

var _ obligation.Notifier = (*Service)(nil)

// errNotAttempted marks failures that happened before the transport was called.
var errNotAttempted = errors.New("not attempted")

// Notify delivers n and returns when the attempt completed.
func (s *Service) Notify(ctx context.Context, n obligation.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	t := s.transport
	s.mu.Unlock()

	if !cfg.Enabled || t == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(n.To.Email) == "" {
		return &PermanentError{Err: errors.New("recipient email required")}
	}

	key := n.DedupKey
	if key != "" && s.seen(ctx, key) {
		s.publish("notifier.deduped", n, key, nil)
		return ErrDuplicate
	}

	err := s.sendOnce(ctx, lim, t, Message{To: n.To, Template: n.Template, Params: n.Params})

	// Record the attempt whatever the outcome: the occurrence was tried.
	// Only a rate-limit wait that was cancelled proves nothing was sent.
	if key != "" && !errors.Is(err, errNotAttempted) {
		s.remember(ctx, key, time.Now().Add(cfg.DedupWindow), cfg.DedupMaxEntries)
	}

	s.appendHistory(n, err)
	if err != nil {
		s.publish("notifier.failed", n, key, err)
		return err
	}
	s.publish("notifier.sent", n, key, nil)
	return nil
}

// sendOnce makes the single delivery attempt for one notification. There is
// no resend: a timeout after the provider accepted the message would
// otherwise deliver it twice.
func (s *Service) sendOnce(ctx context.Context, lim *rate.Limiter, t Transport, m Message) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w: %w", errNotAttempted, err)
		}
	}
	send := func() error { return t.Send(ctx, m) }
	var err error
	if s.brk != nil {
		err = s.brk.Do(send)
	} else {
		err = send()
	}
	if err != nil {
		s.log.Debug("notify send failed", logx.String("transport", t.Name()), logx.Err(err))
	}
	return err
}

// seen reports whether key is within its dedup window, checking memory first
// and then the store.
func (s *Service) seen(ctx context.Context, key string) bool {
	now := time.Now()
	s.dmu.Lock()
	until, ok := s.dedup[key]
	s.dmu.Unlock()
	if ok && now.Before(until) {
		return true
	}
	if s.store == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	until, ok, err := s.store.GetDedup(cctx, key)
	cancel()
	if err != nil {
		// Fail open: a store outage must not silence reminders.
		s.log.Warn("dedup lookup failed", logx.String("key", key), logx.Err(err))
		return false
	}
	if ok && now.Before(until) {
		s.dmu.Lock()
		s.dedup[key] = until
		s.dmu.Unlock()
		return true
	}
	return false
}

func (s *Service) remember(ctx context.Context, key string, until time.Time, max int) {
	now := time.Now()
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// Remove entries with earliest expiry until within cap.
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if s.store == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.store.PutDedup(cctx, key, until); err != nil {
		s.log.Warn("dedup persist failed", logx.String("key", key), logx.Err(err))
	}
}

func (s *Service) publish(typ string, n obligation.Notification, key string, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Template: string(n.Template), Key: key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// History returns recently attempted notifications, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(n obligation.Notification, err error) {
	it := HistoryItem{At: time.Now(), To: maskEmail(n.To.Email), Template: string(n.Template)}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func maskEmail(e string) string {
	at := strings.LastIndexByte(e, '@')
	if at <= 1 {
		return "***" + e[max(at, 0):]
	}
	return e[:1] + "***" + e[at:]
}
