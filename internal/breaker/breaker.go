// Package breaker implements a consecutive-failure circuit breaker for calls
// to external collaborators (email API, payment provider).
//
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip, opens the
//     circuit for an exponentially increasing cooldown.
//   - After ResetAfter without failures the counter is forgotten.
package breaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the circuit is open.
var ErrOpen = errors.New("circuit open")

type Config struct {
	// TripFailures < 0 disables the breaker; 0 means 5.
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

type effective struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func (c Config) effective() effective {
	trip := c.TripFailures
	if trip == 0 {
		trip = 5
	}
	if trip < 0 {
		return effective{}
	}
	base := c.BaseDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	maxD := c.MaxDelay
	if maxD <= 0 {
		maxD = 2 * time.Minute
	}
	reset := c.ResetAfter
	if reset <= 0 {
		reset = 5 * time.Minute
	}
	return effective{trip: trip, baseDelay: base, maxDelay: maxD, resetAfter: reset, enabled: true}
}

type Breaker struct {
	name string

	mu          sync.Mutex
	cfg         effective
	fails       int
	openUntil   time.Time
	lastFailure time.Time
	rejected    uint64

	// Neutral errors are returned to the caller without counting as a
	// failure (e.g. a declined card is not an outage).
	neutral func(error) bool
	now     func() time.Time
}

func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg.effective(), now: time.Now}
}

// WithNeutral sets the classifier for errors that should not trip the circuit.
func (b *Breaker) WithNeutral(fn func(error) bool) *Breaker {
	b.mu.Lock()
	b.neutral = fn
	b.mu.Unlock()
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) Apply(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg.effective()
	b.mu.Unlock()
}

// Do runs fn unless the circuit is open and records its result.
func (b *Breaker) Do(fn func() error) error {
	if open, until := b.IsOpen(); open {
		return fmt.Errorf("%s: %w until %s", b.name, ErrOpen, until.Format(time.RFC3339))
	}
	err := fn()
	b.Record(err)
	return err
}

// IsOpen reports whether calls are currently rejected.
func (b *Breaker) IsOpen() (bool, time.Time) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.enabled {
		return false, time.Time{}
	}
	b.maybeResetLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		b.rejected++
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (b *Breaker) Record(err error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.enabled {
		return
	}
	b.maybeResetLocked(now)

	if err == nil || (b.neutral != nil && b.neutral(err)) {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.trip {
		return
	}

	// Exponential cooldown after tripping.
	d := b.cfg.baseDelay
	for i := 0; i < b.fails-b.cfg.trip; i++ {
		d *= 2
		if d >= b.cfg.maxDelay {
			break
		}
	}
	if d > b.cfg.maxDelay {
		d = b.cfg.maxDelay
	}
	b.openUntil = now.Add(d)
}

func (b *Breaker) maybeResetLocked(now time.Time) {
	if !b.lastFailure.IsZero() && b.cfg.resetAfter > 0 && now.Sub(b.lastFailure) > b.cfg.resetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}

type State struct {
	Name      string    `json:"name"`
	Open      bool      `json:"open"`
	Failures  int       `json:"failures"`
	OpenUntil time.Time `json:"open_until,omitempty"`
	Rejected  uint64    `json:"rejected"`
}

func (b *Breaker) State() State {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Name:      b.name,
		Open:      b.cfg.enabled && !b.openUntil.IsZero() && now.Before(b.openUntil),
		Failures:  b.fails,
		OpenUntil: b.openUntil,
		Rejected:  b.rejected,
	}
}

// Set is a named collection of breakers sharing one config.
type Set struct {
	mu  sync.Mutex
	cfg Config
	m   map[string]*Breaker
}

func NewSet(cfg Config) *Set {
	return &Set{cfg: cfg, m: map[string]*Breaker{}}
}

// Get returns the breaker for name, creating it on first use.
func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.m[name]
	if b == nil {
		b = New(name, s.cfg)
		s.m[name] = b
	}
	return b
}

func (s *Set) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	bs := make([]*Breaker, 0, len(s.m))
	for _, b := range s.m {
		bs = append(bs, b)
	}
	s.mu.Unlock()
	for _, b := range bs {
		b.Apply(cfg)
	}
}

// Snapshot returns breaker states sorted by name.
func (s *Set) Snapshot() []State {
	s.mu.Lock()
	bs := make([]*Breaker, 0, len(s.m))
	for _, b := range s.m {
		bs = append(bs, b)
	}
	s.mu.Unlock()
	out := make([]State, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
