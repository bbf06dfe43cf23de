package breaker

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New("test", cfg)
	b.now = clk.now
	return b, clk
}

func TestBreakerTripsAndCoolsDown(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(Config{TripFailures: 3, BaseDelay: 10 * time.Second, MaxDelay: 25 * time.Second})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d err = %v", i, err)
		}
	}
	calls := 0
	err := b.Do(func() error { calls++; return nil })
	if !errors.Is(err, ErrOpen) || calls != 0 {
		t.Fatalf("err = %v calls = %d, want ErrOpen without call", err, calls)
	}

	clk.t = clk.t.Add(11 * time.Second)
	if err := b.Do(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("half-open call err = %v", err)
	}
	// Fourth failure doubles the cooldown to 20s.
	if open, until := b.IsOpen(); !open || until.Sub(clk.t) != 20*time.Second {
		t.Fatalf("open=%v until=%s", open, until)
	}

	clk.t = clk.t.Add(21 * time.Second)
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("recovery call err = %v", err)
	}
	if st := b.State(); st.Open || st.Failures != 0 || st.Rejected != 2 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestBreakerCooldownCappedAtMaxDelay(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(Config{TripFailures: 1, BaseDelay: time.Second, MaxDelay: 3 * time.Second, ResetAfter: time.Hour})
	for i := 0; i < 6; i++ {
		b.Record(errors.New("x"))
	}
	if _, until := b.IsOpen(); until.Sub(clk.t) != 3*time.Second {
		t.Fatalf("cooldown = %s, want 3s", until.Sub(clk.t))
	}
}

func TestBreakerNeutralErrorsDoNotTrip(t *testing.T) {
	t.Parallel()
	declined := errors.New("declined")
	b, _ := newTestBreaker(Config{TripFailures: 1})
	b.WithNeutral(func(err error) bool { return errors.Is(err, declined) })
	for i := 0; i < 5; i++ {
		_ = b.Do(func() error { return declined })
	}
	if open, _ := b.IsOpen(); open {
		t.Fatal("neutral errors tripped the breaker")
	}
}

func TestBreakerResetAfterQuietPeriod(t *testing.T) {
	t.Parallel()
	b, clk := newTestBreaker(Config{TripFailures: 3, ResetAfter: time.Minute})
	b.Record(errors.New("x"))
	b.Record(errors.New("x"))
	clk.t = clk.t.Add(2 * time.Minute)
	b.Record(errors.New("x"))
	if st := b.State(); st.Failures != 1 || st.Open {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestBreakerDisabled(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{TripFailures: -1})
	for i := 0; i < 10; i++ {
		b.Record(errors.New("x"))
	}
	if open, _ := b.IsOpen(); open {
		t.Fatal("disabled breaker opened")
	}
}

func TestSetSnapshotSorted(t *testing.T) {
	t.Parallel()
	s := NewSet(Config{})
	s.Get("stripe.charge")
	s.Get("brevo")
	if s.Get("brevo") != s.Get("brevo") {
		t.Fatal("Get should return the same breaker")
	}
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Name != "brevo" || snap[1].Name != "stripe.charge" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
