package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "keepsched/pkg/logx"
)

func TestRunNowSkipsOverlap(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	if err := s.Add("tick", "@every 1h", time.Second, func(ctx context.Context) error {
		calls.Add(1)
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "tick") }()
	<-started

	if err := s.RunNow(context.Background(), "tick"); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second RunNow err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first RunNow err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Runs != 1 || snap.Schedules[0].Skips != 1 {
		t.Fatalf("unexpected snapshot %+v", snap.Schedules)
	}
	if len(snap.History) != 2 || !snap.History[0].Skipped {
		t.Fatalf("unexpected history %+v", snap.History)
	}
}

func TestRunNowAppliesTimeoutAndRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	_ = s.Add("slow", "1m", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	_ = s.Add("panics", "1m", 0, func(ctx context.Context) error { panic("boom") })

	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("slow err = %v, want deadline exceeded", err)
	}
	if err := s.RunNow(context.Background(), "panics"); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown schedule")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	s := New(Config{HistorySize: 3}, logx.Nop())
	_ = s.Add("noop", "1m", 0, func(ctx context.Context) error { return nil })
	for i := 0; i < 10; i++ {
		_ = s.RunNow(context.Background(), "noop")
	}
	if got := len(s.Snapshot().History); got != 3 {
		t.Fatalf("history len = %d, want 3", got)
	}
	s.Apply(Config{HistorySize: 2})
	if got := len(s.Snapshot().History); got != 2 {
		t.Fatalf("history len after Apply = %d, want 2", got)
	}
}

func TestAddReplacesByName(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	_ = s.Add("job", "1m", 0, func(ctx context.Context) error { return errors.New("old") })
	_ = s.Add("job", "2m", 0, func(ctx context.Context) error { return nil })
	if err := s.RunNow(context.Background(), "job"); err != nil {
		t.Fatalf("RunNow ran replaced job: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 2m0s" {
		t.Fatalf("unexpected schedules %+v", snap.Schedules)
	}
	if !s.Remove("job") || s.Remove("job") {
		t.Fatal("Remove should succeed once")
	}
	if err := s.Add("bad", "whenever", 0, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected invalid schedule error")
	}
}

func TestStartStopTriggers(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop())
	fired := make(chan struct{}, 1)
	_ = s.Add("fast", "@every 1s", time.Second, func(ctx context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("schedule did not fire")
	}
	if !s.Snapshot().Started {
		t.Fatal("snapshot should report started")
	}
}
