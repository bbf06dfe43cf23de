package scheduler

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		kind  SpecKind
		canon string
		every time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, canon: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, canon: "0 0 * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, canon: "@hourly"},
		{name: "every", raw: "@every 1m", kind: SpecInterval, canon: "@every 1m0s", every: time.Minute},
		{name: "duration", raw: "90s", kind: SpecInterval, canon: "@every 1m30s", every: 90 * time.Second},
		{name: "prefixed interval", raw: "every:45s", kind: SpecInterval, canon: "@every 45s", every: 45 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.String() != tt.canon {
				t.Fatalf("String() = %q, want %q", got.String(), tt.canon)
			}
			if tt.kind == SpecInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "@every soon", "every:100ms", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) expected error", raw)
		}
	}
}

func TestAlignedEveryMinute(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	s := alignedEvery(time.Minute, loc)
	from := time.Date(2024, 1, 1, 9, 0, 42, 0, loc)
	want := time.Date(2024, 1, 1, 9, 1, 0, 0, loc)
	if got := s.Next(from); !got.Equal(want) {
		t.Fatalf("Next(%s) = %s, want %s", from, got, want)
	}
	// Exactly on a boundary moves to the next one.
	if got := s.Next(want); !got.Equal(want.Add(time.Minute)) {
		t.Fatalf("Next(%s) = %s", want, got)
	}
	// Crosses midnight.
	late := time.Date(2024, 1, 1, 23, 59, 30, 0, loc)
	if got := s.Next(late); !got.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, loc)) {
		t.Fatalf("Next(%s) = %s", late, got)
	}
}

func TestAlignedEveryFallsBackForOddIntervals(t *testing.T) {
	t.Parallel()
	if _, ok := alignedEvery(7*time.Minute, time.UTC).(cron.ConstantDelaySchedule); !ok {
		t.Fatal("expected cron.Every fallback for 7m")
	}
}
