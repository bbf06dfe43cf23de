package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// alignedSchedule fires on multiples of every counted from local midnight,
// so restarts do not shift the tick phase. Intervals that do not divide a
// day fall back to cron.Every, which counts from the previous run.
type alignedSchedule struct {
	every time.Duration
	loc   *time.Location
}

func alignedEvery(every time.Duration, loc *time.Location) cron.Schedule {
	if loc == nil {
		loc = time.UTC
	}
	if every <= 0 || (24*time.Hour)%every != 0 {
		return cron.Every(every)
	}
	return alignedSchedule{every: every, loc: loc}
}

func (s alignedSchedule) Next(t time.Time) time.Time {
	t = t.In(s.loc)
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	elapsed := t.Sub(midnight)
	next := midnight.Add((elapsed/s.every + 1) * s.every)
	return next
}
