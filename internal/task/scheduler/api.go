package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "keepsched/pkg/logx"
)

// Add registers job under name, replacing any schedule with the same name.
//
// Supported schedule formats are those of ParseSchedule. timeout <= 0 uses
// Config.DefaultTimeout.
func (s *Service) Add(name, schedule string, timeout time.Duration, job JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if _, err := ps.schedule(s.parser, time.UTC); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.removeLocked(name)
	d := &jobDef{name: name, spec: ps.String(), timeout: timeout, job: job}
	s.defs = append(s.defs, d)
	if s.c == nil {
		// Not started yet: registered when Start() runs.
		return nil
	}
	s.addCronLocked(d)
	args := []logx.Field{logx.String("name", name), logx.String("spec", d.spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(d, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Remove unschedules name. It returns true if something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// RunNow runs the named job immediately on the caller's goroutine, honoring
// the overlap guard and timeout. It returns ErrOverlapSkip if a run is in flight.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var d *jobDef
	for _, it := range s.defs {
		if it.name == name {
			d = it
			break
		}
	}
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.execute(ctx, d)
}

func (s *Service) removeLocked(name string) bool {
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	for i := n; i < len(s.defs); i++ {
		s.defs[i] = nil
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *jobDef) {
	ps, err := ParseSchedule(d.spec)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	sched, err := ps.schedule(s.parser, s.loc)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	runCtx := s.runCtx
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() {
		_ = s.execute(runCtx, d)
	}))
}

// previewNextRunsLocked returns a short list of upcoming run times. Call with s.mu held.
func (s *Service) previewNextRunsLocked(d *jobDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || s.c == nil || d.entryID == 0 {
		return ""
	}
	sched := s.c.Entry(d.entryID).Schedule
	if sched == nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
