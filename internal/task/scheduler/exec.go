package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "keepsched/pkg/logx"
)

const skipWarnThrottle = 5 * time.Minute

func (s *Service) execute(ctx context.Context, d *jobDef) error {
	start := time.Now()
	if ctx == nil {
		ctx = context.Background()
	}
	if !d.running.CompareAndSwap(false, true) {
		d.skips.Add(1)
		s.record(HistoryItem{Name: d.name, Started: start, Skipped: true, Error: ErrOverlapSkip.Error()})
		s.reportSkip(d.name)
		return ErrOverlapSkip
	}
	defer d.running.Store(false)

	timeout := d.timeout
	if timeout <= 0 {
		timeout = time.Duration(s.defTimeout.Load())
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	func() {
		// A panicking job must not kill the cron goroutine.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job panic", logx.String("job", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = d.job(runCtx)
	}()

	took := time.Since(start)
	d.runs.Add(1)
	item := HistoryItem{Name: d.name, Started: start, Duration: took}
	if err != nil {
		d.fails.Add(1)
		item.Error = err.Error()
		s.log.Warn("job failed", logx.String("job", d.name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("job finished", logx.String("job", d.name), logx.Duration("took", took))
	}
	s.record(item)
	return err
}

func (s *Service) record(it HistoryItem) {
	size := int(s.histSize.Load())
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

// reportSkip logs overlap skips at most once per throttle window per job.
func (s *Service) reportSkip(name string) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < skipWarnThrottle {
		s.warnMu.Unlock()
		s.log.Debug("job trigger skipped", logx.String("job", name))
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("job trigger skipped; previous run still in flight", logx.String("job", name))
}
