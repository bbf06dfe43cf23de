package obligation

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "keepsched/pkg/logx"
)

type reminderOutcome struct {
	notified  bool
	terminal  bool
	malformed bool
	failed    bool // store write failed; retried next tick
}

// ReminderDedupKey identifies one occurrence of a reminder.
func ReminderDedupKey(r Reminder) string {
	return fmt.Sprintf("reminder:%d:%s", r.NoteID, r.NextDueDate)
}

// processReminder notifies, reschedules and saves one due reminder, in that
// order. A failed notification does not stop the reminder from advancing.
func (r *Runner) processReminder(ctx context.Context, cfg Config, now time.Time, rem Reminder, log logx.Logger) reminderOutcome {
	log = log.With(logx.Int64("note", rem.NoteID), logx.String("occurrence", rem.NextDueDate.String()))
	occurrence := rem.NextDueDate.String()

	notified := r.notifyReminder(ctx, cfg, now, rem, log)

	next, res := Reschedule(rem, now, cfg.Location)
	if res.Malformed {
		log.Warn("reminder.unknown_repeat", logx.String("repeat", string(rem.Repeat)))
	}
	if res.Skipped > 0 {
		log.Info("reminder.caught_up", logx.Int("skipped", res.Skipped), logx.String("next", next.NextDueDate.String()))
	}

	sctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	err := r.reminders.SaveReminder(sctx, next)
	cancel()
	if err != nil {
		log.Warn("reminder.save_failed", logx.Err(err))
		return reminderOutcome{notified: notified, failed: true}
	}

	ev := ReminderEvent{
		TickID:     TickIDFrom(ctx),
		NoteID:     rem.NoteID,
		OwnerID:    rem.OwnerID,
		FiredAt:    now,
		Occurrence: occurrence,
		Notified:   notified,
		Malformed:  res.Malformed,
	}
	if res.Terminal {
		r.publish(EventReminderCompleted, now, ev)
		log.Debug("reminder.completed", logx.Bool("notified", notified))
	} else {
		ev.NextDueDate = next.NextDueDate.String()
		r.publish(EventReminderFired, now, ev)
		log.Debug("reminder.rescheduled", logx.Bool("notified", notified), logx.String("next", ev.NextDueDate))
	}
	return reminderOutcome{notified: notified, terminal: res.Terminal, malformed: res.Malformed}
}

func (r *Runner) notifyReminder(ctx context.Context, cfg Config, now time.Time, rem Reminder, log logx.Logger) bool {
	if rem.OwnerEmail == "" {
		log.Warn("reminder.no_recipient")
		return false
	}
	n := Notification{
		To:       Recipient{Email: rem.OwnerEmail, Name: rem.OwnerName},
		Template: TemplateReminder,
		Params: map[string]string{
			"title":    rem.Title,
			"fired_at": now.Format(time.RFC3339),
			"due_at":   rem.DueAt(cfg.Location).Format(time.RFC3339),
			"repeat":   string(rem.Repeat),
		},
		DedupKey: ReminderDedupKey(rem),
	}
	nctx, cancel := context.WithTimeout(ctx, cfg.NotifyTimeout)
	err := r.notifier.Notify(nctx, n)
	cancel()
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrAlreadyNotified):
		log.Debug("reminder.notify_dedup")
		return true
	default:
		log.Warn("reminder.notify_failed", logx.Err(err))
		return false
	}
}
