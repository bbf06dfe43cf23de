package obligation

import "time"

// maxCatchUpSteps bounds the reschedule loop for reminders whose stored date
// is far in the past (e.g. a daily reminder from years ago).
const maxCatchUpSteps = 1 << 16

// RescheduleResult describes what happened to a fired reminder.
type RescheduleResult struct {
	// Terminal is true when the reminder will never be selected again.
	Terminal bool
	// Malformed is true when the repeat policy was not recognized.
	Malformed bool
	// Skipped counts occurrences between the fired one and the new next one
	// that were not notified (process downtime).
	Skipped int
}

// Reschedule returns r advanced past its fired occurrence.
//
// Repeating policies step from the fired date until the occurrence is
// strictly after now, so a reminder that was missed for several periods
// fires once and resumes from now's perspective. Each step is computed from
// the fired date (k months, not 1 month k times), keeping the original day
// of month within one catch-up.
func Reschedule(r Reminder, now time.Time, loc *time.Location) (Reminder, RescheduleResult) {
	switch r.Repeat {
	case "", RepeatNone:
		r.Fired = true
		return r, RescheduleResult{Terminal: true}
	case RepeatDaily, RepeatWeekly, RepeatMonthly, RepeatYearly:
	default:
		r.Fired = true
		return r, RescheduleResult{Terminal: true, Malformed: true}
	}

	base := r.NextDueDate
	next := base
	for k := 1; k <= maxCatchUpSteps; k++ {
		next = step(base, r.Repeat, k)
		if next.At(r.TimeOfDay, loc).After(now) {
			r.NextDueDate = next
			r.Fired = false
			return r, RescheduleResult{Skipped: k - 1}
		}
	}
	// Corrupted far-past date: land on the first occurrence after now's date.
	r.NextDueDate = DateOf(now.In(locOrUTC(loc))).AddDays(1)
	r.Fired = false
	return r, RescheduleResult{Skipped: maxCatchUpSteps}
}

// NextOccurrence returns the single next occurrence after d for a repeating
// policy. ok is false for none and unknown policies.
func NextOccurrence(d Date, p RepeatPolicy) (Date, bool) {
	switch p {
	case RepeatDaily, RepeatWeekly, RepeatMonthly, RepeatYearly:
		return step(d, p, 1), true
	}
	return d, false
}

func step(d Date, p RepeatPolicy, k int) Date {
	switch p {
	case RepeatDaily:
		return d.AddDays(k)
	case RepeatWeekly:
		return d.AddDays(7 * k)
	case RepeatMonthly:
		return d.AddMonths(k)
	case RepeatYearly:
		return d.AddYears(k)
	}
	return d
}

// NextExpiry advances a subscription expiry by one plan period from its
// previous value (not from now), clamping month ends like Date.AddMonths.
func NextExpiry(prev time.Time, plan Plan) (time.Time, bool) {
	var months int
	switch plan {
	case PlanMonthly:
		months = 1
	case PlanYearly:
		months = 12
	default:
		return prev, false
	}
	d := DateOf(prev).AddMonths(months)
	h, m, s := prev.Clock()
	return time.Date(d.Year, d.Month, d.Day, h, m, s, prev.Nanosecond(), prev.Location()), true
}

func locOrUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
