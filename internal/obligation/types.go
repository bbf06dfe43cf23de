package obligation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RepeatPolicy controls how a reminder is rescheduled after firing.
type RepeatPolicy string

const (
	RepeatNone    RepeatPolicy = "none"
	RepeatDaily   RepeatPolicy = "daily"
	RepeatWeekly  RepeatPolicy = "weekly"
	RepeatMonthly RepeatPolicy = "monthly"
	RepeatYearly  RepeatPolicy = "yearly"
)

// Known reports whether p is one of the supported policies.
// An empty policy is treated as none.
func (p RepeatPolicy) Known() bool {
	switch p {
	case "", RepeatNone, RepeatDaily, RepeatWeekly, RepeatMonthly, RepeatYearly:
		return true
	}
	return false
}

// Plan is the billing plan of a subscription.
type Plan string

const (
	PlanNone    Plan = "none"
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
)

// Status is the billing state of a subscription.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
)

// Date is a calendar date without a time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) Before(o Date) bool { return d.String() < o.String() }

// At combines the date with a time of day in loc.
func (d Date) At(tod TimeOfDay, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, tod.Hour, tod.Minute, 0, 0, loc)
}

func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

// AddMonths moves n calendar months keeping the day of month, clamped to the
// last day of the target month (Jan 31 + 1 month = Feb 28 or Feb 29).
func (d Date) AddMonths(n int) Date {
	total := int(d.Month) - 1 + n
	y := d.Year + floorDiv(total, 12)
	m := time.Month(total - floorDiv(total, 12)*12 + 1)
	day := d.Day
	if last := daysIn(y, m); day > last {
		day = last
	}
	return Date{Year: y, Month: m, Day: day}
}

// AddYears moves n years; Feb 29 clamps to Feb 28 in non-leap years.
func (d Date) AddYears(n int) Date { return d.AddMonths(12 * n) }

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// TimeOfDay is an hour:minute wall-clock time.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:MM" and "HH:MM:SS" (seconds are ignored).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Reminder is the reminder obligation attached to one note.
type Reminder struct {
	NoteID     int64
	OwnerID    int64
	OwnerEmail string
	OwnerName  string

	Title       string
	TimeOfDay   TimeOfDay
	NextDueDate Date
	Repeat      RepeatPolicy
	Fired       bool
}

// DueAt is the instant of the current occurrence in loc.
func (r Reminder) DueAt(loc *time.Location) time.Time {
	return r.NextDueDate.At(r.TimeOfDay, loc)
}

// IsDue reports fired=false and now >= combine(nextDueDate, timeOfDay).
func (r Reminder) IsDue(now time.Time, loc *time.Location) bool {
	if r.Fired || r.NextDueDate.IsZero() {
		return false
	}
	return !now.Before(r.DueAt(loc))
}

// Subscription is the billing obligation attached to one user account.
type Subscription struct {
	UserID int64
	Email  string
	Name   string

	Plan        Plan
	Status      Status
	StartDate   time.Time
	ExpiryDate  time.Time
	CustomerRef string
}

// IsDue reports status=active and expiryDate <= now.
func (s Subscription) IsDue(now time.Time) bool {
	return s.Status == StatusActive && !s.ExpiryDate.IsZero() && !s.ExpiryDate.After(now)
}

// RenewalKey is the idempotency key of the renewal charge for the current
// billing cycle. It is stable for (user, start date, previous expiry), so a
// retried tick in the same cycle reuses it and the next cycle gets a new one.
func RenewalKey(s Subscription) string {
	return fmt.Sprintf("renewal:%d:%d:%d", s.UserID, s.StartDate.Unix(), s.ExpiryDate.Unix())
}
