// Package scheduler triggers named jobs on cron or interval schedules.
//
// Each job runs at most once at a time: a trigger that fires while the
// previous run is still in flight is skipped and recorded in history. Runs get
// a per-job timeout and panics are converted to errors. Interval schedules are
// aligned to interval boundaries in the scheduler time zone, so "@every 1m"
// fires at the top of each minute.
package scheduler
