// Package notifier delivers user notifications (reminder emails, billing
// emails) synchronously: Notify returns only after the attempt completed, so
// callers can persist obligation state strictly after the side effect.
//
// # Pipeline
//
// Every Notify passes, in order: dedup check (memory, then store), token
// bucket rate limit, circuit breaker, one transport call. The dedup
// key is recorded after the attempt whether it succeeded or not, which makes
// each occurrence at-most-once across ticks and restarts.
//
// # Transports
//
// "brevo" posts to the Brevo transactional email API; "log" writes the
// rendered message to the logger and is meant for development.
package notifier
