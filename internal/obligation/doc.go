// Package obligation implements the recurring obligation scheduler of the
// Keep notes backend.
//
// # Overview
//
// Two independent queues are scanned on every tick:
//
//   - Note reminders: a reminder is due when it has not fired for its
//     current occurrence and its next due date at its time of day has been
//     reached. Each due reminder gets one notification attempt and is then
//     rescheduled (daily, weekly, monthly, yearly) or marked terminal.
//   - Subscription renewals: an active subscription whose expiry has passed
//     is charged for one more period. Success extends the expiry from its
//     previous value; failure moves the subscription to past_due; a missing
//     billing account or payment method deactivates it.
//
// # Ordering
//
// Within one obligation the side effect (notification or charge) always
// completes, or is determined to have failed, before the new state is saved.
// A crash in between is safe to re-run: notifications are deduplicated per
// occurrence and charges carry an idempotency key scoped to the billing cycle.
//
// # Failure isolation
//
// Nothing raised while processing one obligation escapes the tick. A failed
// due-query skips only its own category for that tick; both categories are
// recomputed from stored state on the next tick.
package obligation
