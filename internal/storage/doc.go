// Package storage persists obligation state for the scheduler.
//
// It holds:
//   - note reminders and user subscriptions (due queries + due-state saves)
//   - notification dedup keys (to survive restarts)
//   - the audit log of obligation transitions
//
// Drivers: "sqlite" (default, modernc.org/sqlite), "mysql" (the notes
// backend database) and "memory" (tests and dry runs). The SQL drivers share
// one implementation and differ only in migrations and upsert syntax.
//
// The scheduler only ever writes the due-state columns (reminder next date
// and fired flag, subscription status and expiry); rows are last-write-wins.
package storage
