package storage

import (
	"context"
	"errors"
	"time"

	"keepsched/internal/obligation"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "mysql": MySQL DSN, e.g. "user:pass@tcp(127.0.0.1:3306)/keep"
//   - "memory": process-local maps
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is the persistence API used by the scheduler and the app.
type Store interface {
	obligation.ReminderStore
	obligation.SubscriptionStore

	// Seeding and maintenance; the scheduler itself never calls these.
	PutUser(ctx context.Context, u User) error
	PutNote(ctx context.Context, n Note) error
	DeleteNote(ctx context.Context, noteID int64) error
	PutReminder(ctx context.Context, r obligation.Reminder) error
	PutSubscription(ctx context.Context, s obligation.Subscription) error
	GetReminder(ctx context.Context, noteID int64) (obligation.Reminder, error)
	GetSubscription(ctx context.Context, userID int64) (obligation.Subscription, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Ping(ctx context.Context) error
	Close() error
}

type User struct {
	ID    int64
	Email string
	Name  string
}

type Note struct {
	ID      int64
	OwnerID int64
	Title   string
	Deleted bool
}

// AuditEntry records one obligation transition.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	Kind     string // event type, e.g. "subscription.renewed"
	Subject  int64  // note or user id
	TickID   string
	MetaJSON string
}
