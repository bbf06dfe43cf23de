package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "keepsched/pkg/logx"
)

var sqliteDialect = dialect{
	name:       "sqlite",
	migrations: "sqlite.sql",
	upsertUser: `INSERT INTO users(id, email, name) VALUES(?,?,?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email, name = excluded.name`,
	upsertNote: `INSERT INTO notes(id, owner_id, title, deleted) VALUES(?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id, title = excluded.title, deleted = excluded.deleted`,
	upsertReminder: `INSERT INTO reminders(note_id, time_of_day, next_due_date, repeat_policy, fired) VALUES(?,?,?,?,?)
		ON CONFLICT(note_id) DO UPDATE SET time_of_day = excluded.time_of_day, next_due_date = excluded.next_due_date,
		repeat_policy = excluded.repeat_policy, fired = excluded.fired`,
	upsertSubscription: `INSERT INTO subscriptions(user_id, plan, status, start_date, expiry_date, customer_ref) VALUES(?,?,?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET plan = excluded.plan, status = excluded.status, start_date = excluded.start_date,
		expiry_date = excluded.expiry_date, customer_ref = excluded.customer_ref`,
	upsertDedup: `INSERT INTO dedup(dedup_key, until_ms) VALUES(?,?)
		ON CONFLICT(dedup_key) DO UPDATE SET until_ms = excluded.until_ms`,
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	busy := cfg.BusyTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := newSQLStore(db, sqliteDialect, log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("path", path))
	return st, nil
}
