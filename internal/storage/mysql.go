package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	logx "keepsched/pkg/logx"
)

var mysqlDialect = dialect{
	name:       "mysql",
	migrations: "mysql.sql",
	upsertUser: `INSERT INTO users(id, email, name) VALUES(?,?,?)
		ON DUPLICATE KEY UPDATE email = VALUES(email), name = VALUES(name)`,
	upsertNote: `INSERT INTO notes(id, owner_id, title, deleted) VALUES(?,?,?,?)
		ON DUPLICATE KEY UPDATE owner_id = VALUES(owner_id), title = VALUES(title), deleted = VALUES(deleted)`,
	upsertReminder: `INSERT INTO reminders(note_id, time_of_day, next_due_date, repeat_policy, fired) VALUES(?,?,?,?,?)
		ON DUPLICATE KEY UPDATE time_of_day = VALUES(time_of_day), next_due_date = VALUES(next_due_date),
		repeat_policy = VALUES(repeat_policy), fired = VALUES(fired)`,
	upsertSubscription: `INSERT INTO subscriptions(user_id, plan, status, start_date, expiry_date, customer_ref) VALUES(?,?,?,?,?,?)
		ON DUPLICATE KEY UPDATE plan = VALUES(plan), status = VALUES(status), start_date = VALUES(start_date),
		expiry_date = VALUES(expiry_date), customer_ref = VALUES(customer_ref)`,
	upsertDedup: `INSERT INTO dedup(dedup_key, until_ms) VALUES(?,?)
		ON DUPLICATE KEY UPDATE until_ms = VALUES(until_ms)`,
}

// mysqlConfig parses dsn and sets the options the store relies on.
func mysqlConfig(dsn string) (*mysql.Config, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.dsn: %w", err)
	}
	// UPDATE must report matched rows, not changed rows, so a no-op save
	// of an existing row is not mistaken for a missing one.
	mc.ClientFoundRows = true
	if mc.Timeout == 0 {
		mc.Timeout = 10 * time.Second
	}
	return mc, nil
}

func openMySQL(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for mysql driver")
	}
	mc, err := mysqlConfig(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(conn)

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = maxOpen
	}
	life := cfg.ConnMaxLifetime
	if life <= 0 {
		life = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(life)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql ping: %w", err)
	}

	st := newSQLStore(db, mysqlDialect, log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("addr", mc.Addr), logx.String("db", mc.DBName), logx.Int("max_open", maxOpen))
	return st, nil
}
