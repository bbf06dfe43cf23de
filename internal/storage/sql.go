package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"keepsched/internal/obligation"
	logx "keepsched/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// dialect holds the statements that differ between SQL engines.
type dialect struct {
	name       string
	migrations string

	upsertUser         string
	upsertNote         string
	upsertReminder     string
	upsertSubscription string
	upsertDedup        string
}

// sqlStore implements Store on database/sql for every SQL driver.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log, pruneEvery: 500}
}

// migrate applies the embedded schema. Statements are idempotent
// (CREATE ... IF NOT EXISTS) and run one at a time since the mysql driver
// rejects multi-statement exec by default.
func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.d.migrations)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(b)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

func splitStatements(src string) []string {
	var out []string
	var b strings.Builder
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			out = append(out, strings.TrimSpace(b.String()))
			b.Reset()
		}
	}
	if rest := strings.TrimSpace(b.String()); rest != "" {
		out = append(out, rest)
	}
	return out
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- reminders ----

const reminderColumns = `r.note_id, n.owner_id, COALESCE(u.email, ''), COALESCE(u.name, ''), n.title,
	r.time_of_day, r.next_due_date, r.repeat_policy, r.fired`

const reminderFrom = ` FROM reminders r
	JOIN notes n ON n.id = r.note_id
	LEFT JOIN users u ON u.id = n.owner_id`

func (s *sqlStore) FindDueReminders(ctx context.Context, now time.Time) ([]obligation.Reminder, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	today := obligation.DateOf(now).String()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+reminderFrom+`
		 WHERE r.fired = 0 AND n.deleted = 0 AND r.next_due_date <= ?
		 ORDER BY r.next_due_date, r.note_id`, today)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer rows.Close()

	var out []obligation.Reminder
	for rows.Next() {
		r, err := s.scanReminder(rows)
		if err != nil {
			// One malformed row must not hide the others.
			s.log.Warn("reminder row skipped", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetReminder(ctx context.Context, noteID int64) (obligation.Reminder, error) {
	if s == nil || s.db == nil {
		return obligation.Reminder{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+reminderFrom+` WHERE r.note_id = ?`, noteID)
	r, err := s.scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return obligation.Reminder{}, ErrNotFound
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) scanReminder(sc scanner) (obligation.Reminder, error) {
	var (
		r              obligation.Reminder
		tod, due, rpol string
		fired          int
	)
	if err := sc.Scan(&r.NoteID, &r.OwnerID, &r.OwnerEmail, &r.OwnerName, &r.Title, &tod, &due, &rpol, &fired); err != nil {
		return r, err
	}
	var err error
	if r.TimeOfDay, err = obligation.ParseTimeOfDay(tod); err != nil {
		return r, fmt.Errorf("note %d: %w", r.NoteID, err)
	}
	if r.NextDueDate, err = obligation.ParseDate(due); err != nil {
		return r, fmt.Errorf("note %d: %w", r.NoteID, err)
	}
	r.Repeat = obligation.RepeatPolicy(strings.ToLower(strings.TrimSpace(rpol)))
	r.Fired = fired != 0
	return r, nil
}

func (s *sqlStore) SaveReminder(ctx context.Context, r obligation.Reminder) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET next_due_date = ?, fired = ? WHERE note_id = ?`,
		r.NextDueDate.String(), boolInt(r.Fired), r.NoteID)
	if err != nil {
		return err
	}
	return expectRow(res, "reminder", r.NoteID)
}

func (s *sqlStore) PutReminder(ctx context.Context, r obligation.Reminder) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	rpol := string(r.Repeat)
	if rpol == "" {
		rpol = string(obligation.RepeatNone)
	}
	_, err := s.db.ExecContext(ctx, s.d.upsertReminder,
		r.NoteID, r.TimeOfDay.String(), r.NextDueDate.String(), rpol, boolInt(r.Fired))
	return err
}

// ---- notes & users ----

func (s *sqlStore) PutUser(ctx context.Context, u User) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.d.upsertUser, u.ID, u.Email, u.Name)
	return err
}

func (s *sqlStore) PutNote(ctx context.Context, n Note) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.d.upsertNote, n.ID, n.OwnerID, n.Title, boolInt(n.Deleted))
	return err
}

// DeleteNote removes the note and its reminder.
func (s *sqlStore) DeleteNote(ctx context.Context, noteID int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE note_id = ?`, noteID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, noteID); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- subscriptions ----

const subscriptionSelect = `SELECT s.user_id, u.email, u.name, s.plan, s.status,
	s.start_date, s.expiry_date, s.customer_ref
	FROM subscriptions s JOIN users u ON u.id = s.user_id`

func (s *sqlStore) FindDueSubscriptions(ctx context.Context, now time.Time) ([]obligation.Subscription, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		subscriptionSelect+` WHERE s.status = ? AND s.expiry_date IS NOT NULL AND s.expiry_date <= ?
		 ORDER BY s.expiry_date, s.user_id`,
		string(obligation.StatusActive), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query due subscriptions: %w", err)
	}
	defer rows.Close()

	var out []obligation.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			s.log.Warn("subscription row skipped", logx.Err(err))
			continue
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetSubscription(ctx context.Context, userID int64) (obligation.Subscription, error) {
	if s == nil || s.db == nil {
		return obligation.Subscription{}, ErrDisabled
	}
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, subscriptionSelect+` WHERE s.user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return obligation.Subscription{}, ErrNotFound
	}
	return sub, err
}

func scanSubscription(sc scanner) (obligation.Subscription, error) {
	var (
		sub          obligation.Subscription
		plan, status string
		start, exp   sql.NullInt64
		ref          sql.NullString
	)
	if err := sc.Scan(&sub.UserID, &sub.Email, &sub.Name, &plan, &status, &start, &exp, &ref); err != nil {
		return sub, err
	}
	sub.Plan = obligation.Plan(plan)
	sub.Status = obligation.Status(status)
	if start.Valid {
		sub.StartDate = time.UnixMilli(start.Int64).UTC()
	}
	if exp.Valid {
		sub.ExpiryDate = time.UnixMilli(exp.Int64).UTC()
	}
	sub.CustomerRef = ref.String
	return sub, nil
}

func (s *sqlStore) SaveSubscription(ctx context.Context, sub obligation.Subscription) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ?, expiry_date = ? WHERE user_id = ?`,
		string(sub.Status), nullMillis(sub.ExpiryDate), sub.UserID)
	if err != nil {
		return err
	}
	return expectRow(res, "subscription", sub.UserID)
}

func (s *sqlStore) PutSubscription(ctx context.Context, sub obligation.Subscription) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.d.upsertSubscription,
		sub.UserID, string(sub.Plan), string(sub.Status),
		nullMillis(sub.StartDate), nullMillis(sub.ExpiryDate), nullStr(sub.CustomerRef))
	return err
}

// ---- audit & dedup ----

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, kind, subject, tick_id, meta) VALUES(?,?,?,?,?)`,
		e.At.UnixMilli(), e.Kind, e.Subject, nullStr(e.TickID), nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqlStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, subject, tick_id, meta FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			e        AuditEntry
			at       int64
			tick, mt sql.NullString
		)
		if err := rows.Scan(&at, &e.Kind, &e.Subject, &tick, &mt); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		e.TickID = tick.String
		e.MetaJSON = mt.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.d.upsertDedup, key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until_ms FROM dedup WHERE dedup_key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	until := time.UnixMilli(ms)
	if time.Now().After(until) {
		return until, false, nil
	}
	return until, true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until_ms < ?`, time.Now().UnixMilli())
	return err
}

// ---- helpers ----

func expectRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		// Not all drivers report affected rows; treat as success.
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
