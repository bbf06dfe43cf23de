package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"keepsched/internal/obligation"
)

// memStore is a process-local Store. It mirrors the SQL drivers' query
// semantics and is used for tests and "tick --dry-run" style runs.
type memStore struct {
	mu    sync.Mutex
	users map[int64]User
	notes map[int64]Note
	rems  map[int64]obligation.Reminder
	subs  map[int64]obligation.Subscription
	dedup map[string]time.Time
	audit []AuditEntry
}

func NewMemory() Store {
	return &memStore{
		users: map[int64]User{},
		notes: map[int64]Note{},
		rems:  map[int64]obligation.Reminder{},
		subs:  map[int64]obligation.Subscription{},
		dedup: map[string]time.Time{},
	}
}

func (m *memStore) FindDueReminders(_ context.Context, now time.Time) ([]obligation.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	today := obligation.DateOf(now)
	var out []obligation.Reminder
	for id, r := range m.rems {
		n, ok := m.notes[id]
		if !ok || n.Deleted || r.Fired || today.Before(r.NextDueDate) {
			continue
		}
		out = append(out, m.joinReminderLocked(r, n))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextDueDate != out[j].NextDueDate {
			return out[i].NextDueDate.Before(out[j].NextDueDate)
		}
		return out[i].NoteID < out[j].NoteID
	})
	return out, nil
}

func (m *memStore) joinReminderLocked(r obligation.Reminder, n Note) obligation.Reminder {
	u := m.users[n.OwnerID]
	r.OwnerID = n.OwnerID
	r.OwnerEmail = u.Email
	r.OwnerName = u.Name
	r.Title = n.Title
	return r
}

func (m *memStore) SaveReminder(_ context.Context, r obligation.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rems[r.NoteID]
	if !ok {
		return fmt.Errorf("reminder %d: %w", r.NoteID, ErrNotFound)
	}
	cur.NextDueDate = r.NextDueDate
	cur.Fired = r.Fired
	m.rems[r.NoteID] = cur
	return nil
}

func (m *memStore) PutReminder(_ context.Context, r obligation.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notes[r.NoteID]; !ok {
		return fmt.Errorf("note %d: %w", r.NoteID, ErrNotFound)
	}
	if r.Repeat == "" {
		r.Repeat = obligation.RepeatNone
	}
	m.rems[r.NoteID] = obligation.Reminder{
		NoteID:      r.NoteID,
		TimeOfDay:   r.TimeOfDay,
		NextDueDate: r.NextDueDate,
		Repeat:      r.Repeat,
		Fired:       r.Fired,
	}
	return nil
}

func (m *memStore) GetReminder(_ context.Context, noteID int64) (obligation.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rems[noteID]
	if !ok {
		return obligation.Reminder{}, ErrNotFound
	}
	return m.joinReminderLocked(r, m.notes[noteID]), nil
}

func (m *memStore) PutUser(_ context.Context, u User) error {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
	return nil
}

func (m *memStore) PutNote(_ context.Context, n Note) error {
	m.mu.Lock()
	m.notes[n.ID] = n
	m.mu.Unlock()
	return nil
}

func (m *memStore) DeleteNote(_ context.Context, noteID int64) error {
	m.mu.Lock()
	delete(m.rems, noteID)
	delete(m.notes, noteID)
	m.mu.Unlock()
	return nil
}

func (m *memStore) FindDueSubscriptions(_ context.Context, now time.Time) ([]obligation.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []obligation.Subscription
	for _, s := range m.subs {
		if s.IsDue(now) {
			out = append(out, m.joinSubscriptionLocked(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiryDate.Equal(out[j].ExpiryDate) {
			return out[i].ExpiryDate.Before(out[j].ExpiryDate)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (m *memStore) joinSubscriptionLocked(s obligation.Subscription) obligation.Subscription {
	u := m.users[s.UserID]
	s.Email = u.Email
	s.Name = u.Name
	return s
}

func (m *memStore) SaveSubscription(_ context.Context, s obligation.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[s.UserID]
	if !ok {
		return fmt.Errorf("subscription %d: %w", s.UserID, ErrNotFound)
	}
	cur.Status = s.Status
	cur.ExpiryDate = s.ExpiryDate
	m.subs[s.UserID] = cur
	return nil
}

func (m *memStore) PutSubscription(_ context.Context, s obligation.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[s.UserID]; !ok {
		return fmt.Errorf("user %d: %w", s.UserID, ErrNotFound)
	}
	s.Email, s.Name = "", ""
	m.subs[s.UserID] = s
	return nil
}

func (m *memStore) GetSubscription(_ context.Context, userID int64) (obligation.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[userID]
	if !ok {
		return obligation.Subscription{}, ErrNotFound
	}
	return m.joinSubscriptionLocked(s), nil
}

func (m *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

func (m *memStore) RecentAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}

func (m *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if time.Now().After(until) {
		delete(m.dedup, key)
		return until, false, nil
	}
	return until, true, nil
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }
