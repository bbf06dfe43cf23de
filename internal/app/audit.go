package app

import (
	"context"
	"encoding/json"
	"time"

	"keepsched/internal/eventbus"
	"keepsched/internal/obligation"
	"keepsched/internal/storage"
	logx "keepsched/pkg/logx"
)

// auditEntry converts an obligation event into an audit row. ok is false
// for events that are not audited.
func auditEntry(ev eventbus.Event) (storage.AuditEntry, bool) {
	e := storage.AuditEntry{At: ev.Time, Kind: ev.Type}
	switch d := ev.Data.(type) {
	case obligation.ReminderEvent:
		e.Subject = d.NoteID
		e.TickID = d.TickID
	case obligation.SubscriptionEvent:
		e.Subject = d.UserID
		e.TickID = d.TickID
	case obligation.TickReport:
		e.TickID = d.ID
	default:
		return storage.AuditEntry{}, false
	}
	if b, err := json.Marshal(ev.Data); err == nil {
		e.MetaJSON = string(b)
	}
	return e, true
}

// auditLoop writes obligation events from ch to the store. It returns when
// ch is closed, or when ctx is done after writing what is already buffered.
func auditLoop(ctx context.Context, ch <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return
					}
					writeAudit(store, ev, log)
				default:
					return
				}
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeAudit(store, ev, log)
		}
	}
}

func writeAudit(store storage.Store, ev eventbus.Event, log logx.Logger) {
	e, ok := auditEntry(ev)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := store.AppendAudit(wctx, e)
	cancel()
	if err != nil {
		log.Warn("audit.write_failed", logx.String("kind", e.Kind), logx.Err(err))
	}
}
