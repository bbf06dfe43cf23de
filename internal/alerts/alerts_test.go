package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"keepsched/internal/eventbus"
	"keepsched/internal/obligation"
	logx "keepsched/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, text)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func pastDue() eventbus.Event {
	return eventbus.Event{Type: obligation.EventSubscriptionPastDue, Data: obligation.SubscriptionEvent{
		UserID: 7, Plan: obligation.PlanMonthly,
		From: obligation.StatusActive, To: obligation.StatusPastDue,
		Expiry: time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC),
		Reason: "card_declined <x>",
	}}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	text, ok := Format(pastDue())
	if !ok {
		t.Fatal("past_due not formatted")
	}
	for _, want := range []string{"subscription.past_due", "<code>7</code>", "active → past_due", "2024-02-05", "card_declined &lt;x&gt;"} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in %q", want, text)
		}
	}

	if _, ok := Format(eventbus.Event{Type: obligation.EventTickCompleted, Data: obligation.TickReport{ID: "t1"}}); ok {
		t.Fatal("healthy tick should not alert")
	}
	text, ok = Format(eventbus.Event{Type: obligation.EventTickCompleted, Data: obligation.TickReport{ID: "t2", SubscriptionQueryErr: "db down"}})
	if !ok || !strings.Contains(text, "subscriptions: db down") || strings.Contains(text, "reminders:") {
		t.Fatalf("degraded tick = %q,%v", text, ok)
	}
	if _, ok := Format(eventbus.Event{Type: "other", Data: 1}); ok {
		t.Fatal("unknown payload formatted")
	}
}

func TestHandleFiltersAndLimits(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	a, err := New(Config{PerMinute: 2}, s, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	a.Handle(ctx, eventbus.Event{Type: obligation.EventSubscriptionRenewed, Data: obligation.SubscriptionEvent{UserID: 1}})
	if s.count() != 0 {
		t.Fatal("renewed is not a default alert")
	}
	for i := 0; i < 4; i++ {
		a.Handle(ctx, pastDue())
	}
	sent, dropped := a.Stats()
	if s.count() != 2 || sent != 2 || dropped != 2 {
		t.Fatalf("sent=%d dropped=%d msgs=%d", sent, dropped, s.count())
	}
}

func TestHandleSendErrorIsDropped(t *testing.T) {
	t.Parallel()
	s := &fakeSender{err: errors.New("telegram down")}
	a, _ := New(Config{}, s, logx.Nop())
	a.Handle(context.Background(), pastDue())
	if sent, _ := a.Stats(); sent != 0 {
		t.Fatalf("sent = %d", sent)
	}
}

func TestRunForwardsFromBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := &fakeSender{}
	a, _ := New(Config{Events: []string{obligation.EventSubscriptionDeactivate}}, s, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, bus) }()

	ev := pastDue()
	ev.Type = obligation.EventSubscriptionDeactivate
	deadline := time.Now().Add(2 * time.Second)
	for s.count() == 0 && time.Now().Before(deadline) {
		// Publish until the subscriber is registered.
		bus.Publish(ev)
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if s.count() == 0 {
		t.Fatal("no alert forwarded")
	}
}

func TestTelegramSend(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		path string
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"supergroup"},"text":"x"}}`))
	}))
	defer srv.Close()

	tg, err := NewTelegram(Config{Token: "123:abc", ChatID: 42, ThreadID: 7, APIURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if err := tg.Send(context.Background(), "<b>hi</b>"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/bot123:abc/sendMessage" {
		t.Fatalf("path = %q", path)
	}
	for k, want := range map[string]string{"chat_id": "42", "message_thread_id": "7", "parse_mode": "HTML", "text": "<b>hi</b>"} {
		if got := fmt.Sprint(body[k]); got != want {
			t.Fatalf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestNewTelegramValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegram(Config{ChatID: 1}); err == nil {
		t.Fatal("expected token error")
	}
	if _, err := NewTelegram(Config{Token: "x"}); err == nil {
		t.Fatal("expected chat id error")
	}
}
