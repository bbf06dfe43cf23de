package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"keepsched/internal/breaker"
	"keepsched/internal/obligation"
	logx "keepsched/pkg/logx"
)

type fakeTransport struct {
	mu   sync.Mutex
	errs []error
	sent []Message
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		d.m = map[string]time.Time{}
	}
	d.m[key] = until
	return nil
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.m[key]
	return u, ok, nil
}

func testConfig() Config {
	return Config{Enabled: true, RatePerSec: 1000, Burst: 1000}
}

func note(key string) obligation.Notification {
	return obligation.Notification{
		To:       obligation.Recipient{Email: "owner@example.com"},
		Template: obligation.TemplateReminder,
		Params:   map[string]string{"title": "water plants"},
		DedupKey: key,
	}
}

func TestNotifyDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := &memDedup{}
	tr := &fakeTransport{}
	s := New(testConfig(), tr, store, nil, logx.Nop(), nil)

	if err := s.Notify(context.Background(), note("reminder:1:2024-01-01")); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	if err := s.Notify(context.Background(), note("reminder:1:2024-01-01")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Notify err = %v, want ErrDuplicate", err)
	}

	// A fresh service (process restart) still sees the persisted key.
	s2 := New(testConfig(), tr, store, nil, logx.Nop(), nil)
	if err := s2.Notify(context.Background(), note("reminder:1:2024-01-01")); !errors.Is(err, obligation.ErrAlreadyNotified) {
		t.Fatalf("restart Notify err = %v, want ErrAlreadyNotified", err)
	}
	if err := s2.Notify(context.Background(), note("reminder:1:2024-01-02")); err != nil {
		t.Fatalf("next occurrence Notify: %v", err)
	}
	if tr.count() != 2 {
		t.Fatalf("sent = %d, want 2", tr.count())
	}
}

func TestNotifySendsOnceAndRecordsFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("503")
	tr := &fakeTransport{errs: []error{boom, boom, boom}}
	store := &memDedup{}
	s := New(testConfig(), tr, store, nil, logx.Nop(), nil)

	err := s.Notify(context.Background(), note("k1"))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if tr.count() != 1 {
		t.Fatalf("attempts = %d, want 1", tr.count())
	}
	// A failed attempt still consumes the occurrence.
	if _, ok, _ := store.GetDedup(context.Background(), "k1"); !ok {
		t.Fatal("failed attempt not recorded")
	}
	if h := s.History(); len(h) != 1 || h[0].Error == "" || h[0].To != "o***@example.com" {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestNotifyTimeoutAfterAcceptDoesNotResend(t *testing.T) {
	t.Parallel()
	// The provider accepted the message but the response never arrived.
	tr := &fakeTransport{errs: []error{errors.New("read: i/o timeout")}}
	store := &memDedup{}
	s := New(testConfig(), tr, store, nil, logx.Nop(), nil)

	if err := s.Notify(context.Background(), note("reminder:1:2024-01-01")); err == nil {
		t.Fatal("expected the timeout to be reported")
	}
	if err := s.Notify(context.Background(), note("reminder:1:2024-01-01")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Notify err = %v, want ErrDuplicate", err)
	}
	if tr.count() != 1 {
		t.Fatalf("transport calls for one occurrence = %d, want 1", tr.count())
	}
}

func TestNotifyPermanentErrorKeepsBreakerClosed(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{errs: []error{&PermanentError{Err: errors.New("invalid email")}}}
	brk := breaker.New("brevo", breaker.Config{TripFailures: 1})
	s := New(testConfig(), tr, nil, brk, logx.Nop(), nil)

	if err := s.Notify(context.Background(), note("")); !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if tr.count() != 1 {
		t.Fatalf("attempts = %d, want 1", tr.count())
	}
	if open, _ := brk.IsOpen(); open {
		t.Fatal("permanent error tripped the breaker")
	}
}

func TestNotifyBreakerOpenFailsFast(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{errs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}
	brk := breaker.New("brevo", breaker.Config{TripFailures: 2, BaseDelay: time.Minute})
	s := New(testConfig(), tr, nil, brk, logx.Nop(), nil)

	_ = s.Notify(context.Background(), note(""))
	_ = s.Notify(context.Background(), note(""))
	err := s.Notify(context.Background(), note(""))
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if tr.count() != 2 {
		t.Fatalf("attempts = %d, want 2", tr.count())
	}
}

func TestNotifyDisabledAndMissingRecipient(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, &fakeTransport{}, nil, nil, logx.Nop(), nil)
	if err := s.Notify(context.Background(), note("")); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	s.Apply(testConfig())
	n := note("")
	n.To.Email = ""
	if err := s.Notify(context.Background(), n); !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestNotifyRateLimitHonorsContext(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RatePerSec = 0.001
	cfg.Burst = 1
	tr := &fakeTransport{}
	store := &memDedup{}
	s := New(cfg, tr, store, nil, logx.Nop(), nil)

	if err := s.Notify(context.Background(), note("")); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Notify(ctx, note("reminder:2:2024-01-01")); err == nil {
		t.Fatal("expected rate limit error")
	}
	if tr.count() != 1 {
		t.Fatalf("sent = %d, want 1", tr.count())
	}
	// Nothing reached the transport, so the occurrence is not consumed.
	if _, ok, _ := store.GetDedup(context.Background(), "reminder:2:2024-01-01"); ok {
		t.Fatal("unsent occurrence recorded as attempted")
	}
}

func TestBrevoRequestShape(t *testing.T) {
	t.Parallel()
	var (
		mu     sync.Mutex
		got    brevoRequest
		apiKey string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		apiKey = r.Header.Get("api-key")
		got = brevoRequest{}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"messageId":"<1@smtp>"}`))
	}))
	defer srv.Close()

	b, err := NewBrevo(BrevoConfig{
		APIKey: "xkeysib-test", BaseURL: srv.URL, SenderEmail: "noreply@keep.app", SenderName: "Keep",
		Templates: map[string]int64{"reminder": 42},
	}, srv.Client())
	if err != nil {
		t.Fatalf("NewBrevo: %v", err)
	}
	err = b.Send(context.Background(), Message{
		To:       obligation.Recipient{Email: "owner@example.com", Name: "Owner"},
		Template: obligation.TemplateReminder,
		Params:   map[string]string{"title": "water plants"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	first, firstKey := got, apiKey
	mu.Unlock()
	if firstKey != "xkeysib-test" || first.TemplateID != 42 || first.Params["title"] != "water plants" {
		t.Fatalf("unexpected request key=%q %+v", firstKey, first)
	}
	if len(first.To) != 1 || first.To[0].Email != "owner@example.com" || first.Sender.Email != "noreply@keep.app" {
		t.Fatalf("unexpected addresses %+v", first)
	}

	// Without a template id the message is sent as plain text.
	err = b.Send(context.Background(), Message{To: obligation.Recipient{Email: "u@example.com"}, Template: obligation.TemplateSubscriptionPastDue, Params: map[string]string{"plan": "monthly"}})
	if err != nil {
		t.Fatalf("Send plain: %v", err)
	}
	mu.Lock()
	plain := got
	mu.Unlock()
	if plain.TemplateID != 0 || plain.Subject == "" || plain.TextContent == "" {
		t.Fatalf("unexpected plain request %+v", plain)
	}
}

func TestBrevoErrorClassification(t *testing.T) {
	t.Parallel()
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"code":"invalid_parameter","message":"email is not valid"}`))
	}))
	defer srv.Close()

	b, _ := NewBrevo(BrevoConfig{APIKey: "k", BaseURL: srv.URL, SenderEmail: "noreply@keep.app"}, srv.Client())
	msg := Message{To: obligation.Recipient{Email: "bad"}, Template: obligation.TemplateReminder}
	if err := b.Send(context.Background(), msg); !IsPermanent(err) {
		t.Fatalf("400 err = %v, want permanent", err)
	}
	status.Store(http.StatusTooManyRequests)
	if err := b.Send(context.Background(), msg); err == nil || IsPermanent(err) {
		t.Fatalf("429 err = %v, want transient", err)
	}
	status.Store(http.StatusBadGateway)
	if err := b.Send(context.Background(), msg); err == nil || IsPermanent(err) {
		t.Fatalf("502 err = %v, want transient", err)
	}
}

func TestNewTransport(t *testing.T) {
	t.Parallel()
	if tr, err := NewTransport(Config{}, logx.Nop()); err != nil || tr.Name() != "log" {
		t.Fatalf("default transport = %v, %v", tr, err)
	}
	if _, err := NewTransport(Config{Transport: "brevo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for brevo without api key")
	}
	if _, err := NewTransport(Config{Transport: "carrier-pigeon"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}
