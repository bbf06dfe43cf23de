package billing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"keepsched/internal/breaker"
	"keepsched/internal/obligation"
	logx "keepsched/pkg/logx"
)

func newTestStripe(t *testing.T, h http.HandlerFunc, brk *breaker.Set) *Stripe {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s, err := NewStripe(Config{SecretKey: "sk_test_123", BaseURL: srv.URL}, brk, logx.Nop())
	if err != nil {
		t.Fatalf("NewStripe: %v", err)
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestStripeDefaultPaymentMethod(t *testing.T) {
	t.Parallel()
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/cus_pm":
			writeJSON(w, 200, `{"id":"cus_pm","object":"customer","invoice_settings":{"default_payment_method":"pm_1"}}`)
		case "/v1/customers/cus_bare":
			writeJSON(w, 200, `{"id":"cus_bare","object":"customer","invoice_settings":{}}`)
		case "/v1/customers/cus_deleted":
			writeJSON(w, 200, `{"id":"cus_deleted","object":"customer","deleted":true}`)
		default:
			writeJSON(w, 404, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such customer"}}`)
		}
	}, nil)
	ctx := context.Background()

	pm, err := s.DefaultPaymentMethod(ctx, "cus_pm")
	if err != nil || pm != "pm_1" {
		t.Fatalf("cus_pm = %q,%v want pm_1", pm, err)
	}
	pm, err = s.DefaultPaymentMethod(ctx, "cus_bare")
	if err != nil || pm != "" {
		t.Fatalf("cus_bare = %q,%v want empty", pm, err)
	}
	for _, ref := range []string{"cus_deleted", "cus_missing"} {
		if _, err := s.DefaultPaymentMethod(ctx, ref); !errors.Is(err, obligation.ErrNoBillingAccount) {
			t.Fatalf("%s: err = %v, want ErrNoBillingAccount", ref, err)
		}
	}
}

func TestStripeChargeSendsIdempotencyKey(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		key  string
		form map[string]string
	)
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payment_intents" {
			writeJSON(w, 404, `{"error":{"type":"invalid_request_error","message":"unexpected"}}`)
			return
		}
		_ = r.ParseForm()
		mu.Lock()
		key = r.Header.Get("Idempotency-Key")
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		mu.Unlock()
		writeJSON(w, 200, `{"id":"pi_1","object":"payment_intent","status":"succeeded"}`)
	}, nil)

	res, err := s.Charge(context.Background(), obligation.ChargeRequest{
		CustomerRef:    "cus_1",
		PaymentMethod:  "pm_1",
		Amount:         1299,
		Currency:       "USD",
		IdempotencyKey: "renewal:7:1:2",
		Metadata:       map[string]string{"user_id": "7"},
	})
	if err != nil || !res.Succeeded || res.ID != "pi_1" {
		t.Fatalf("Charge = %+v,%v", res, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if key != "renewal:7:1:2" {
		t.Fatalf("Idempotency-Key = %q", key)
	}
	want := map[string]string{
		"amount":            "1299",
		"currency":          "usd",
		"customer":          "cus_1",
		"payment_method":    "pm_1",
		"off_session":       "true",
		"confirm":           "true",
		"metadata[user_id]": "7",
	}
	for k, v := range want {
		if form[k] != v {
			t.Fatalf("form[%s] = %q, want %q (form %v)", k, form[k], v, form)
		}
	}
}

func TestStripeDeclineIsFailedChargeAndNeutral(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	set := breaker.NewSet(breaker.Config{TripFailures: 1})
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, 402, `{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"declined","payment_intent":{"id":"pi_x","object":"payment_intent","status":"requires_payment_method"}}}`)
	}, set)

	for i := 0; i < 3; i++ {
		res, err := s.Charge(context.Background(), obligation.ChargeRequest{CustomerRef: "cus_1", PaymentMethod: "pm_1", Amount: 100, Currency: "usd"})
		if err != nil {
			t.Fatalf("attempt %d: err = %v, want nil", i, err)
		}
		if res.Succeeded || res.FailureReason != "insufficient_funds" {
			t.Fatalf("attempt %d: res = %+v", i, res)
		}
	}
	if hits.Load() != 3 {
		t.Fatalf("hits = %d, declines must not open the circuit", hits.Load())
	}
}

func TestStripeChargeStatusMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status    string
		succeeded bool
		pending   bool
		reason    string
	}{
		{status: "succeeded", succeeded: true},
		{status: "processing", pending: true},
		{status: "requires_action", pending: true},
		{status: "requires_payment_method", reason: "status_requires_payment_method"},
		{status: "canceled", reason: "status_canceled"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.status, func(t *testing.T) {
			t.Parallel()
			s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, 200, `{"id":"pi_s","object":"payment_intent","status":"`+tc.status+`"}`)
			}, nil)
			res, err := s.Charge(context.Background(), obligation.ChargeRequest{CustomerRef: "cus_1", PaymentMethod: "pm_1", Amount: 100, Currency: "usd"})
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if res.ID != "pi_s" || res.Succeeded != tc.succeeded || res.Pending != tc.pending || res.FailureReason != tc.reason {
				t.Fatalf("res = %+v", res)
			}
		})
	}
}

func TestMemoryHoldKeepsChargePending(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	m.SetCustomer("cus_1", "pm_1")
	m.Hold("pm_1")
	req := obligation.ChargeRequest{CustomerRef: "cus_1", PaymentMethod: "pm_1", Amount: 500, Currency: "usd", IdempotencyKey: "k"}

	res, err := m.Charge(context.Background(), req)
	if err != nil || !res.Pending || res.Succeeded || len(m.Charges()) != 0 {
		t.Fatalf("held = %+v,%v", res, err)
	}
	m.Release("pm_1")
	res, err = m.Charge(context.Background(), req)
	if err != nil || !res.Succeeded || len(m.Charges()) != 1 {
		t.Fatalf("released = %+v,%v", res, err)
	}
}

func TestStripeOutageOpensBreaker(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	set := breaker.NewSet(breaker.Config{TripFailures: 2})
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, 500, `{"error":{"type":"api_error","message":"boom"}}`)
	}, set)

	req := obligation.ChargeRequest{CustomerRef: "cus_1", PaymentMethod: "pm_1", Amount: 100, Currency: "usd"}
	for i := 0; i < 2; i++ {
		if _, err := s.Charge(context.Background(), req); err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
	}
	_, err := s.Charge(context.Background(), req)
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}
	// Lookups use their own circuit.
	if set.Get("stripe.lookup").State().Open {
		t.Fatal("lookup breaker opened by charge failures")
	}
}

func TestMemoryIdempotency(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	m.SetCustomer("cus_1", "pm_1")
	req := obligation.ChargeRequest{CustomerRef: "cus_1", PaymentMethod: "pm_1", Amount: 500, Currency: "usd", IdempotencyKey: "k1"}

	a, err := m.Charge(context.Background(), req)
	if err != nil || !a.Succeeded {
		t.Fatalf("first = %+v,%v", a, err)
	}
	b, err := m.Charge(context.Background(), req)
	if err != nil || b != a {
		t.Fatalf("second = %+v,%v want %+v", b, err, a)
	}
	if n := len(m.Charges()); n != 1 {
		t.Fatalf("applied charges = %d, want 1", n)
	}

	req.IdempotencyKey = "k2"
	if _, err := m.Charge(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if n := len(m.Charges()); n != 2 {
		t.Fatalf("applied charges = %d, want 2", n)
	}
}

func TestMemoryLookupAndDecline(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	m.SetCustomer("cus_nopm", "")
	m.SetCustomer("cus_1", "pm_bad")
	m.Decline("pm_bad", "card_declined")

	if pm, err := m.DefaultPaymentMethod(context.Background(), "cus_nopm"); err != nil || pm != "" {
		t.Fatalf("cus_nopm = %q,%v", pm, err)
	}
	if _, err := m.DefaultPaymentMethod(context.Background(), "cus_gone"); !errors.Is(err, ErrCustomerNotFound) {
		t.Fatalf("err = %v", err)
	}
	res, err := m.Charge(context.Background(), obligation.ChargeRequest{CustomerRef: "cus_1", PaymentMethod: "pm_bad", IdempotencyKey: "k"})
	if err != nil || res.Succeeded || res.FailureReason != "card_declined" {
		t.Fatalf("res = %+v,%v", res, err)
	}
	if len(m.Charges()) != 0 {
		t.Fatal("declined charge was applied")
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Provider: "memory"}, nil, logx.Nop()); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(Config{Provider: "stripe"}, nil, logx.Nop()); err == nil || !strings.Contains(err.Error(), "secret_key") {
		t.Fatalf("err = %v", err)
	}
	if _, err := Open(Config{Provider: "paypal"}, nil, logx.Nop()); err == nil {
		t.Fatal("expected unknown provider error")
	}
}
