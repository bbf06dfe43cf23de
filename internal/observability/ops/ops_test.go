package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"keepsched/internal/breaker"
	"keepsched/internal/obligation"
	"keepsched/internal/task/scheduler"
	logx "keepsched/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

func do(h http.Handler, method, target, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func testSources() Sources {
	return Sources{
		Scheduler: func() scheduler.Snapshot { return scheduler.Snapshot{Enabled: true, Started: true, Timezone: "UTC"} },
		LastTick: func() (obligation.TickReport, bool) {
			return obligation.TickReport{ID: "t1", Reminders: obligation.ReminderCounts{Due: 3, Notified: 3, Rescheduled: 3}}, true
		},
		Breakers: func() []breaker.State { return []breaker.State{{Name: "brevo"}} },
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := NewHandler(Config{Token: "s3cret"}, Sources{}, logx.Nop())
	if w := do(h, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", w.Code, w.Body.String())
	}

	h = NewHandler(Config{}, Sources{Ready: func() error { return errors.New("db down") }}, logx.Nop())
	if w := do(h, http.MethodGet, "/healthz", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz = %d, want 503", w.Code)
	}
}

func TestStatusRequiresToken(t *testing.T) {
	t.Parallel()
	h := NewHandler(Config{Token: "s3cret"}, testSources(), logx.Nop())

	tests := []struct {
		target, auth string
		want         int
	}{
		{"/status", "", http.StatusUnauthorized},
		{"/status", "Bearer nope", http.StatusUnauthorized},
		{"/status", "Bearer s3cret", http.StatusOK},
		{"/status?token=s3cret", "", http.StatusOK},
	}
	for _, tt := range tests {
		if w := do(h, http.MethodGet, tt.target, tt.auth); w.Code != tt.want {
			t.Fatalf("%s auth=%q: code = %d, want %d", tt.target, tt.auth, w.Code, tt.want)
		}
	}
}

func TestStatusPayload(t *testing.T) {
	t.Parallel()
	h := NewHandler(Config{}, testSources(), logx.Nop())
	w := do(h, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var st Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Ready || st.Scheduler == nil || !st.Scheduler.Started {
		t.Fatalf("status = %+v", st)
	}
	if st.LastTick == nil || st.LastTick.ID != "t1" || st.LastTick.Reminders.Rescheduled != 3 {
		t.Fatalf("last tick = %+v", st.LastTick)
	}
	if len(st.Breakers) != 1 || st.Breakers[0].Name != "brevo" {
		t.Fatalf("breakers = %+v", st.Breakers)
	}
}

func TestPprofToggle(t *testing.T) {
	t.Parallel()
	off := NewHandler(Config{}, Sources{}, logx.Nop())
	if w := do(off, http.MethodGet, "/debug/pprof/", ""); w.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled: code = %d", w.Code)
	}
	on := NewHandler(Config{Pprof: true, PprofPrefix: "/pp", Token: "x"}, Sources{}, logx.Nop())
	if w := do(on, http.MethodGet, "/pp/", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("pprof without token: code = %d", w.Code)
	}
	if w := do(on, http.MethodGet, "/pp/goroutine?debug=1", "Bearer x"); w.Code != http.StatusOK {
		t.Fatalf("pprof goroutine: code = %d", w.Code)
	}
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		addr = s.Addr()
		time.Sleep(5 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server did not bind")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code = %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatal("service still running after Stop")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	if isLoopbackAddr(":8090") || isLoopbackAddr("0.0.0.0:1") || !isLoopbackAddr("localhost:1") || !isLoopbackAddr("[::1]:1") {
		t.Fatal("isLoopbackAddr misclassified")
	}
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	if err := s.serveOnce(context.Background()); err != nil {
		t.Fatalf("serveOnce = %v, want nil refusal", err)
	}
	if s.Addr() != "" {
		t.Fatal("insecure bind was served")
	}
}
