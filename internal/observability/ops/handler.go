package ops

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"keepsched/internal/breaker"
	"keepsched/internal/notifier"
	"keepsched/internal/obligation"
	"keepsched/internal/runtime/supervisor"
	"keepsched/internal/task/scheduler"
	logx "keepsched/pkg/logx"
)

// Sources feed /status and /healthz. Nil funcs are omitted from the output.
type Sources struct {
	Scheduler     func() scheduler.Snapshot
	LastTick      func() (obligation.TickReport, bool)
	Breakers      func() []breaker.State
	Notifications func() []notifier.HistoryItem
	Goroutines    func() []supervisor.Stats
	// Ready returns nil when the daemon can serve ticks (store reachable).
	Ready func() error
}

// Status is the /status payload.
type Status struct {
	Time          time.Time              `json:"time"`
	Scheduler     *scheduler.Snapshot    `json:"scheduler,omitempty"`
	LastTick      *obligation.TickReport `json:"last_tick,omitempty"`
	Breakers      []breaker.State        `json:"breakers,omitempty"`
	Notifications []notifier.HistoryItem `json:"notifications,omitempty"`
	Goroutines    []supervisor.Stats     `json:"goroutines,omitempty"`
	Ready         bool                   `json:"ready"`
	ReadyErr      string                 `json:"ready_err,omitempty"`
}

func (src Sources) status() Status {
	st := Status{Time: time.Now(), Ready: true}
	if src.Scheduler != nil {
		snap := src.Scheduler()
		st.Scheduler = &snap
	}
	if src.LastTick != nil {
		if rep, ok := src.LastTick(); ok {
			st.LastTick = &rep
		}
	}
	if src.Breakers != nil {
		st.Breakers = src.Breakers()
	}
	if src.Notifications != nil {
		st.Notifications = src.Notifications()
	}
	if src.Goroutines != nil {
		st.Goroutines = src.Goroutines()
	}
	if src.Ready != nil {
		if err := src.Ready(); err != nil {
			st.Ready = false
			st.ReadyErr = err.Error()
		}
	}
	return st
}

// NewHandler builds the gin engine serving the ops endpoints.
func NewHandler(cfg Config, src Sources, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), accessLog(log))

	// Liveness stays open so service managers can probe without a token.
	r.GET("/healthz", func(c *gin.Context) {
		if src.Ready != nil {
			if err := src.Ready(); err != nil {
				c.String(http.StatusServiceUnavailable, "not ready: %s", err.Error())
				return
			}
		}
		c.String(http.StatusOK, "ok")
	})

	guarded := r.Group("/", bearer(cfg.Token))
	guarded.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, src.status())
	})

	if cfg.Pprof {
		prefix := strings.TrimSuffix(normalizePrefix(cfg.PprofPrefix), "/")
		pp := r.Group(prefix, bearer(cfg.Token))
		pp.GET("/", pprofIndexAt(prefix+"/"))
		pp.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		pp.GET("/profile", gin.WrapF(hpprof.Profile))
		pp.GET("/symbol", gin.WrapF(hpprof.Symbol))
		pp.POST("/symbol", gin.WrapF(hpprof.Symbol))
		pp.GET("/trace", gin.WrapF(hpprof.Trace))
		pp.GET("/:profile", func(c *gin.Context) {
			hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}

// bearer accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearer(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			const p = "Bearer "
			if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func accessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("ops request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index assumes requests are rooted at /debug/pprof/; rewrite custom
// prefixes before calling it.
func pprofIndexAt(prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		suffix := strings.TrimPrefix(c.Request.URL.Path, prefix)
		r2 := c.Request.Clone(c.Request.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(c.Writer, r2)
	}
}
