package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "keepsched/pkg/logx"
)

// ErrOverlapSkip is recorded when a trigger fires while the job is still running.
var ErrOverlapSkip = errors.New("skipped: previous run still in flight")

// Config controls the scheduler service.
type Config struct {
	Enabled bool
	// Timezone is an IANA name, e.g. "Asia/Jakarta". Empty means UTC.
	Timezone       string
	DefaultTimeout time.Duration
	HistorySize    int
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 50 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     JobFunc
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64
	fails   atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []*jobDef

	// runCtx is cancelled when Stop gives up waiting for in-flight runs.
	runCtx    context.Context
	runCancel context.CancelFunc

	// Read by running jobs without s.mu, which restartLocked holds while
	// waiting for them.
	defTimeout atomic.Int64
	histSize   atomic.Int64

	hmu     sync.Mutex
	history []HistoryItem

	// Skip warnings are throttled per job name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type HistoryItem struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
}

type ScheduleInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Timeout  time.Duration `json:"timeout"`
	Next     time.Time     `json:"next"`
	Prev     time.Time     `json:"prev"`
	Running  bool          `json:"running"`
	Runs     uint64        `json:"runs"`
	Skips    uint64        `json:"skips"`
	Failures uint64        `json:"failures"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Started   bool           `json:"started"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
	History   []HistoryItem  `json:"history"`
}
