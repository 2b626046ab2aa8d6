package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pagenotify/internal/task/engine"
	logx "pagenotify/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means time.Local
}

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

type scheduleDef struct {
	name    string
	spec    string // cron expression or "@every <dur>"
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     TaskOptions
	entryID cron.EntryID
	spread  time.Duration
}

// Service turns cron and interval triggers into engine tasks. It never runs
// jobs itself.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// Enqueuer is the part of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Spread  time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Schedules []ScheduleInfo
}
