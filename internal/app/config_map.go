package app

import (
	"fmt"
	"strings"
	"time"

	"pagenotify/internal/config"
	"pagenotify/internal/digest"
	"pagenotify/internal/mail"
	"pagenotify/internal/notifier"
	"pagenotify/internal/observability/debugsrv"
	"pagenotify/internal/storage"
	"pagenotify/internal/task/engine"
	"pagenotify/internal/task/scheduler"
	logx "pagenotify/pkg/logx"
)

const (
	defaultDBPath       = "./data/pagenotify.db"
	defaultDigestAt     = "04:00"
	defaultSweepEvery   = 5 * time.Minute
	defaultRetention    = 30 * 24 * time.Hour
	defaultMailTimeout  = 30 * time.Second
	defaultPrefCacheTTL = 30 * time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultDBPath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	keep, err := config.ParseDurationAllowZero("storage.delivery_retention", sc.DeliveryRetention, defaultRetention)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy, DeliveryRetention: keep}, nil
}

// mapTaskEngineConfig leaves zero values to the engine defaults. The engine
// is always on: both delivery paths run through it.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	tc := cfg.TaskEngine
	switch {
	case tc.Workers < 0:
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	case tc.QueueSize < 0:
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	case tc.HistorySize < 0:
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	case tc.RetryMax < 0:
		return engine.Config{}, fmt.Errorf("task_engine.retry_max must be >= 0")
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", tc.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", tc.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        true,
		Workers:        tc.Workers,
		QueueSize:      tc.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    tc.HistorySize,
		RetryMax:       tc.RetryMax,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}, nil
}

// dispatcherSettings is the notifier config plus the sweep trigger period.
type dispatcherSettings struct {
	notifier.Config
	SweepEvery time.Duration
}

func mapDispatcherConfig(cfg *config.Config) (dispatcherSettings, error) {
	dc := cfg.Dispatcher
	if dc.SweepBatch < 0 {
		return dispatcherSettings{}, fmt.Errorf("dispatcher.sweep_batch must be >= 0")
	}
	if dc.RetryMax < 0 {
		return dispatcherSettings{}, fmt.Errorf("dispatcher.retry_max must be >= 0")
	}
	var out dispatcherSettings
	var err error
	out.Enabled = cfg.DispatcherEnabled()
	out.RetryMax = dc.RetryMax
	out.SweepBatch = dc.SweepBatch
	if out.Timeout, err = config.ParseDurationField("dispatcher.timeout", dc.Timeout); err != nil {
		return dispatcherSettings{}, err
	}
	if out.SweepGrace, err = config.ParseDurationField("dispatcher.sweep_grace", dc.SweepGrace); err != nil {
		return dispatcherSettings{}, err
	}
	if out.RetryBase, err = config.ParseDurationField("dispatcher.retry_base", dc.RetryBase); err != nil {
		return dispatcherSettings{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("dispatcher.retry_max_delay", dc.RetryMaxGap); err != nil {
		return dispatcherSettings{}, err
	}
	if out.SweepEvery, err = config.ParseDurationAllowZero("dispatcher.sweep_every", dc.SweepEvery, defaultSweepEvery); err != nil {
		return dispatcherSettings{}, err
	}
	return out, nil
}

// digestSettings is the aggregator config plus its trigger.
type digestSettings struct {
	digest.Config
	// Schedule is a cron or "@every" spec; empty means daily at At.
	Schedule string
	At       string
}

func mapDigestConfig(cfg *config.Config) (digestSettings, error) {
	dc := cfg.Digest
	out := digestSettings{Schedule: strings.TrimSpace(dc.Schedule), At: strings.TrimSpace(dc.At)}
	out.Enabled = cfg.DigestEnabled()
	var err error
	if out.Window, err = config.ParseDurationField("digest.window", dc.Window); err != nil {
		return digestSettings{}, err
	}
	if out.Throttle, err = config.ParseDurationAllowZero("digest.throttle", dc.Throttle, digest.DefaultThrottle); err != nil {
		return digestSettings{}, err
	}
	if out.MaxRun, err = config.ParseDurationField("digest.max_run", dc.MaxRun); err != nil {
		return digestSettings{}, err
	}
	if out.LockTTL, err = config.ParseDurationField("digest.lock_ttl", dc.LockTTL); err != nil {
		return digestSettings{}, err
	}
	if out.Schedule != "" {
		if err := scheduler.ValidateSchedule(out.Schedule); err != nil {
			return digestSettings{}, fmt.Errorf("digest.schedule: %w", err)
		}
	} else if out.At == "" {
		out.At = defaultDigestAt
	} else if _, err := time.Parse("15:04", out.At); err != nil {
		return digestSettings{}, fmt.Errorf("digest.at: want HH:MM, got %q", out.At)
	}
	return out, nil
}

func mapMailConfig(cfg *config.Config) (mail.Config, error) {
	mc := cfg.Mail
	switch strings.ToLower(strings.TrimSpace(mc.Driver)) {
	case "", "log":
	case "shoutrrr", "smtp":
		if strings.TrimSpace(mc.URL) == "" {
			return mail.Config{}, fmt.Errorf("mail.url is required when mail.driver=%s", mc.Driver)
		}
	default:
		return mail.Config{}, fmt.Errorf("unknown mail.driver: %s", mc.Driver)
	}
	if mc.RatePerSec < 0 {
		return mail.Config{}, fmt.Errorf("mail.rate_per_sec must be >= 0")
	}
	if mc.BreakerFailures < 0 {
		return mail.Config{}, fmt.Errorf("mail.breaker_failures must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("mail.timeout", mc.Timeout, defaultMailTimeout)
	if err != nil {
		return mail.Config{}, err
	}
	cooldown, err := config.ParseDurationField("mail.breaker_cooldown", mc.BreakerCooldown)
	if err != nil {
		return mail.Config{}, err
	}
	return mail.Config{
		Driver: mc.Driver,
		URL:    mc.URL,
		Guard: mail.GuardConfig{
			RatePerSec:      float64(mc.RatePerSec),
			Timeout:         timeout,
			BreakerFailures: mc.BreakerFailures,
			BreakerCooldown: cooldown,
		},
		LogBody: mc.LogBody,
	}, nil
}

func mapRenderConfig(cfg *config.Config) mail.RenderConfig {
	return mail.RenderConfig{
		SiteTitle: strings.TrimSpace(cfg.Mail.SiteTitle),
		BaseURL:   strings.TrimSpace(cfg.Mail.BaseURL),
		Paranoid:  cfg.Mail.Paranoid,
	}
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	d := cfg.Debug
	out := debugsrv.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Prefix:        strings.TrimSpace(d.Prefix),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Metrics:       cfg.MetricsEnabled(),
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second); err != nil {
		return debugsrv.Config{}, err
	}
	// pprof profile and trace stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, 60*time.Second); err != nil {
		return debugsrv.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second); err != nil {
		return debugsrv.Config{}, err
	}
	return out, nil
}

// validateConfig rejects a config before it is committed, at startup and on
// every hot reload.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcherConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDigestConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMailConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	if cfg.Logging.Alert.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0) {
		return fmt.Errorf("logging.alert requires telegram.token and telegram.chat_id")
	}
	return nil
}
