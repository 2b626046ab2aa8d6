package config

import (
	"strings"

	logx "pagenotify/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe log
// fields for them. Secrets (tokens, mail URL) are only reported as "set".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		// storage is opened once; the change applies after restart.
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}

	if oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		oldCfg.Telegram.ThreadID != newCfg.Telegram.ThreadID ||
		isSet(oldCfg.Telegram.Token) != isSet(newCfg.Telegram.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", isSet(newCfg.Telegram.Token)),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}

	od, nd := oldCfg.Debug, newCfg.Debug
	if od.Enabled != nd.Enabled ||
		strings.TrimSpace(od.Addr) != strings.TrimSpace(nd.Addr) ||
		strings.TrimSpace(od.Prefix) != strings.TrimSpace(nd.Prefix) ||
		od.AllowInsecure != nd.AllowInsecure ||
		oldCfg.MetricsEnabled() != newCfg.MetricsEnabled() ||
		od.ReadTimeout != nd.ReadTimeout || od.WriteTimeout != nd.WriteTimeout || od.IdleTimeout != nd.IdleTimeout ||
		isSet(od.Token) != isSet(nd.Token) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", isSet(nd.Token)),
			logx.Bool("debug.metrics", newCfg.MetricsEnabled()),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
			logx.Int("task_engine.retry_max", newCfg.TaskEngine.RetryMax),
		)
	}

	if !sameDispatcher(oldCfg, newCfg) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", newCfg.DispatcherEnabled()),
			logx.String("dispatcher.sweep_every", newCfg.Dispatcher.SweepEvery),
		)
	}

	if !sameDigest(oldCfg, newCfg) {
		changed = append(changed, "digest")
		attrs = append(attrs,
			logx.Bool("digest.enabled", newCfg.DigestEnabled()),
			logx.String("digest.at", newCfg.Digest.At),
			logx.String("digest.throttle", newCfg.Digest.Throttle),
		)
	}

	om, nm := oldCfg.Mail, newCfg.Mail
	if om != nm {
		changed = append(changed, "mail")
		attrs = append(attrs,
			logx.String("mail.driver", nm.Driver),
			logx.Bool("mail.url_set", isSet(nm.URL)),
			logx.Bool("mail.paranoid", nm.Paranoid),
		)
	}

	return changed, attrs
}

func sameDispatcher(a, b *Config) bool {
	if a.DispatcherEnabled() != b.DispatcherEnabled() {
		return false
	}
	x, y := a.Dispatcher, b.Dispatcher
	x.Enabled, y.Enabled = nil, nil
	return x == y
}

func sameDigest(a, b *Config) bool {
	if a.DigestEnabled() != b.DigestEnabled() {
		return false
	}
	x, y := a.Digest, b.Digest
	x.Enabled, y.Enabled = nil, nil
	return x == y
}

func isSet(s string) bool { return strings.TrimSpace(s) != "" }
