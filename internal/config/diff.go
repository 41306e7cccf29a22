package config

import (
	"reflect"
	"strings"

	logx "catalert/pkg/logx"
)

// SummarizeConfigChange returns the names of changed sections and safe
// structured attrs for logging. Secrets (tokens, passwords, headers) are never
// included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Shelter != newCfg.Shelter {
		changed = append(changed, "shelter")
		attrs = append(attrs, logx.String("shelter.tracking_url", strings.TrimSpace(newCfg.Shelter.TrackingURL)))
	}
	if oldCfg.Fetch != newCfg.Fetch {
		changed = append(changed, "fetch")
		attrs = append(attrs,
			logx.Int("fetch.attempts", newCfg.Fetch.Attempts),
			logx.String("fetch.timeout", newCfg.Fetch.Timeout),
		)
	}
	if !reflect.DeepEqual(oldCfg.Reconcile, newCfg.Reconcile) {
		changed = append(changed, "reconcile")
		attrs = append(attrs,
			logx.Int("reconcile.min_plausible", newCfg.Reconcile.MinPlausible),
			logx.Bool("reconcile.availability", newCfg.Reconcile.Availability != nil),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if oldCfg.Lock != newCfg.Lock {
		changed = append(changed, "lock")
		attrs = append(attrs, logx.String("lock.driver", newCfg.Lock.Driver))
	}
	if oldCfg.Publisher != newCfg.Publisher {
		changed = append(changed, "publisher")
		attrs = append(attrs,
			logx.Int("publisher.workers", newCfg.Publisher.Workers),
			logx.Int("publisher.rate_per_sec", newCfg.Publisher.RatePerSec),
			logx.Int("publisher.retry_max", newCfg.Publisher.RetryMax),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		n := newCfg.Notify
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.log", n.Log.Enabled),
			logx.Bool("notify.telegram", n.Telegram.Enabled),
			logx.Bool("notify.telegram.token_set", strings.TrimSpace(n.Telegram.Token) != ""),
			logx.Bool("notify.email", n.Email.Enabled),
			logx.Int("notify.email.recipients", len(n.Email.To)),
			logx.Bool("notify.webhook", n.Webhook.Enabled),
			logx.Int("notify.webhook.headers", len(n.Webhook.Headers)),
		)
	}
	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.spec", newCfg.Schedule.Spec),
			logx.String("schedule.timezone", newCfg.Schedule.Timezone),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.Bool("http.enabled", newCfg.HTTP.Enabled), logx.String("http.addr", newCfg.HTTP.Addr))
	}
	return changed, attrs
}

// LoggingConfigOf maps the logging section onto logx.
func LoggingConfigOf(cfg *Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console || !l.File.Enabled,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}
