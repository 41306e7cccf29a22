package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate reports every problem in cfg at once. It checks shape only;
// collaborators (schedule, transports) validate their own semantics.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if err := checkURL("shelter.tracking_url", cfg.Shelter.TrackingURL, true); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("shelter.base_url", cfg.Shelter.BaseURL, false); err != nil {
		errs = append(errs, err)
	}

	if cfg.Fetch.Attempts < 0 {
		add("fetch.attempts must be >= 0")
	}
	for path, raw := range map[string]string{
		"fetch.timeout":             cfg.Fetch.Timeout,
		"fetch.attempt_timeout":     cfg.Fetch.AttemptTimeout,
		"fetch.sleep":               cfg.Fetch.Sleep,
		"storage.busy_timeout":      cfg.Storage.BusyTimeout,
		"lock.ttl":                  cfg.Lock.TTL,
		"publisher.retry_base":      cfg.Publisher.RetryBase,
		"publisher.retry_max_delay": cfg.Publisher.RetryMaxDelay,
		"publisher.timeout":         cfg.Publisher.Timeout,
		"publisher.cycle_timeout":   cfg.Publisher.CycleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Reconcile.MinPlausible < 0 {
		add("reconcile.min_plausible must be >= 0")
	}
	if a := cfg.Reconcile.Availability; a != nil {
		if strings.TrimSpace(a.Field) == "" {
			add("reconcile.availability.field is required")
		}
		if len(a.Available) == 0 && len(a.Unavailable) == 0 {
			add("reconcile.availability needs available or unavailable values")
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		add("storage.path is required")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Lock.Driver)) {
	case "", "file", "none":
	case "redis":
		if strings.TrimSpace(cfg.Lock.Redis.Addr) == "" {
			add("lock.redis.addr is required for redis lock")
		}
	default:
		add("lock.driver: unknown driver %q", cfg.Lock.Driver)
	}

	p := cfg.Publisher
	if p.Workers < 0 || p.RatePerSec < 0 || p.RetryMax < 0 {
		add("publisher: workers, rate_per_sec and retry_max must be >= 0")
	}

	n := cfg.Notify
	if n.Telegram.Enabled {
		if strings.TrimSpace(n.Telegram.Token) == "" {
			add("notify.telegram.token is required")
		}
		if n.Telegram.ChatID == 0 {
			add("notify.telegram.chat_id is required")
		}
	}
	if n.Email.Enabled {
		if strings.TrimSpace(n.Email.Host) == "" {
			add("notify.email.host is required")
		}
		if strings.TrimSpace(n.Email.From) == "" {
			add("notify.email.from is required")
		}
		if len(n.Email.To) == 0 {
			add("notify.email.to needs at least one recipient")
		}
	}
	if n.Webhook.Enabled {
		if err := checkURL("notify.webhook.url", n.Webhook.URL, true); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when logging.file.enabled")
	}

	return errors.Join(errs...)
}

func checkURL(path, raw string, required bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return fmt.Errorf("%s is required", path)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s: must be an absolute http(s) URL", path)
	}
	return nil
}
