package app

import (
	"fmt"
	"strings"
	"time"

	"catalert/internal/config"
	"catalert/internal/cycle"
	"catalert/internal/fetch"
	"catalert/internal/publish"
	"catalert/internal/reconcile"
	"catalert/internal/runlock"
	"catalert/internal/schedule"
	"catalert/internal/storage"
	"catalert/internal/transport"
	"catalert/internal/transport/email"
	"catalert/internal/transport/telegram"
	"catalert/internal/transport/webhook"
	logx "catalert/pkg/logx"
)

const (
	defaultScheduleSpec  = "15m"
	defaultHTTPAddr      = "127.0.0.1:9464"
	defaultCommitTimeout = 30 * time.Second
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "", "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLockConfig(cfg *config.Config) (runlock.Config, error) {
	lc := cfg.Lock
	ttl, err := config.ParseDurationOrDefault("lock.ttl", lc.TTL, 10*time.Minute)
	if err != nil {
		return runlock.Config{}, err
	}
	path := strings.TrimSpace(lc.Path)
	if path == "" {
		path = strings.TrimSpace(cfg.Storage.Path) + ".lock"
	}
	return runlock.Config{
		Driver:        lc.Driver,
		Path:          path,
		TTL:           ttl,
		RedisAddr:     lc.Redis.Addr,
		RedisPassword: lc.Redis.Password,
		RedisDB:       lc.Redis.DB,
		RedisKey:      lc.Redis.Key,
	}, nil
}

func mapFetchConfig(cfg *config.Config) (fetch.Config, error) {
	fc := cfg.Fetch
	attemptTimeout, err := config.ParseDurationOrDefault("fetch.attempt_timeout", fc.AttemptTimeout, 15*time.Second)
	if err != nil {
		return fetch.Config{}, err
	}
	sleep, err := config.ParseDurationOrDefault("fetch.sleep", fc.Sleep, 2*time.Second)
	if err != nil {
		return fetch.Config{}, err
	}
	species := strings.TrimSpace(cfg.Shelter.Species)
	if species == "" {
		species = "cat"
	}
	return fetch.Config{
		URL:            strings.TrimSpace(cfg.Shelter.TrackingURL),
		BaseURL:        strings.TrimSpace(cfg.Shelter.BaseURL),
		Species:        species,
		UserAgent:      fc.UserAgent,
		Attempts:       fc.Attempts,
		AttemptTimeout: attemptTimeout,
		Sleep:          sleep,
	}, nil
}

func mapPublishConfig(cfg *config.Config) (publish.Config, error) {
	pc := cfg.Publisher
	out := publish.Config{Workers: pc.Workers, RatePerSec: pc.RatePerSec, RetryMax: pc.RetryMax}
	if out.RetryMax == 0 {
		out.RetryMax = 3
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("publisher.retry_base", pc.RetryBase, 500*time.Millisecond); err != nil {
		return publish.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("publisher.retry_max_delay", pc.RetryMaxDelay, 10*time.Second); err != nil {
		return publish.Config{}, err
	}
	if out.Timeout, err = config.ParseDurationOrDefault("publisher.timeout", pc.Timeout, 10*time.Second); err != nil {
		return publish.Config{}, err
	}
	return out, nil
}

func mapReconcileConfig(cfg *config.Config) reconcile.Config {
	out := reconcile.Config{MinPlausible: cfg.Reconcile.MinPlausible}
	if a := cfg.Reconcile.Availability; a != nil {
		out.Available = reconcile.StatusPolicy{Field: a.Field, Available: a.Available, Unavailable: a.Unavailable}.Func()
	}
	return out
}

func mapCycleConfig(cfg *config.Config) (cycle.Config, error) {
	fetchTimeout, err := config.ParseDurationOrDefault("fetch.timeout", cfg.Fetch.Timeout, 60*time.Second)
	if err != nil {
		return cycle.Config{}, err
	}
	publishTimeout, err := config.ParseDurationOrDefault("publisher.cycle_timeout", cfg.Publisher.CycleTimeout, 2*time.Minute)
	if err != nil {
		return cycle.Config{}, err
	}
	return cycle.Config{
		FetchTimeout:     fetchTimeout,
		PublishTimeout:   publishTimeout,
		CommitTimeout:    defaultCommitTimeout,
		Reconcile:        mapReconcileConfig(cfg),
		AnnounceDelisted: cfg.Notify.Delisted,
	}, nil
}

func mapScheduleConfig(cfg *config.Config) schedule.Config {
	spec := strings.TrimSpace(cfg.Schedule.Spec)
	if spec == "" {
		spec = defaultScheduleSpec
	}
	return schedule.Config{Spec: spec, Timezone: cfg.Schedule.Timezone, RunOnStart: cfg.Schedule.RunOnStart}
}

func httpAddr(cfg *config.Config) string {
	if addr := strings.TrimSpace(cfg.HTTP.Addr); addr != "" {
		return addr
	}
	return defaultHTTPAddr
}

// buildTransport returns every enabled transport behind one Multi, or the log
// transport when none is enabled.
func buildTransport(cfg *config.Config, log logx.Logger) (transport.Transport, error) {
	n := cfg.Notify
	timeout, err := config.ParseDurationOrDefault("publisher.timeout", cfg.Publisher.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}

	var children []transport.Transport
	if n.Telegram.Enabled {
		t, err := telegram.New(telegram.Config{
			Token:    n.Telegram.Token,
			ChatID:   n.Telegram.ChatID,
			ThreadID: n.Telegram.ThreadID,
			Timeout:  timeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("notify.telegram: %w", err)
		}
		children = append(children, t)
	}
	if n.Email.Enabled {
		t, err := email.New(email.Config{
			Host:          n.Email.Host,
			Port:          n.Email.Port,
			Username:      n.Email.Username,
			Password:      n.Email.Password,
			From:          n.Email.From,
			To:            n.Email.To,
			SubjectPrefix: n.Email.SubjectPrefix,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("notify.email: %w", err)
		}
		children = append(children, t)
	}
	if n.Webhook.Enabled {
		t, err := webhook.New(webhook.Config{URL: n.Webhook.URL, Headers: n.Webhook.Headers, Timeout: timeout}, log)
		if err != nil {
			return nil, fmt.Errorf("notify.webhook: %w", err)
		}
		children = append(children, t)
	}
	if n.Log.Enabled || len(children) == 0 {
		children = append(children, transport.NewLog(log))
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return transport.NewMulti(children...), nil
}

// validateRuntime checks what config.Validate leaves to collaborators. It
// runs at startup and before a reloaded config is committed.
func validateRuntime(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	lc, err := mapLockConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := mapFetchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPublishConfig(cfg); err != nil {
		return err
	}
	cc, err := mapCycleConfig(cfg)
	if err != nil {
		return err
	}
	// An expiring lock would let a second writer in mid-cycle.
	if !strings.EqualFold(strings.TrimSpace(lc.Driver), "none") && lc.TTL <= cc.Budget() {
		return fmt.Errorf("lock.ttl %s must exceed fetch.timeout + publisher.cycle_timeout + commit (%s)", lc.TTL, cc.Budget())
	}
	sc := mapScheduleConfig(cfg)
	spec, err := schedule.ParseSchedule(sc.Spec)
	if err != nil {
		return fmt.Errorf("schedule.spec: %w", err)
	}
	if _, err := spec.Schedule(); err != nil {
		return fmt.Errorf("schedule.spec: %w", err)
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := buildTransport(cfg, logx.Nop()); err != nil {
		return err
	}
	return nil
}

// CheckConfig loads and fully validates the config at path without opening
// the store or touching the network.
func CheckConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
