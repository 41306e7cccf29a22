package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m") or whole
// days ("2d").
// Omitted or zero values fall back to the defaults documented per field.
type Config struct {
	Shelter   ShelterConfig   `json:"shelter"`
	Fetch     FetchConfig     `json:"fetch"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Storage   StorageConfig   `json:"storage"`
	Lock      LockConfig      `json:"lock"`
	Publisher PublisherConfig `json:"publisher"`
	Notify    NotifyConfig    `json:"notify"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
}

// ShelterConfig describes the listing page being tracked.
type ShelterConfig struct {
	Name        string `json:"name,omitempty"`
	TrackingURL string `json:"tracking_url"`
	// BaseURL prefixes relative links and image sources. Defaults to the
	// scheme and host of TrackingURL.
	BaseURL string `json:"base_url,omitempty"`
	// Species is stamped on every record (the page does not carry it).
	Species string `json:"species,omitempty"` // default: "cat"
}

// FetchConfig controls the page download.
//
// Defaults:
//   - attempts: 3
//   - timeout: "60s" (whole fetch, all attempts)
//   - attempt_timeout: "15s"
//   - sleep: "2s" between attempts
type FetchConfig struct {
	Attempts       int    `json:"attempts,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	AttemptTimeout string `json:"attempt_timeout,omitempty"`
	Sleep          string `json:"sleep,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
}

// ReconcileConfig controls change detection.
type ReconcileConfig struct {
	// MinPlausible rejects scrapes smaller than this once the previous
	// snapshot listed at least this many animals. 0 disables the guard.
	MinPlausible int `json:"min_plausible"`

	// Availability, when set, turns an unavailable -> available status flip
	// into a notification.
	Availability *AvailabilityConfig `json:"availability,omitempty"`
}

type AvailabilityConfig struct {
	Field       string   `json:"field"`
	Available   []string `json:"available,omitempty"`
	Unavailable []string `json:"unavailable,omitempty"`
}

// StorageConfig selects the snapshot store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/catalert.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default) | file
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// LockConfig controls the cross-process cycle lock.
//
// Defaults:
//   - driver: "file" (path: <storage.path>.lock)
//   - ttl: "10m"
type LockConfig struct {
	Driver string      `json:"driver,omitempty"` // file | redis | none
	Path   string      `json:"path,omitempty"`
	TTL    string      `json:"ttl,omitempty"`
	Redis  RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"` // default: "catalert:cycle"
}

// PublisherConfig controls notification delivery.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - rate_per_sec: 3
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
//   - timeout: "10s" (per attempt)
//   - cycle_timeout: "2m" (whole publish stage)
type PublisherConfig struct {
	Workers       int    `json:"workers,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	CycleTimeout  string `json:"cycle_timeout,omitempty"`
}

// NotifyConfig enables transports. With none enabled, events are logged.
type NotifyConfig struct {
	Log      LogNotifyConfig      `json:"log,omitempty"`
	Telegram TelegramNotifyConfig `json:"telegram,omitempty"`
	Email    EmailNotifyConfig    `json:"email,omitempty"`
	Webhook  WebhookNotifyConfig  `json:"webhook,omitempty"`

	// Delisted also sends a notice when a listed animal leaves the page.
	Delisted bool `json:"delisted,omitempty"`
}

type LogNotifyConfig struct {
	Enabled bool `json:"enabled"`
}

type TelegramNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type EmailNotifyConfig struct {
	Enabled       bool     `json:"enabled"`
	Host          string   `json:"host,omitempty"`
	Port          int      `json:"port,omitempty"` // default: 587
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	From          string   `json:"from,omitempty"`
	To            []string `json:"to,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
}

type WebhookNotifyConfig struct {
	Enabled bool              `json:"enabled"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ScheduleConfig controls `serve`.
//
// Spec accepts a duration ("15m"), an HH:MM interval ("00:15"), a cron
// descriptor ("@hourly", "@every 15m") or a 5/6-field cron expression.
type ScheduleConfig struct {
	Spec       string `json:"spec,omitempty"` // default: "15m"
	Timezone   string `json:"timezone,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the status server started by `serve`.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	// Pprof mounts net/http/pprof under /debug. Keep Addr on loopback when set.
	Pprof bool `json:"pprof,omitempty"`
}
