package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
shelter:
  tracking_url: https://shelter.example.org/adopt/cats
  species: cat
fetch:
  attempts: 4
  sleep: 3s
reconcile:
  min_plausible: 5
  availability:
    field: status
    unavailable: [pending, hold]
storage:
  driver: file
  path: ./data/state.json
notify:
  telegram:
    enabled: true
    token: "123:abc"
    chat_id: -1001
    thread_id: 7
logging:
  level: debug
  console: true
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Fetch.Attempts != 4 || cfg.Fetch.Sleep != "3s" {
		t.Fatalf("fetch = %+v", cfg.Fetch)
	}
	if cfg.Reconcile.Availability == nil || cfg.Reconcile.Availability.Field != "status" {
		t.Fatalf("availability = %+v", cfg.Reconcile.Availability)
	}
	if cfg.Notify.Telegram.ChatID != -1001 || cfg.Notify.Telegram.ThreadID != 7 {
		t.Fatalf("telegram = %+v", cfg.Notify.Telegram)
	}
	if m.Get() != cfg {
		t.Fatal("Load must commit the config")
	}
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
		want string
	}{
		{name: "unknown yaml", path: "c.yaml", body: "shelter:\n  tracking_urll: x\n", want: "unknown field"},
		{name: "unknown json", path: "c.json", body: `{"storage":{"path":"x","dirver":"file"}}`, want: "unknown field"},
		{name: "trailing json", path: "c.json", body: `{} {}`, want: "trailing data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.path, []byte(tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Shelter: ShelterConfig{TrackingURL: "https://shelter.example.org/cats"},
			Storage: StorageConfig{Path: "state.db"},
		}
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "missing url", mutate: func(c *Config) { c.Shelter.TrackingURL = "" }, want: "shelter.tracking_url is required"},
		{name: "relative url", mutate: func(c *Config) { c.Shelter.TrackingURL = "/cats" }, want: "absolute http(s) URL"},
		{name: "bad duration", mutate: func(c *Config) { c.Fetch.Timeout = "soon" }, want: "fetch.timeout"},
		{name: "negative duration", mutate: func(c *Config) { c.Publisher.Timeout = "-1s" }, want: "publisher.timeout"},
		{name: "storage driver", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, want: "storage.driver"},
		{name: "redis addr", mutate: func(c *Config) { c.Lock.Driver = "redis" }, want: "lock.redis.addr"},
		{name: "telegram chat", mutate: func(c *Config) {
			c.Notify.Telegram = TelegramNotifyConfig{Enabled: true, Token: "t"}
		}, want: "notify.telegram.chat_id"},
		{name: "email recipients", mutate: func(c *Config) {
			c.Notify.Email = EmailNotifyConfig{Enabled: true, Host: "smtp", From: "a@b"}
		}, want: "notify.email.to"},
		{name: "availability values", mutate: func(c *Config) {
			c.Reconcile.Availability = &AvailabilityConfig{Field: "status"}
		}, want: "reconcile.availability"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			err := Validate(c)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "2d", time.Second)
	if err != nil || d != 48*time.Hour {
		t.Fatalf("2d = %v, %v", d, err)
	}
	for _, bad := range []string{"nope", "-1s", "xd"} {
		if _, err := ParseDurationOrDefault("x", bad, time.Second); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestDecodeYAMLAnchorsAndEmpty(t *testing.T) {
	t.Parallel()
	src := []byte("defaults: &d\n  spec: 5m\nschedule: *d\n")
	if _, err := Decode("c.yaml", src); err == nil || !strings.Contains(err.Error(), "defaults") {
		t.Fatalf("unknown key err = %v", err)
	}
	cfg, err := Decode("c.yml", []byte("schedule:\n  spec: &s \"10m\"\n"))
	if err != nil || cfg.Schedule.Spec != "10m" {
		t.Fatalf("anchor decode = %+v, %v", cfg, err)
	}
	if _, err := Decode("empty.yaml", nil); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a := &Config{Notify: NotifyConfig{Telegram: TelegramNotifyConfig{Enabled: true, Token: "old-secret"}}}
	b := &Config{Notify: NotifyConfig{Telegram: TelegramNotifyConfig{Enabled: true, Token: "new-secret"}}, Schedule: ScheduleConfig{Spec: "5m"}}
	changed, attrs := SummarizeConfigChange(a, b)
	if !slices.Equal(changed, []string{"notify", "schedule"}) {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and never published.
	if err := os.WriteFile(path, []byte("storage:\n  path: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}

	updated := strings.Replace(sampleYAML, "attempts: 4", "attempts: 6", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Fetch.Attempts != 6 {
			t.Fatalf("attempts = %d, want 6", cfg.Fetch.Attempts)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	if m.Get().Fetch.Attempts != 6 {
		t.Fatal("reloaded config not committed")
	}
}
