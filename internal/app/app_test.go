package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalert/internal/config"
	"catalert/internal/cycle"
	"catalert/internal/transport"
	logx "catalert/pkg/logx"
)

func shelterServer(t *testing.T) *httptest.Server {
	t.Helper()
	page, err := os.ReadFile(filepath.Join("..", "fetch", "testdata", "listing.html"))
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(page)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunOnceEndToEnd(t *testing.T) {
	srv := shelterServer(t)
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
shelter:
  tracking_url: %s/adopt/cats
storage:
  driver: sqlite
  path: %s
logging:
  level: error
  console: true
`, srv.URL, filepath.Join(dir, "catalert.db")))

	a, err := New(path)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res := a.RunOnce(ctx)
	require.Equal(t, cycle.StatusSuccess, res.Status, res.Error)
	assert.Equal(t, 3, res.Fetched)
	assert.GreaterOrEqual(t, res.Delivered, 2)
	assert.Equal(t, res.Events, res.Delivered)

	snap, err := a.Store().LoadCurrent(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Records["id:A123456"].Notified)

	res = a.RunOnce(ctx)
	require.Equal(t, cycle.StatusSuccess, res.Status)
	assert.Zero(t, res.Events)
	assert.FileExists(t, filepath.Join(dir, "catalert.db"))
}

func TestNewRejectsBadSchedule(t *testing.T) {
	path := writeConfig(t, `
shelter:
  tracking_url: https://shelter.example.org/cats
storage:
  driver: file
  path: /tmp/catalert-test.json
schedule:
  spec: "every fortnight"
`)
	_, err := New(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule.spec")
}

func TestMapConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Shelter: config.ShelterConfig{TrackingURL: "https://shelter.example.org/cats"},
		Storage: config.StorageConfig{Path: "./data/catalert.db"},
	}

	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 5*time.Second, sc.BusyTimeout)

	lc, err := mapLockConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "./data/catalert.db.lock", lc.Path)
	assert.Equal(t, 10*time.Minute, lc.TTL)

	fc, err := mapFetchConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "cat", fc.Species)

	pc, err := mapPublishConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, pc.RetryMax)

	cc, err := mapCycleConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cc.FetchTimeout)
	assert.Nil(t, cc.Reconcile.Available)

	assert.Equal(t, defaultScheduleSpec, mapScheduleConfig(cfg).Spec)
	assert.Equal(t, defaultHTTPAddr, httpAddr(cfg))
	require.NoError(t, validateRuntime(cfg))
}

func TestBuildTransport(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	tr, err := buildTransport(cfg, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "log", tr.Name())

	cfg.Notify.Webhook = config.WebhookNotifyConfig{Enabled: true, URL: "https://hooks.example.org/cats"}
	cfg.Notify.Log.Enabled = true
	tr, err = buildTransport(cfg, logx.Nop())
	require.NoError(t, err)
	multi, ok := tr.(*transport.Multi)
	require.True(t, ok)
	assert.Equal(t, 2, multi.Len())

	cfg.Notify.Telegram = config.TelegramNotifyConfig{Enabled: true}
	_, err = buildTransport(cfg, logx.Nop())
	assert.Error(t, err)
}

func TestValidateRuntimeLockTTLCoversCycle(t *testing.T) {
	t.Parallel()
	base := func() *config.Config {
		return &config.Config{
			Shelter:   config.ShelterConfig{TrackingURL: "https://shelter.example.org/cats"},
			Storage:   config.StorageConfig{Path: "./data/catalert.db"},
			Fetch:     config.FetchConfig{Timeout: "1m"},
			Publisher: config.PublisherConfig{CycleTimeout: "2m"},
			Lock:      config.LockConfig{TTL: "3m"},
		}
	}

	cfg := base()
	err := validateRuntime(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock.ttl")

	cfg.Lock.TTL = "4m"
	require.NoError(t, validateRuntime(cfg))

	// Delisting notices get their own publish window under the lock.
	cfg.Notify.Delisted = true
	require.Error(t, validateRuntime(cfg))

	cfg = base()
	cfg.Lock.Driver = "none"
	require.NoError(t, validateRuntime(cfg))

	cc, err := mapCycleConfig(base())
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute+defaultCommitTimeout, cc.Budget())
}
