package commands

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, trackingURL string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
shelter:
  tracking_url: %s
fetch:
  attempts: 1
storage:
  driver: file
  path: %s
logging:
  level: error
`, trackingURL, filepath.Join(dir, "state.json"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	code := ExecuteContext(context.Background())
	return code, out.String()
}

// Commands share package-level flag state, so these tests are sequential.

func TestCheckConfig(t *testing.T) {
	path := writeConfig(t, "https://shelter.example.org/cats")
	code, out := execute(t, "check-config", "--config", path)
	if code != 0 {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(out, "config ok") {
		t.Fatalf("out = %q", out)
	}

	code, _ = execute(t, "check-config", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if code != 1 {
		t.Fatalf("missing config exit = %d, want 1", code)
	}
}

func TestRunExitCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	code, _ := execute(t, "run", "--config", writeConfig(t, srv.URL+"/cats"))
	if code != 1 {
		t.Fatalf("fetch failure exit = %d, want 1", code)
	}

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<div class="gridResult"><div class="gridText"></div><div class="gridText">Tom (C1)</div></div>`))
	}))
	defer ok.Close()

	path := writeConfig(t, ok.URL+"/cats")
	code, out := execute(t, "run", "--config", path)
	if code != 0 {
		t.Fatalf("run exit = %d", code)
	}
	if !strings.Contains(out, "1 new") {
		t.Fatalf("out = %q", out)
	}

	code, out = execute(t, "list", "--config", path)
	if code != 0 {
		t.Fatalf("list exit = %d", code)
	}
	if !strings.Contains(out, "id:C1") {
		t.Fatalf("list out = %q", out)
	}
}
