package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"catalert/internal/listing"
	"catalert/internal/transport"
	logx "catalert/pkg/logx"
)

type botCall struct {
	Method string
	Params map[string]any
}

func fakeBotAPI(t *testing.T, reply func(method string) (int, string)) (*httptest.Server, func() []botCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []botCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		body, _ := io.ReadAll(r.Body)
		params := map[string]any{}
		_ = json.Unmarshal(body, &params)
		mu.Lock()
		calls = append(calls, botCall{Method: method, Params: params})
		mu.Unlock()

		status, payload := reply(method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []botCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]botCall(nil), calls...)
	}
}

const okMessage = `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":-1001,"type":"supergroup"},"photo":[{"file_id":"f","file_unique_id":"u","width":1,"height":1}]}}`

func event(fields map[string]string) listing.NotifyEvent {
	return listing.NotifyEvent{
		Key:    "id:A1",
		Reason: listing.ReasonNew,
		Record: listing.Record{Key: "id:A1", Fields: fields, Listed: true},
	}
}

func newTestTransport(t *testing.T, url string) *Transport {
	t.Helper()
	tr, err := New(Config{Token: "123:abc", ChatID: -1001, ThreadID: 42, URL: url}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func TestSendTextMessage(t *testing.T) {
	t.Parallel()
	srv, calls := fakeBotAPI(t, func(string) (int, string) { return 200, okMessage })
	tr := newTestTransport(t, srv.URL)

	err := tr.Send(context.Background(), event(map[string]string{"id": "A1", "name": "whiskers", "breed": "tabby"}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := calls()
	if len(got) != 1 || got[0].Method != "sendMessage" {
		t.Fatalf("calls = %+v, want one sendMessage", got)
	}
	p := got[0].Params
	if p["parse_mode"] != "HTML" {
		t.Fatalf("parse_mode = %v", p["parse_mode"])
	}
	if text, _ := p["text"].(string); !strings.Contains(text, "Whiskers (A1)") {
		t.Fatalf("text = %q", text)
	}
	if p["message_thread_id"] == nil {
		t.Fatalf("thread id not sent: %+v", p)
	}
}

func TestSendPhotoWhenImagePresent(t *testing.T) {
	t.Parallel()
	srv, calls := fakeBotAPI(t, func(string) (int, string) { return 200, okMessage })
	tr := newTestTransport(t, srv.URL)

	err := tr.Send(context.Background(), event(map[string]string{
		"id": "A1", "name": "whiskers", "image": "https://shelter.example.org/a1.jpg",
	}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := calls()
	if len(got) != 1 || got[0].Method != "sendPhoto" {
		t.Fatalf("calls = %+v, want one sendPhoto", got)
	}
	if got[0].Params["photo"] != "https://shelter.example.org/a1.jpg" {
		t.Fatalf("photo = %v", got[0].Params["photo"])
	}
}

func TestSendBlockedIsPermanent(t *testing.T) {
	t.Parallel()
	srv, _ := fakeBotAPI(t, func(string) (int, string) {
		return 403, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`
	})
	tr := newTestTransport(t, srv.URL)

	err := tr.Send(context.Background(), event(map[string]string{"id": "A1"}))
	if err == nil || !transport.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestSendServerErrorIsRetryable(t *testing.T) {
	t.Parallel()
	srv, _ := fakeBotAPI(t, func(string) (int, string) {
		return 502, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`
	})
	tr := newTestTransport(t, srv.URL)

	err := tr.Send(context.Background(), event(map[string]string{"id": "A1"}))
	if err == nil || transport.IsPermanent(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
}

func TestRenderFallsBackToPlainText(t *testing.T) {
	t.Parallel()
	ev := event(map[string]string{"id": "A1", "notes": strings.Repeat("<long> ", 400)})
	text, mode := render(ev, captionLimit)
	if mode != "" {
		t.Fatalf("mode = %q, want plain text", mode)
	}
	if n := len([]rune(text)); n > captionLimit {
		t.Fatalf("caption has %d runes, limit %d", n, captionLimit)
	}
}
