// Package telegram sends notify events to a Telegram chat or forum topic.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"catalert/internal/listing"
	"catalert/internal/transport"
	logx "catalert/pkg/logx"
)

const (
	textLimit    = 4096
	captionLimit = 1024
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// URL overrides the Bot API endpoint (tests, local bot API servers).
	URL     string
	Timeout time.Duration
}

// Transport posts a photo with caption when the record has an image, plain
// HTML text otherwise.
type Transport struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	settings := tele.Settings{
		Token: cfg.Token,
		URL:   cfg.URL,
		// Send-only: no getMe on startup, no poller.
		Offline: true,
	}
	if cfg.Timeout > 0 {
		settings.Client = &http.Client{Timeout: cfg.Timeout}
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, err
	}
	return &Transport{cfg: cfg, log: log.With(logx.String("comp", "transport.telegram")), bot: b}, nil
}

func (t *Transport) Name() string { return "telegram" }

func (t *Transport) Send(ctx context.Context, ev listing.NotifyEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chat := &tele.Chat{ID: t.cfg.ChatID}

	// telebot has no per-call context; run the request aside so a cancelled
	// cycle is not held up by a slow API.
	done := make(chan error, 1)
	go func() {
		if img := ev.Record.Field(listing.FieldImage); img != "" {
			caption, mode := render(ev, captionLimit)
			opts := &tele.SendOptions{ParseMode: mode, ThreadID: t.cfg.ThreadID}
			_, err := t.bot.Send(chat, &tele.Photo{File: tele.FromURL(img), Caption: caption}, opts)
			if err == nil || !photoRejected(err) {
				done <- err
				return
			}
			t.log.Debug("photo rejected; falling back to text", logx.Animal(ev.Key), logx.Err(err))
		}
		text, mode := render(ev, textLimit)
		_, err := t.bot.Send(chat, text, &tele.SendOptions{ParseMode: mode, ThreadID: t.cfg.ThreadID})
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return classify(err)
	}
}

// classify maps Bot API failures onto transport retry semantics.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var terr *tele.Error
	if errors.As(err, &terr) {
		switch terr.Code {
		case 400, 401, 403, 404:
			return transport.Permanent(err)
		}
		return err
	}
	msg := err.Error()
	for _, code := range []string{"(400)", "(401)", "(403)", "(404)"} {
		if strings.HasSuffix(msg, code) {
			return transport.Permanent(err)
		}
	}
	return err
}

// photoRejected reports errors where Telegram could not fetch or accept the
// image itself; the text message may still go through.
func photoRejected(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "wrong file identifier") ||
		strings.Contains(msg, "failed to get http url content") ||
		strings.Contains(msg, "wrong type of the web page content") ||
		strings.Contains(msg, "photo_invalid_dimensions")
}

// render prefers HTML and falls back to truncated plain text when the
// markup would not fit, since cutting HTML can leave unbalanced tags.
func render(ev listing.NotifyEvent, limit int) (string, tele.ParseMode) {
	if h := transport.FormatHTML(ev); utf8.RuneCountInString(h) <= limit {
		return h, tele.ModeHTML
	}
	return truncate(transport.FormatText(ev), limit), tele.ModeDefault
}

// truncate cuts s to at most limit runes.
func truncate(s string, limit int) string {
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit-1]) + "…"
}
