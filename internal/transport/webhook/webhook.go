// Package webhook posts notify events as JSON.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"catalert/internal/listing"
	"catalert/internal/transport"
	logx "catalert/pkg/logx"
)

type Config struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// Payload is the JSON body sent for every event.
type Payload struct {
	Key       string            `json:"key"`
	Reason    listing.Reason    `json:"reason"`
	Headline  string            `json:"headline"`
	Text      string            `json:"text"`
	Fields    map[string]string `json:"fields"`
	FirstSeen time.Time         `json:"first_seen"`
	ListedAt  time.Time         `json:"listed_at"`
}

type Transport struct {
	url    string
	client *resty.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook url is empty")
	}
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("User-Agent", "catalert")
	client.SetHeaders(cfg.Headers)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &Transport{url: cfg.URL, client: client, log: log.With(logx.String("comp", "transport.webhook"))}, nil
}

func (t *Transport) Name() string { return "webhook" }

func (t *Transport) Send(ctx context.Context, ev listing.NotifyEvent) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(Payload{
			Key:       ev.Key,
			Reason:    ev.Reason,
			Headline:  transport.Headline(ev),
			Text:      transport.FormatText(ev),
			Fields:    ev.Record.Fields,
			FirstSeen: ev.Record.FirstSeen,
			ListedAt:  ev.Record.ListedAt,
		}).
		Post(t.url)
	if err != nil {
		return err
	}
	if resp.IsSuccess() {
		return nil
	}

	err = fmt.Errorf("webhook returned %s", resp.Status())
	switch code := resp.StatusCode(); {
	case code == http.StatusTooManyRequests:
		return transport.RetryAfter(err, retryAfter(resp.Header().Get("Retry-After")))
	case code >= 400 && code < 500:
		return transport.Permanent(err)
	default:
		return err
	}
}

// retryAfter parses the delta-seconds form of Retry-After.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
