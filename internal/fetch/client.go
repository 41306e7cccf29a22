// Package fetch downloads the shelter listing page and extracts one raw field
// set per animal card.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	logx "catalert/pkg/logx"
)

// FetchError means the page could not be retrieved. The cycle aborts and the
// next run tries again.
type FetchError struct {
	URL      string
	Status   int // 0 when no response was received
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s)", e.URL, e.Status, e.Attempts)
	}
	return fmt.Sprintf("fetch %s: %v (after %d attempt(s))", e.URL, e.Err, e.Attempts)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Config controls the download.
//
// Defaults (when fields are zero):
//   - Attempts: 3
//   - AttemptTimeout: 15s
//   - Sleep: 2s
//   - Species: "cat"
type Config struct {
	URL            string
	BaseURL        string
	Species        string
	UserAgent      string
	Attempts       int
	AttemptTimeout time.Duration
	Sleep          time.Duration
}

type Client struct {
	cfg    Config
	http   *resty.Client
	parser *Parser
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("fetch url is empty")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 15 * time.Second
	}
	if cfg.Sleep <= 0 {
		cfg.Sleep = 2 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "catalert/1.0 (+https://github.com/catalert)"
	}

	parser, err := NewParser(cfg.URL, cfg.BaseURL, cfg.Species)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetHeader("User-Agent", cfg.UserAgent)
	client.SetHeader("Accept", "text/html,application/xhtml+xml")
	client.SetTimeout(cfg.AttemptTimeout)
	client.SetRetryCount(cfg.Attempts - 1)
	client.SetRetryWaitTime(cfg.Sleep)
	client.SetRetryMaxWaitTime(cfg.Sleep)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
	})

	return &Client{
		cfg:    cfg,
		http:   client,
		parser: parser,
		log:    log.With(logx.String("comp", "fetch")),
	}, nil
}

// Fetch downloads the page and returns one raw field set per card, in page
// order.
func (c *Client) Fetch(ctx context.Context) ([]map[string]string, error) {
	c.log.Debug("fetching listing", logx.String("url", c.cfg.URL))
	res, err := c.http.R().SetContext(ctx).Get(c.cfg.URL)

	attempts := 1
	if res != nil && res.Request != nil && res.Request.Attempt > 0 {
		attempts = res.Request.Attempt
	}
	if err != nil {
		return nil, &FetchError{URL: c.cfg.URL, Attempts: attempts, Err: err}
	}
	if !res.IsSuccess() {
		return nil, &FetchError{
			URL: c.cfg.URL, Status: res.StatusCode(), Attempts: attempts,
			Err: fmt.Errorf("unexpected status %s", res.Status()),
		}
	}

	cards, err := c.parser.Parse(bytes.NewReader(res.Body()))
	if err != nil {
		return nil, &FetchError{URL: c.cfg.URL, Status: res.StatusCode(), Attempts: attempts, Err: err}
	}
	if len(cards) == 0 {
		c.log.Warn("no animal cards found; page layout may have changed", logx.String("url", c.cfg.URL))
	}
	c.log.Info("listing fetched", logx.Int("cards", len(cards)), logx.Int("attempts", attempts), logx.Duration("took", res.Time()))
	return cards, nil
}
