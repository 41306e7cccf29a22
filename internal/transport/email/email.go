// Package email sends notify events over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/jordan-wright/email"

	"catalert/internal/listing"
	"catalert/internal/transport"
	logx "catalert/pkg/logx"
)

type Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	To            []string
	SubjectPrefix string
}

type sendFunc func(m *email.Email, addr string, auth smtp.Auth) error

type Transport struct {
	cfg  Config
	log  logx.Logger
	send sendFunc
}

func New(cfg Config, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email host is empty")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("email has no recipients")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Transport{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "transport.email")),
		send: func(m *email.Email, addr string, auth smtp.Auth) error { return m.Send(addr, auth) },
	}, nil
}

func (t *Transport) Name() string { return "email" }

func (t *Transport) Send(ctx context.Context, ev listing.NotifyEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := t.message(ev)
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)

	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}

	done := make(chan error, 1)
	go func() {
		err := t.send(m, addr, auth)
		if err != nil && auth != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
			t.log.Debug("smtp server has no AUTH; retrying without", logx.String("host", t.cfg.Host))
			err = t.send(m, addr, nil)
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return classify(err)
	}
}

func (t *Transport) message(ev listing.NotifyEvent) *email.Email {
	m := email.NewEmail()
	m.From = t.cfg.From
	m.To = append([]string(nil), t.cfg.To...)
	subject := transport.Headline(ev)
	if p := strings.TrimSpace(t.cfg.SubjectPrefix); p != "" {
		subject = p + " " + subject
	}
	m.Subject = subject
	m.Text = []byte(transport.FormatText(ev) + "\n")
	m.HTML = []byte(strings.ReplaceAll(transport.FormatHTML(ev), "\n", "<br>\n"))
	return m
}

// classify treats SMTP 5xx replies (bad recipient, auth rejected) as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var perr *textproto.Error
	if errors.As(err, &perr) && perr.Code >= 500 {
		return transport.Permanent(err)
	}
	return err
}
