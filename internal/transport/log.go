package transport

import (
	"context"

	"catalert/internal/listing"
	logx "catalert/pkg/logx"
)

// Log writes each event as a structured log line. It is the fallback when no
// other transport is enabled.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	return &Log{log: log.With(logx.String("comp", "transport.log"))}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Send(ctx context.Context, ev listing.NotifyEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.log.Info(Headline(ev),
		logx.Animal(ev.Key),
		logx.String("reason", string(ev.Reason)),
		logx.String("url", ev.Record.Field(listing.FieldURL)),
		logx.Any("fields", ev.Record.Fields),
	)
	return nil
}
