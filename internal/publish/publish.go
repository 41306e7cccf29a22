// Package publish delivers notify events through a transport and records each
// success with the snapshot store.
//
// Events are independent: a failure never blocks or cancels the others. A
// failed event is simply reported; its record stays pending and the next
// cycle emits it again.
package publish

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"catalert/internal/listing"
	"catalert/internal/transport"
	logx "catalert/pkg/logx"
)

// Marker durably records a delivered notification.
type Marker interface {
	MarkNotified(ctx context.Context, key string, at time.Time) error
}

// Config controls delivery.
//
// Defaults (when fields are zero):
//   - Workers: 2
//   - RatePerSec: 3
//   - RetryBase: 500ms
//   - RetryMaxDelay: 10s
//   - Timeout: 10s per attempt
type Config struct {
	Workers       int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Timeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Result is the outcome for one event.
type Result struct {
	Event       listing.NotifyEvent
	Delivered   bool
	DeliveredAt time.Time
	Attempts    int
	// Took spans the first attempt to the final outcome.
	Took time.Duration
	// Err is the last send error, or the mark error when Delivered is true.
	Err error
}

type Publisher struct {
	cfg     Config
	tr      transport.Transport
	marker  Marker
	limiter *rate.Limiter
	log     logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, tr transport.Transport, marker Marker, log logx.Logger) *Publisher {
	cfg = cfg.withDefaults()
	return &Publisher{
		cfg:     cfg,
		tr:      tr,
		marker:  marker,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		log:     log.With(logx.String("comp", "publish"), logx.String("transport", tr.Name())),
		now:     time.Now,
		sleep:   sleepCtx,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Publish sends every event and returns one Result per event, in input order.
// Each delivery is recorded with the Marker. It returns when all sends
// finished or ctx is done.
func (p *Publisher) Publish(ctx context.Context, events []listing.NotifyEvent) []Result {
	return p.send(ctx, events, true)
}

// Announce sends informational events (delisting notices) with the same
// pool, rate limit and retries as Publish but records nothing.
func (p *Publisher) Announce(ctx context.Context, events []listing.NotifyEvent) []Result {
	return p.send(ctx, events, false)
}

func (p *Publisher) send(ctx context.Context, events []listing.NotifyEvent, mark bool) []Result {
	results := make([]Result, len(events))
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i, ev := range events {
		results[i] = Result{Event: ev}
		if ctx.Err() != nil {
			results[i].Err = ctx.Err()
			continue
		}
		g.Go(func() error {
			start := p.now()
			results[i] = p.publishOne(ctx, ev, mark)
			results[i].Took = p.now().Sub(start)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Publisher) publishOne(ctx context.Context, ev listing.NotifyEvent, mark bool) Result {
	res := Result{Event: ev}
	maxAttempts := 1 + p.cfg.RetryMax

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			res.Err = errors.Join(res.Err, err)
			return res
		}
		res.Attempts = attempt

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		err := p.tr.Send(callCtx, ev)
		cancel()
		if err == nil {
			res.Delivered = true
			res.DeliveredAt = p.now().UTC()
			res.Err = nil
			if mark && p.marker != nil {
				if merr := p.marker.MarkNotified(ctx, ev.Key, res.DeliveredAt); merr != nil {
					// Delivered anyway; the commit still records it.
					p.log.Warn("mark notified failed", logx.Animal(ev.Key), logx.Err(merr))
					res.Err = merr
				}
			}
			p.log.Debug("event delivered", logx.Animal(ev.Key), logx.String("reason", string(ev.Reason)), logx.Int("attempts", attempt))
			return res
		}

		res.Err = err
		if transport.IsPermanent(err) {
			p.log.Warn("event rejected", logx.Animal(ev.Key), logx.Err(err))
			return res
		}
		p.log.Debug("send failed", logx.Animal(ev.Key), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}
		if err := p.sleep(ctx, p.retryDelay(attempt, err)); err != nil {
			return res
		}
	}
	p.log.Warn("event not delivered", logx.Animal(ev.Key), logx.Int("attempts", res.Attempts), logx.Err(res.Err))
	return res
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter, capped at
// RetryMaxDelay. A RetryAfter hint replaces the exponential part.
func (p *Publisher) retryDelay(attempt int, err error) time.Duration {
	maxD := p.cfg.RetryMaxDelay
	d := p.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	var ra transport.RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > 0 {
		d = ra.RetryAfter()
	}

	p.rngMu.Lock()
	j := 0.7 + p.rng.Float64()*0.6
	p.rngMu.Unlock()
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	return min(d, maxD)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
