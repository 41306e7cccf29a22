// Package schedule triggers detection cycles on a cron or interval spec.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "catalert/pkg/logx"
)

// Job runs one cycle. The context is cancelled when the service stops.
type Job func(ctx context.Context)

// Config is the schedule section of the app config.
type Config struct {
	Spec       string
	Timezone   string
	RunOnStart bool
}

// Service owns a cron instance with a single job. Overlapping triggers are
// skipped while the previous run is still going.
type Service struct {
	log logx.Logger
	job Job

	mu     sync.Mutex
	cfg    Config
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	entry  cron.EntryID
	wg     sync.WaitGroup
}

func New(cfg Config, job Job, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if _, err := compile(cfg); err != nil {
		return nil, err
	}
	return &Service{cfg: cfg, job: job, log: log.With(logx.String("comp", "schedule"))}, nil
}

func compile(cfg Config) (cron.Schedule, error) {
	spec, err := ParseSchedule(cfg.Spec)
	if err != nil {
		return nil, err
	}
	return spec.Schedule()
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Start begins triggering. With RunOnStart the first cycle runs immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.startLocked(); err != nil {
		s.cancel()
		return err
	}
	if s.cfg.RunOnStart {
		// Goes through the cron chain so it is skipped if a tick overlaps.
		entry := s.c.Entry(s.entry)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			entry.WrappedJob.Run()
		}()
	}
	return nil
}

func (s *Service) startLocked() error {
	sched, err := compile(s.cfg)
	if err != nil {
		return err
	}
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx := s.ctx
	s.entry = s.c.Schedule(sched, cron.FuncJob(func() { s.job(ctx) }))
	s.c.Start()
	s.log.Info("service started", logx.String("spec", s.cfg.Spec), logx.String("tz", loc.String()))
	return nil
}

// Apply swaps the schedule after a config reload. A running cycle is not
// interrupted.
func (s *Service) Apply(cfg Config) error {
	if _, err := compile(cfg); err != nil {
		return err
	}
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Spec == s.cfg.Spec && cfg.Timezone == s.cfg.Timezone {
		s.cfg = cfg
		return nil
	}
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	// The old cron's Stop does not wait for running jobs here; the cycle
	// runner's own lock prevents overlap with the new instance.
	s.c.Stop()
	return s.startLocked()
}

// Next returns the next scheduled trigger, or zero when stopped.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// Stop stops triggering, cancels the job context and waits for a running
// job until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cronDone := c.Stop().Done()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		<-cronDone
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
