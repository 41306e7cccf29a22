package cycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"catalert/internal/eventbus"
	"catalert/internal/listing"
	"catalert/internal/metrics"
	"catalert/internal/reconcile"
	"catalert/internal/runlock"
	"catalert/internal/storage"
	logx "catalert/pkg/logx"
)

// Config bounds the blocking stages.
//
// Defaults (when zero):
//   - FetchTimeout: 2m
//   - PublishTimeout: 5m
//   - CommitTimeout: 30s
type Config struct {
	FetchTimeout   time.Duration
	PublishTimeout time.Duration
	CommitTimeout  time.Duration
	Reconcile      reconcile.Config

	// AnnounceDelisted sends a notice for every animal that left the page.
	// Notices go out after the commit and never touch Notified.
	AnnounceDelisted bool
}

func (c Config) withDefaults() Config {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 2 * time.Minute
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Minute
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 30 * time.Second
	}
	return c
}

// Budget is the longest a cycle can hold the cycle lock across its bounded
// stages. A lock TTL must exceed it.
func (c Config) Budget() time.Duration {
	c = c.withDefaults()
	d := c.FetchTimeout + c.PublishTimeout + c.CommitTimeout
	if c.AnnounceDelisted {
		d += c.PublishTimeout
	}
	return d
}

// Deps are the collaborators of a Runner. Fetcher, Store and Publisher are
// required; the rest default to no-ops.
type Deps struct {
	Fetcher   Fetcher
	Store     storage.Store
	Publisher Publisher
	Lock      runlock.Locker
	Bus       eventbus.Bus
	Metrics   *metrics.Metrics
	Log       logx.Logger
	Now       func() time.Time
}

// Runner executes cycles one at a time.
type Runner struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	rec  *reconcile.Reconciler
	norm listing.Normalizer

	mu   sync.Mutex
	last atomic.Pointer[Result]
}

func New(cfg Config, deps Deps) (*Runner, error) {
	if deps.Fetcher == nil || deps.Store == nil || deps.Publisher == nil {
		return nil, errors.New("cycle: fetcher, store and publisher are required")
	}
	if deps.Lock == nil {
		deps.Lock = runlock.Nop{}
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Runner{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "cycle")),
		rec:  reconcile.New(cfg.Reconcile, deps.Now),
		norm: listing.Normalizer{Now: deps.Now},
	}, nil
}

// Last returns the most recent finished cycle.
func (r *Runner) Last() (Result, bool) {
	p := r.last.Load()
	if p == nil {
		return Result{}, false
	}
	return *p, true
}

// RunCycle runs one cycle. It never panics and never returns without a
// status; an overlapping call returns StatusSkipped immediately.
func (r *Runner) RunCycle(ctx context.Context) (res Result) {
	res = Result{ID: uuid.NewString(), Started: r.deps.Now(), Stage: StageFailed}
	log := r.log.With(logx.Cycle(res.ID))

	if !r.mu.TryLock() {
		res.Status = StatusSkipped
		r.deps.Metrics.ObserveCycle(string(res.Status), 0)
		log.Info("cycle skipped: previous cycle still running")
		return res
	}
	defer r.mu.Unlock()

	unlock, err := r.deps.Lock.Acquire(ctx)
	if err != nil {
		if errors.Is(err, runlock.ErrHeld) {
			res.Status = StatusSkipped
			r.deps.Metrics.ObserveCycle(string(res.Status), 0)
			log.Info("cycle skipped: lock held by another process")
			return res
		}
		res.Status, res.Err = StatusHardFailure, fmt.Errorf("acquire cycle lock: %w", err)
		r.finish(log, &res)
		return res
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn("release cycle lock failed", logx.Err(err))
		}
	}()

	r.deps.Bus.Publish(eventbus.Event{Type: eventbus.CycleStarted, Data: eventbus.CycleData{CycleID: res.ID}})
	log.Info("cycle started")

	defer func() {
		if p := recover(); p != nil {
			res.Status = StatusHardFailure
			res.Err = fmt.Errorf("panic in %s: %v", res.Stage, p)
			log.Error("cycle panic", logx.String("stage", string(res.Stage)), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
		r.finish(log, &res)
	}()

	r.run(ctx, log, &res)
	return res
}

func (r *Runner) run(ctx context.Context, log logx.Logger, res *Result) {
	fail := func(status Status, err error) {
		res.Status, res.Err = status, err
	}

	res.Stage = StageFetching
	prev, err := r.deps.Store.LoadCurrent(ctx)
	if err != nil {
		fail(StatusHardFailure, fmt.Errorf("load snapshot: %w", err))
		return
	}
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	raws, err := r.deps.Fetcher.Fetch(fetchCtx)
	cancel()
	if err != nil {
		fail(StatusHardFailure, fmt.Errorf("fetch: %w", err))
		return
	}
	res.Fetched = len(raws)

	res.Stage = StageNormalizing
	records, errs := r.norm.NormalizeAll(raws)
	res.Normalized, res.Dropped = len(records), len(errs)
	for _, e := range errs {
		log.Warn("record dropped", logx.Err(e))
	}

	res.Stage = StageReconciling
	out, err := r.rec.Reconcile(prev, records)
	if err != nil {
		var implausible *reconcile.ImplausibleSnapshotError
		if errors.As(err, &implausible) {
			r.deps.Bus.Publish(eventbus.Event{Type: eventbus.SnapshotImplausible, Data: eventbus.CycleData{CycleID: res.ID, Err: err.Error()}})
			fail(StatusSoftFailure, err)
			return
		}
		fail(StatusHardFailure, err)
		return
	}
	res.Added = len(out.Delta.Added)
	res.Removed = len(out.Delta.Removed)
	res.Changed = len(out.Delta.Changed)
	res.Reappeared = len(out.Delta.Reappeared)
	res.Events = len(out.Events)
	for _, ev := range out.Events {
		r.deps.Metrics.ObserveEvent(string(ev.Reason))
	}
	log.Info("reconciled",
		logx.Int("listed", len(records)),
		logx.Int("added", res.Added),
		logx.Int("removed", res.Removed),
		logx.Int("changed", res.Changed),
		logx.Int("reappeared", res.Reappeared),
		logx.Int("events", res.Events),
	)

	res.Stage = StagePublishing
	next := out.Next
	if len(out.Events) > 0 {
		pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
		results := r.deps.Publisher.Publish(pubCtx, out.Events)
		publishErr := pubCtx.Err()
		cancel()
		for _, pr := range results {
			r.deps.Metrics.ObservePublish(pr.Delivered, pr.Took)
			data := eventbus.AnimalData{CycleID: res.ID, Key: pr.Event.Key, Reason: string(pr.Event.Reason), Attempts: pr.Attempts}
			if !pr.Delivered {
				res.Failed++
				if pr.Err != nil {
					data.Err = pr.Err.Error()
				}
				r.deps.Bus.Publish(eventbus.Event{Type: eventbus.AnimalPublishFailed, Data: data})
				continue
			}
			res.Delivered++
			rec, ok := next.Records[pr.Event.Key]
			if !ok {
				continue
			}
			rec.MarkNotified(pr.DeliveredAt)
			next.Records[pr.Event.Key] = rec
			r.deps.Bus.Publish(eventbus.Event{Type: eventbus.AnimalNotified, Data: data})
		}
		if publishErr != nil {
			// Deliveries so far are durable through MarkNotified; the
			// snapshot stays as it was and the rest is retried next cycle.
			fail(StatusHardFailure, fmt.Errorf("publish: %w", publishErr))
			return
		}
	}

	res.Stage = StageCommitting
	next.CommittedAt = r.deps.Now()
	// Delivered notifications are already marked durably; finish the commit
	// even when the caller is shutting down.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CommitTimeout)
	err = r.deps.Store.Commit(commitCtx, next)
	cancel()
	if err != nil {
		fail(StatusHardFailure, fmt.Errorf("commit: %w", err))
		return
	}
	r.deps.Metrics.SetCommitted(next.ListedCount(), next.CommittedAt)

	r.delisted(ctx, log, res, next, out.Delta.Removed)
	res.Stage = StageDone
	res.Status = StatusSuccess
}

// delisted reports animals that left the page. It runs after the commit, so a
// failed notice is logged and not retried.
func (r *Runner) delisted(ctx context.Context, log logx.Logger, res *Result, next listing.Snapshot, keys []string) {
	if len(keys) == 0 {
		return
	}
	events := make([]listing.NotifyEvent, 0, len(keys))
	for _, key := range keys {
		r.deps.Bus.Publish(eventbus.Event{Type: eventbus.AnimalDelisted, Data: eventbus.AnimalData{
			CycleID: res.ID, Key: key, Reason: string(listing.ReasonDelisted),
		}})
		if rec, ok := next.Records[key]; ok {
			events = append(events, listing.NotifyEvent{Key: key, Record: rec.Clone(), Reason: listing.ReasonDelisted})
		}
	}
	if !r.cfg.AnnounceDelisted || ctx.Err() != nil {
		return
	}

	annCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	for _, pr := range r.deps.Publisher.Announce(annCtx, events) {
		if pr.Delivered {
			res.Announced++
			continue
		}
		log.Warn("delisting notice not delivered", logx.Animal(pr.Event.Key), logx.Err(pr.Err))
	}
}

func (r *Runner) finish(log logx.Logger, res *Result) {
	res.Duration = r.deps.Now().Sub(res.Started)
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	r.deps.Metrics.ObserveCycle(string(res.Status), res.Duration)
	r.deps.Bus.Publish(eventbus.Event{Type: eventbus.CycleFinished, Data: eventbus.CycleData{
		CycleID: res.ID, Status: string(res.Status), Stage: string(res.Stage), Err: res.Error,
	}})

	fields := []logx.Field{
		logx.String("status", string(res.Status)),
		logx.String("stage", string(res.Stage)),
		logx.Duration("took", res.Duration),
		logx.Int("delivered", res.Delivered),
		logx.Int("failed", res.Failed),
		logx.Err(res.Err),
	}
	switch res.Status {
	case StatusSuccess:
		log.Info("cycle finished", fields...)
	case StatusSoftFailure:
		log.Warn("cycle finished", fields...)
	default:
		log.Error("cycle finished", fields...)
	}

	cp := *res
	r.last.Store(&cp)
}

// Reconfigure swaps the hot-reloadable parts. It waits for a running cycle to
// finish.
func (r *Runner) Reconfigure(cfg Config, fetcher Fetcher, pub Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg.withDefaults()
	r.rec = reconcile.New(cfg.Reconcile, r.deps.Now)
	if fetcher != nil {
		r.deps.Fetcher = fetcher
	}
	if pub != nil {
		r.deps.Publisher = pub
	}
}
