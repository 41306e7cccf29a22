package cycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalert/internal/eventbus"
	"catalert/internal/listing"
	"catalert/internal/metrics"
	"catalert/internal/publish"
	"catalert/internal/reconcile"
	"catalert/internal/runlock"
	"catalert/internal/storage"
	logx "catalert/pkg/logx"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages [][]map[string]string
	err   error
	block chan struct{}
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]map[string]string, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	if len(f.pages) > 1 {
		f.pages = f.pages[1:]
	}
	return page, nil
}

type fakeTransport struct {
	mu   sync.Mutex
	fail map[string]bool
	// hang holds sends for these keys until the context ends.
	hang    map[string]bool
	sent    []string
	reasons map[string]listing.Reason
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(ctx context.Context, ev listing.NotifyEvent) error {
	f.mu.Lock()
	hang := f.hang[ev.Key]
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[ev.Key] {
		return errors.New("boom")
	}
	f.sent = append(f.sent, ev.Key)
	if f.reasons == nil {
		f.reasons = map[string]listing.Reason{}
	}
	f.reasons[ev.Key] = ev.Reason
	return nil
}

func (f *fakeTransport) setHang(keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hang = map[string]bool{}
	for _, k := range keys {
		f.hang[k] = true
	}
}

func (f *fakeTransport) setFail(keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = map[string]bool{}
	for _, k := range keys {
		f.fail[k] = true
	}
}

func (f *fakeTransport) takeSent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

type failingCommit struct {
	storage.Store
	fail bool
}

func (s *failingCommit) Commit(ctx context.Context, snap listing.Snapshot) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Commit(ctx, snap)
}

func page(ids ...string) []map[string]string {
	out := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]string{"id": id, "name": "cat " + id})
	}
	return out
}

type harness struct {
	runner *Runner
	fetch  *fakeFetcher
	tr     *fakeTransport
	store  *failingCommit
	bus    eventbus.Bus
	m      *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "snap.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		fetch: &fakeFetcher{},
		tr:    &fakeTransport{},
		store: &failingCommit{Store: st},
		bus:   eventbus.New(),
		m:     metrics.New(),
	}
	pub := publish.New(publish.Config{RatePerSec: 1000}, h.tr, st, logx.Nop())
	h.runner, err = New(cfg, Deps{
		Fetcher:   h.fetch,
		Store:     h.store,
		Publisher: pub,
		Bus:       h.bus,
		Metrics:   h.m,
		Log:       logx.Nop(),
	})
	require.NoError(t, err)
	return h
}

func TestRunCycleColdStartThenQuiet(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.fetch.pages = [][]map[string]string{page("A1", "B2")}

	res := h.runner.RunCycle(context.Background())
	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.Equal(t, StageDone, res.Stage)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 2, res.Delivered)
	assert.ElementsMatch(t, []string{"id:A1", "id:B2"}, h.tr.takeSent())
	assert.Equal(t, 0, res.ExitCode())

	res = h.runner.RunCycle(context.Background())
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 0, res.Events)
	assert.Empty(t, h.tr.takeSent())

	last, ok := h.runner.Last()
	require.True(t, ok)
	assert.Equal(t, res.ID, last.ID)
}

func TestRunCyclePartialPublishRetriesNextCycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.fetch.pages = [][]map[string]string{page("E1", "E2", "E3")}
	h.tr.setFail("id:E2")

	res := h.runner.RunCycle(context.Background())
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	h.tr.takeSent()

	snap, err := h.store.LoadCurrent(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Records["id:E1"].Notified)
	assert.False(t, snap.Records["id:E2"].Notified)

	h.tr.setFail()
	res = h.runner.RunCycle(context.Background())
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{"id:E2"}, h.tr.takeSent())
}

func TestRunCycleFetchFailureCommitsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.fetch.err = errors.New("connection refused")

	res := h.runner.RunCycle(context.Background())
	assert.Equal(t, StatusHardFailure, res.Status)
	assert.Equal(t, StageFetching, res.Stage)
	assert.Equal(t, 1, res.ExitCode())

	snap, err := h.store.LoadCurrent(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.Len())
}

func TestRunCycleImplausibleSnapshotIsSoftFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Reconcile: reconcile.Config{MinPlausible: 3}})
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("C%d", i)
	}
	h.fetch.pages = [][]map[string]string{page(ids...), nil}

	require.Equal(t, StatusSuccess, h.runner.RunCycle(context.Background()).Status)
	h.tr.takeSent()

	res := h.runner.RunCycle(context.Background())
	assert.Equal(t, StatusSoftFailure, res.Status)
	assert.Equal(t, StageReconciling, res.Stage)
	assert.Equal(t, 2, res.ExitCode())
	var implausible *reconcile.ImplausibleSnapshotError
	assert.True(t, errors.As(res.Err, &implausible))

	snap, err := h.store.LoadCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, snap.ListedCount())
}

func TestRunCycleCommitFailureKeepsMarks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.fetch.pages = [][]map[string]string{page("A1")}
	h.store.fail = true

	res := h.runner.RunCycle(context.Background())
	assert.Equal(t, StatusHardFailure, res.Status)
	assert.Equal(t, StageCommitting, res.Stage)
	assert.Equal(t, []string{"id:A1"}, h.tr.takeSent())

	// The notification went out; the retry must not send it again.
	h.store.fail = false
	res = h.runner.RunCycle(context.Background())
	require.Equal(t, StatusSuccess, res.Status)
	assert.Empty(t, h.tr.takeSent())
	assert.Equal(t, 0, res.Events)
}

func TestRunCycleOverlapIsSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.fetch.block = make(chan struct{})
	h.fetch.pages = [][]map[string]string{page("A1")}

	done := make(chan Result, 1)
	go func() { done <- h.runner.RunCycle(context.Background()) }()

	require.Eventually(t, func() bool {
		h.fetch.mu.Lock()
		defer h.fetch.mu.Unlock()
		return h.fetch.calls == 1
	}, time.Second, 5*time.Millisecond)

	res := h.runner.RunCycle(context.Background())
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, 0, res.ExitCode())

	close(h.fetch.block)
	assert.Equal(t, StatusSuccess, (<-done).Status)
}

func TestRunCycleSkipsWhenLockHeld(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cycle.lock")
	other := runlock.NewFile(path, time.Minute, logx.Nop())
	unlock, err := other.Acquire(context.Background())
	require.NoError(t, err)
	defer unlock(context.Background())

	h := newHarness(t, Config{})
	h.runner.deps.Lock = runlock.NewFile(path, time.Minute, logx.Nop())
	res := h.runner.RunCycle(context.Background())
	assert.Equal(t, StatusSkipped, res.Status)
	h.fetch.mu.Lock()
	assert.Zero(t, h.fetch.calls)
	h.fetch.mu.Unlock()
}

type panicFetcher struct{}

func (panicFetcher) Fetch(context.Context) ([]map[string]string, error) { panic("parser bug") }

func TestRunCycleRecoversPanic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.runner.deps.Fetcher = panicFetcher{}

	res := h.runner.RunCycle(context.Background())
	assert.Equal(t, StatusHardFailure, res.Status)
	assert.Contains(t, res.Error, "parser bug")

	// The in-process lock was released.
	h.runner.deps.Fetcher = h.fetch
	assert.Equal(t, StatusSuccess, h.runner.RunCycle(context.Background()).Status)
}

func TestRunCyclePublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.fetch.pages = [][]map[string]string{page("A1", "B2")}
	h.tr.setFail("id:B2")
	ch, unsub := h.bus.Subscribe(16)
	defer unsub()

	h.runner.RunCycle(context.Background())

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, eventbus.CycleStarted, types[0])
	assert.Equal(t, eventbus.CycleFinished, types[len(types)-1])
	assert.Contains(t, types, eventbus.AnimalNotified)
	assert.Contains(t, types, eventbus.AnimalPublishFailed)
}

func TestRunCycleFetchTimeoutCommitsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{FetchTimeout: 50 * time.Millisecond})
	h.fetch.block = make(chan struct{})
	h.fetch.pages = [][]map[string]string{page("A1")}

	res := h.runner.RunCycle(context.Background())
	assert.Equal(t, StatusHardFailure, res.Status)
	assert.Equal(t, StageFetching, res.Stage)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Empty(t, h.tr.takeSent())

	snap, err := h.store.LoadCurrent(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.Len())
	assert.True(t, snap.CommittedAt.IsZero())
}

func TestRunCyclePublishTimeoutAbortsBeforeCommit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{PublishTimeout: 50 * time.Millisecond})
	h.fetch.pages = [][]map[string]string{page("A1"), page("A1", "B2", "C3")}
	require.Equal(t, StatusSuccess, h.runner.RunCycle(context.Background()).Status)
	h.tr.takeSent()
	before, err := h.store.LoadCurrent(context.Background())
	require.NoError(t, err)

	h.tr.setHang("id:C3")
	res := h.runner.RunCycle(context.Background())
	assert.Equal(t, StatusHardFailure, res.Status)
	assert.Equal(t, StagePublishing, res.Stage)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"id:B2"}, h.tr.takeSent())

	after, err := h.store.LoadCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before.CommittedAt, after.CommittedAt)
	assert.Equal(t, before.Keys(), after.Keys())
	// B2's delivery survives as a durable mark.
	assert.Contains(t, after.Marks, "id:B2")

	h.tr.setHang()
	res = h.runner.RunCycle(context.Background())
	require.Equal(t, StatusSuccess, res.Status, res.Error)
	assert.Equal(t, []string{"id:C3"}, h.tr.takeSent())
}

func TestRunCycleDelistedAnimals(t *testing.T) {
	t.Parallel()
	for _, announce := range []bool{false, true} {
		t.Run(fmt.Sprintf("announce=%v", announce), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{AnnounceDelisted: announce})
			h.fetch.pages = [][]map[string]string{page("A1", "B2", "C3"), page("A1")}
			h.tr.setFail("id:C3")
			require.Equal(t, StatusSuccess, h.runner.RunCycle(context.Background()).Status)
			h.tr.takeSent()
			h.tr.setFail()
			before, err := h.store.LoadCurrent(context.Background())
			require.NoError(t, err)

			ch, unsub := h.bus.Subscribe(32)
			defer unsub()
			res := h.runner.RunCycle(context.Background())
			require.Equal(t, StatusSuccess, res.Status, res.Error)
			assert.Equal(t, 2, res.Removed)

			var delisted []string
			for len(ch) > 0 {
				if e := <-ch; e.Type == eventbus.AnimalDelisted {
					delisted = append(delisted, e.Data.(eventbus.AnimalData).Key)
				}
			}
			assert.ElementsMatch(t, []string{"id:B2", "id:C3"}, delisted)

			sent := h.tr.takeSent()
			if announce {
				assert.ElementsMatch(t, []string{"id:B2", "id:C3"}, sent)
				assert.Equal(t, 2, res.Announced)
				assert.Equal(t, listing.ReasonDelisted, h.tr.reasons["id:B2"])
			} else {
				assert.Empty(t, sent)
				assert.Zero(t, res.Announced)
			}

			snap, err := h.store.LoadCurrent(context.Background())
			require.NoError(t, err)
			assert.False(t, snap.Records["id:B2"].Listed)
			assert.Equal(t, before.Records["id:B2"].NotifiedAt, snap.Records["id:B2"].NotifiedAt)
			assert.False(t, snap.Records["id:C3"].Notified)
			assert.NotContains(t, snap.Marks, "id:C3")
		})
	}
}

func TestRunCycleImplausibleSnapshotSuppressesDelisting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{AnnounceDelisted: true, Reconcile: reconcile.Config{MinPlausible: 3}})
	h.fetch.pages = [][]map[string]string{page("A1", "B2", "C3", "D4"), page("A1")}
	require.Equal(t, StatusSuccess, h.runner.RunCycle(context.Background()).Status)
	h.tr.takeSent()

	ch, unsub := h.bus.Subscribe(32)
	defer unsub()
	res := h.runner.RunCycle(context.Background())
	require.Equal(t, StatusSoftFailure, res.Status)
	assert.Empty(t, h.tr.takeSent())
	for len(ch) > 0 {
		assert.NotEqual(t, eventbus.AnimalDelisted, (<-ch).Type)
	}
}
