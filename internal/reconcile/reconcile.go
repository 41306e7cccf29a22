// Package reconcile turns a freshly normalized scrape into a delta against the
// persisted snapshot and selects which records deserve a notification.
//
// The reconciler is pure: it never touches storage. It returns the snapshot the
// orchestrator should commit once publishing is done.
package reconcile

import (
	"fmt"
	"maps"
	"sort"
	"time"

	"catalert/internal/listing"
)

// Change is a known record whose display fields differ between scrapes. A
// record that reappears with new fields is both a Change and Reappeared.
type Change struct {
	Key    string
	Before listing.Record
	After  listing.Record
}

// Delta is the ephemeral difference between the previous snapshot and the current scrape.
type Delta struct {
	Added      []listing.Record
	Removed    []string
	Changed    []Change
	Reappeared []string
}

// Empty reports whether nothing was added, removed, changed, or reappeared.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0 && len(d.Reappeared) == 0
}

// ImplausibleSnapshotError is a soft failure: the scrape is too small to trust
// compared to the previous snapshot, so nothing is applied or committed.
type ImplausibleSnapshotError struct {
	Got          int
	MinPlausible int
	PrevListed   int
}

func (e *ImplausibleSnapshotError) Error() string {
	return fmt.Sprintf("implausible snapshot: %d records scraped (minimum %d, previously %d listed)", e.Got, e.MinPlausible, e.PrevListed)
}

// Config controls reconciliation.
type Config struct {
	// MinPlausible is the smallest scrape accepted once the previous snapshot
	// listed at least that many records. 0 disables the guard.
	MinPlausible int

	// Available reports (available, known) for a record's display fields.
	// Nil means availability is not tracked and changes never notify.
	Available AvailabilityFunc
}

// Result is the outcome of one reconciliation.
type Result struct {
	Delta  Delta
	Events []listing.NotifyEvent
	// Next is the snapshot to commit after publishing. The caller applies
	// delivery results to it before handing it to the store.
	Next listing.Snapshot
}

// Reconciler computes deltas and notify events.
type Reconciler struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config, now func() time.Time) *Reconciler {
	if cfg.MinPlausible < 0 {
		cfg.MinPlausible = 0
	}
	if now == nil {
		now = time.Now
	}
	return &Reconciler{cfg: cfg, now: now}
}

// Reconcile compares prev with current. current is in scrape order; duplicate
// keys collapse with the last one winning.
func (r *Reconciler) Reconcile(prev listing.Snapshot, current []listing.Record) (Result, error) {
	now := r.now()

	cur := make(map[string]listing.Record, len(current))
	for _, rec := range current {
		cur[rec.Key] = rec
	}

	prevListed := prev.ListedCount()
	if floor := r.cfg.MinPlausible; floor > 0 && len(cur) < floor && prevListed >= floor {
		return Result{}, &ImplausibleSnapshotError{Got: len(cur), MinPlausible: floor, PrevListed: prevListed}
	}
	prev = prev.FoldMarks()

	next := listing.Snapshot{
		Records: make(map[string]listing.Record, len(prev.Records)+len(cur)),
		Marks:   map[string]time.Time{},
	}
	var delta Delta
	reasons := map[string]listing.Reason{}

	for _, key := range sortedKeys(cur) {
		in := cur[key]
		old, known := prev.Records[key]

		switch {
		case !known:
			rec := in.Clone()
			rec.FirstSeen, rec.LastSeen, rec.ListedAt = now, now, now
			rec.Listed = true
			if at, ok := prev.Marks[key]; ok {
				// Published by a cycle that crashed before committing.
				rec.MarkNotified(at)
				rec.ListedAt = minTime(rec.ListedAt, at)
			}
			delta.Added = append(delta.Added, rec)
			if !rec.Notified {
				reasons[key] = listing.ReasonNew
			}
			next.Records[key] = rec

		case !old.Listed:
			rec := merge(old, in, now)
			if !maps.Equal(old.Fields, in.Fields) {
				delta.Changed = append(delta.Changed, Change{Key: key, Before: old.Clone(), After: rec.Clone()})
			}
			rec.Listed = true
			rec.ListedAt = now
			rec.DelistedAt = time.Time{}
			delta.Reappeared = append(delta.Reappeared, key)
			if !old.DelistedAt.IsZero() && old.NotifiedAt.After(old.DelistedAt) {
				// A crashed cycle already announced this comeback.
				rec.ListedAt = old.NotifiedAt
			} else {
				reasons[key] = reasonFor(rec)
			}
			next.Records[key] = rec

		default:
			rec := merge(old, in, now)
			if !maps.Equal(old.Fields, in.Fields) {
				delta.Changed = append(delta.Changed, Change{Key: key, Before: old.Clone(), After: rec.Clone()})
				if r.becameAvailable(old.Fields, in.Fields) {
					rec.ListedAt = now
				}
			}
			if rec.Pending() {
				reasons[key] = reasonFor(rec)
			}
			next.Records[key] = rec
		}
	}

	for _, key := range prev.Keys() {
		if _, ok := cur[key]; ok {
			continue
		}
		old := prev.Records[key].Clone()
		if old.Listed {
			delta.Removed = append(delta.Removed, key)
			old.Listed = false
			old.DelistedAt = now
		}
		next.Records[key] = old
	}

	// Marks for keys that did not show up stay durable until they do.
	for key, at := range prev.Marks {
		if _, ok := next.Records[key]; !ok {
			next.Marks[key] = at
		}
	}

	return Result{Delta: delta, Events: buildEvents(next, reasons), Next: next}, nil
}

func (r *Reconciler) becameAvailable(before, after map[string]string) bool {
	if r.cfg.Available == nil {
		return false
	}
	was, wasKnown := r.cfg.Available(before)
	is, isKnown := r.cfg.Available(after)
	return wasKnown && isKnown && !was && is
}

// merge carries history from old onto the freshly scraped fields.
func merge(old, in listing.Record, now time.Time) listing.Record {
	rec := old.Clone()
	rec.Fields = maps.Clone(in.Fields)
	rec.LastSeen = now
	if rec.FirstSeen.IsZero() || rec.FirstSeen.After(now) {
		rec.FirstSeen = now
	}
	return rec
}

func reasonFor(rec listing.Record) listing.Reason {
	if !rec.Notified {
		return listing.ReasonNew
	}
	return listing.ReasonReappeared
}

// buildEvents emits at most one event per key, ordered by key.
// ReasonNew wins over ReasonReappeared.
func buildEvents(next listing.Snapshot, reasons map[string]listing.Reason) []listing.NotifyEvent {
	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	events := make([]listing.NotifyEvent, 0, len(keys))
	for _, k := range keys {
		rec := next.Records[k]
		reason := reasons[k]
		if !rec.Notified {
			reason = listing.ReasonNew
		}
		events = append(events, listing.NotifyEvent{Key: k, Record: rec.Clone(), Reason: reason})
	}
	return events
}

func sortedKeys(m map[string]listing.Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
