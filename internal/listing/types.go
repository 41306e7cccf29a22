// Package listing defines the shelter listing domain: animal records, the
// persisted snapshot, notify events, and the normalizer that turns raw scraped
// field sets into comparable records.
package listing

import (
	"maps"
	"sort"
	"time"
)

// Well-known field names produced by the fetch parser.
// Matching is case-insensitive; unknown fields are kept as display fields.
const (
	FieldID         = "id"
	FieldName       = "name"
	FieldIntakeDate = "intake_date"
	FieldSpecies    = "species"
	FieldSex        = "sex"
	FieldColor      = "color"
	FieldBreed      = "breed"
	FieldAge        = "age"
	FieldAgeDays    = "age_days"
	FieldURL        = "url"
	FieldImage      = "image"
	FieldStatus     = "status"
)

// Record is one shelter listing at a point in time.
type Record struct {
	Key    string            `json:"key"`
	Fields map[string]string `json:"fields"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	// Notified only ever goes false -> true.
	Notified   bool      `json:"notified"`
	NotifiedAt time.Time `json:"notified_at,omitempty"`

	// Listed is false for delisted records that are retained in case they reappear.
	Listed bool `json:"listed"`
	// ListedAt is the start of the current listing stint.
	ListedAt time.Time `json:"listed_at"`
	// DelistedAt is when the record last dropped off the page (zero while listed).
	DelistedAt time.Time `json:"delisted_at,omitempty"`
}

// Pending reports whether the current listing stint still needs a notification.
func (r Record) Pending() bool {
	if !r.Listed {
		return false
	}
	return r.NotifiedAt.IsZero() || r.NotifiedAt.Before(r.ListedAt)
}

// Field returns a display field ("" if absent).
func (r Record) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// Clone returns a deep copy so snapshots never share field maps.
func (r Record) Clone() Record {
	cp := r
	cp.Fields = maps.Clone(r.Fields)
	return cp
}

// MarkNotified applies a successful publish at t.
func (r *Record) MarkNotified(t time.Time) {
	r.Notified = true
	if t.After(r.NotifiedAt) {
		r.NotifiedAt = t
	}
}

// Snapshot is the persisted set of all records known at the end of the last
// successful cycle.
type Snapshot struct {
	Records map[string]Record `json:"records"`

	// Marks holds durable notify marks for keys that are not (yet) in Records.
	// A cycle that published but crashed before committing leaves these behind.
	Marks map[string]time.Time `json:"marks,omitempty"`

	CommittedAt time.Time `json:"committed_at,omitempty"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() Snapshot {
	return Snapshot{Records: map[string]Record{}, Marks: map[string]time.Time{}}
}

// Len returns the total number of records (listed and delisted).
func (s Snapshot) Len() int { return len(s.Records) }

// ListedCount returns the number of records present in the last scrape.
func (s Snapshot) ListedCount() int {
	n := 0
	for _, r := range s.Records {
		if r.Listed {
			n++
		}
	}
	return n
}

// Keys returns record keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Records))
	for k := range s.Records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sorted returns records ordered by key.
func (s Snapshot) Sorted() []Record {
	out := make([]Record, 0, len(s.Records))
	for _, k := range s.Keys() {
		out = append(out, s.Records[k])
	}
	return out
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	cp := Snapshot{
		Records:     make(map[string]Record, len(s.Records)),
		Marks:       maps.Clone(s.Marks),
		CommittedAt: s.CommittedAt,
	}
	if cp.Marks == nil {
		cp.Marks = map[string]time.Time{}
	}
	for k, r := range s.Records {
		cp.Records[k] = r.Clone()
	}
	return cp
}

// FoldMarks applies notify marks to the records they belong to and returns a
// copy whose Marks only holds keys without a record.
func (s Snapshot) FoldMarks() Snapshot {
	out := s.Clone()
	for key, at := range s.Marks {
		rec, ok := out.Records[key]
		if !ok {
			continue
		}
		rec.MarkNotified(at)
		out.Records[key] = rec
		delete(out.Marks, key)
	}
	return out
}

// Reason explains why a NotifyEvent was produced.
type Reason string

const (
	ReasonNew        Reason = "new"
	ReasonReappeared Reason = "reappeared"
	// ReasonDelisted announces that a listed animal left the page, usually
	// because it was adopted. It never changes Notified.
	ReasonDelisted Reason = "delisted"
)

// NotifyEvent asks the notification transport to alert about one animal.
// It is consumed once by the publisher and never persisted on its own.
type NotifyEvent struct {
	Key    string `json:"key"`
	Record Record `json:"record"`
	Reason Reason `json:"reason"`
}
