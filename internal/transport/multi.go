package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"catalert/internal/listing"
)

// Multi fans an event out to several transports. Send succeeds only when every
// child has delivered. Children that already delivered an event are skipped
// when the same event is retried, so a flaky child never duplicates messages
// on the healthy ones.
type Multi struct {
	children []Transport

	mu   sync.Mutex
	sent map[string]map[int]bool // event id -> delivered child indexes
}

func NewMulti(children ...Transport) *Multi {
	return &Multi{children: children, sent: map[string]map[int]bool{}}
}

func (m *Multi) Name() string {
	names := make([]string, 0, len(m.children))
	for _, c := range m.children {
		names = append(names, c.Name())
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

func (m *Multi) Len() int { return len(m.children) }

func (m *Multi) Send(ctx context.Context, ev listing.NotifyEvent) error {
	id := eventID(ev)
	var errs []error
	allPermanent := true
	for i, c := range m.children {
		if m.delivered(id, i) {
			continue
		}
		if err := c.Send(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			if !IsPermanent(err) {
				allPermanent = false
			}
			continue
		}
		m.markDelivered(id, i)
	}
	if len(errs) == 0 {
		m.mu.Lock()
		delete(m.sent, id)
		m.mu.Unlock()
		return nil
	}
	err := errors.Join(errs...)
	if allPermanent {
		return Permanent(err)
	}
	return err
}

func (m *Multi) delivered(id string, i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[id][i]
}

func (m *Multi) markDelivered(id string, i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent[id] == nil {
		m.sent[id] = map[int]bool{}
	}
	m.sent[id][i] = true
}

// eventID identifies one listing stint of one animal.
func eventID(ev listing.NotifyEvent) string {
	return ev.Key + "@" + ev.Record.ListedAt.UTC().Format("20060102T150405.000000000")
}
