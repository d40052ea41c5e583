package echo

import (
	"testing"
	"time"

	"github.com/senexhq/senex-sync/internal/task"
)

// fixedClock lets tests advance time manually.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time { return c.t }

func newTestSuppressor(window time.Duration) (*Suppressor, *fixedClock) {
	clock := &fixedClock{t: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	s := New(window)
	s.now = clock.now
	return s, clock
}

func TestIsEchoMatchesRecordedWrite(t *testing.T) {
	s, _ := newTestSuppressor(10 * time.Second)
	s.Record("r-1", task.ItemUpdated, 5)

	ev := task.Event{Kind: task.ItemUpdated, RemoteID: "r-1", Revision: 5}
	if !s.IsEcho(ev) {
		t.Error("expected echo for matching write")
	}
	// Record consumed on match.
	if s.IsEcho(ev) {
		t.Error("record should be consumed after first match")
	}
}

func TestIsEchoDistinguishesKinds(t *testing.T) {
	s, _ := newTestSuppressor(10 * time.Second)
	s.Record("r-1", task.ItemUpdated, 5)

	ev := task.Event{Kind: task.ItemCompleted, RemoteID: "r-1", Revision: 5}
	if s.IsEcho(ev) {
		t.Error("completion toggle must not be suppressed by an update record")
	}
}

func TestIsEchoNewerRevisionIsGenuine(t *testing.T) {
	s, _ := newTestSuppressor(10 * time.Second)
	s.Record("r-1", task.ItemUpdated, 5)

	ev := task.Event{Kind: task.ItemUpdated, RemoteID: "r-1", Revision: 6}
	if s.IsEcho(ev) {
		t.Error("event newer than issued revision is a real external edit")
	}
}

func TestRecordExpiry(t *testing.T) {
	s, clock := newTestSuppressor(5 * time.Second)
	s.Record("r-1", task.ItemDeleted, 3)

	clock.t = clock.t.Add(6 * time.Second)
	ev := task.Event{Kind: task.ItemDeleted, RemoteID: "r-1", Revision: 3}
	if s.IsEcho(ev) {
		t.Error("expired record must not suppress")
	}
	if s.Len() != 0 {
		t.Errorf("expired records should be pruned, have %d", s.Len())
	}
}

func TestPruneOnRecord(t *testing.T) {
	s, clock := newTestSuppressor(5 * time.Second)
	s.Record("r-1", task.ItemUpdated, 1)
	s.Record("r-2", task.ItemUpdated, 1)

	clock.t = clock.t.Add(10 * time.Second)
	s.Record("r-3", task.ItemUpdated, 2)

	if s.Len() != 1 {
		t.Errorf("expected only the fresh record, have %d", s.Len())
	}
}
