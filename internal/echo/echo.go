// Package echo provides suppression of self-echoed change notifications.
//
// After the engine writes to the remote service, the event stream later
// delivers a notification describing that same write. Applying it again
// would loop the mutation back into the local list. The suppressor keeps a
// short-lived record of every remote write the engine originated so those
// echoes can be recognized and discarded.
//
// Records are keyed by (remote ID, operation kind): a completion toggle and
// a field update are distinct kinds and never suppress each other. Records
// expire after a bounded window covering the worst-case round trip; an
// event arriving after expiry is treated as a genuine remote change, since
// one redundant apply is cheaper than missing a real external edit.
package echo

import (
	"sync"
	"time"

	"github.com/senexhq/senex-sync/internal/task"
)

// DefaultWindow is the default echo record lifetime.
const DefaultWindow = 10 * time.Second

type key struct {
	remoteID string
	kind     task.EventKind
}

type record struct {
	issuedRevision int64
	expiry         time.Time
}

// Suppressor is a short-lived record of engine-originated mutations.
// Safe for concurrent use, though the reconciliation loop is the only
// intended caller.
type Suppressor struct {
	mu      sync.Mutex
	window  time.Duration
	records map[key]record
	now     func() time.Time
}

// New creates a suppressor with the given expiry window.
// A non-positive window falls back to DefaultWindow.
func New(window time.Duration) *Suppressor {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Suppressor{
		window:  window,
		records: make(map[key]record),
		now:     time.Now,
	}
}

// Record notes a successful local write so its stream echo can be
// discarded. issuedRevision is the revision the remote service returned
// for the write.
func (s *Suppressor) Record(remoteID string, kind task.EventKind, issuedRevision int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune()
	s.records[key{remoteID, kind}] = record{
		issuedRevision: issuedRevision,
		expiry:         s.now().Add(s.window),
	}
}

// IsEcho reports whether the event is an echo of a recorded local write.
// A matching record is consumed on a hit; an expired record is dropped and
// the event treated as genuine.
func (s *Suppressor) IsEcho(ev task.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{ev.RemoteID, ev.Kind}
	rec, ok := s.records[k]
	if !ok {
		return false
	}
	if s.now().After(rec.expiry) {
		delete(s.records, k)
		return false
	}
	if ev.Revision > rec.issuedRevision {
		// Newer than what we wrote: a real external change landed on top.
		return false
	}
	delete(s.records, k)
	return true
}

// Len returns the number of live records.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	return len(s.records)
}

// prune drops expired records. Caller must hold mu.
func (s *Suppressor) prune() {
	now := s.now()
	for k, rec := range s.records {
		if now.After(rec.expiry) {
			delete(s.records, k)
		}
	}
}
