// Package task defines the shared data model for the Senex sync bridge.
//
// A task item exists on both sides of the bridge: the host's local To-Do
// list (keyed by LocalID) and the remote Senex service (keyed by RemoteID).
// The packages internal/remote, internal/stream, internal/engine and
// internal/session all exchange values of these types.
package task

import (
	"fmt"
	"strings"
	"time"
)

// DefaultPriority is assigned to locally-created items that don't specify one.
const DefaultPriority = 4

// Item is a task as seen by the sync engine.
//
// LocalID is assigned by the host list abstraction and is stable for the
// item's local lifetime. RemoteID is assigned by the Senex service and is
// empty until the first successful remote write, or until learned from an
// inbound event. Revision is the remote-assigned monotonic token used for
// last-writer-wins comparisons; zero means the item has never been synced.
type Item struct {
	LocalID   string
	RemoteID  string
	ProjectID string

	Title       string
	Description string
	DueDate     *time.Time
	Completed   bool
	Priority    int

	// Source tags the origin of creation: "api" for items created from the
	// local side, otherwise whatever the remote side supplied.
	Source string

	// CreatorTag is the creating user's label (first name), attached only to
	// locally-created items. Set once, never overwritten by remote sync.
	CreatorTag string

	Revision int64

	// Deleted marks a remote tombstone. Remote deletions are soft.
	Deleted bool

	// PendingSync marks an item whose remote write has not yet succeeded.
	PendingSync bool
}

// Validate checks the fields required before any remote write.
func (it *Item) Validate() error {
	if it.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}
	if strings.TrimSpace(it.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(it.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(it.Title))
	}
	return nil
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() Item {
	out := *it
	if it.DueDate != nil {
		d := *it.DueDate
		out.DueDate = &d
	}
	return out
}

// EventKind identifies the kind of remote change notification.
type EventKind int

const (
	// ItemCreated indicates a task was created remotely.
	ItemCreated EventKind = iota
	// ItemUpdated indicates task fields changed remotely.
	ItemUpdated
	// ItemCompleted indicates a task was completed remotely.
	ItemCompleted
	// ItemReopened indicates a completed task was reopened remotely.
	ItemReopened
	// ItemDeleted indicates a task was soft-deleted remotely.
	ItemDeleted
	// Heartbeat is a keepalive frame with no task payload.
	Heartbeat
)

// String returns a human-readable representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case ItemCreated:
		return "created"
	case ItemUpdated:
		return "updated"
	case ItemCompleted:
		return "completed"
	case ItemReopened:
		return "reopened"
	case ItemDeleted:
		return "deleted"
	case Heartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Event is a decoded remote change notification.
//
// Field pointers are nil when the notification did not carry that field.
// Revision is the remote revision as of this change; events are compared
// against the stored last-known revision with strictly-greater-wins.
type Event struct {
	Kind      EventKind
	ProjectID string
	RemoteID  string
	Revision  int64

	Title       *string
	Description *string
	DueDate     *time.Time
	Completed   *bool
	Source      string
}

// Apply merges the event's carried fields onto an item.
// Fields the event did not carry are left untouched.
func (ev *Event) Apply(it *Item) {
	if ev.Title != nil {
		it.Title = *ev.Title
	}
	if ev.Description != nil {
		it.Description = *ev.Description
	}
	if ev.DueDate != nil {
		d := *ev.DueDate
		it.DueDate = &d
	}
	if ev.Completed != nil {
		it.Completed = *ev.Completed
	}
	switch ev.Kind {
	case ItemCompleted:
		it.Completed = true
	case ItemReopened:
		it.Completed = false
	}
	it.Revision = ev.Revision
}

// IntentKind identifies the kind of locally-initiated mutation.
type IntentKind int

const (
	// IntentCreate creates a new item remotely.
	IntentCreate IntentKind = iota
	// IntentUpdate pushes field changes remotely.
	IntentUpdate
	// IntentComplete marks the item completed remotely.
	IntentComplete
	// IntentReopen clears the completed state remotely.
	IntentReopen
	// IntentDelete issues a remote soft delete.
	IntentDelete
)

// String returns a human-readable representation of the intent kind.
func (k IntentKind) String() string {
	switch k {
	case IntentCreate:
		return "create"
	case IntentUpdate:
		return "update"
	case IntentComplete:
		return "complete"
	case IntentReopen:
		return "reopen"
	case IntentDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Intent is a locally-initiated mutation accepted into the reconciliation
// queue. UserLabel carries the originating user's display name; for creates
// its first token becomes the item's CreatorTag.
type Intent struct {
	Kind      IntentKind
	Item      Item
	UserLabel string
}

// EchoKind maps an intent to the event kind its remote echo will carry.
// A completion toggle and a field update are distinct kinds and never
// suppress each other.
func (k IntentKind) EchoKind() EventKind {
	switch k {
	case IntentCreate:
		return ItemCreated
	case IntentUpdate:
		return ItemUpdated
	case IntentComplete:
		return ItemCompleted
	case IntentReopen:
		return ItemReopened
	case IntentDelete:
		return ItemDeleted
	default:
		return ItemUpdated
	}
}

// FirstName extracts the first token of a user label for creator tagging.
// Returns "" for empty labels.
func FirstName(label string) string {
	fields := strings.Fields(label)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
