// Package engine implements the per-project reconciliation loop.
//
// The engine is the orchestrator between three parties:
//
//	host list  ──task.Intent──>  Engine  ──writes──>  Remote Client
//	event stream ──task.Event──>   │
//	                               └──applies──> host list, Identity Map
//
// Local intents and remote events for a project are serialized through one
// loop goroutine, so mutation ordering stays simple and the Identity Map
// and Echo Suppressor never see torn updates. Remote writes happen inline
// in the loop, which also guarantees no two calls are ever in flight for
// the same remote id.
//
// A snapshot resync (startup, reconnect, periodic) runs inside the same
// loop and is therefore a full barrier: no local intent is applied
// mid-diff against a half-updated Identity Map.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/senexhq/senex-sync/internal/echo"
	"github.com/senexhq/senex-sync/internal/identity"
	"github.com/senexhq/senex-sync/internal/remote"
	"github.com/senexhq/senex-sync/internal/task"
)

// Host is the local list abstraction the engine mutates on behalf of
// remote changes. Local delete intents are submitted after the host has
// already removed the item from its own list; the engine never re-removes
// in that path.
type Host interface {
	// CreateItem inserts a remotely-created item into the local list and
	// returns the local identifier the host assigned to it.
	CreateItem(item task.Item) (string, error)

	// UpdateItem replaces the local item identified by item.LocalID.
	UpdateItem(item task.Item) error

	// RemoveItem deletes the local item. Idempotent.
	RemoveItem(localID string) error

	// GetItem returns the current local item, if present.
	GetItem(localID string) (task.Item, bool)

	// ListItems returns all current local items.
	ListItems() []task.Item
}

// RemoteClient is the slice of the remote API the engine drives.
// *remote.Client satisfies it; tests substitute fakes.
type RemoteClient interface {
	CreateItem(ctx context.Context, item task.Item) (string, int64, error)
	UpdateItem(ctx context.Context, remoteID string, item task.Item) (int64, error)
	CompleteItem(ctx context.Context, remoteID string) (int64, error)
	ReopenItem(ctx context.Context, remoteID string) (int64, error)
	DeleteItem(ctx context.Context, remoteID string) (int64, error)
	ListItems(ctx context.Context, projectID string) ([]task.Item, error)
}

// Config holds engine configuration.
type Config struct {
	ProjectID string
	Client    RemoteClient
	Identity  *identity.Store
	Echo      *echo.Suppressor
	Host      Host

	// RetryInterval is the pending-sync retry tick (default: 30s).
	RetryInterval time.Duration

	// TombstoneRetention bounds how long delete tombstones are kept
	// (default: 24h).
	TombstoneRetention time.Duration

	// OnError receives terminal-class failures (auth rejection, exhausted
	// retries) for host visibility. Optional.
	OnError func(error)

	// Logger for engine activity (default: stderr logger).
	Logger *log.Logger
}

// Engine reconciles local mutation intents with remote events for one
// project.
type Engine struct {
	projectID string
	client    RemoteClient
	ids       *identity.Store
	echo      *echo.Suppressor
	host      Host

	retryInterval time.Duration
	retention     time.Duration
	onError       func(error)
	logger        *log.Logger

	intents   chan task.Intent
	events    chan task.Event
	resyncReq chan struct{}

	// Remote deletes deferred while a local mutation for the same item is
	// unresolved, keyed by local id. Loop-owned, no locking needed.
	deferredDeletes map[string]task.Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine. Use Start() to run the initial reconciliation
// pass and begin the loop.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project id cannot be empty")
	}
	if cfg.Client == nil || cfg.Identity == nil || cfg.Echo == nil || cfg.Host == nil {
		return nil, fmt.Errorf("client, identity, echo and host are all required")
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = 30 * time.Second
	}
	retention := cfg.TombstoneRetention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		projectID:       cfg.ProjectID,
		client:          cfg.Client,
		ids:             cfg.Identity,
		echo:            cfg.Echo,
		host:            cfg.Host,
		retryInterval:   retryInterval,
		retention:       retention,
		onError:         cfg.OnError,
		logger:          logger,
		intents:         make(chan task.Intent, 64),
		events:          make(chan task.Event, 128),
		resyncReq:       make(chan struct{}, 1),
		deferredDeletes: make(map[string]task.Event),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}, nil
}

// Start performs the startup reconciliation pass and, on success, begins
// the loop. The startup pass must complete before the session declares
// itself ready.
func (e *Engine) Start() error {
	if err := e.runResync(e.ctx); err != nil {
		e.cancel()
		close(e.done)
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	go e.run()
	return nil
}

// Stop shuts the loop down. Intents still queued are persisted as
// pending-sync for resumption on next startup, never silently dropped.
func (e *Engine) Stop() {
	e.cancel()
	<-e.done
}

// Submit accepts a local mutation intent into the reconciliation queue.
func (e *Engine) Submit(intent task.Intent) error {
	select {
	case e.intents <- intent:
		return nil
	case <-e.ctx.Done():
		return fmt.Errorf("engine stopped")
	}
}

// Deliver feeds a decoded remote event into the reconciliation queue.
func (e *Engine) Deliver(ev task.Event) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

// RequestResync schedules a snapshot reconciliation pass. Coalesces if one
// is already scheduled.
func (e *Engine) RequestResync() {
	select {
	case e.resyncReq <- struct{}{}:
	default:
	}
}

func (e *Engine) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			e.drain()
			return

		case intent := <-e.intents:
			e.handleIntent(e.ctx, intent)

		case ev := <-e.events:
			e.handleEvent(e.ctx, ev)

		case <-e.resyncReq:
			if err := e.runResync(e.ctx); err != nil {
				e.logger.Printf("Resync failed: %v", err)
				e.surface(err)
			}

		case <-ticker.C:
			e.retryPending(e.ctx)
			if n, err := e.ids.SweepTombstones(e.ctx, e.retention); err != nil {
				e.logger.Printf("Tombstone sweep failed: %v", err)
			} else if n > 0 {
				e.logger.Printf("Retired %d tombstones", n)
			}
		}
	}
}

// drain persists still-queued intents as pending-sync on shutdown.
func (e *Engine) drain() {
	ctx := context.Background()
	for {
		select {
		case intent := <-e.intents:
			if intent.Item.LocalID == "" {
				continue
			}
			var err error
			if intent.Kind == task.IntentDelete {
				// The host item is already gone; a bare pending flag would
				// be dropped on restart. A pending tombstone keeps the
				// remote soft-delete replayable.
				err = e.ids.MarkPendingDelete(ctx, intent.Item.LocalID)
			} else {
				err = e.ids.MarkPendingSync(ctx, intent.Item.LocalID)
			}
			if err != nil {
				e.logger.Printf("Failed to persist queued intent for %s: %v", intent.Item.LocalID, err)
			} else {
				e.logger.Printf("Persisted queued %s intent for %s as pending-sync", intent.Kind, intent.Item.LocalID)
			}
		default:
			return
		}
	}
}

func (e *Engine) handleIntent(ctx context.Context, intent task.Intent) {
	var err error
	switch intent.Kind {
	case task.IntentCreate:
		err = e.pushCreate(ctx, intent.Item, intent.UserLabel)
	case task.IntentUpdate:
		err = e.pushUpdate(ctx, intent.Item)
	case task.IntentComplete:
		err = e.pushToggle(ctx, intent.Item, true)
	case task.IntentReopen:
		err = e.pushToggle(ctx, intent.Item, false)
	case task.IntentDelete:
		err = e.pushDelete(ctx, intent.Item)
	}
	if err != nil {
		e.logger.Printf("Intent %s for %s failed: %v", intent.Kind, intent.Item.LocalID, err)
		e.surface(err)
	}
}

// pushCreate pushes a locally-created item to the remote service.
func (e *Engine) pushCreate(ctx context.Context, item task.Item, userLabel string) error {
	item.Source = "api"
	if item.CreatorTag == "" && userLabel != "" {
		item.CreatorTag = task.FirstName(userLabel)
		// The tag lives on the host copy too, so a retry after a failed
		// create still carries it.
		if err := e.host.UpdateItem(item); err != nil {
			e.logger.Printf("Failed to persist creator tag for %s: %v", item.LocalID, err)
		}
	}

	remoteID, rev, err := e.client.CreateItem(ctx, item)
	if err != nil {
		if markErr := e.ids.MarkPendingSync(ctx, item.LocalID); markErr != nil {
			e.logger.Printf("Failed to mark %s pending: %v", item.LocalID, markErr)
		}
		return fmt.Errorf("create left pending for %s: %w", item.LocalID, err)
	}

	if err := e.ids.Bind(ctx, item.LocalID, remoteID, rev); err != nil {
		return fmt.Errorf("failed to bind created item: %w", err)
	}
	e.echo.Record(remoteID, task.ItemCreated, rev)

	item.RemoteID = remoteID
	item.Revision = rev
	item.PendingSync = false
	if err := e.host.UpdateItem(item); err != nil {
		e.logger.Printf("Failed to apply remote identity to %s: %v", item.LocalID, err)
	}
	e.logger.Printf("Created %s as remote %s (rev %d)", item.LocalID, remoteID, rev)

	// A retried create may carry completion state accumulated while pending.
	if item.Completed {
		if rev, err := e.client.CompleteItem(ctx, remoteID); err != nil {
			e.logger.Printf("Failed to push completion for %s: %v", item.LocalID, err)
		} else {
			e.echo.Record(remoteID, task.ItemCompleted, rev)
			_ = e.ids.UpdateRevision(ctx, item.LocalID, rev)
		}
	}

	e.applyDeferredDelete(ctx, item.LocalID)
	return nil
}

// pushUpdate pushes local field changes to the remote item.
func (e *Engine) pushUpdate(ctx context.Context, item task.Item) error {
	entry, bound, err := e.ids.Resolve(ctx, item.LocalID)
	if err != nil {
		return err
	}
	if !bound || entry.RemoteID == "" {
		// Not yet synced: queue behind the pending create.
		return e.ids.MarkPendingSync(ctx, item.LocalID)
	}

	rev, err := e.client.UpdateItem(ctx, entry.RemoteID, item)
	if err != nil {
		return e.writeFailed(ctx, item.LocalID, entry.RemoteID, err)
	}

	e.echo.Record(entry.RemoteID, task.ItemUpdated, rev)
	if err := e.ids.UpdateRevision(ctx, item.LocalID, rev); err != nil {
		return err
	}
	if err := e.ids.ClearPendingSync(ctx, item.LocalID); err != nil {
		return err
	}
	item.Revision = rev
	item.RemoteID = entry.RemoteID
	if err := e.host.UpdateItem(item); err != nil {
		e.logger.Printf("Failed to apply revision to %s: %v", item.LocalID, err)
	}

	e.applyDeferredDelete(ctx, item.LocalID)
	return nil
}

// pushToggle pushes a completion state change.
func (e *Engine) pushToggle(ctx context.Context, item task.Item, completed bool) error {
	entry, bound, err := e.ids.Resolve(ctx, item.LocalID)
	if err != nil {
		return err
	}
	if !bound || entry.RemoteID == "" {
		return e.ids.MarkPendingSync(ctx, item.LocalID)
	}

	var rev int64
	if completed {
		rev, err = e.client.CompleteItem(ctx, entry.RemoteID)
	} else {
		rev, err = e.client.ReopenItem(ctx, entry.RemoteID)
	}
	if err != nil {
		return e.writeFailed(ctx, item.LocalID, entry.RemoteID, err)
	}

	kind := task.ItemCompleted
	if !completed {
		kind = task.ItemReopened
	}
	e.echo.Record(entry.RemoteID, kind, rev)
	if err := e.ids.UpdateRevision(ctx, item.LocalID, rev); err != nil {
		return err
	}
	if err := e.ids.ClearPendingSync(ctx, item.LocalID); err != nil {
		return err
	}

	e.applyDeferredDelete(ctx, item.LocalID)
	return nil
}

// pushDelete issues the remote soft delete for a locally-deleted item.
// The host has already removed the item from its list.
func (e *Engine) pushDelete(ctx context.Context, item task.Item) error {
	entry, bound, err := e.ids.Resolve(ctx, item.LocalID)
	if err != nil {
		return err
	}
	if !bound || entry.RemoteID == "" {
		// Never synced: nothing to delete remotely.
		delete(e.deferredDeletes, item.LocalID)
		return e.ids.Unbind(ctx, item.LocalID)
	}

	rev, err := e.client.DeleteItem(ctx, entry.RemoteID)
	if err != nil {
		if remote.IsNotFound(err) {
			// Already gone remotely.
			return e.ids.MarkTombstone(ctx, item.LocalID)
		}
		return e.writeFailed(ctx, item.LocalID, entry.RemoteID, err)
	}

	e.echo.Record(entry.RemoteID, task.ItemDeleted, rev)
	delete(e.deferredDeletes, item.LocalID)
	return e.ids.MarkTombstone(ctx, item.LocalID)
}

// writeFailed classifies a failed remote write: a vanished item becomes an
// authoritative local deletion, everything else leaves the item pending.
func (e *Engine) writeFailed(ctx context.Context, localID, remoteID string, err error) error {
	if remote.IsNotFound(err) {
		e.logger.Printf("Remote %s vanished, tombstoning local %s", remoteID, localID)
		if rmErr := e.host.RemoveItem(localID); rmErr != nil {
			e.logger.Printf("Failed to remove %s: %v", localID, rmErr)
		}
		delete(e.deferredDeletes, localID)
		return e.ids.MarkTombstone(ctx, localID)
	}
	if markErr := e.ids.MarkPendingSync(ctx, localID); markErr != nil {
		e.logger.Printf("Failed to mark %s pending: %v", localID, markErr)
	}
	return fmt.Errorf("write left pending for %s: %w", localID, err)
}

// handleEvent applies one inbound remote event.
func (e *Engine) handleEvent(ctx context.Context, ev task.Event) {
	if ev.Kind == task.Heartbeat {
		return
	}
	if e.echo.IsEcho(ev) {
		e.logger.Printf("Discarding echo: %s %s (rev %d)", ev.Kind, ev.RemoteID, ev.Revision)
		return
	}

	entry, bound, err := e.ids.ResolveRemote(ctx, ev.RemoteID)
	if err != nil {
		e.logger.Printf("Failed to resolve remote %s: %v", ev.RemoteID, err)
		return
	}

	if ev.Kind == task.ItemDeleted {
		e.applyRemoteDelete(ctx, ev, entry, bound)
		return
	}

	if !bound {
		// Remote-originated create.
		it := task.Item{
			ProjectID: e.projectID,
			RemoteID:  ev.RemoteID,
			Source:    ev.Source,
		}
		ev.Apply(&it)
		localID, err := e.host.CreateItem(it)
		if err != nil {
			e.logger.Printf("Failed to create local item for remote %s: %v", ev.RemoteID, err)
			return
		}
		if err := e.ids.Bind(ctx, localID, ev.RemoteID, ev.Revision); err != nil {
			e.logger.Printf("Failed to bind remote create %s: %v", ev.RemoteID, err)
			return
		}
		e.logger.Printf("Remote create %s applied as local %s", ev.RemoteID, localID)
		return
	}

	if entry.Tombstoned() {
		// Stale event for a deleted item: suppress resurrection.
		return
	}
	if ev.Revision <= entry.LastRevision {
		e.logger.Printf("Discarding stale %s for %s (rev %d <= %d)",
			ev.Kind, ev.RemoteID, ev.Revision, entry.LastRevision)
		return
	}

	it, ok := e.host.GetItem(entry.LocalID)
	if !ok {
		e.logger.Printf("Local %s missing for remote %s, skipping", entry.LocalID, ev.RemoteID)
		return
	}
	ev.Apply(&it)
	if err := e.host.UpdateItem(it); err != nil {
		e.logger.Printf("Failed to apply remote %s to %s: %v", ev.Kind, entry.LocalID, err)
		return
	}
	if err := e.ids.UpdateRevision(ctx, entry.LocalID, ev.Revision); err != nil {
		e.logger.Printf("Failed to store revision for %s: %v", entry.LocalID, err)
	}
}

// applyRemoteDelete removes the local item for a remote tombstone, or
// defers when a local mutation for the item is still unresolved so an
// in-flight edit is not lost to a racing delete.
func (e *Engine) applyRemoteDelete(ctx context.Context, ev task.Event, entry identity.Entry, bound bool) {
	if !bound || entry.Tombstoned() {
		return
	}
	if entry.PendingSync {
		e.logger.Printf("Deferring remote delete of %s: local mutation unresolved", entry.LocalID)
		e.deferredDeletes[entry.LocalID] = ev
		return
	}
	if err := e.host.RemoveItem(entry.LocalID); err != nil {
		e.logger.Printf("Failed to remove %s: %v", entry.LocalID, err)
	}
	if err := e.ids.MarkTombstone(ctx, entry.LocalID); err != nil {
		e.logger.Printf("Failed to tombstone %s: %v", entry.LocalID, err)
	}
	e.logger.Printf("Remote delete applied to local %s", entry.LocalID)
}

// applyDeferredDelete replays a remote delete that was deferred behind a
// pending local mutation, now that the mutation resolved.
func (e *Engine) applyDeferredDelete(ctx context.Context, localID string) {
	ev, ok := e.deferredDeletes[localID]
	if !ok {
		return
	}
	delete(e.deferredDeletes, localID)
	entry, bound, err := e.ids.Resolve(ctx, localID)
	if err != nil || !bound {
		return
	}
	e.applyRemoteDelete(ctx, ev, entry, bound)
}

// retryPending re-pushes items whose remote write has not yet succeeded.
func (e *Engine) retryPending(ctx context.Context) {
	pending, err := e.ids.PendingLocalIDs(ctx)
	if err != nil {
		e.logger.Printf("Failed to list pending items: %v", err)
		return
	}
	for _, localID := range pending {
		entry, bound, err := e.ids.Resolve(ctx, localID)
		if err != nil {
			e.logger.Printf("Failed to resolve pending %s: %v", localID, err)
			continue
		}

		if bound && entry.Tombstoned() {
			e.replayDelete(ctx, localID, entry)
			continue
		}

		it, ok := e.host.GetItem(localID)
		if !ok {
			// Item vanished locally while pending; drop the marker.
			if err := e.ids.Unbind(ctx, localID); err != nil {
				e.logger.Printf("Failed to drop stale pending %s: %v", localID, err)
			}
			continue
		}

		if !bound || entry.RemoteID == "" {
			if err := e.pushCreate(ctx, it, ""); err != nil {
				e.logger.Printf("Pending create for %s still failing: %v", localID, err)
				e.surface(err)
			}
			continue
		}

		// Bound item: replay full local state, fields then completion.
		if err := e.pushUpdate(ctx, it); err != nil {
			e.logger.Printf("Pending update for %s still failing: %v", localID, err)
			e.surface(err)
			continue
		}
		if err := e.pushToggle(ctx, it, it.Completed); err != nil {
			e.logger.Printf("Pending completion for %s still failing: %v", localID, err)
			e.surface(err)
		}
	}
}

// replayDelete issues the remote soft-delete for a pending tombstone, a
// delete that was queued when the engine shut down.
func (e *Engine) replayDelete(ctx context.Context, localID string, entry identity.Entry) {
	if entry.RemoteID != "" {
		rev, err := e.client.DeleteItem(ctx, entry.RemoteID)
		switch {
		case err == nil:
			e.echo.Record(entry.RemoteID, task.ItemDeleted, rev)
			e.logger.Printf("Replayed queued delete of %s (remote %s)", localID, entry.RemoteID)
		case remote.IsNotFound(err):
			// Already gone remotely.
		default:
			e.logger.Printf("Queued delete for %s still failing: %v", localID, err)
			e.surface(err)
			return
		}
	}
	if err := e.ids.ClearPendingSync(ctx, localID); err != nil {
		e.logger.Printf("Failed to clear replayed delete for %s: %v", localID, err)
	}
}

// runResync performs the full snapshot-diff reconciliation pass. It runs
// inside the loop (or before it starts), so it acts as a barrier for the
// project's queue.
func (e *Engine) runResync(ctx context.Context) error {
	e.logger.Printf("Starting snapshot resync for project %s", e.projectID)

	remoteItems, err := e.client.ListItems(ctx, e.projectID)
	if err != nil {
		return fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	entries, err := e.ids.Bindings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load bindings: %w", err)
	}

	byRemote := make(map[string]identity.Entry, len(entries))
	byLocal := make(map[string]identity.Entry, len(entries))
	for _, entry := range entries {
		if entry.RemoteID != "" {
			byRemote[entry.RemoteID] = entry
		}
		byLocal[entry.LocalID] = entry
	}
	remoteByID := make(map[string]bool, len(remoteItems))

	var created, updated, removed, pushed int

	for _, rt := range remoteItems {
		remoteByID[rt.RemoteID] = true
		entry, bound := byRemote[rt.RemoteID]

		if rt.Deleted {
			// Remote tombstone present locally: remove.
			if bound && !entry.Tombstoned() {
				if err := e.host.RemoveItem(entry.LocalID); err != nil {
					e.logger.Printf("Failed to remove %s: %v", entry.LocalID, err)
				}
				if err := e.ids.MarkTombstone(ctx, entry.LocalID); err != nil {
					e.logger.Printf("Failed to tombstone %s: %v", entry.LocalID, err)
				}
				removed++
			}
			continue
		}

		if !bound {
			// Remote-only: create locally.
			localID, err := e.host.CreateItem(rt)
			if err != nil {
				e.logger.Printf("Failed to create local item for %s: %v", rt.RemoteID, err)
				continue
			}
			if err := e.ids.Bind(ctx, localID, rt.RemoteID, rt.Revision); err != nil {
				e.logger.Printf("Failed to bind %s: %v", rt.RemoteID, err)
				continue
			}
			created++
			continue
		}

		if entry.Tombstoned() {
			continue
		}
		if rt.Revision <= entry.LastRevision {
			continue
		}

		// Remote newer: last-writer-wins.
		it, ok := e.host.GetItem(entry.LocalID)
		if !ok {
			localID, err := e.host.CreateItem(rt)
			if err != nil {
				e.logger.Printf("Failed to recreate local item for %s: %v", rt.RemoteID, err)
				continue
			}
			if err := e.ids.Bind(ctx, localID, rt.RemoteID, rt.Revision); err != nil {
				e.logger.Printf("Failed to rebind %s: %v", rt.RemoteID, err)
			}
			created++
			continue
		}
		it.Title = rt.Title
		it.Description = rt.Description
		it.DueDate = rt.DueDate
		it.Completed = rt.Completed
		it.Revision = rt.Revision
		if err := e.host.UpdateItem(it); err != nil {
			e.logger.Printf("Failed to update %s: %v", entry.LocalID, err)
			continue
		}
		if err := e.ids.UpdateRevision(ctx, entry.LocalID, rt.Revision); err != nil {
			e.logger.Printf("Failed to store revision for %s: %v", entry.LocalID, err)
		}
		updated++
	}

	// Bound items missing from the snapshot entirely were purged remotely.
	for _, entry := range entries {
		if entry.RemoteID == "" || entry.Tombstoned() || remoteByID[entry.RemoteID] {
			continue
		}
		if err := e.host.RemoveItem(entry.LocalID); err != nil {
			e.logger.Printf("Failed to remove %s: %v", entry.LocalID, err)
		}
		if err := e.ids.Unbind(ctx, entry.LocalID); err != nil {
			e.logger.Printf("Failed to unbind %s: %v", entry.LocalID, err)
		}
		removed++
	}

	// Local-only items with no mapping and no pending marker: push as creates.
	for _, it := range e.host.ListItems() {
		entry, known := byLocal[it.LocalID]
		if known && (entry.RemoteID != "" || entry.PendingSync) {
			continue
		}
		if !known && it.RemoteID != "" {
			continue
		}
		if err := e.pushCreate(ctx, it, ""); err != nil {
			e.logger.Printf("Failed to push local-only %s: %v", it.LocalID, err)
			continue
		}
		pushed++
	}

	e.retryPending(ctx)

	e.logger.Printf("Resync complete: created=%d updated=%d removed=%d pushed=%d",
		created, updated, removed, pushed)
	return nil
}

// surface forwards terminal-class failures to the session.
func (e *Engine) surface(err error) {
	if e.onError == nil || err == nil {
		return
	}
	e.onError(err)
}
