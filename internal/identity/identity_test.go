package identity

import (
	"context"
	"log"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "identity.db")
	store, err := Open(path, "p1", log.New(discard{}, "", 0))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestBindAndResolve(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := store.Bind(ctx, "l1", "r1", 5); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	e, ok, err := store.Resolve(ctx, "l1")
	if err != nil || !ok {
		t.Fatalf("Resolve failed: ok=%v err=%v", ok, err)
	}
	if e.RemoteID != "r1" || e.LastRevision != 5 {
		t.Errorf("entry = %+v, want remote r1 rev 5", e)
	}

	e, ok, err = store.ResolveRemote(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("ResolveRemote failed: ok=%v err=%v", ok, err)
	}
	if e.LocalID != "l1" {
		t.Errorf("local = %s, want l1", e.LocalID)
	}
}

func TestBindIdempotent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := store.Bind(ctx, "l1", "r1", 1); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := store.Bind(ctx, "l1", "r1", 2); err != nil {
		t.Fatalf("rebind to same remote failed: %v", err)
	}

	e, _, _ := store.Resolve(ctx, "l1")
	if e.LastRevision != 2 {
		t.Errorf("revision = %d, want 2", e.LastRevision)
	}
}

func TestBindConflictTrustsMostRecentWrite(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := store.Bind(ctx, "l1", "r1", 1); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	// Another local item claims the same remote id: most recent write wins.
	if err := store.Bind(ctx, "l2", "r1", 3); err != nil {
		t.Fatalf("conflicting bind failed: %v", err)
	}

	if _, ok, _ := store.Resolve(ctx, "l1"); ok {
		t.Error("displaced mapping should be gone")
	}
	e, ok, _ := store.ResolveRemote(ctx, "r1")
	if !ok || e.LocalID != "l2" {
		t.Errorf("remote r1 resolves to %+v, want l2", e)
	}
}

func TestPendingSync(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	// Pending create: no binding yet.
	if err := store.MarkPendingSync(ctx, "l1"); err != nil {
		t.Fatalf("MarkPendingSync failed: %v", err)
	}
	if err := store.MarkPendingSync(ctx, "l2"); err != nil {
		t.Fatalf("MarkPendingSync failed: %v", err)
	}

	ids, err := store.PendingLocalIDs(ctx)
	if err != nil {
		t.Fatalf("PendingLocalIDs failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("pending = %v, want 2 entries", ids)
	}

	// Bind clears the flag for l1.
	if err := store.Bind(ctx, "l1", "r1", 1); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	ids, _ = store.PendingLocalIDs(ctx)
	if len(ids) != 1 || ids[0] != "l2" {
		t.Errorf("pending = %v, want [l2]", ids)
	}
}

func TestTombstoneLifecycle(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := store.Bind(ctx, "l1", "r1", 1); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := store.MarkTombstone(ctx, "l1"); err != nil {
		t.Fatalf("MarkTombstone failed: %v", err)
	}

	e, ok, _ := store.ResolveRemote(ctx, "r1")
	if !ok || !e.Tombstoned() {
		t.Fatalf("expected tombstoned entry, got %+v ok=%v", e, ok)
	}

	// Fresh tombstone survives a sweep with a long retention window.
	n, err := store.SweepTombstones(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepTombstones failed: %v", err)
	}
	if n != 0 {
		t.Errorf("swept %d, want 0", n)
	}

	// Zero retention retires it.
	n, err = store.SweepTombstones(ctx, -time.Second)
	if err != nil {
		t.Fatalf("SweepTombstones failed: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if _, ok, _ := store.ResolveRemote(ctx, "r1"); ok {
		t.Error("tombstone should be gone after sweep")
	}
}

func TestPendingDeleteIsPendingTombstone(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := store.Bind(ctx, "l1", "r1", 1); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := store.MarkPendingDelete(ctx, "l1"); err != nil {
		t.Fatalf("MarkPendingDelete failed: %v", err)
	}

	e, ok, _ := store.Resolve(ctx, "l1")
	if !ok || !e.Tombstoned() || !e.PendingSync {
		t.Fatalf("entry = %+v ok=%v, want pending tombstone", e, ok)
	}
	ids, err := store.PendingLocalIDs(ctx)
	if err != nil {
		t.Fatalf("PendingLocalIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "l1" {
		t.Fatalf("pending = %v, want [l1]", ids)
	}

	// Once the remote delete goes through, only the tombstone remains.
	if err := store.ClearPendingSync(ctx, "l1"); err != nil {
		t.Fatalf("ClearPendingSync failed: %v", err)
	}
	e, _, _ = store.Resolve(ctx, "l1")
	if !e.Tombstoned() || e.PendingSync {
		t.Errorf("entry after clear = %+v, want plain tombstone", e)
	}
	if ids, _ := store.PendingLocalIDs(ctx); len(ids) != 0 {
		t.Errorf("pending after clear = %v, want empty", ids)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	store, path := setupTestStore(t)
	ctx := context.Background()

	if err := store.Bind(ctx, "l1", "r1", 7); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(path, "p1", log.New(discard{}, "", 0))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	e, ok, err := reopened.Resolve(ctx, "l1")
	if err != nil || !ok {
		t.Fatalf("Resolve after reopen: ok=%v err=%v", ok, err)
	}
	if e.RemoteID != "r1" || e.LastRevision != 7 {
		t.Errorf("entry = %+v, want r1 rev 7", e)
	}
}

func TestUnbind(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := store.Bind(ctx, "l1", "r1", 1); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := store.Unbind(ctx, "l1"); err != nil {
		t.Fatalf("Unbind failed: %v", err)
	}
	if _, ok, _ := store.Resolve(ctx, "l1"); ok {
		t.Error("mapping should be removed")
	}
	// Idempotent.
	if err := store.Unbind(ctx, "l1"); err != nil {
		t.Errorf("second Unbind failed: %v", err)
	}
}
