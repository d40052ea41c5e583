package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/senexhq/senex-sync/internal/task"
)

func testLogger() *log.Logger {
	return log.New(testWriter{}, "[test] ", 0)
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// newTestClient builds a client pointed at the given server with fast retries.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	client, err := NewClient(&Config{
		BaseURL:     srv.URL,
		Token:       "secret",
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestCreateItem(t *testing.T) {
	var gotBody remoteTask
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/data" {
			_ = json.NewEncoder(w).Encode(snapshot{})
			return
		}
		if r.URL.Path != "/api/tasks" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("token") != "secret" {
			t.Error("token not sent")
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(remoteTask{ID: "r-1", Revision: 1})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	id, rev, err := client.CreateItem(context.Background(), task.Item{
		ProjectID: "p1",
		Title:     "Buy milk",
	})
	if err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	if id != "r-1" || rev != 1 {
		t.Errorf("got id=%s rev=%d, want r-1/1", id, rev)
	}
	if gotBody.Source != "api" {
		t.Errorf("source = %q, want api", gotBody.Source)
	}
	if gotBody.Priority != task.DefaultPriority {
		t.Errorf("priority = %d, want default %d", gotBody.Priority, task.DefaultPriority)
	}
	if gotBody.IdempotencyKey == "" {
		t.Error("idempotency key missing")
	}
}

func TestCreateItemValidatesBeforeTransmission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached the wire despite validation failure")
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	_, _, err := client.CreateItem(context.Background(), task.Item{ProjectID: "p1"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCreateItemRetriesWithSameIdempotencyKey(t *testing.T) {
	var attempts int32
	keys := make(map[string]bool)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body remoteTask
		_ = json.NewDecoder(r.Body).Decode(&body)
		keys[body.IdempotencyKey] = true

		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(remoteTask{ID: "r-1", Revision: 1})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	id, _, err := client.CreateItem(context.Background(), task.Item{
		ProjectID: "p1",
		Title:     "Flaky create",
	})
	if err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	if id != "r-1" {
		t.Errorf("id = %s, want r-1", id)
	}
	if len(keys) != 1 {
		t.Errorf("expected one idempotency key across retries, got %d", len(keys))
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"auth", http.StatusUnauthorized, IsAuth},
		{"forbidden", http.StatusForbidden, IsAuth},
		{"not found", http.StatusNotFound, IsNotFound},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
			}))
			defer srv.Close()

			client := newTestClient(t, srv)
			_, err := client.CompleteItem(context.Background(), "r-1")
			if err == nil || !c.check(err) {
				t.Errorf("status %d: got %v", c.status, err)
			}
		})
	}
}

func TestTransientExhaustionSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	_, err := client.UpdateItem(context.Background(), "r-1", task.Item{ProjectID: "p1", Title: "x"})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	var te *TransientError
	if !errors.As(err, &te) {
		t.Errorf("expected wrapped TransientError, got %v", err)
	}
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(remoteTask{ID: "r-1", Revision: 9})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	rev, err := client.CompleteItem(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("CompleteItem failed: %v", err)
	}
	if rev != 9 {
		t.Errorf("revision = %d, want 9", rev)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestDeleteItemIsSoft(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("delete should be a PUT, got %s", r.Method)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["deletedAt"] == "" {
			t.Error("deletedAt marker missing")
		}
		_ = json.NewEncoder(w).Encode(remoteTask{ID: "r-1", Revision: 4})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	rev, err := client.DeleteItem(context.Background(), "r-1")
	if err != nil {
		t.Fatalf("DeleteItem failed: %v", err)
	}
	if rev != 4 {
		t.Errorf("revision = %d, want 4", rev)
	}
}

func TestListItemsFiltersByProject(t *testing.T) {
	now := time.Now().UTC()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("includeCompleted") != "true" {
			t.Error("includeCompleted not requested")
		}
		_ = json.NewEncoder(w).Encode(snapshot{
			Tasks: []remoteTask{
				{ID: "r-1", Title: "In project", ProjectID: "p1", Revision: 2},
				{ID: "r-2", Title: "Other project", ProjectID: "p2", Revision: 1},
				{ID: "r-3", Title: "Tombstone", ProjectID: "p1", Revision: 5, DeletedAt: &now},
				{ID: "r-4", Title: "Done", ProjectID: "p1", Revision: 3, CompletedAt: &now},
			},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)
	items, err := client.ListItems(context.Background(), "p1")
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	byID := make(map[string]task.Item)
	for _, it := range items {
		byID[it.RemoteID] = it
	}
	if !byID["r-3"].Deleted {
		t.Error("tombstone not mapped to Deleted")
	}
	if !byID["r-4"].Completed {
		t.Error("completedAt not mapped to Completed")
	}
}

func TestGetOrCreateUserTag(t *testing.T) {
	var created bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/data":
			_ = json.NewEncoder(w).Encode(snapshot{
				Tags: []remoteTag{{ID: "t-1", Name: "ada"}},
			})
		case "/api/tags":
			created = true
			var body remoteTag
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(remoteTag{ID: "t-2", Name: body.Name})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv)

	// Case-insensitive match against existing tag.
	id, err := client.GetOrCreateUserTag(context.Background(), "Ada")
	if err != nil {
		t.Fatalf("GetOrCreateUserTag failed: %v", err)
	}
	if id != "t-1" {
		t.Errorf("id = %s, want t-1", id)
	}
	if created {
		t.Error("should not create when tag exists")
	}

	// Missing tag gets created.
	id, err = client.GetOrCreateUserTag(context.Background(), "Grace")
	if err != nil {
		t.Fatalf("GetOrCreateUserTag failed: %v", err)
	}
	if id != "t-2" {
		t.Errorf("id = %s, want t-2", id)
	}
	if !created {
		t.Error("expected tag creation")
	}
}
