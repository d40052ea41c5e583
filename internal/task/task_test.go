package task

import (
	"strings"
	"testing"
	"time"
)

func TestItemValidate(t *testing.T) {
	it := Item{ProjectID: "p1", Title: "Buy milk"}
	if err := it.Validate(); err != nil {
		t.Errorf("valid item failed validation: %v", err)
	}

	it = Item{Title: "Buy milk"}
	if err := it.Validate(); err == nil {
		t.Error("expected error for missing projectId")
	}

	it = Item{ProjectID: "p1", Title: "   "}
	if err := it.Validate(); err == nil {
		t.Error("expected error for blank title")
	}

	it = Item{ProjectID: "p1", Title: strings.Repeat("x", 501)}
	if err := it.Validate(); err == nil {
		t.Error("expected error for oversized title")
	}
}

func TestEventApply(t *testing.T) {
	title := "New title"
	completed := true
	due := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	it := Item{
		LocalID:     "l1",
		Title:       "Old title",
		Description: "keep me",
		Revision:    3,
	}

	ev := Event{
		Kind:      ItemUpdated,
		RemoteID:  "r1",
		Revision:  7,
		Title:     &title,
		DueDate:   &due,
		Completed: &completed,
	}
	ev.Apply(&it)

	if it.Title != "New title" {
		t.Errorf("title = %q, want %q", it.Title, "New title")
	}
	if it.Description != "keep me" {
		t.Errorf("description was clobbered: %q", it.Description)
	}
	if it.DueDate == nil || !it.DueDate.Equal(due) {
		t.Errorf("due date = %v, want %v", it.DueDate, due)
	}
	if !it.Completed {
		t.Error("completed not applied")
	}
	if it.Revision != 7 {
		t.Errorf("revision = %d, want 7", it.Revision)
	}
}

func TestEventApplyCompletionKinds(t *testing.T) {
	it := Item{Completed: false}
	ev := Event{Kind: ItemCompleted, Revision: 2}
	ev.Apply(&it)
	if !it.Completed {
		t.Error("ItemCompleted should set completed")
	}

	ev = Event{Kind: ItemReopened, Revision: 3}
	ev.Apply(&it)
	if it.Completed {
		t.Error("ItemReopened should clear completed")
	}
}

func TestEchoKind(t *testing.T) {
	cases := []struct {
		intent IntentKind
		want   EventKind
	}{
		{IntentCreate, ItemCreated},
		{IntentUpdate, ItemUpdated},
		{IntentComplete, ItemCompleted},
		{IntentReopen, ItemReopened},
		{IntentDelete, ItemDeleted},
	}
	for _, c := range cases {
		if got := c.intent.EchoKind(); got != c.want {
			t.Errorf("EchoKind(%s) = %s, want %s", c.intent, got, c.want)
		}
	}
}

func TestFirstName(t *testing.T) {
	if got := FirstName("Ada Lovelace"); got != "Ada" {
		t.Errorf("FirstName = %q, want Ada", got)
	}
	if got := FirstName("  "); got != "" {
		t.Errorf("FirstName of blank = %q, want empty", got)
	}
	if got := FirstName("Grace"); got != "Grace" {
		t.Errorf("FirstName = %q, want Grace", got)
	}
}

func TestClone(t *testing.T) {
	due := time.Now()
	it := Item{LocalID: "l1", DueDate: &due}
	cp := it.Clone()
	*cp.DueDate = cp.DueDate.Add(time.Hour)
	if !it.DueDate.Equal(due) {
		t.Error("Clone shares DueDate pointer with original")
	}
}
