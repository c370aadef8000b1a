package ai

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	store, err := NewMemoryStore(2, 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := store.Extend(ctx, id, []Message{user(id)}); err != nil {
			t.Fatalf("Extend %s: %v", id, err)
		}
	}
	// Touch "a" so that "b" becomes the eviction candidate.
	if _, err := store.Extend(ctx, "a", nil); err != nil {
		t.Fatalf("Extend a: %v", err)
	}
	if _, err := store.Extend(ctx, "c", []Message{user("c")}); err != nil {
		t.Fatalf("Extend c: %v", err)
	}

	n, _ := store.Len(ctx)
	if n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
	if got, _ := store.History(ctx, "b"); len(got) != 0 {
		t.Errorf("session b should have been evicted, got %v", got)
	}
	if got, _ := store.History(ctx, "a"); !equalMessages(got, []Message{user("a")}) {
		t.Errorf("session a = %v, want [a]", got)
	}
}

func TestMemoryStore_MaxMessages(t *testing.T) {
	store, err := NewMemoryStore(10, 2)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	ctx := context.Background()

	got, err := store.Extend(ctx, "s1", []Message{user("1"), user("2"), user("3")})
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if !equalMessages(got, []Message{user("2"), user("3")}) {
		t.Errorf("got %v, want newest two", got)
	}
}

func TestMemoryStore_Clear(t *testing.T) {
	store, err := NewMemoryStore(10, 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Extend(ctx, "s1", []Message{user("hi")}); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if err := store.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err := store.Extend(ctx, "s1", []Message{user("again")})
	if err != nil {
		t.Fatalf("Extend after Clear: %v", err)
	}
	if !equalMessages(got, []Message{user("again")}) {
		t.Errorf("got %v, want a fresh session", got)
	}
}

func TestMemoryStore_DefaultCapacity(t *testing.T) {
	store, err := NewMemoryStore(0, 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	if _, err := store.Extend(context.Background(), "", nil); !errors.Is(err, ErrEmptySession) {
		t.Errorf("err = %v, want ErrEmptySession", err)
	}
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	store, err := NewMemoryStore(10, 0)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Extend(ctx, "s1", []Message{user("hi")}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n, _ := store.Len(context.Background()); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}
