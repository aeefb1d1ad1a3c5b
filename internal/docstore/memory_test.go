package docstore

import (
	"context"
	"errors"
	"testing"
)

func TestGetSetDelete(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "rooms/lobby/meta"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "rooms/lobby/meta", Fields{"passwordHash": "abc"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	fields, err := s.Get(ctx, "rooms/lobby/meta")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if String(fields, "passwordHash") != "abc" {
		t.Errorf("passwordHash = %q, want %q", String(fields, "passwordHash"), "abc")
	}

	if err := s.Delete(ctx, "rooms/lobby/meta"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "rooms/lobby/meta"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting a missing document is a no-op, not an error.
	if err := s.Delete(ctx, "rooms/lobby/meta"); err != nil {
		t.Fatalf("double delete: %v", err)
	}
}

func TestMergePreservesFields(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Set(ctx, "rooms/r/presence/a", Fields{"name": "alice", "joined": int64(5)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Merge(ctx, "rooms/r/presence/a", Fields{"lastActive": int64(9)}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	fields, err := s.Get(ctx, "rooms/r/presence/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if String(fields, "name") != "alice" {
		t.Errorf("merge clobbered name: %v", fields)
	}
	if Int64(fields, "lastActive") != 9 {
		t.Errorf("lastActive = %d, want 9", Int64(fields, "lastActive"))
	}

	// Merge on a missing document creates it.
	if err := s.Merge(ctx, "rooms/r/presence/b", Fields{"name": "bob"}); err != nil {
		t.Fatalf("merge create: %v", err)
	}
	if _, err := s.Get(ctx, "rooms/r/presence/b"); err != nil {
		t.Fatalf("get after merge create: %v", err)
	}
}

func TestServerTimestampResolution(t *testing.T) {
	s := NewMemStore()
	base := int64(1_000_000)
	s.SetClock(func() int64 { return base })
	ctx := context.Background()

	if err := s.Set(ctx, "rooms/r/presence/a", Fields{"joined": ServerTimestamp}); err != nil {
		t.Fatalf("set: %v", err)
	}
	fields, err := s.Get(ctx, "rooms/r/presence/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if Int64(fields, "joined") < base {
		t.Errorf("joined = %d, want >= %d", Int64(fields, "joined"), base)
	}
}

func TestTimestampsMonotonic(t *testing.T) {
	s := NewMemStore()
	s.SetClock(func() int64 { return 100 }) // stalled clock
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		ts, err := s.Now(ctx)
		if err != nil {
			t.Fatalf("now: %v", err)
		}
		if ts <= last {
			t.Fatalf("timestamp went backwards: %d after %d", ts, last)
		}
		last = ts
	}
}

func TestListOrderedByID(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if err := s.Set(ctx, "rooms/r/presence/"+id, Fields{"name": id}); err != nil {
			t.Fatalf("set %s: %v", id, err)
		}
	}

	docs, err := s.List(ctx, "rooms/r/presence")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 docs, got %d", len(docs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if docs[i].ID != want {
			t.Errorf("docs[%d].ID = %q, want %q", i, docs[i].ID, want)
		}
	}
}

func TestSubscribeDeliversDeltas(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Set(ctx, "rooms/r/messages/m1", Fields{"text": "hi"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	var changes []Change
	sub, err := s.Subscribe("rooms/r/messages", func(c Change) {
		changes = append(changes, c)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Release()

	// Initial notification carries the existing doc as Added.
	if len(changes) != 1 || len(changes[0].Added) != 1 || changes[0].Added[0].ID != "m1" {
		t.Fatalf("unexpected initial notification: %+v", changes)
	}

	if err := s.Set(ctx, "rooms/r/messages/m2", Fields{"text": "yo"}); err != nil {
		t.Fatalf("set m2: %v", err)
	}
	if len(changes) != 2 || len(changes[1].Added) != 1 || changes[1].Added[0].ID != "m2" {
		t.Fatalf("unexpected add notification: %+v", changes)
	}

	if err := s.Set(ctx, "rooms/r/messages/m2", Fields{"text": "yo!"}); err != nil {
		t.Fatalf("modify m2: %v", err)
	}
	if len(changes) != 3 || len(changes[2].Modified) != 1 {
		t.Fatalf("unexpected modify notification: %+v", changes)
	}

	if err := s.Delete(ctx, "rooms/r/messages/m1"); err != nil {
		t.Fatalf("delete m1: %v", err)
	}
	last := changes[len(changes)-1]
	if len(last.Removed) != 1 || last.Removed[0].ID != "m1" {
		t.Fatalf("unexpected remove notification: %+v", last)
	}
	if len(last.Snapshot) != 1 {
		t.Fatalf("snapshot should hold 1 doc, got %d", len(last.Snapshot))
	}
}

func TestSubscribeReleaseIdempotent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	count := 0
	sub, err := s.Subscribe("rooms/r/messages", func(Change) { count++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sub.Release()
	sub.Release() // second release is a no-op

	if err := s.Set(ctx, "rooms/r/messages/m1", Fields{"text": "hi"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if count != 1 {
		t.Errorf("released subscription still received notifications: count=%d", count)
	}
}

func TestWipe(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := s.Append(ctx, "rooms/r/messages", Fields{"text": "x"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var removed int
	sub, err := s.Subscribe("rooms/r/messages", func(c Change) { removed += len(c.Removed) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Release()

	if err := s.Wipe(ctx, "rooms/r/messages"); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	docs, err := s.List(ctx, "rooms/r/messages")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("expected empty collection after wipe, got %d docs", len(docs))
	}
	if removed != 3 {
		t.Errorf("expected 3 removal deltas, got %d", removed)
	}

	// Wiping an empty collection is a no-op.
	if err := s.Wipe(ctx, "rooms/r/messages"); err != nil {
		t.Fatalf("double wipe: %v", err)
	}
}

func TestAppendAssignsDistinctIDs(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		id, ts, err := s.Append(ctx, "rooms/r/messages", Fields{"text": "x"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		if ts == 0 {
			t.Fatal("append returned zero timestamp")
		}
	}
}

func TestMalformedPath(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for _, path := range []string{"", "noslash", "/leading", "trailing/"} {
		if _, err := s.Get(ctx, path); err == nil || errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%q): expected path error, got %v", path, err)
		}
	}
}
