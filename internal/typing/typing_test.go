package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/parley/chat-app/internal/docstore"
	"github.com/parley/chat-app/internal/room"
)

const testRoom = "test-room"

// countingStore wraps the memory store and counts merges and deletes
// against the typing collection.
type countingStore struct {
	docstore.Store
	mu      sync.Mutex
	merges  int
	deletes int
}

func (c *countingStore) Merge(ctx context.Context, path string, fields docstore.Fields) error {
	c.mu.Lock()
	c.merges++
	c.mu.Unlock()
	return c.Store.Merge(ctx, path, fields)
}

func (c *countingStore) Delete(ctx context.Context, path string) error {
	c.mu.Lock()
	c.deletes++
	c.mu.Unlock()
	return c.Store.Delete(ctx, path)
}

func (c *countingStore) counts() (merges, deletes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merges, c.deletes
}

func testConfig() Config {
	return Config{
		Debounce:   30 * time.Millisecond,
		IdleStop:   100 * time.Millisecond,
		StaleAfter: 5 * time.Second,
	}
}

func TestBurstProducesOneWrite(t *testing.T) {
	store := &countingStore{Store: docstore.NewMemStore()}
	c := NewCoordinator(store, testRoom, "id-a", "alice", testConfig())
	defer c.Release()

	// A burst well inside the debounce window.
	for i := 0; i < 10; i++ {
		c.Keystroke()
		time.Sleep(time.Millisecond)
	}

	time.Sleep(60 * time.Millisecond) // let the debounce timer fire
	merges, _ := store.counts()
	if merges != 1 {
		t.Fatalf("burst produced %d writes, want 1", merges)
	}

	docs, err := store.List(context.Background(), room.TypingCollection(testRoom))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 typing record, got %d", len(docs))
	}
	rec := FromDoc(docs[0])
	if rec.ID != "id-a" || rec.Name != "alice" || rec.Timestamp == 0 {
		t.Errorf("unexpected typing record: %+v", rec)
	}
}

func TestIdleSilenceDeletesOnce(t *testing.T) {
	store := &countingStore{Store: docstore.NewMemStore()}
	c := NewCoordinator(store, testRoom, "id-a", "alice", testConfig())
	defer c.Release()

	c.Keystroke()
	time.Sleep(250 * time.Millisecond) // debounce fires, then idle stop

	merges, deletes := store.counts()
	if merges != 1 {
		t.Errorf("writes = %d, want 1", merges)
	}
	if deletes != 1 {
		t.Errorf("deletes = %d, want exactly 1", deletes)
	}

	docs, _ := store.List(context.Background(), room.TypingCollection(testRoom))
	if len(docs) != 0 {
		t.Errorf("typing record survived idle stop: %+v", docs)
	}
}

func TestKeystrokeResetsIdleTimer(t *testing.T) {
	store := &countingStore{Store: docstore.NewMemStore()}
	c := NewCoordinator(store, testRoom, "id-a", "alice", testConfig())
	defer c.Release()

	// Keep typing at a cadence shorter than the idle timeout.
	for i := 0; i < 5; i++ {
		c.Keystroke()
		time.Sleep(50 * time.Millisecond)
	}

	if _, deletes := store.counts(); deletes != 0 {
		t.Errorf("idle stop fired while typing continued: %d deletes", deletes)
	}

	time.Sleep(200 * time.Millisecond)
	if _, deletes := store.counts(); deletes != 1 {
		t.Errorf("deletes after silence = %d, want 1", deletes)
	}
}

func TestBlurStopsImmediately(t *testing.T) {
	store := &countingStore{Store: docstore.NewMemStore()}
	c := NewCoordinator(store, testRoom, "id-a", "alice", testConfig())
	defer c.Release()

	c.Keystroke()
	time.Sleep(60 * time.Millisecond) // record written

	c.Blur()
	docs, _ := store.List(context.Background(), room.TypingCollection(testRoom))
	if len(docs) != 0 {
		t.Errorf("typing record survived blur: %+v", docs)
	}

	// Blur before any write only cancels the timers.
	c.Keystroke()
	c.Blur()
	_, deletes := store.counts()
	time.Sleep(60 * time.Millisecond)
	if merges, _ := store.counts(); merges != 1 {
		t.Errorf("cancelled debounce still wrote: %d merges", merges)
	}
	if _, after := store.counts(); after != deletes {
		t.Errorf("blur without a record issued a delete")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	store := &countingStore{Store: docstore.NewMemStore()}
	c := NewCoordinator(store, testRoom, "id-a", "alice", testConfig())

	c.Keystroke()
	time.Sleep(60 * time.Millisecond)

	c.Release()
	c.Release()

	c.Keystroke() // disabled after release
	time.Sleep(60 * time.Millisecond)
	if merges, _ := store.counts(); merges != 1 {
		t.Errorf("keystroke after release wrote: %d merges", merges)
	}
}

func TestActiveTypersFiltersStaleAndSelf(t *testing.T) {
	now := int64(100_000)
	docs := []docstore.Doc{
		{ID: "me", Fields: docstore.Fields{"name": "self", "timestamp": now}},
		{ID: "fresh", Fields: docstore.Fields{"name": "bob", "timestamp": now - 2_000}},
		{ID: "stale", Fields: docstore.Fields{"name": "carol", "timestamp": now - 6_000}},
	}

	got := ActiveTypers(docs, "me", now, 5*time.Second)
	if len(got) != 1 || got[0] != "bob" {
		t.Errorf("ActiveTypers = %v, want [bob]", got)
	}
}

func TestActiveTypersEmpty(t *testing.T) {
	if got := ActiveTypers(nil, "me", 0, 5*time.Second); got != nil {
		t.Errorf("ActiveTypers(nil) = %v, want nil", got)
	}
}
