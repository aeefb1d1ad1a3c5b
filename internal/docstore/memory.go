package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store with synchronous change delivery.
// Notifications fire on the caller's goroutine immediately after each
// mutation, which makes interleavings deterministic under test.
type MemStore struct {
	mu     sync.Mutex
	docs   map[string]map[string]Fields // collection -> id -> fields
	subs   map[string][]*memSub
	clock  func() int64
	lastTS int64
}

type memSub struct {
	store      *MemStore
	collection string
	handler    func(Change)
	prev       []Doc
	released   bool
}

// NewMemStore creates an empty in-memory store using the wall clock for
// server timestamps.
func NewMemStore() *MemStore {
	return &MemStore{
		docs:  make(map[string]map[string]Fields),
		subs:  make(map[string][]*memSub),
		clock: func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the server clock. Timestamps remain monotonic even
// if the injected clock stalls or goes backwards.
func (s *MemStore) SetClock(fn func() int64) {
	s.mu.Lock()
	s.clock = fn
	s.mu.Unlock()
}

// assignTS must be called with the lock held.
func (s *MemStore) assignTS() int64 {
	now := s.clock()
	if now <= s.lastTS {
		now = s.lastTS + 1
	}
	s.lastTS = now
	return now
}

func (s *MemStore) Get(_ context.Context, path string) (Fields, error) {
	collection, id, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFields(fields), nil
}

func (s *MemStore) Set(_ context.Context, path string, fields Fields) error {
	collection, id, err := splitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string]Fields)
	}
	s.docs[collection][id] = resolveTimestamps(fields, s.assignTS())
	pending := s.pendingNotifications(collection)
	s.mu.Unlock()

	deliver(pending)
	return nil
}

func (s *MemStore) Merge(_ context.Context, path string, fields Fields) error {
	collection, id, err := splitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string]Fields)
	}
	merged := copyFields(s.docs[collection][id])
	if merged == nil {
		merged = make(Fields, len(fields))
	}
	for k, v := range resolveTimestamps(fields, s.assignTS()) {
		merged[k] = v
	}
	s.docs[collection][id] = merged
	pending := s.pendingNotifications(collection)
	s.mu.Unlock()

	deliver(pending)
	return nil
}

func (s *MemStore) Delete(_ context.Context, path string) error {
	collection, id, err := splitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.docs[collection][id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.docs[collection], id)
	pending := s.pendingNotifications(collection)
	s.mu.Unlock()

	deliver(pending)
	return nil
}

func (s *MemStore) List(_ context.Context, collection string) ([]Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(collection), nil
}

func (s *MemStore) Append(_ context.Context, collection string, fields Fields) (string, int64, error) {
	id := uuid.NewString()

	s.mu.Lock()
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string]Fields)
	}
	ts := s.assignTS()
	s.docs[collection][id] = resolveTimestamps(fields, ts)
	pending := s.pendingNotifications(collection)
	s.mu.Unlock()

	deliver(pending)
	return id, ts, nil
}

func (s *MemStore) Wipe(_ context.Context, collection string) error {
	s.mu.Lock()
	if len(s.docs[collection]) == 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.docs, collection)
	pending := s.pendingNotifications(collection)
	s.mu.Unlock()

	deliver(pending)
	return nil
}

func (s *MemStore) Subscribe(collection string, handler func(Change)) (Subscription, error) {
	sub := &memSub{store: s, collection: collection, handler: handler}

	s.mu.Lock()
	snap := s.snapshot(collection)
	sub.prev = snap
	s.subs[collection] = append(s.subs[collection], sub)
	s.mu.Unlock()

	// Initial notification: the whole current snapshot arrives as Added.
	handler(Change{Snapshot: snap, Added: snap})
	return sub, nil
}

func (s *MemStore) Now(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignTS(), nil
}

// Release detaches the subscription. Safe to call more than once.
func (m *memSub) Release() {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.released {
		return
	}
	m.released = true

	subs := s.subs[m.collection]
	for i, sub := range subs {
		if sub == m {
			s.subs[m.collection] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

type notification struct {
	handler func(Change)
	change  Change
}

// pendingNotifications computes the Change for every live subscriber of
// the collection. Must be called with the lock held; delivery happens
// after the lock is released so handlers can call back into the store.
func (s *MemStore) pendingNotifications(collection string) []notification {
	subs := s.subs[collection]
	if len(subs) == 0 {
		return nil
	}
	snap := s.snapshot(collection)

	var out []notification
	for _, sub := range subs {
		added, modified, removed := diffSnapshots(sub.prev, snap)
		sub.prev = snap
		out = append(out, notification{
			handler: sub.handler,
			change:  Change{Snapshot: snap, Added: added, Modified: modified, Removed: removed},
		})
	}
	return out
}

func deliver(pending []notification) {
	for _, n := range pending {
		n.handler(n.change)
	}
}

// snapshot must be called with the lock held.
func (s *MemStore) snapshot(collection string) []Doc {
	coll := s.docs[collection]
	out := make([]Doc, 0, len(coll))
	for id, fields := range coll {
		out = append(out, Doc{ID: id, Fields: copyFields(fields)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyFields(f Fields) Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
