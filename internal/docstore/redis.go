package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the Redis key prefix for all document values.
const KeyPrefix = "doc:"

// Event is the change notice published to NATS for every document
// mutation. Subscribers re-list the collection on receipt; the payload
// fields also let stream consumers (the archiver) avoid a refetch.
type Event struct {
	Op     string `json:"op"` // set | merge | delete | append | wipe
	Path   string `json:"path"`
	Fields Fields `json:"fields,omitempty"`
}

// SubjectFor returns the NATS subject carrying change events for a
// collection path.
func SubjectFor(collection string) string {
	return "feed." + strings.ReplaceAll(collection, "/", ".")
}

// RedisStore stores documents as JSON values in Redis and fans change
// events out over NATS. Reads after writes are eventually consistent
// across clients; cross-document invariants are revalidated by callers
// at write time, not enforced here.
type RedisStore struct {
	rdb *redis.Client
	nc  *nats.Conn

	mu   sync.Mutex
	subs map[*redisSub]struct{}
}

// RedisConfig holds connection settings for both backends.
type RedisConfig struct {
	RedisAddr string // localhost:6379
	NATSURL   string // nats://localhost:4222
	Name      string // client name for identification
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		RedisAddr: "localhost:6379",
		NATSURL:   nats.DefaultURL,
		Name:      "parley",
	}
}

// NewRedisStore connects to Redis and NATS and returns a ready store.
// It returns an error if either initial connection fails.
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: config.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("docstore: redis connection failed: %w", err)
	}

	nc, err := nats.Connect(config.NATSURL,
		nats.Name(config.Name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[docstore] nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[docstore] nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("docstore: nats connect: %w", err)
	}

	return &RedisStore{
		rdb:  rdb,
		nc:   nc,
		subs: make(map[*redisSub]struct{}),
	}, nil
}

// Close releases every outstanding subscription, drains the NATS
// connection, and closes the Redis client.
func (s *RedisStore) Close() {
	s.mu.Lock()
	subs := make([]*redisSub, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Release()
	}
	if err := s.nc.Drain(); err != nil {
		log.Printf("[docstore] nats drain: %v", err)
	}
	if err := s.rdb.Close(); err != nil {
		log.Printf("[docstore] redis close: %v", err)
	}
}

func (s *RedisStore) Get(ctx context.Context, path string) (Fields, error) {
	if _, _, err := splitPath(path); err != nil {
		return nil, err
	}

	raw, err := s.rdb.Get(ctx, KeyPrefix+path).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("docstore: get %s: %w", path, err)
	}

	var fields Fields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("docstore: decode %s: %w", path, err)
	}
	return fields, nil
}

func (s *RedisStore) Set(ctx context.Context, path string, fields Fields) error {
	now, err := s.Now(ctx)
	if err != nil {
		return err
	}
	return s.write(ctx, "set", path, resolveTimestamps(fields, now))
}

// Merge reads, overlays, and writes back. The read-modify-write is not
// atomic across clients; last writer wins, which the presence and
// typing protocols tolerate.
func (s *RedisStore) Merge(ctx context.Context, path string, fields Fields) error {
	existing, err := s.Get(ctx, path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	now, err := s.Now(ctx)
	if err != nil {
		return err
	}

	merged := make(Fields, len(existing)+len(fields))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range resolveTimestamps(fields, now) {
		merged[k] = v
	}
	return s.write(ctx, "merge", path, merged)
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	if _, _, err := splitPath(path); err != nil {
		return err
	}

	if err := s.rdb.Del(ctx, KeyPrefix+path).Err(); err != nil {
		return fmt.Errorf("docstore: delete %s: %w", path, err)
	}
	s.publish(Event{Op: "delete", Path: path})
	return nil
}

func (s *RedisStore) List(ctx context.Context, collection string) ([]Doc, error) {
	keys, err := s.collectionKeys(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []Doc{}, nil
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("docstore: list %s: %w", collection, err)
	}

	docs := make([]Doc, 0, len(keys))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // deleted between SCAN and MGET
		}
		var fields Fields
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			log.Printf("[docstore] skipping undecodable doc %s: %v", keys[i], err)
			continue
		}
		docs = append(docs, Doc{ID: strings.TrimPrefix(keys[i], KeyPrefix+collection+"/"), Fields: fields})
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (s *RedisStore) Append(ctx context.Context, collection string, fields Fields) (string, int64, error) {
	id := uuid.NewString()
	now, err := s.Now(ctx)
	if err != nil {
		return "", 0, err
	}

	path := collection + "/" + id
	if err := s.write(ctx, "append", path, resolveTimestamps(fields, now)); err != nil {
		return "", 0, err
	}
	return id, now, nil
}

// Wipe deletes the whole collection with a single DEL so concurrent
// readers see either all documents or none.
func (s *RedisStore) Wipe(ctx context.Context, collection string) error {
	keys, err := s.collectionKeys(ctx, collection)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("docstore: wipe %s: %w", collection, err)
		}
	}
	s.publish(Event{Op: "wipe", Path: collection})
	return nil
}

func (s *RedisStore) Now(ctx context.Context) (int64, error) {
	t, err := s.rdb.Time(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("docstore: server time: %w", err)
	}
	return t.UnixMilli(), nil
}

func (s *RedisStore) Subscribe(collection string, handler func(Change)) (Subscription, error) {
	sub := &redisSub{store: s, collection: collection, handler: handler}

	natsSub, err := s.nc.Subscribe(SubjectFor(collection), func(*nats.Msg) {
		sub.refresh()
	})
	if err != nil {
		return nil, fmt.Errorf("docstore: subscribe %s: %w", collection, err)
	}
	sub.natsSub = natsSub

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	// Initial snapshot delivered before any event-driven refresh.
	sub.refresh()
	return sub, nil
}

// redisSub refetches the collection on every NATS change event and
// delivers snapshot + deltas. The mutex serializes refreshes so the
// initial snapshot cannot interleave with the first event.
type redisSub struct {
	store      *RedisStore
	collection string
	handler    func(Change)
	natsSub    *nats.Subscription

	mu       sync.Mutex
	prev     []Doc
	primed   bool
	released bool
}

func (r *redisSub) refresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	snap, err := r.store.List(ctx, r.collection)
	cancel()
	if err != nil {
		log.Printf("[docstore] feed refresh %s: %v", r.collection, err)
		return
	}

	added, modified, removed := diffSnapshots(r.prev, snap)
	if r.primed && len(added) == 0 && len(modified) == 0 && len(removed) == 0 {
		return // event for a write we already observed
	}
	r.prev = snap
	r.primed = true
	r.handler(Change{Snapshot: snap, Added: added, Modified: modified, Removed: removed})
}

// Release unsubscribes from the NATS subject. Safe to call more than once.
func (r *redisSub) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.mu.Unlock()

	if err := r.natsSub.Unsubscribe(); err != nil {
		log.Printf("[docstore] unsubscribe %s: %v", r.collection, err)
	}

	s := r.store
	s.mu.Lock()
	delete(s.subs, r)
	s.mu.Unlock()
}

func (s *RedisStore) write(ctx context.Context, op, path string, fields Fields) error {
	if _, _, err := splitPath(path); err != nil {
		return err
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("docstore: encode %s: %w", path, err)
	}
	if err := s.rdb.Set(ctx, KeyPrefix+path, raw, 0).Err(); err != nil {
		return fmt.Errorf("docstore: %s %s: %w", op, path, err)
	}
	s.publish(Event{Op: op, Path: path, Fields: fields})
	return nil
}

// publish fans the change event out to collection subscribers. Publish
// failures are logged only: the next successful write re-triggers a
// refresh, so a lost event delays convergence rather than breaking it.
func (s *RedisStore) publish(event Event) {
	collection := event.Path
	if event.Op != "wipe" {
		var err error
		collection, _, err = splitPath(event.Path)
		if err != nil {
			return
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[docstore] encode event %s: %v", event.Path, err)
		return
	}
	if err := s.nc.Publish(SubjectFor(collection), data); err != nil {
		log.Printf("[docstore] publish %s: %v", event.Path, err)
	}
}

// collectionKeys returns the Redis keys of every document directly in
// the collection. Keys with further path segments belong to nested
// collections and are excluded.
func (s *RedisStore) collectionKeys(ctx context.Context, collection string) ([]string, error) {
	prefix := KeyPrefix + collection + "/"

	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.Contains(strings.TrimPrefix(key, prefix), "/") {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("docstore: scan %s: %w", collection, err)
	}
	return keys, nil
}
