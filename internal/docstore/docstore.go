// Package docstore provides a thin adapter over a remote document store:
// path-addressed get/set/merge/delete, collection listing, appends with
// server-assigned timestamps, atomic collection wipes, and push-based
// change subscriptions delivering snapshot + delta notifications.
//
// Two implementations exist: RedisStore (documents in Redis, change
// events fanned out over NATS) and MemStore (in-memory, synchronous
// delivery, used by tests and as an offline backend).
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when no document exists at the path.
var ErrNotFound = errors.New("docstore: document not found")

// Fields is the schemaless body of a document.
type Fields map[string]any

// serverTimestamp is the sentinel type behind ServerTimestamp.
type serverTimestamp struct{}

// ServerTimestamp is a sentinel field value replaced by the store with
// the server-assigned unix-milli timestamp at write acknowledgment.
var ServerTimestamp = serverTimestamp{}

// Doc is one document in a collection listing or change notification.
type Doc struct {
	ID     string
	Fields Fields
}

// Change is a single push notification for a subscribed collection. It
// carries both the full current snapshot and the deltas since the
// previous notification, so consumers can pick either reconciliation
// strategy. FromCache marks data served from a local cache rather than
// confirmed server state.
type Change struct {
	Snapshot  []Doc
	Added     []Doc
	Modified  []Doc
	Removed   []Doc
	FromCache bool
}

// Subscription is the handle for one active change subscription.
// Release is idempotent.
type Subscription interface {
	Release()
}

// Store is the document-store capability consumed by the chat core.
// Paths are slash-separated; a document path is its collection path plus
// a final id segment (e.g. "rooms/lobby/presence/42").
type Store interface {
	// Get returns the document at path, or ErrNotFound.
	Get(ctx context.Context, path string) (Fields, error)

	// Set writes the document at path, replacing any existing fields.
	Set(ctx context.Context, path string, fields Fields) error

	// Merge overlays fields onto the document at path, creating it if
	// absent. Unmentioned fields are preserved.
	Merge(ctx context.Context, path string, fields Fields) error

	// Delete removes the document at path. Deleting a missing document
	// is a no-op.
	Delete(ctx context.Context, path string) error

	// List returns every document in the collection, ordered by id.
	List(ctx context.Context, collection string) ([]Doc, error)

	// Append adds a document with a fresh id to the collection and
	// returns the id and the server timestamp assigned to the write.
	Append(ctx context.Context, collection string, fields Fields) (id string, ts int64, err error)

	// Wipe atomically deletes every document in the collection.
	Wipe(ctx context.Context, collection string) error

	// Subscribe registers handler for change notifications on the
	// collection. The handler receives an initial snapshot notification
	// shortly after subscribing.
	Subscribe(collection string, handler func(Change)) (Subscription, error)

	// Now returns the store's current server timestamp in unix millis.
	Now(ctx context.Context) (int64, error)
}

// splitPath separates a document path into its collection and id.
func splitPath(path string) (collection, id string, err error) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("docstore: malformed document path %q", path)
	}
	return path[:i], path[i+1:], nil
}

// resolveTimestamps replaces every ServerTimestamp sentinel in fields
// with now, returning a copy. The input map is never mutated.
func resolveTimestamps(fields Fields, now int64) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out
}
