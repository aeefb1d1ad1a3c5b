// Package presence manages per-occupant liveness and identity inside a
// room: claiming a display name, resolving collisions with stale
// "ghost" records, heartbeating the owned record, and reaping peers
// that disappeared without a clean exit. There is no coordinator;
// every client runs the same protocol against the shared store and
// tolerates its neighbors doing the same.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/parley/chat-app/internal/docstore"
	"github.com/parley/chat-app/internal/message"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/room"
)

// ErrNameTaken is returned by Claim under PolicyReject when another
// live identity holds the requested name.
var ErrNameTaken = errors.New("presence: name already taken")

// Policy selects how a name collision with a different identity is
// resolved.
type Policy int

const (
	// PolicyEvict deletes the colliding record and proceeds, on the
	// theory that a same-named record under a different identity is a
	// ghost whose owning tab is gone.
	PolicyEvict Policy = iota

	// PolicyReject surfaces the collision to the user and leaves both
	// records intact.
	PolicyReject
)

// Config holds the liveness-protocol tuning parameters.
type Config struct {
	HeartbeatInterval time.Duration // how often lastActive is rewritten
	ReapInterval      time.Duration // how often peers are scanned for staleness
	StaleAfter        time.Duration // age beyond which a record is reaped
	RejoinWindow      time.Duration // recent-leave lookback for rejoin detection
	Policy            Policy
}

// DefaultConfig returns the production protocol parameters.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		ReapInterval:      30 * time.Second,
		StaleAfter:        60 * time.Second,
		RejoinWindow:      5 * time.Minute,
		Policy:            PolicyEvict,
	}
}

// Record is one occupant's presence document.
type Record struct {
	ID         string
	Name       string
	Joined     int64 // unix millis, most recent join/rejoin
	LastActive int64 // unix millis, refreshed by heartbeat
}

// FromDoc decodes a presence document.
func FromDoc(d docstore.Doc) Record {
	return Record{
		ID:         d.ID,
		Name:       docstore.String(d.Fields, "name"),
		Joined:     docstore.Int64(d.Fields, "joined"),
		LastActive: docstore.Int64(d.Fields, "lastActive"),
	}
}

// Age returns how long ago the record last showed life, measured from
// the fresher of lastActive and joined.
func (r Record) Age(now int64) time.Duration {
	latest := r.LastActive
	if r.Joined > latest {
		latest = r.Joined
	}
	return time.Duration(now-latest) * time.Millisecond
}

// Snapshot rebuilds the local presence cache from a feed snapshot.
// The cache is for rendering only, never a source of truth.
func Snapshot(docs []docstore.Doc) map[string]Record {
	out := make(map[string]Record, len(docs))
	for _, d := range docs {
		out[d.ID] = FromDoc(d)
	}
	return out
}

// ClaimResult reports how a successful claim resolved.
type ClaimResult struct {
	Rejoined bool     // announced as a rejoin rather than a fresh join
	Evicted  []Record // ghost records deleted under PolicyEvict
}

// Manager owns one identity's presence record in one room.
type Manager struct {
	store  docstore.Store
	msgs   *message.Store
	room   string
	id     string
	config Config

	mu      sync.Mutex
	name    string
	claimed bool
}

// NewManager creates a presence manager for the identity in the room.
func NewManager(store docstore.Store, msgs *message.Store, roomName, identityID string, config Config) *Manager {
	return &Manager{
		store:  store,
		msgs:   msgs,
		room:   roomName,
		id:     identityID,
		config: config,
	}
}

// ID returns the identity id the manager writes under.
func (m *Manager) ID() string { return m.id }

// Name returns the claimed display name, or "" before a claim.
func (m *Manager) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *Manager) ownPath() string {
	return room.PresenceCollection(m.room) + "/" + m.id
}

// Claim takes the display name in the room. It scans the full presence
// collection (no secondary index exists) and partitions records by
// case-insensitive name match: a match under this identity is a
// refresh/rejoin of self; a match under another identity is a
// collision, resolved per the configured policy. Exactly one lifecycle
// message is posted per successful claim — joined or rejoined, never
// both.
//
// The scan-then-write is a check-then-act race by design: another
// client can claim between the list and the write. The reaper and
// eviction rules make the duplicate eventually resolve.
func (m *Manager) Claim(ctx context.Context, name string) (ClaimResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ClaimResult{}, fmt.Errorf("presence: empty name")
	}

	docs, err := m.store.List(ctx, room.PresenceCollection(m.room))
	if err != nil {
		return ClaimResult{}, fmt.Errorf("presence: claim scan: %w", err)
	}

	var result ClaimResult
	hadOwnRecord := false
	lower := strings.ToLower(name)
	for _, d := range docs {
		rec := FromDoc(d)
		if strings.ToLower(rec.Name) != lower {
			continue
		}
		if rec.ID == m.id {
			hadOwnRecord = true // page-refresh case, not a collision
			continue
		}

		switch m.config.Policy {
		case PolicyReject:
			return ClaimResult{}, ErrNameTaken
		case PolicyEvict:
			if err := m.store.Delete(ctx, room.PresenceCollection(m.room)+"/"+rec.ID); err != nil {
				return ClaimResult{}, fmt.Errorf("presence: evict ghost %s: %w", rec.ID, err)
			}
			log.Printf("[presence] evicted ghost id=%s name=%q room=%s", rec.ID, rec.Name, m.room)
			result.Evicted = append(result.Evicted, rec)
		}
	}

	result.Rejoined = hadOwnRecord
	if !result.Rejoined && len(result.Evicted) > 0 {
		result.Rejoined = m.recentlyLeft(ctx, name)
	}

	err = m.store.Set(ctx, m.ownPath(), docstore.Fields{
		"name":       name,
		"joined":     docstore.ServerTimestamp,
		"lastActive": docstore.ServerTimestamp,
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("presence: claim write: %w", err)
	}

	text := name + " has joined the room."
	if result.Rejoined {
		text = name + " has rejoined the room."
	}
	if err := m.msgs.PostEvent(ctx, text); err != nil {
		// The claim stands; the announcement is advisory.
		log.Printf("[presence] post claim event: %v", err)
	}

	m.mu.Lock()
	m.name = name
	m.claimed = true
	m.mu.Unlock()
	return result, nil
}

// recentlyLeft reports whether a "<name> has left the room." event was
// posted within the rejoin window, which turns an eviction-claim into
// a rejoin announcement.
func (m *Manager) recentlyLeft(ctx context.Context, name string) bool {
	now, err := m.store.Now(ctx)
	if err != nil {
		return false
	}
	events, err := m.msgs.RecentEvents(ctx, now, m.config.RejoinWindow)
	if err != nil {
		return false
	}
	want := name + " has left the room."
	for _, e := range events {
		if e.Text == want {
			return true
		}
	}
	return false
}

// Leave deletes the owned presence record and posts the leave event.
// The caller must stop the heartbeat first, or a late tick can
// recreate the record being deleted. Every step is best-effort: a
// record that survives a failed leave is caught by the reaper later.
// Leave is idempotent.
func (m *Manager) Leave(ctx context.Context) {
	m.mu.Lock()
	if !m.claimed {
		m.mu.Unlock()
		return
	}
	name := m.name
	m.claimed = false
	m.name = ""
	m.mu.Unlock()

	if err := m.store.Delete(ctx, m.ownPath()); err != nil {
		log.Printf("[presence] leave delete: %v", err)
	}
	if err := m.msgs.PostEvent(ctx, name+" has left the room."); err != nil {
		log.Printf("[presence] leave event: %v", err)
	}
}

// RunHeartbeat rewrites only lastActive on the owned record every
// HeartbeatInterval until ctx is cancelled. Write failures are logged
// and retried on the next tick, never escalated.
func (m *Manager) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.HeartbeatOnce(ctx)
		}
	}
}

// HeartbeatOnce performs a single liveness write.
func (m *Manager) HeartbeatOnce(ctx context.Context) {
	m.mu.Lock()
	claimed := m.claimed
	m.mu.Unlock()
	if !claimed {
		return
	}

	err := m.store.Merge(ctx, m.ownPath(), docstore.Fields{
		"lastActive": docstore.ServerTimestamp,
	})
	if err != nil {
		metrics.HeartbeatFailures.Inc()
		log.Printf("[presence] heartbeat: %v", err)
	}
}

// RunReaper scans the room every ReapInterval and deletes records past
// the staleness threshold until ctx is cancelled. Every client runs
// its own reaper; duplicate reaps of an already-deleted record are
// benign no-ops.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapOnce(ctx)
		}
	}
}

// ReapOnce performs one stale-peer scan, deleting each record whose
// age exceeds StaleAfter and posting a disconnect event per reap.
func (m *Manager) ReapOnce(ctx context.Context) {
	now, err := m.store.Now(ctx)
	if err != nil {
		log.Printf("[presence] reaper clock: %v", err)
		return
	}

	docs, err := m.store.List(ctx, room.PresenceCollection(m.room))
	if err != nil {
		log.Printf("[presence] reaper scan: %v", err)
		return
	}

	for _, d := range docs {
		rec := FromDoc(d)
		if rec.Age(now) <= m.config.StaleAfter {
			continue
		}
		if err := m.store.Delete(ctx, room.PresenceCollection(m.room)+"/"+rec.ID); err != nil {
			log.Printf("[presence] reap %s: %v", rec.ID, err)
			continue
		}
		metrics.ReapedPeers.Inc()
		log.Printf("[presence] reaped stale peer id=%s name=%q age=%s room=%s",
			rec.ID, rec.Name, rec.Age(now).Round(time.Second), m.room)
		if err := m.msgs.PostEvent(ctx, rec.Name+" has disconnected."); err != nil {
			log.Printf("[presence] disconnect event: %v", err)
		}
	}
}
