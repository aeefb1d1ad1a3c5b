// Package session holds the one mutable chat session: current room,
// identity, subscriptions, and the liveness loops. All cross-component
// state lives here explicitly; nothing is ambient. Entering a room
// tears down every handle belonging to the previous room before
// acquiring new ones, so a stale listener can never write into or
// render the wrong room.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/parley/chat-app/internal/docstore"
	"github.com/parley/chat-app/internal/message"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/room"
	"github.com/parley/chat-app/internal/typing"
)

// Config bundles the protocol tuning for a session.
type Config struct {
	Presence presence.Config
	Typing   typing.Config
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		Presence: presence.DefaultConfig(),
		Typing:   typing.DefaultConfig(),
	}
}

// Session is one client's chat session. A session joins at most one
// room at a time; Enter on a joined session leaves the old room first.
type Session struct {
	store  docstore.Store
	rooms  *room.Controller
	id     string // stable client-assigned identity id
	config Config

	mu       sync.Mutex
	room     string
	presence *presence.Manager
	typing   *typing.Coordinator
	msgs     *message.Store
	ledger   *message.Ledger
	cache    map[string]presence.Record // rendering-only presence cache
	typers   []docstore.Doc             // last typing snapshot
	subs     []docstore.Subscription
	cancel   context.CancelFunc
	loops    sync.WaitGroup
}

// New creates a session. identityID is the stable client identity; an
// empty value generates a fresh one.
func New(store docstore.Store, identityID string, config Config) *Session {
	if identityID == "" {
		identityID = uuid.NewString()
	}
	return &Session{
		store:  store,
		rooms:  room.NewController(store),
		id:     identityID,
		config: config,
	}
}

// ID returns the session's identity id.
func (s *Session) ID() string { return s.id }

// Room returns the currently joined room, or "".
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Rooms exposes the access controller for pre-join password flows.
func (s *Session) Rooms() *room.Controller { return s.rooms }

// Enter authorizes against the room password, claims the display name,
// attaches the message/presence/typing subscriptions, and starts the
// heartbeat and stale-peer reaper. Any previously joined room is left
// first. On any failure the session is back in the no-room state, never
// half-attached.
func (s *Session) Enter(ctx context.Context, roomName, password, name string) (presence.ClaimResult, error) {
	s.Leave(ctx)

	normalized, _, err := s.rooms.CreateOrJoin(ctx, roomName, password)
	if err != nil {
		return presence.ClaimResult{}, err
	}

	msgs := message.NewStore(s.store, normalized)
	mgr := presence.NewManager(s.store, msgs, normalized, s.id, s.config.Presence)

	result, err := mgr.Claim(ctx, name)
	if err != nil {
		return presence.ClaimResult{}, err
	}

	ledger := message.NewLedger()
	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.room = normalized
	s.presence = mgr
	s.msgs = msgs
	s.ledger = ledger
	s.cache = make(map[string]presence.Record)
	s.typing = typing.NewCoordinator(s.store, normalized, s.id, name, s.config.Typing)
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.attach(normalized, ledger); err != nil {
		s.Leave(ctx)
		return presence.ClaimResult{}, err
	}

	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		mgr.RunHeartbeat(loopCtx)
	}()
	go func() {
		defer s.loops.Done()
		mgr.RunReaper(loopCtx)
	}()

	log.Printf("[session] entered room=%s name=%q rejoined=%v", normalized, name, result.Rejoined)
	return result, nil
}

// attach subscribes the three room feeds. Handles are recorded so
// Leave can release every one of them.
func (s *Session) attach(roomName string, ledger *message.Ledger) error {
	msgSub, err := s.store.Subscribe(room.MessagesCollection(roomName), func(c docstore.Change) {
		metrics.FeedNotifications.WithLabelValues("messages").Inc()
		for _, d := range c.Added {
			metrics.MessagesTotal.WithLabelValues(docstore.String(d.Fields, "type")).Inc()
		}
		ledger.Apply(c)
	})
	if err != nil {
		return fmt.Errorf("session: attach messages: %w", err)
	}
	s.recordSub(msgSub)

	presSub, err := s.store.Subscribe(room.PresenceCollection(roomName), func(c docstore.Change) {
		metrics.FeedNotifications.WithLabelValues("presence").Inc()
		cache := presence.Snapshot(c.Snapshot)
		metrics.Occupants.Set(float64(len(cache)))
		s.mu.Lock()
		if s.room == roomName {
			s.cache = cache
		}
		s.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("session: attach presence: %w", err)
	}
	s.recordSub(presSub)

	typSub, err := s.store.Subscribe(room.TypingCollection(roomName), func(c docstore.Change) {
		metrics.FeedNotifications.WithLabelValues("typing").Inc()
		s.mu.Lock()
		if s.room == roomName {
			s.typers = c.Snapshot
		}
		s.mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("session: attach typing: %w", err)
	}
	s.recordSub(typSub)
	return nil
}

func (s *Session) recordSub(sub docstore.Subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

// Leave runs the exit sequence: stop the heartbeat and reaper first
// (so a late tick cannot recreate the record being deleted), stop the
// typing coordinator, delete the presence record, post the leave
// event, release every subscription, and clear the local caches.
// Leave on a session with no room is a no-op, and the sequence is safe
// to run from both an explicit leave and a shutdown signal.
func (s *Session) Leave(ctx context.Context) {
	s.mu.Lock()
	if s.room == "" {
		s.mu.Unlock()
		return
	}
	roomName := s.room
	mgr := s.presence
	typ := s.typing
	cancel := s.cancel
	subs := s.subs
	ledger := s.ledger

	s.room = ""
	s.presence = nil
	s.typing = nil
	s.msgs = nil
	s.ledger = nil
	s.cache = nil
	s.typers = nil
	s.subs = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loops.Wait()

	if typ != nil {
		typ.Release()
	}
	if mgr != nil {
		mgr.Leave(ctx)
	}
	for _, sub := range subs {
		sub.Release()
	}
	if ledger != nil {
		ledger.Clear()
	}
	metrics.Occupants.Set(0)

	log.Printf("[session] left room=%s", roomName)
}

// Send appends a text message and records it as pending locally; the
// feed echo of the acknowledged document supplies the timestamp.
func (s *Session) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	msgs := s.msgs
	ledger := s.ledger
	var name string
	if s.presence != nil {
		name = s.presence.Name()
	}
	s.mu.Unlock()
	if msgs == nil {
		return fmt.Errorf("session: not in a room")
	}

	id, err := msgs.Send(ctx, s.id, name, text)
	if err != nil {
		return err
	}
	ledger.AddPending(message.Message{
		ID:       id,
		Type:     message.TypeText,
		Name:     name,
		Text:     text,
		SenderID: s.id,
	})
	return nil
}

// Keystroke forwards one compose-box input event to the typing
// coordinator.
func (s *Session) Keystroke() {
	s.mu.Lock()
	typ := s.typing
	s.mu.Unlock()
	if typ != nil {
		typ.Keystroke()
	}
}

// Blur stops the typing indicator immediately (compose box lost focus).
func (s *Session) Blur() {
	s.mu.Lock()
	typ := s.typing
	s.mu.Unlock()
	if typ != nil {
		typ.Blur()
	}
}

// Messages returns the current ordered message view.
func (s *Session) Messages() []message.Message {
	s.mu.Lock()
	ledger := s.ledger
	s.mu.Unlock()
	if ledger == nil {
		return nil
	}
	return ledger.Messages()
}

// Occupants returns the rendering presence cache, rebuilt wholesale on
// every presence-feed notification.
func (s *Session) Occupants() map[string]presence.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]presence.Record, len(s.cache))
	for id, rec := range s.cache {
		out[id] = rec
	}
	return out
}

// Typers returns the display names currently typing, with stale
// records filtered out reader-side.
func (s *Session) Typers(ctx context.Context) []string {
	s.mu.Lock()
	docs := s.typers
	s.mu.Unlock()
	if len(docs) == 0 {
		return nil
	}

	now, err := s.store.Now(ctx)
	if err != nil {
		return nil
	}
	return typing.ActiveTypers(docs, s.id, now, s.config.Typing.StaleAfter)
}

// ClearHistory wipes the room's message history. The room record and
// its occupants survive; the feed's removal deltas empty the ledger.
func (s *Session) ClearHistory(ctx context.Context) error {
	s.mu.Lock()
	msgs := s.msgs
	s.mu.Unlock()
	if msgs == nil {
		return fmt.Errorf("session: not in a room")
	}
	return msgs.Wipe(ctx)
}
