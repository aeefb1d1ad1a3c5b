// Package message persists chat messages and reconciles the push-based
// change feed into an ordered, de-duplicated local view.
package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/parley/chat-app/internal/docstore"
	"github.com/parley/chat-app/internal/room"
)

// Message type discriminators.
const (
	TypeText  = "text"
	TypeEvent = "event"
)

// SystemSender is the senderId sentinel for lifecycle event messages.
const SystemSender = "system"

// ErrEmptyMessage is returned when a message is empty after trimming.
var ErrEmptyMessage = errors.New("message: empty message")

// Message is one chat message. Timestamp is the server-assigned unix
// milli; 0 means the write has not been acknowledged yet (pending).
// Messages are immutable once written except that 0 transition.
type Message struct {
	ID        string
	Type      string // text | event
	Name      string // sender display name, empty for events
	Text      string
	SenderID  string // identity id, or SystemSender
	Timestamp int64
}

// FromDoc decodes a message document from the store.
func FromDoc(d docstore.Doc) Message {
	return Message{
		ID:        d.ID,
		Type:      docstore.String(d.Fields, "type"),
		Name:      docstore.String(d.Fields, "name"),
		Text:      docstore.String(d.Fields, "text"),
		SenderID:  docstore.String(d.Fields, "senderId"),
		Timestamp: docstore.Int64(d.Fields, "timestamp"),
	}
}

// Store appends and wipes one room's message history.
type Store struct {
	store docstore.Store
	room  string
}

// NewStore creates a message store scoped to a room.
func NewStore(store docstore.Store, roomName string) *Store {
	return &Store{store: store, room: roomName}
}

// Collection returns the room's message collection path.
func (s *Store) Collection() string {
	return room.MessagesCollection(s.room)
}

// Send appends a text message and returns its id. The timestamp is
// server-assigned at acknowledgment.
func (s *Store) Send(ctx context.Context, senderID, name, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	id, _, err := s.store.Append(ctx, s.Collection(), docstore.Fields{
		"type":      TypeText,
		"name":      name,
		"text":      text,
		"senderId":  senderID,
		"timestamp": docstore.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("message: send: %w", err)
	}
	return id, nil
}

// PostEvent appends a lifecycle event message ("x has joined the
// room.", etc.) attributed to the system sender.
func (s *Store) PostEvent(ctx context.Context, text string) error {
	_, _, err := s.store.Append(ctx, s.Collection(), docstore.Fields{
		"type":      TypeEvent,
		"text":      text,
		"senderId":  SystemSender,
		"timestamp": docstore.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("message: post event: %w", err)
	}
	return nil
}

// RecentEvents returns event messages whose timestamp falls within
// window of now. The scan is client-side; the store has no secondary
// index.
func (s *Store) RecentEvents(ctx context.Context, now int64, window time.Duration) ([]Message, error) {
	docs, err := s.store.List(ctx, s.Collection())
	if err != nil {
		return nil, fmt.Errorf("message: recent events: %w", err)
	}

	cutoff := now - window.Milliseconds()
	var out []Message
	for _, d := range docs {
		m := FromDoc(d)
		if m.Type == TypeEvent && m.Timestamp >= cutoff {
			out = append(out, m)
		}
	}
	return out, nil
}

// Wipe clears the room's message history. The room record itself
// survives.
func (s *Store) Wipe(ctx context.Context) error {
	if err := s.store.Wipe(ctx, s.Collection()); err != nil {
		return fmt.Errorf("message: wipe: %w", err)
	}
	return nil
}
