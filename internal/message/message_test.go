package message

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parley/chat-app/internal/docstore"
)

func TestSendRejectsEmptyMessage(t *testing.T) {
	store := docstore.NewMemStore()
	s := NewStore(store, "lobby")
	ctx := context.Background()

	for _, text := range []string{"", "   ", "\t\n"} {
		if _, err := s.Send(ctx, "a1", "alice", text); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("Send(%q): got %v, want ErrEmptyMessage", text, err)
		}
	}
}

func TestSendAssignsServerTimestamp(t *testing.T) {
	store := docstore.NewMemStore()
	base := int64(1_000_000)
	store.SetClock(func() int64 { return base })
	s := NewStore(store, "lobby")
	ctx := context.Background()

	id, err := s.Send(ctx, "a1", "alice", "  hi  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	docs, err := store.List(ctx, s.Collection())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(docs))
	}

	m := FromDoc(docs[0])
	if m.ID != id {
		t.Errorf("id = %q, want %q", m.ID, id)
	}
	if m.Text != "hi" {
		t.Errorf("text = %q, want trimmed %q", m.Text, "hi")
	}
	if m.Type != TypeText || m.Name != "alice" || m.SenderID != "a1" {
		t.Errorf("unexpected message fields: %+v", m)
	}
	if m.Timestamp < base {
		t.Errorf("timestamp = %d, want server-assigned >= %d", m.Timestamp, base)
	}
}

func TestPostEventUsesSystemSender(t *testing.T) {
	store := docstore.NewMemStore()
	s := NewStore(store, "lobby")
	ctx := context.Background()

	if err := s.PostEvent(ctx, "alice has joined the room."); err != nil {
		t.Fatalf("post event: %v", err)
	}

	docs, _ := store.List(ctx, s.Collection())
	if len(docs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(docs))
	}
	m := FromDoc(docs[0])
	if m.Type != TypeEvent {
		t.Errorf("type = %q, want %q", m.Type, TypeEvent)
	}
	if m.SenderID != SystemSender {
		t.Errorf("senderId = %q, want %q", m.SenderID, SystemSender)
	}
	if m.Name != "" {
		t.Errorf("event carries a sender name: %q", m.Name)
	}
}

func TestRecentEventsWindow(t *testing.T) {
	store := docstore.NewMemStore()
	clock := int64(1_000_000)
	store.SetClock(func() int64 { return clock })
	s := NewStore(store, "lobby")
	ctx := context.Background()

	if err := s.PostEvent(ctx, "old leave"); err != nil {
		t.Fatalf("post: %v", err)
	}
	clock += (6 * time.Minute).Milliseconds()
	if err := s.PostEvent(ctx, "recent leave"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := s.Send(ctx, "a1", "alice", "not an event"); err != nil {
		t.Fatalf("send: %v", err)
	}

	now, err := store.Now(ctx)
	if err != nil {
		t.Fatalf("now: %v", err)
	}
	events, err := s.RecentEvents(ctx, now, 5*time.Minute)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event in window, got %d: %+v", len(events), events)
	}
	if events[0].Text != "recent leave" {
		t.Errorf("event = %q, want %q", events[0].Text, "recent leave")
	}
}

func TestWipeLeavesRoomMetaAlone(t *testing.T) {
	store := docstore.NewMemStore()
	s := NewStore(store, "lobby")
	ctx := context.Background()

	if err := store.Set(ctx, "rooms/lobby/meta", docstore.Fields{"passwordHash": "x"}); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	if _, err := s.Send(ctx, "a1", "alice", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := s.Wipe(ctx); err != nil {
		t.Fatalf("wipe: %v", err)
	}

	docs, _ := store.List(ctx, s.Collection())
	if len(docs) != 0 {
		t.Errorf("messages survived wipe: %d", len(docs))
	}
	if _, err := store.Get(ctx, "rooms/lobby/meta"); err != nil {
		t.Errorf("room meta deleted by history wipe: %v", err)
	}
}
