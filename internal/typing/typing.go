// Package typing maintains the short-lived per-occupant typing
// documents behind the "X is typing" indicator. Writers debounce
// keystroke bursts into at most one write per debounce window; readers
// filter out records a crashed writer never cleaned up.
package typing

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/parley/chat-app/internal/docstore"
	"github.com/parley/chat-app/internal/room"
)

// Config holds the typing-indicator timing parameters.
type Config struct {
	Debounce   time.Duration // burst window before the first typing write
	IdleStop   time.Duration // silence after the last keystroke that stops typing
	StaleAfter time.Duration // reader-side cutoff for remote records
}

// DefaultConfig returns the production timing parameters.
func DefaultConfig() Config {
	return Config{
		Debounce:   1 * time.Second,
		IdleStop:   3 * time.Second,
		StaleAfter: 5 * time.Second,
	}
}

// Record is one occupant's typing document.
type Record struct {
	ID        string
	Name      string
	Timestamp int64 // unix millis of the last debounce tick
}

// FromDoc decodes a typing document.
func FromDoc(d docstore.Doc) Record {
	return Record{
		ID:        d.ID,
		Name:      docstore.String(d.Fields, "name"),
		Timestamp: docstore.Int64(d.Fields, "timestamp"),
	}
}

// ActiveTypers returns the display names behind a typing snapshot,
// excluding the reader's own record and any record older than
// staleAfter. The filter bounds the damage of a writer that crashed
// mid-type and never deleted its record.
func ActiveTypers(docs []docstore.Doc, selfID string, now int64, staleAfter time.Duration) []string {
	var names []string
	for _, d := range docs {
		rec := FromDoc(d)
		if rec.ID == selfID {
			continue
		}
		if now-rec.Timestamp > staleAfter.Milliseconds() {
			continue
		}
		names = append(names, rec.Name)
	}
	return names
}

// Coordinator owns one identity's typing record in one room. All
// store writes happen on timer goroutines; failures are logged and
// swallowed — the next keystroke or the reader-side stale filter
// self-heals.
type Coordinator struct {
	store  docstore.Store
	room   string
	id     string
	name   string
	config Config

	mu       sync.Mutex
	typing   bool // own record is written
	debounce *time.Timer
	idle     *time.Timer
	released bool
}

// NewCoordinator creates a typing coordinator for the identity.
func NewCoordinator(store docstore.Store, roomName, identityID, name string, config Config) *Coordinator {
	return &Coordinator{
		store:  store,
		room:   roomName,
		id:     identityID,
		name:   name,
		config: config,
	}
}

func (c *Coordinator) ownPath() string {
	return room.TypingCollection(c.room) + "/" + c.id
}

// Keystroke registers one input event. The first keystroke of a burst
// arms the debounce timer; further keystrokes inside the window only
// push back the idle-stop deadline, so a burst produces exactly one
// write.
func (c *Coordinator) Keystroke() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}

	if c.idle == nil {
		c.idle = time.AfterFunc(c.config.IdleStop, c.Stop)
	} else {
		c.idle.Reset(c.config.IdleStop)
	}

	if c.debounce == nil {
		c.debounce = time.AfterFunc(c.config.Debounce, c.writeTick)
	}
}

// writeTick runs on the debounce timer: one merge write marking this
// identity as typing with a fresh server timestamp.
func (c *Coordinator) writeTick() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.debounce = nil
	c.typing = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.store.Merge(ctx, c.ownPath(), docstore.Fields{
		"name":      c.name,
		"timestamp": docstore.ServerTimestamp,
	})
	if err != nil {
		log.Printf("[typing] write: %v", err)
	}
}

// Stop clears the local typing state and deletes the typing record.
// It fires on idle timeout, on focus loss, and on room exit, and is
// idempotent across all three.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	wasTyping := c.typing
	c.typing = false
	c.mu.Unlock()

	if !wasTyping {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.Delete(ctx, c.ownPath()); err != nil {
		log.Printf("[typing] delete: %v", err)
	}
}

// Blur stops typing immediately (focus lost).
func (c *Coordinator) Blur() {
	c.Stop()
}

// Release stops typing and permanently disables the coordinator. Used
// during session teardown; calling it twice is a no-op.
func (c *Coordinator) Release() {
	c.mu.Lock()
	c.released = true
	c.mu.Unlock()
	c.Stop()
}
