// Package room gates entry to password-protected chat rooms. A room is
// a document holding an immutable password digest; everything else in
// the room (presence, typing, messages) lives in sibling collections
// addressed through the path helpers below.
package room

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/parley/chat-app/internal/docstore"
)

var (
	// ErrInvalidName is returned when a room name is empty after
	// normalization.
	ErrInvalidName = errors.New("room: invalid room name")

	// ErrNotFound is returned when the room does not exist yet.
	ErrNotFound = errors.New("room: not found")

	// ErrBadPassword is returned when the password digest does not
	// match the room's stored digest.
	ErrBadPassword = errors.New("room: wrong password")
)

// Normalize lowercases a room name, turns spaces into hyphens, and
// strips every character outside [a-z0-9-]. It is idempotent.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "-")

	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HashPassword returns the hex-encoded SHA-256 digest of a password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// MetaPath is the document path of a room's metadata record.
func MetaPath(name string) string {
	return "rooms/" + name + "/meta"
}

// PresenceCollection is the collection holding a room's presence records.
func PresenceCollection(name string) string {
	return "rooms/" + name + "/presence"
}

// TypingCollection is the collection holding a room's typing records.
func TypingCollection(name string) string {
	return "rooms/" + name + "/typing"
}

// MessagesCollection is the collection holding a room's messages.
func MessagesCollection(name string) string {
	return "rooms/" + name + "/messages"
}

// Fragment returns the shareable URL fragment routing to a room.
func Fragment(name string) string {
	return "#" + name
}

// Controller verifies and creates room password digests.
type Controller struct {
	store docstore.Store
}

// NewController creates a room access controller on the given store.
func NewController(store docstore.Store) *Controller {
	return &Controller{store: store}
}

// Resolve normalizes the name and returns the normalized name and the
// room's stored password digest. ErrNotFound means the caller may offer
// to create the room.
func (c *Controller) Resolve(ctx context.Context, name string) (normalized, passwordHash string, err error) {
	normalized = Normalize(name)
	if normalized == "" {
		return "", "", ErrInvalidName
	}

	meta, err := c.store.Get(ctx, MetaPath(normalized))
	if errors.Is(err, docstore.ErrNotFound) {
		return normalized, "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("room: resolve %s: %w", normalized, err)
	}
	return normalized, docstore.String(meta, "passwordHash"), nil
}

// CreateOrJoin authorizes entry to a room, creating it when absent.
// For an existing room the password digest must match byte-for-byte.
// Creation re-checks existence immediately before writing to narrow
// (not eliminate) the duplicate-create window; when two clients race,
// the last writer's createdAt wins and the digest is simply rewritten
// with the identical value both sides derived from the same password.
func (c *Controller) CreateOrJoin(ctx context.Context, name, password string) (normalized string, created bool, err error) {
	normalized, existingHash, err := c.Resolve(ctx, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", false, err
	}

	hash := HashPassword(password)
	if err == nil {
		if subtle.ConstantTimeCompare([]byte(existingHash), []byte(hash)) != 1 {
			return "", false, ErrBadPassword
		}
		return normalized, false, nil
	}

	// Room absent on first read. Re-check right before the write.
	if _, recheckErr := c.store.Get(ctx, MetaPath(normalized)); recheckErr == nil {
		return c.CreateOrJoin(ctx, normalized, password)
	}

	err = c.store.Set(ctx, MetaPath(normalized), docstore.Fields{
		"passwordHash": hash,
		"createdAt":    docstore.ServerTimestamp,
	})
	if err != nil {
		return "", false, fmt.Errorf("room: create %s: %w", normalized, err)
	}
	return normalized, true, nil
}

// VerifyPassword re-checks a password for a returning session. A saved
// room name never bypasses this; passwords are not persisted anywhere
// client-side.
func (c *Controller) VerifyPassword(ctx context.Context, name, password string) error {
	_, existingHash, err := c.Resolve(ctx, name)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(existingHash), []byte(HashPassword(password))) != 1 {
		return ErrBadPassword
	}
	return nil
}
