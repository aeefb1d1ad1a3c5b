package session

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/parley/chat-app/internal/room"
)

// DefaultLastRoomPath returns the default location of the last-room
// state file. The value only routes a returning user back to the
// password prompt; it never bypasses re-authentication, and no
// password is ever stored alongside it.
func DefaultLastRoomPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "parley", "last-room")
}

// SaveLastRoom persists the room name to the state file.
func SaveLastRoom(path, roomName string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(roomName+"\n"), 0o600)
}

// LoadLastRoom reads the saved room name, normalizing it the same way
// the join flow does. Returns "" when no valid value is saved.
func LoadLastRoom(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return room.Normalize(strings.TrimSpace(string(data)))
}

// ClearLastRoom removes the state file. Missing files are a no-op.
func ClearLastRoom(path string) {
	_ = os.Remove(path)
}
