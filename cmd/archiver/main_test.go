package main

import "testing"

func TestParseMessagePath(t *testing.T) {
	tests := []struct {
		path     string
		roomName string
		id       string
		ok       bool
	}{
		{"rooms/test-room/messages/abc", "test-room", "abc", true},
		{"rooms/test-room/presence/abc", "", "", false},
		{"rooms/test-room/messages", "", "", false},
		{"rooms/test-room/messages/abc/extra", "", "", false},
		{"users/test-room/messages/abc", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		roomName, id, ok := parseMessagePath(tt.path)
		if roomName != tt.roomName || id != tt.id || ok != tt.ok {
			t.Errorf("parseMessagePath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.path, roomName, id, ok, tt.roomName, tt.id, tt.ok)
		}
	}
}
