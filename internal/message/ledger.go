package message

import (
	"sync"

	"github.com/parley/chat-app/internal/docstore"
)

// Ledger merges change-feed deltas into an ordered, de-duplicated
// message sequence. Messages sort by timestamp ascending with arrival
// order breaking ties; a pending message (timestamp 0) holds its
// arrival position at the tail until the acknowledged timestamp comes
// back on the feed, then moves to its sorted position. Re-applying a
// delta is a no-op, so repeated notifications render stably.
type Ledger struct {
	mu       sync.Mutex
	byID     map[string]*entry
	order    []*entry
	arrivals int64
	version  int64
}

type entry struct {
	msg     Message
	arrival int64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{byID: make(map[string]*entry)}
}

// AddPending records a locally-sent message before the store
// acknowledges it. The feed's echo of the acknowledged document
// supplies the timestamp and moves the message into sorted position.
func (l *Ledger) AddPending(m Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m.Timestamp = 0
	l.insert(m)
}

// Apply folds one change notification into the sequence.
func (l *Ledger) Apply(change docstore.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, d := range change.Added {
		l.insert(FromDoc(d))
	}
	for _, d := range change.Modified {
		l.patch(FromDoc(d))
	}
	for _, d := range change.Removed {
		l.remove(d.ID)
	}
}

// Messages returns the current ordered sequence.
func (l *Ledger) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Message, len(l.order))
	for i, e := range l.order {
		out[i] = e.msg
	}
	return out
}

// Len returns the number of messages in the sequence.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Version increments on every change that altered the sequence, so a
// renderer can skip redraws for no-op notifications.
func (l *Ledger) Version() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// Clear empties the ledger (history wipe, room exit).
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.order) == 0 {
		return
	}
	l.byID = make(map[string]*entry)
	l.order = nil
	l.version++
}

func (l *Ledger) insert(m Message) {
	if existing, ok := l.byID[m.ID]; ok {
		// An Added delta for a message we already hold: either a
		// repeated notification (no-op) or the acknowledgment of a
		// pending local send.
		if existing.msg.Timestamp == 0 && m.Timestamp != 0 {
			l.patch(m)
		}
		return
	}

	l.arrivals++
	e := &entry{msg: m, arrival: l.arrivals}
	l.byID[m.ID] = e

	pos := l.position(e)
	l.order = append(l.order, nil)
	copy(l.order[pos+1:], l.order[pos:])
	l.order[pos] = e
	l.version++
}

func (l *Ledger) patch(m Message) {
	e, ok := l.byID[m.ID]
	if !ok {
		// Modified delta for a message we never saw added (e.g. the
		// subscription attached mid-flight). Treat as an add.
		l.insert(m)
		return
	}
	if e.msg == m {
		return
	}

	reorder := e.msg.Timestamp != m.Timestamp
	e.msg = m
	if reorder {
		l.removeFromOrder(e)
		pos := l.position(e)
		l.order = append(l.order, nil)
		copy(l.order[pos+1:], l.order[pos:])
		l.order[pos] = e
	}
	l.version++
}

func (l *Ledger) remove(id string) {
	e, ok := l.byID[id]
	if !ok {
		return
	}
	delete(l.byID, id)
	l.removeFromOrder(e)
	l.version++
}

func (l *Ledger) removeFromOrder(e *entry) {
	for i, cur := range l.order {
		if cur == e {
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}

// position returns the insertion index for e. A pending entry goes to
// the tail. A timestamped entry goes before the first pending entry or
// the first entry with a greater (timestamp, arrival) key.
func (l *Ledger) position(e *entry) int {
	if e.msg.Timestamp == 0 {
		return len(l.order)
	}
	for i, cur := range l.order {
		if cur.msg.Timestamp == 0 {
			return i
		}
		if cur.msg.Timestamp > e.msg.Timestamp {
			return i
		}
		if cur.msg.Timestamp == e.msg.Timestamp && cur.arrival > e.arrival {
			return i
		}
	}
	return len(l.order)
}
