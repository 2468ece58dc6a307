// Package gateway implements C8, the fan-out gateway: two WebSocket
// transports sharing one logical contract (handshake, subscribe/unsubscribe,
// fan-out with per-connection backpressure), per spec §4.8.
package gateway

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/AmanVatsSharma/vayu-gateway/internal/domain"
)

// roomName is "instrument:<exchange>:<token>", matching SPEC_FULL.md
// §4.8's room-naming convention (a specialization of the teacher's flat
// channel strings in ws/internal/shared/connection.go).
func roomName(p domain.Pair) string {
	return fmt.Sprintf("instrument:%s:%d", p.Exchange, p.Token)
}

// SubscriptionIndex is a copy-on-write, per-room set of client sessions.
// Get() is the hot path: a brief read lock to find the room, then an
// atomic load of its member slice, adapted in spirit from ws/internal/shared/connection.go's
// SubscriptionIndex (SPEC_FULL.md §4.8 expansion).
type SubscriptionIndex struct {
	mu    sync.RWMutex
	rooms map[string]*atomic.Value // holds []*ClientSession
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{rooms: make(map[string]*atomic.Value)}
}

// Add joins session to room, copy-on-write.
func (idx *SubscriptionIndex) Add(room string, session *ClientSession) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	v, ok := idx.rooms[room]
	if !ok {
		v = &atomic.Value{}
		v.Store([]*ClientSession{})
		idx.rooms[room] = v
	}
	current := v.Load().([]*ClientSession)
	for _, s := range current {
		if s.ID == session.ID {
			return // already a member
		}
	}
	next := make([]*ClientSession, len(current), len(current)+1)
	copy(next, current)
	next = append(next, session)
	v.Store(next)
}

// Remove leaves session from room.
func (idx *SubscriptionIndex) Remove(room string, sessionID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	v, ok := idx.rooms[room]
	if !ok {
		return
	}
	current := v.Load().([]*ClientSession)
	next := make([]*ClientSession, 0, len(current))
	for _, s := range current {
		if s.ID != sessionID {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(idx.rooms, room)
		return
	}
	v.Store(next)
}

// RemoveSession removes sessionID from every room it belongs to, used on
// disconnect.
func (idx *SubscriptionIndex) RemoveSession(sessionID string, rooms []string) {
	for _, room := range rooms {
		idx.Remove(room, sessionID)
	}
}

// Get is the hot-path read: the room lookup holds the read lock only for
// the map access, and the member slice itself is an atomic load with no
// copy (spec §4.8 expansion,
// "HOT PATH OPTIMIZATION" per the teacher's own comment on the pattern).
func (idx *SubscriptionIndex) Get(room string) []*ClientSession {
	idx.mu.RLock()
	v, ok := idx.rooms[room]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	return v.Load().([]*ClientSession)
}

// Count returns the number of members of room.
func (idx *SubscriptionIndex) Count(room string) int {
	return len(idx.Get(room))
}
