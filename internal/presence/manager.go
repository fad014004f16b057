package presence

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Observer receives membership changes.
//
// Hooks run while the Manager's lock is held, so notifications reach every
// recipient in the order the joins and leaves were applied. Implementations
// must not block and must not call back into the Manager.
type Observer interface {
	// Joined is called after joined has been added. existing is the room
	// snapshot taken before the insert.
	Joined(joined Member, existing []Member)
	// Left is called after left has been removed. remaining is empty when the
	// room was deleted.
	Left(left Member, remaining []Member)
}

type Options struct {
	// Now defaults to time.Now.
	Now      func() time.Time
	Observer Observer
}

// JoinResult is returned by a successful Join.
type JoinResult struct {
	Member Member
	// Existing is the room membership before the join; it never contains
	// Member itself.
	Existing []Member
}

// Departure is returned by a Leave that removed a member.
type Departure struct {
	Member Member
	// RoomDeleted is true when the leaving member was the last one.
	RoomDeleted bool
	Remaining   []Member
}

// RoomStats is the per-room part of Stats.
type RoomStats struct {
	Room    string
	Members []Member
}

// Stats is a point-in-time snapshot for status reporting.
type Stats struct {
	Members int
	Rooms   []RoomStats
}

// Manager is the only writer of the connection registry and room index.
type Manager struct {
	now      func() time.Time
	observer Observer

	mu    sync.Mutex
	reg   registry
	rooms roomIndex
	seq   uint64
}

func NewManager(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		now:      opts.Now,
		observer: opts.Observer,
		reg:      make(registry),
		rooms:    make(roomIndex),
	}
}

// Join adds connection id to room under displayName. Both values are trimmed
// and must be non-empty. A connection can be in at most one room; joining
// again fails with ErrAlreadyJoined and leaves the existing membership intact.
func (m *Manager) Join(id, room, displayName string) (JoinResult, error) {
	room = strings.TrimSpace(room)
	displayName = strings.TrimSpace(displayName)
	if id == "" || room == "" || displayName == "" {
		return JoinResult{}, ErrEmptyField
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reg[id]; ok {
		return JoinResult{}, ErrAlreadyJoined
	}

	existing := m.rooms.members(m.reg, room)

	m.seq++
	member := Member{
		ID:          id,
		DisplayName: displayName,
		Room:        room,
		JoinedAt:    m.now().UTC(),
		seq:         m.seq,
	}
	m.reg[id] = member
	m.rooms.add(room, id)

	if m.observer != nil {
		m.observer.Joined(member, existing)
	}
	return JoinResult{Member: member, Existing: existing}, nil
}

// Leave removes connection id from its room. It returns false when id has no
// presence record, which callers treat as a benign no-op.
func (m *Manager) Leave(id string) (Departure, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, ok := m.reg[id]
	if !ok {
		return Departure{}, false
	}
	delete(m.reg, id)
	deleted := m.rooms.remove(member.Room, id)

	remaining := m.rooms.members(m.reg, member.Room)
	if m.observer != nil {
		m.observer.Left(member, remaining)
	}
	return Departure{Member: member, RoomDeleted: deleted, Remaining: remaining}, true
}

// MembersOf returns the members of room in join order. Unknown rooms yield an
// empty slice.
func (m *Manager) MembersOf(room string) []Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms.members(m.reg, strings.TrimSpace(room))
}

// Lookup returns the presence record for id.
func (m *Manager) Lookup(id string) (Member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.reg[id]
	return member, ok
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := lo.Keys(m.rooms)
	sort.Strings(names)
	return Stats{
		Members: len(m.reg),
		Rooms: lo.Map(names, func(room string, _ int) RoomStats {
			return RoomStats{Room: room, Members: m.rooms.members(m.reg, room)}
		}),
	}
}
