// Package chat is an in-memory implementation of the engine's store
// collaborator: conversations, rooms, ownership and membership with
// last-write-wins by created_at. The engine is the only writer.
package chat

import (
	"sort"

	"github.com/sasha-s/go-deadlock"

	"cloakroom/engine/library"
	"cloakroom/messaging/codec"
	"cloakroom/messaging/eventconductor"
)

type roomState struct {
	room       eventconductor.Room
	members    []library.Account
	membersAt  int64
	hasMembers bool
}

type Store struct {
	mu       deadlock.Mutex
	messages map[library.Sha256]eventconductor.Message
	order    []library.Sha256
	rooms    map[library.RoomID]*roomState
	typing   map[library.Account]bool
}

func NewStore() *Store {
	return &Store{
		messages: make(map[library.Sha256]eventconductor.Message),
		rooms:    make(map[library.RoomID]*roomState),
		typing:   make(map[library.Account]bool),
	}
}

func (s *Store) AddMessage(m eventconductor.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[m.ID]; exists {
		return
	}
	s.messages[m.ID] = m
	s.order = append(s.order, m.ID)
}

func (s *Store) UpdateMessageStatus(id library.Sha256, state library.DeliveryState, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, exists := s.messages[id]
	if !exists {
		return
	}
	if !state.Supersedes(m.State) {
		return
	}
	m.State = state
	m.StatusMessage = reason
	s.messages[id] = m
}

func (s *Store) UpdateMessageID(oldID, newID library.Sha256) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, exists := s.messages[oldID]
	if !exists {
		return
	}
	delete(s.messages, oldID)
	m.ID = newID
	s.messages[newID] = m
	for i, id := range s.order {
		if id == oldID {
			s.order[i] = newID
		}
	}
}

func (s *Store) SetTyping(peer library.Account, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		s.typing[peer] = true
	} else {
		delete(s.typing, peer)
	}
}

func (s *Store) AddRoom(r eventconductor.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rooms[r.ID]; ok {
		existing.room = r
		return
	}
	s.rooms[r.ID] = &roomState{room: r}
}

func (s *Store) SetRoomMeta(id library.RoomID, meta codec.ChannelMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.ensureRoom(id)
	state.room.Meta = meta
}

func (s *Store) SetMembersIfNewer(id library.RoomID, members []library.Account, createdAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.ensureRoom(id)
	if state.hasMembers && createdAt <= state.membersAt {
		return
	}
	state.members = append([]library.Account(nil), members...)
	state.membersAt = createdAt
	state.hasMembers = true
}

func (s *Store) SetOwner(id library.RoomID, owner library.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.ensureRoom(id)
	state.room.Owner = owner
}

func (s *Store) Membership(id library.RoomID) ([]library.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.rooms[id]
	if !ok || !state.hasMembers {
		return nil, false
	}
	return append([]library.Account(nil), state.members...), true
}

func (s *Store) Owner(id library.RoomID) (library.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.rooms[id]
	if !ok || state.room.Owner == "" {
		return "", false
	}
	return state.room.Owner, true
}

// Messages returns every held message in arrival order.
func (s *Store) Messages() []eventconductor.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]eventconductor.Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.messages[id])
	}
	return out
}

// Rooms returns the known rooms sorted by id for stable display.
func (s *Store) Rooms() []eventconductor.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]eventconductor.Room, 0, len(s.rooms))
	for _, state := range s.rooms {
		out = append(out, state.room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Typing returns the peers currently showing a typing indicator.
func (s *Store) Typing() []library.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]library.Account, 0, len(s.typing))
	for peer := range s.typing {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

func (s *Store) ensureRoom(id library.RoomID) *roomState {
	state, ok := s.rooms[id]
	if !ok {
		state = &roomState{room: eventconductor.Room{ID: id}}
		s.rooms[id] = state
	}
	return state
}
