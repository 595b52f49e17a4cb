// Package chat holds the chatroom list, the active chatroom and the
// mutations on them. Every committed mutation of the list is mirrored in
// full to the kv persistence boundary.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/gosuda/portal-chat/gemini-chat/kv"
)

var (
	ErrNotFound  = errors.New("chatroom not found")
	ErrProtected = errors.New("default chatroom cannot be deleted")
	ErrEmptyName = errors.New("chatroom name is empty")
)

// Change operations delivered to subscribers.
const (
	OpCreate  = "create"
	OpDelete  = "delete"
	OpSwitch  = "switch"
	OpMessage = "message"
)

// Change describes one committed mutation.
type Change struct {
	Op      string
	RoomID  string
	Message *Message
}

// Store owns the chatrooms and the active chatroom id. The zero value is not
// usable; construct it with NewStore.
type Store struct {
	mu        sync.RWMutex
	kv        kv.Store
	rooms     []Chatroom
	currentID string

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

// NewStore loads the persisted chatroom list. When nothing is persisted the
// default room is seeded in memory; it is written on the first mutation.
func NewStore(s kv.Store) (*Store, error) {
	var rooms []Chatroom
	found, err := kv.GetJSON(s, kv.KeyChatrooms, &rooms)
	if err != nil {
		return nil, fmt.Errorf("load chatrooms: %w", err)
	}
	if !found {
		rooms = defaultRooms()
	}
	for i := range rooms {
		if rooms[i].Messages == nil {
			rooms[i].Messages = []Message{}
		}
	}
	st := &Store{kv: s, rooms: rooms, subs: make(map[int]func(Change))}
	switch {
	case indexOf(rooms, DefaultRoomID) >= 0:
		st.currentID = DefaultRoomID
	case len(rooms) > 0:
		st.currentID = rooms[0].ID
	}
	return st, nil
}

// AddChatroom creates a room with a fresh id, makes it active and persists
// the list.
func (s *Store) AddChatroom(name string) (Chatroom, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Chatroom{}, ErrEmptyName
	}
	s.mu.Lock()
	id := s.newID()
	room := Chatroom{ID: id, Name: name, Messages: []Message{}}
	next := append(s.cloneRooms(), room)
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return Chatroom{}, err
	}
	s.rooms = next
	s.currentID = id
	s.mu.Unlock()

	s.notify(Change{Op: OpCreate, RoomID: id})
	return room.clone(), nil
}

// DeleteChatroom removes a room. When the active room is removed the first
// remaining room becomes active, or none if the list is empty.
func (s *Store) DeleteChatroom(id string) error {
	if id == DefaultRoomID {
		return ErrProtected
	}
	s.mu.Lock()
	idx := indexOf(s.rooms, id)
	if idx < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	next := make([]Chatroom, 0, len(s.rooms)-1)
	next = append(next, s.rooms[:idx]...)
	next = append(next, s.rooms[idx+1:]...)
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.rooms = next
	if s.currentID == id {
		s.currentID = ""
		if len(next) > 0 {
			s.currentID = next[0].ID
		}
	}
	s.mu.Unlock()

	s.notify(Change{Op: OpDelete, RoomID: id})
	return nil
}

// SwitchChatroom sets the active id without checking that the room exists.
// A stale id simply leaves no current room.
func (s *Store) SwitchChatroom(id string) {
	s.mu.Lock()
	s.currentID = id
	s.mu.Unlock()
	s.notify(Change{Op: OpSwitch, RoomID: id})
}

// AddMessage appends m to the room's messages. The list is left untouched
// and ErrNotFound returned when the room does not exist.
func (s *Store) AddMessage(roomID string, m Message) error {
	s.mu.Lock()
	idx := indexOf(s.rooms, roomID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	next := make([]Chatroom, len(s.rooms))
	copy(next, s.rooms)
	room := next[idx]
	msgs := make([]Message, len(room.Messages), len(room.Messages)+1)
	copy(msgs, room.Messages)
	room.Messages = append(msgs, m)
	next[idx] = room
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.rooms = next
	s.mu.Unlock()

	s.notify(Change{Op: OpMessage, RoomID: roomID, Message: &m})
	return nil
}

// Chatrooms returns a copy of all rooms in list order.
func (s *Store) Chatrooms() []Chatroom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cloneRooms()
}

// Search returns the rooms whose name contains query, ignoring case.
// An empty query matches every room.
func (s *Store) Search(query string) []Chatroom {
	q := strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Chatroom, 0, len(s.rooms))
	for _, r := range s.rooms {
		if strings.Contains(strings.ToLower(r.Name), q) {
			out = append(out, r.clone())
		}
	}
	return out
}

// Chatroom returns a copy of the room with the given id.
func (s *Store) Chatroom(id string) (Chatroom, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := indexOf(s.rooms, id)
	if idx < 0 {
		return Chatroom{}, false
	}
	return s.rooms[idx].clone(), true
}

// Exists reports whether a room with the given id is in the list.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return indexOf(s.rooms, id) >= 0
}

// CurrentID returns the active room id, or "" when there is none.
func (s *Store) CurrentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// Current returns the active room. ok is false when the active id is empty
// or no longer names a room.
func (s *Store) Current() (Chatroom, bool) {
	return s.Chatroom(s.CurrentID())
}

// Subscribe registers fn for every committed change and returns a function
// that removes it. fn runs outside the store lock.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// persist writes the full list. Callers hold s.mu.
func (s *Store) persist(rooms []Chatroom) error {
	if err := kv.SetJSON(s.kv, kv.KeyChatrooms, rooms); err != nil {
		return fmt.Errorf("persist chatrooms: %w", err)
	}
	return nil
}

// newID returns a time-ordered id not used by any room. Callers hold s.mu.
func (s *Store) newID() string {
	for {
		id := uuid.Must(uuid.NewV7()).String()
		if indexOf(s.rooms, id) < 0 {
			return id
		}
	}
}

func (s *Store) cloneRooms() []Chatroom {
	out := make([]Chatroom, len(s.rooms))
	for i, r := range s.rooms {
		out[i] = r.clone()
	}
	return out
}

func indexOf(rooms []Chatroom, id string) int {
	for i, r := range rooms {
		if r.ID == id {
			return i
		}
	}
	return -1
}
