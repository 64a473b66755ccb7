package rocket

import (
	"sync"
	"time"
)

// RoomType uses the source's single-letter room types.
type RoomType string

const (
	RoomPublic  RoomType = "c"
	RoomPrivate RoomType = "p"
	RoomDirect  RoomType = "d"
)

// Room is a source-side container for messages and membership. Members
// holds non-owning references into the state's user registry; it is
// replaced wholesale on re-fetch, never updated incrementally.
type Room struct {
	ID      string
	Name    string
	Type    RoomType
	Topic   string
	Members map[string]*User

	// channel is the disambiguated IRC channel name assigned by
	// AddRoom. Empty until the room is registered.
	channel string
}

type User struct {
	ID       string
	Username string
	Online   bool
}

// State holds everything a connected session knows: rooms, users, the
// recent-message cache and the rooms/get since-stamp. Rooms are never
// deleted within a session; stale rooms simply stop receiving events.
type State struct {
	mu        sync.RWMutex
	rooms     map[string]*Room
	users     map[string]*User
	channels  map[string]string // channel name -> room id
	cache     *messageCache
	roomFetch time.Time
}

func NewState() *State {
	return &State{
		rooms:    make(map[string]*Room),
		users:    make(map[string]*User),
		channels: make(map[string]string),
		cache:    newMessageCache(cacheCapacity),
	}
}

// AddRoom registers a room and assigns it a unique channel name. When
// the computed name is already held by a different room, a short id
// suffix is appended so lookups never return an arbitrary match. An
// already-known room keeps its assigned channel name; name, topic and
// type are refreshed.
func (s *State) AddRoom(room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room.Members == nil {
		room.Members = make(map[string]*User)
	}

	if prev, ok := s.rooms[room.ID]; ok {
		prev.Name = room.Name
		prev.Topic = room.Topic
		prev.Type = room.Type
		return
	}

	name := channelName(room.Type, room.Name)
	if other, taken := s.channels[name]; taken && other != room.ID {
		name = name + "-" + shortID(room.ID)
		logger.Infof("channel name collision for %q, using %q", room.Name, name)
	}

	room.channel = name
	s.channels[name] = room.ID
	s.rooms[room.ID] = room
}

func (s *State) Room(id string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	return r, ok
}

// Rooms returns a snapshot of all known rooms.
func (s *State) Rooms() []*Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// SetMembers replaces a room's membership snapshot. The users are also
// merged into the user registry so presence lookups share one record
// per user id.
func (s *State) SetMembers(roomID string, users []*User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return
	}

	members := make(map[string]*User, len(users))
	for _, u := range users {
		members[u.ID] = s.mergeUser(u)
	}
	room.Members = members
}

// mergeUser returns the owned record for u's id, creating it when
// unseen. Presence is kept from the existing record; an add/remove on
// the users collection is the only thing that may change it.
func (s *State) mergeUser(u *User) *User {
	if known, ok := s.users[u.ID]; ok {
		if u.Username != "" {
			known.Username = u.Username
		}
		return known
	}
	s.users[u.ID] = u
	return u
}

// AddUser merges a user into the registry and returns the owned record.
func (s *State) AddUser(u *User) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeUser(u)
}

func (s *State) User(id string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// SetOnline flags a user id online or offline, creating the record for
// ids never seen before.
func (s *State) SetOnline(id, username string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.mergeUser(&User{ID: id, Username: username})
	u.Online = online
}

// Online reports presence for display purposes; unknown ids count as
// offline.
func (s *State) Online(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[id]; ok {
		return u.Online
	}
	return false
}

// RoomFetchSince returns the previous rooms/get stamp and advances it
// to now, so each full-room fetch is a delta against the last one.
func (s *State) RoomFetchSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := s.roomFetch
	s.roomFetch = time.Now()
	return since
}

func shortID(id string) string {
	if len(id) > 4 {
		return id[:4]
	}
	return id
}
