package rocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelNamePrefixes(t *testing.T) {
	tests := []struct {
		Desc string
		Room *Room
		Want string
	}{
		{
			Desc: "public rooms get a single hash",
			Room: &Room{ID: "r1", Name: "general", Type: RoomPublic},
			Want: "#general",
		},
		{
			Desc: "private rooms get a double hash",
			Room: &Room{ID: "r2", Name: "ops", Type: RoomPrivate},
			Want: "##ops",
		},
		{
			Desc: "direct rooms are the bare counterpart name",
			Room: &Room{ID: "r3", Name: "alice", Type: RoomDirect},
			Want: "alice",
		},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.Want, ChannelName(tc.Room), tc.Desc)
	}
}

func TestRoomFromChannelRoundTrip(t *testing.T) {
	s := NewState()
	rooms := []*Room{
		{ID: "r1", Name: "general", Type: RoomPublic},
		{ID: "r2", Name: "ops", Type: RoomPrivate},
		{ID: "r3", Name: "alice", Type: RoomDirect},
	}
	for _, r := range rooms {
		s.AddRoom(r)
	}

	for _, r := range rooms {
		got, ok := s.RoomFromChannel(ChannelName(r))
		if assert.True(t, ok, "room %s should resolve", r.Name) {
			assert.Equal(t, r.Name, got.Name)
			assert.Equal(t, r.Type, got.Type)
		}
	}
}

func TestRoomFromChannelNotFound(t *testing.T) {
	s := NewState()
	s.AddRoom(&Room{ID: "r1", Name: "general", Type: RoomPublic})

	_, ok := s.RoomFromChannel("#nothere")
	assert.False(t, ok)

	// the room exists but under another prefix, so the intended type
	// does not match
	_, ok = s.RoomFromChannel("##general")
	assert.False(t, ok)
}

func TestAddRoomCollision(t *testing.T) {
	s := NewState()
	s.AddRoom(&Room{ID: "aaaa1111", Name: "dup", Type: RoomPublic})
	s.AddRoom(&Room{ID: "bbbb2222", Name: "dup", Type: RoomPublic})

	first, _ := s.Room("aaaa1111")
	second, _ := s.Room("bbbb2222")
	assert.Equal(t, "#dup", ChannelName(first))
	assert.Equal(t, "#dup-bbbb", ChannelName(second))

	got, ok := s.RoomFromChannel("#dup")
	if assert.True(t, ok) {
		assert.Equal(t, "aaaa1111", got.ID)
	}
	got, ok = s.RoomFromChannel("#dup-bbbb")
	if assert.True(t, ok) {
		assert.Equal(t, "bbbb2222", got.ID)
	}
}

func TestAddRoomRefreshKeepsChannel(t *testing.T) {
	s := NewState()
	s.AddRoom(&Room{ID: "r1", Name: "general", Type: RoomPublic, Topic: "old"})
	s.AddRoom(&Room{ID: "r1", Name: "general", Type: RoomPublic, Topic: "new"})

	room, _ := s.Room("r1")
	assert.Equal(t, "new", room.Topic)
	assert.Equal(t, "#general", ChannelName(room))
}
