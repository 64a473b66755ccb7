package rocket

import "strings"

// channelName maps a room onto its IRC channel name: "#" for public
// channels, "##" for private groups, and the bare counterpart name for
// direct-message rooms.
func channelName(t RoomType, name string) string {
	switch t {
	case RoomPrivate:
		return "##" + name
	case RoomDirect:
		return name
	default:
		return "#" + name
	}
}

// ChannelName returns the channel name assigned to a registered room,
// or the computed name for a room not (yet) in any state store.
func ChannelName(room *Room) string {
	if room.channel != "" {
		return room.channel
	}
	return channelName(room.Type, room.Name)
}

// RoomFromChannel resolves an IRC channel name back to a room. The
// prefix determines the intended type ("##" private, "#" public, none
// direct); absence of a match is a normal outcome for the caller to
// turn into a channel-not-found reply.
func (s *State) RoomFromChannel(channel string) (*Room, bool) {
	want := RoomPublic
	switch {
	case strings.HasPrefix(channel, "##"):
		want = RoomPrivate
	case strings.HasPrefix(channel, "#"):
		want = RoomPublic
	default:
		want = RoomDirect
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.channels[channel]
	if !ok {
		return nil, false
	}
	room := s.rooms[id]
	if room == nil || room.Type != want {
		return nil, false
	}
	return room, true
}
