package rocket

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/komete4/rocketchat-irc-gateway/bridge"
)

// joinRooms joins every known channel and private group. Direct rooms
// are skipped here and joined reactively when referenced, unless the
// joindm setting asks for them.
func (s *Session) joinRooms() {
	joinDM := s.v != nil && s.v.GetBool("joindm")

	for _, room := range s.state.Rooms() {
		if room.Type == RoomDirect && !joinDM {
			logger.Debugf("skipping DM room %s", room.Name)
			continue
		}
		if err := s.JoinRoom(room); err != nil {
			logger.Errorf("join %s failed: %s", ChannelName(room), err)
		}
	}
}

type memberRecord struct {
	ID       string `mapstructure:"_id"`
	Username string `mapstructure:"username"`
}

// JoinRoom opens the room's channel on the sink, replaces the
// membership snapshot, subscribes to the room's message stream and
// replays the names and who lists.
func (s *Session) JoinRoom(room *Room) error {
	channel := ChannelName(room)

	if err := s.sink.JoinRoom(channel, room.Topic); err != nil {
		return fmt.Errorf("sink join %s: %w", channel, err)
	}

	members, err := s.fetchMembers(room.ID)
	if err != nil {
		return fmt.Errorf("membership of %s: %w", channel, err)
	}
	s.state.SetMembers(room.ID, members)

	s.trySubscribe("stream-room-messages", room.ID, false)

	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Username)
	}
	s.sink.SendPacket(bridge.NamesReply, channel, strings.Join(names, " "))
	s.sink.SendPacket(bridge.NamesEnd, channel)

	for _, m := range members {
		flags := "G"
		if s.state.Online(m.ID) {
			flags = "H"
		}
		s.sink.SendPacket(bridge.WhoReply, channel, m.Username, m.Username, flags, m.Username)
	}
	s.sink.SendPacket(bridge.WhoEnd, channel)

	return nil
}

func (s *Session) fetchMembers(roomID string) ([]*User, error) {
	result, err := s.tr.Call("getUsersOfRoom", roomID, true)
	if err != nil {
		return nil, err
	}

	var reply struct {
		Records []memberRecord `mapstructure:"records"`
	}
	if err := mapstructure.Decode(result, &reply); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}

	users := make([]*User, 0, len(reply.Records))
	for _, rec := range reply.Records {
		if rec.ID == "" {
			continue
		}
		users = append(users, &User{ID: rec.ID, Username: rec.Username})
	}

	return users, nil
}
