package rocket

import (
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/mitchellh/mapstructure"
	"github.com/muesli/reflow/wordwrap"

	"github.com/komete4/rocketchat-irc-gateway/bridge"
)

const editMarker = "\x1d[edited]\x1d "

// broadcast mentions that flag a line for highlighting. Case-sensitive
// substring match, same as the source renders them.
var mentionTokens = []string{"@here", "@channel", "@everyone", "@all"}

// translator turns stream-room-messages frames into sink output. Only
// changed events carry message payloads; the stream's added/removed
// traffic is noise for us.
type translator struct {
	s *Session
}

type streamMessage struct {
	ID     string `mapstructure:"_id"`
	RoomID string `mapstructure:"rid"`
	Msg    string `mapstructure:"msg"`
	User   struct {
		ID       string `mapstructure:"_id"`
		Username string `mapstructure:"username"`
	} `mapstructure:"u"`
}

func (t *translator) OnAdded(id string, fields map[string]interface{}) {
}

func (t *translator) OnRemoved(id string) {
}

func (t *translator) OnChanged(id string, fields map[string]interface{}) {
	args, _ := fields["args"].([]interface{})
	for _, raw := range args {
		var m streamMessage
		if err := mapstructure.Decode(raw, &m); err != nil {
			continue
		}
		if m.ID == "" || m.RoomID == "" {
			continue
		}
		logger.Tracef("stream message %s", spew.Sdump(m))
		t.s.relayMessage(&m)
	}
}

// relayMessage is the inbound hot path: resolve the channel, classify
// against the recent-message cache, then emit one PRIVMSG per line.
func (s *Session) relayMessage(m *streamMessage) {
	room, ok := s.state.Room(m.RoomID)
	if !ok {
		// subscription confirmed before the room fetch landed; a
		// later fetch will pick the room up.
		logger.Debugf("message %s for unknown room %s, dropping", m.ID, m.RoomID)
		return
	}
	channel := ChannelName(room)

	verdict := s.state.cache.classify(m.ID, m.RoomID, m.Msg)
	if verdict == messageUnchanged {
		// the server re-delivers unchanged messages; stay quiet.
		return
	}

	from := m.User.Username
	if from == "" {
		from = "unknown"
	}

	text := wordwrap.String(m.Msg, 440)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		out := line
		if verdict == messageEdited {
			out = editMarker + out
		}
		if highlighted(line) {
			out += " (mention " + s.sink.LoginNick() + ")"
		}

		if err := s.sink.SendPacket(bridge.Privmsg, from, channel, out); err != nil {
			logger.Errorf("privmsg to %s failed: %s", channel, err)
			return
		}
	}
}

func highlighted(line string) bool {
	for _, token := range mentionTokens {
		if strings.Contains(line, token) {
			return true
		}
	}
	return false
}
