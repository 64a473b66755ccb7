// Package irckit is the sink side of the gateway: one IRC client
// connection that receives the translated channel traffic and feeds
// typed lines back to the bridge.
package irckit

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sorcix/irc"

	"github.com/komete4/rocketchat-irc-gateway/bridge"
)

var logger *logrus.Entry = logrus.NewEntry(logrus.New())

func SetLogger(l *logrus.Entry) {
	logger = l
}

const ghostHost = "rocket.chat"

// Conn wraps one accepted IRC client connection. It implements
// bridge.Sink; everything it emits is composed here, the bridge core
// never sees wire syntax.
type Conn struct {
	conn net.Conn
	enc  *irc.Encoder
	dec  *irc.Decoder

	mu      sync.Mutex
	nick    string
	user    string
	srvName string

	// writes come from both the bootstrap path and the transport's
	// read loop; the encoder is not safe for concurrent use.
	writeMu sync.Mutex
}

func NewConn(c net.Conn, serverName string) *Conn {
	return &Conn{
		conn:    c,
		enc:     irc.NewEncoder(c),
		dec:     irc.NewDecoder(c),
		srvName: serverName,
	}
}

// Register runs the initial handshake: it consumes commands until both
// NICK and USER have arrived, then sends the welcome reply. The nick
// gathered here becomes LoginNick for the rest of the session.
func (c *Conn) Register() error {
	for {
		msg, err := c.dec.Decode()
		if err != nil {
			return fmt.Errorf("registration: %w", err)
		}
		if msg == nil {
			continue
		}

		switch msg.Command {
		case irc.NICK:
			if len(msg.Params) > 0 {
				c.mu.Lock()
				c.nick = msg.Params[0]
				c.mu.Unlock()
			}
		case irc.USER:
			if len(msg.Params) > 0 {
				c.mu.Lock()
				c.user = msg.Params[0]
				c.mu.Unlock()
			}
		case irc.PING:
			c.pong(msg.Trailing)
		case irc.QUIT:
			return fmt.Errorf("registration: client quit")
		}

		c.mu.Lock()
		done := c.nick != "" && c.user != ""
		c.mu.Unlock()
		if done {
			break
		}
	}

	return c.encode(&irc.Message{
		Prefix:   c.serverPrefix(),
		Command:  irc.RPL_WELCOME,
		Params:   []string{c.LoginNick()},
		Trailing: fmt.Sprintf("Welcome! %s!%s@%s", c.LoginNick(), c.user, c.srvName),
	})
}

func (c *Conn) LoginNick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

// JoinRoom announces the channel to the client and sets its topic.
func (c *Conn) JoinRoom(channel, topic string) error {
	nick := c.LoginNick()
	err := c.encode(&irc.Message{
		Prefix:  &irc.Prefix{Name: nick, User: nick, Host: ghostHost},
		Command: irc.JOIN,
		Params:  []string{channel},
	})
	if err != nil {
		return err
	}

	if topic == "" {
		return nil
	}
	return c.encode(&irc.Message{
		Prefix:   c.serverPrefix(),
		Command:  irc.RPL_TOPIC,
		Params:   []string{nick, channel},
		Trailing: topic,
	})
}

// SendPacket maps a sink packet kind onto its protocol reply. Argument
// layouts are documented on bridge.Sink.
func (c *Conn) SendPacket(kind bridge.PacketKind, args ...string) error {
	nick := c.LoginNick()

	switch kind {
	case bridge.NamesReply:
		return c.encode(&irc.Message{
			Prefix:   c.serverPrefix(),
			Command:  irc.RPL_NAMREPLY,
			Params:   []string{nick, "=", args[0]},
			Trailing: args[1],
		})
	case bridge.NamesEnd:
		return c.encode(&irc.Message{
			Prefix:   c.serverPrefix(),
			Command:  irc.RPL_ENDOFNAMES,
			Params:   []string{nick, args[0]},
			Trailing: "End of /NAMES list.",
		})
	case bridge.WhoReply:
		return c.encode(&irc.Message{
			Prefix:   c.serverPrefix(),
			Command:  irc.RPL_WHOREPLY,
			Params:   []string{nick, args[0], args[1], ghostHost, c.srvName, args[2], args[3]},
			Trailing: "0 " + args[4],
		})
	case bridge.WhoEnd:
		return c.encode(&irc.Message{
			Prefix:   c.serverPrefix(),
			Command:  irc.RPL_ENDOFWHO,
			Params:   []string{nick, args[0]},
			Trailing: "End of /WHO list.",
		})
	case bridge.Privmsg:
		from := args[0]
		return c.encode(&irc.Message{
			Prefix:   &irc.Prefix{Name: from, User: from, Host: ghostHost},
			Command:  irc.PRIVMSG,
			Params:   []string{args[1]},
			Trailing: args[2],
		})
	}

	return fmt.Errorf("unknown packet kind %q", kind)
}

// NoSuchChannel answers a client line addressed to a channel the
// bridge cannot resolve.
func (c *Conn) NoSuchChannel(target string) error {
	return c.encode(&irc.Message{
		Prefix:   c.serverPrefix(),
		Command:  irc.ERR_NOSUCHCHANNEL,
		Params:   []string{c.LoginNick(), target},
		Trailing: "No such channel",
	})
}

// Run reads client commands until the connection ends. PRIVMSG lines
// go to the handler; everything else the bridge does not model is
// answered minimally or ignored.
func (c *Conn) Run(handler func(target, text string)) error {
	for {
		msg, err := c.dec.Decode()
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}

		switch msg.Command {
		case irc.PING:
			c.pong(msg.Trailing)
		case irc.PRIVMSG:
			if len(msg.Params) == 0 {
				continue
			}
			text := msg.Trailing
			if text == "" && len(msg.Params) > 1 {
				text = strings.Join(msg.Params[1:], " ")
			}
			handler(msg.Params[0], text)
		case irc.QUIT:
			return nil
		}
	}
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) pong(token string) {
	c.encode(&irc.Message{ //nolint:errcheck
		Prefix:   c.serverPrefix(),
		Command:  irc.PONG,
		Params:   []string{c.srvName},
		Trailing: token,
	})
}

func (c *Conn) serverPrefix() *irc.Prefix {
	return &irc.Prefix{Name: c.srvName}
}

func (c *Conn) encode(msg *irc.Message) error {
	logger.Debugf("-> %s", msg)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(msg)
}
