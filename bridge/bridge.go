// Package bridge defines the boundary between the gateway core and its
// two collaborators: the DDP transport on the Rocket.Chat side and the
// IRC connection on the client side.
package bridge

// Credentials are supplied by the embedding caller, never read from
// the environment by the core.
type Credentials struct {
	Login string
	Pass  string
}

// PacketKind selects the reply a Sink should emit for SendPacket.
type PacketKind string

const (
	NamesReply PacketKind = "namesReply"
	NamesEnd   PacketKind = "namesEnd"
	WhoReply   PacketKind = "whoReply"
	WhoEnd     PacketKind = "whoEnd"
	Privmsg    PacketKind = "privmsg"
)

// Sink is the channel-oriented chat connection the gateway republishes
// into. Argument layout per kind:
//
//	NamesReply: channel, space-joined names
//	NamesEnd:   channel
//	WhoReply:   channel, username, nick, flags ("H" here / "G" gone), realname
//	WhoEnd:     channel
//	Privmsg:    from, to, text
type Sink interface {
	JoinRoom(channel, topic string) error
	SendPacket(kind PacketKind, args ...string) error
	LoginNick() string
}

// CollectionSink receives collection-diff notifications for one
// observed collection. Multiple sinks may be registered per
// collection; they are invoked in registration order.
type CollectionSink interface {
	OnAdded(id string, fields map[string]interface{})
	OnChanged(id string, fields map[string]interface{})
	OnRemoved(id string)
}

// Transport is the realtime client connection to the source service.
// Call and Subscribe suspend the caller until the server answers;
// observers are invoked from the transport's read loop.
type Transport interface {
	Connect() error
	Call(method string, args ...interface{}) (interface{}, error)
	Subscribe(name string, args ...interface{}) error
	Observe(collection string, sink CollectionSink)
	Close() error
}
