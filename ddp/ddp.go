// Package ddp implements the realtime client connection to a
// Rocket.Chat server: a DDP session over a websocket, exposing remote
// method calls, stream subscriptions and collection observers.
package ddp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/desertbit/timer"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/komete4/rocketchat-irc-gateway/bridge"
)

// ErrClosed is returned for operations issued on, or suspended across,
// a closed connection.
var ErrClosed = errors.New("ddp: connection closed")

// inactivity bounds how long we tolerate a silent server. The server
// pings periodically, so a quiet wire means a dead wire.
const inactivity = 3 * time.Minute

var logger *logrus.Entry = logrus.NewEntry(logrus.New())

func SetLogger(l *logrus.Entry) {
	logger = l
}

// frame is one decoded unit of the push stream. The same shape covers
// both directions; unused fields stay empty.
type frame struct {
	Msg        string                 `json:"msg,omitempty"`
	ID         string                 `json:"id,omitempty"`
	Version    string                 `json:"version,omitempty"`
	Support    []string               `json:"support,omitempty"`
	Method     string                 `json:"method,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Params     []interface{}          `json:"params,omitempty"`
	Collection string                 `json:"collection,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Result     interface{}            `json:"result,omitempty"`
	Error      interface{}            `json:"error,omitempty"`
	Subs       []string               `json:"subs,omitempty"`
}

// Client is a single DDP session. Safe for concurrent use; observers
// are invoked from the read loop goroutine.
type Client struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	seq       uint64
	calls     map[string]chan *frame
	subs      map[string]chan *frame
	observers map[string][]bridge.CollectionSink

	writeMu sync.Mutex

	ready    chan struct{} // closed when the server acks the session
	done     chan struct{}
	watchdog *timer.Timer
}

func New(host string, port int, useTLS bool) *Client {
	scheme := "wss"
	if !useTLS {
		scheme = "ws"
	}
	return &Client{
		url:       fmt.Sprintf("%s://%s:%d/websocket", scheme, host, port),
		calls:     make(map[string]chan *frame),
		subs:      make(map[string]chan *frame),
		observers: make(map[string][]bridge.CollectionSink),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Connect dials the websocket, performs the DDP session handshake and
// starts the read loop.
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.watchdog = timer.NewTimer(inactivity)
	go c.watch()
	go c.readLoop()

	if err := c.write(&frame{Msg: "connect", Version: "1", Support: []string{"1"}}); err != nil {
		c.Close()
		return err
	}

	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Call invokes a remote method and suspends until its result arrives.
func (c *Client) Call(method string, args ...interface{}) (interface{}, error) {
	id, ch, err := c.pending(c.calls)
	if err != nil {
		return nil, err
	}

	if err := c.write(&frame{Msg: "method", Method: method, Params: args, ID: id}); err != nil {
		c.forget(c.calls, id)
		return nil, err
	}

	reply, ok := <-ch
	if !ok {
		return nil, ErrClosed
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("ddp: method %s: %v", method, reply.Error)
	}

	return reply.Result, nil
}

// Subscribe registers a stream subscription and waits for the ready
// (or nosub) acknowledgement.
func (c *Client) Subscribe(name string, args ...interface{}) error {
	id, ch, err := c.pending(c.subs)
	if err != nil {
		return err
	}

	if err := c.write(&frame{Msg: "sub", ID: id, Name: name, Params: args}); err != nil {
		c.forget(c.subs, id)
		return err
	}

	reply, ok := <-ch
	if !ok {
		return ErrClosed
	}
	if reply.Msg == "nosub" {
		return fmt.Errorf("ddp: subscription %s refused: %v", name, reply.Error)
	}

	return nil
}

// Observe registers a sink for one collection. Sinks are invoked in
// registration order; there is no unregister, observers live as long
// as the connection.
func (c *Client) Observe(collection string, sink bridge.CollectionSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers[collection] = append(c.observers[collection], sink)
}

// Close tears the connection down and fails every suspended Call and
// Subscribe with ErrClosed. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn

	for id, ch := range c.calls {
		close(ch)
		delete(c.calls, id)
	}
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) pending(table map[string]chan *frame) (string, chan *frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", nil, ErrClosed
	}
	c.seq++
	id := strconv.FormatUint(c.seq, 10)
	ch := make(chan *frame, 1)
	table[id] = ch
	return id, ch, nil
}

func (c *Client) forget(table map[string]chan *frame, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(table, id)
}

func (c *Client) write(f *frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("ddp: write: %w", err)
	}
	return nil
}

func (c *Client) watch() {
	select {
	case <-c.watchdog.C:
		logger.Error("ddp: no traffic from server, closing")
		c.Close()
	case <-c.done:
		c.watchdog.Stop()
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.mu.Unlock()
			if !wasClosed {
				logger.Errorf("ddp: read: %s", err)
				c.Close()
			}
			return
		}

		c.watchdog.Reset(inactivity)

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			// partial and malformed frames are expected noise.
			continue
		}

		c.dispatch(&f)
	}
}

func (c *Client) dispatch(f *frame) {
	switch f.Msg {
	case "ping":
		if err := c.write(&frame{Msg: "pong", ID: f.ID}); err != nil {
			logger.Errorf("ddp: pong: %s", err)
		}
	case "connected":
		c.mu.Lock()
		select {
		case <-c.ready:
		default:
			close(c.ready)
		}
		c.mu.Unlock()
	case "result":
		c.deliver(c.calls, f.ID, f)
	case "ready":
		for _, id := range f.Subs {
			c.deliver(c.subs, id, f)
		}
	case "nosub":
		c.deliver(c.subs, f.ID, f)
	case "added":
		for _, sink := range c.sinks(f.Collection) {
			c.notify(f.Collection, func(s bridge.CollectionSink) { s.OnAdded(f.ID, f.Fields) }, sink)
		}
	case "changed":
		for _, sink := range c.sinks(f.Collection) {
			c.notify(f.Collection, func(s bridge.CollectionSink) { s.OnChanged(f.ID, f.Fields) }, sink)
		}
	case "removed":
		for _, sink := range c.sinks(f.Collection) {
			c.notify(f.Collection, func(s bridge.CollectionSink) { s.OnRemoved(f.ID) }, sink)
		}
	default:
		// updated, addedBefore, server ids... not ours to care about.
	}
}

func (c *Client) deliver(table map[string]chan *frame, id string, f *frame) {
	c.mu.Lock()
	ch, ok := table[id]
	if ok {
		delete(table, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (c *Client) sinks(collection string) []bridge.CollectionSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bridge.CollectionSink(nil), c.observers[collection]...)
}

// notify shields the read loop from a misbehaving observer: a panic in
// one sink is logged and the stream keeps flowing.
func (c *Client) notify(collection string, fn func(bridge.CollectionSink), sink bridge.CollectionSink) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("ddp: observer on %s panicked: %v", collection, r)
		}
	}()
	fn(sink)
}
