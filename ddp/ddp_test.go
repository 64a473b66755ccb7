package ddp

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/komete4/rocketchat-irc-gateway/bridge"
)

// wsServer is a minimal DDP peer: it answers the session handshake
// itself and hands every other inbound frame to the test.
type wsServer struct {
	t      *testing.T
	srv    *httptest.Server
	mu     sync.Mutex
	conn   *websocket.Conn
	frames chan map[string]interface{}
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{t: t, frames: make(chan map[string]interface{}, 50)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		for {
			var f map[string]interface{}
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f["msg"] == "connect" {
				s.send(map[string]interface{}{"msg": "connected", "session": "s1"})
				continue
			}
			s.frames <- f
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) send(f map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(f); err != nil {
		s.t.Errorf("server write: %s", err)
	}
}

func (s *wsServer) sendRaw(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		s.t.Errorf("server write: %s", err)
	}
}

// recv pulls the next client frame with a timeout so a broken test
// fails instead of hanging.
func (s *wsServer) recv() map[string]interface{} {
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for a client frame")
		return nil
	}
}

func (s *wsServer) client() *Client {
	u, err := url.Parse(s.srv.URL)
	if err != nil {
		s.t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		s.t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return New(host, port, false)
}

type recordedEvent struct {
	kind string
	id   string
}

type recordingSink struct {
	events chan recordedEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(chan recordedEvent, 50)}
}

func (r *recordingSink) OnAdded(id string, fields map[string]interface{}) {
	r.events <- recordedEvent{kind: "added", id: id}
}

func (r *recordingSink) OnChanged(id string, fields map[string]interface{}) {
	r.events <- recordedEvent{kind: "changed", id: id}
}

func (r *recordingSink) OnRemoved(id string) {
	r.events <- recordedEvent{kind: "removed", id: id}
}

func (r *recordingSink) next(t *testing.T) recordedEvent {
	select {
	case e := <-r.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an observer event")
		return recordedEvent{}
	}
}

func TestURL(t *testing.T) {
	assert.Equal(t, "ws://chat.example.org:80/websocket", New("chat.example.org", 80, false).url)
	assert.Equal(t, "wss://chat.example.org:443/websocket", New("chat.example.org", 443, true).url)
}

func TestCallRoundTrip(t *testing.T) {
	s := newWSServer(t)
	c := s.client()
	assert.NoError(t, c.Connect())
	defer c.Close()

	go func() {
		f := s.recv()
		assert.Equal(t, "method", f["msg"])
		assert.Equal(t, "getServerInfo", f["method"])
		s.send(map[string]interface{}{
			"msg":    "result",
			"id":     f["id"],
			"result": map[string]interface{}{"version": "6.0"},
		})
	}()

	result, err := c.Call("getServerInfo")
	assert.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"version": "6.0"}, result)
}

func TestCallRemoteError(t *testing.T) {
	s := newWSServer(t)
	c := s.client()
	assert.NoError(t, c.Connect())
	defer c.Close()

	go func() {
		f := s.recv()
		s.send(map[string]interface{}{
			"msg":   "result",
			"id":    f["id"],
			"error": map[string]interface{}{"error": 403, "reason": "User not found"},
		})
	}()

	_, err := c.Call("login", map[string]interface{}{})
	assert.ErrorContains(t, err, "login")
}

func TestSubscribeReady(t *testing.T) {
	s := newWSServer(t)
	c := s.client()
	assert.NoError(t, c.Connect())
	defer c.Close()

	go func() {
		f := s.recv()
		assert.Equal(t, "sub", f["msg"])
		assert.Equal(t, "activeUsers", f["name"])
		s.send(map[string]interface{}{"msg": "ready", "subs": []interface{}{f["id"]}})
	}()

	assert.NoError(t, c.Subscribe("activeUsers"))
}

func TestSubscribeRefused(t *testing.T) {
	s := newWSServer(t)
	c := s.client()
	assert.NoError(t, c.Connect())
	defer c.Close()

	go func() {
		f := s.recv()
		s.send(map[string]interface{}{
			"msg":   "nosub",
			"id":    f["id"],
			"error": map[string]interface{}{"reason": "Subscription not found"},
		})
	}()

	err := c.Subscribe("no-such-stream")
	assert.ErrorContains(t, err, "no-such-stream")
}

func TestObserverDispatch(t *testing.T) {
	s := newWSServer(t)
	c := s.client()

	first := newRecordingSink()
	second := newRecordingSink()
	c.Observe("users", first)
	c.Observe("users", second)

	assert.NoError(t, c.Connect())
	defer c.Close()

	s.send(map[string]interface{}{
		"msg": "added", "collection": "users", "id": "u1",
		"fields": map[string]interface{}{"username": "alice"},
	})
	s.send(map[string]interface{}{
		"msg": "changed", "collection": "users", "id": "u1",
		"fields": map[string]interface{}{"status": "busy"},
	})
	s.send(map[string]interface{}{"msg": "removed", "collection": "users", "id": "u1"})

	for _, sink := range []*recordingSink{first, second} {
		assert.Equal(t, recordedEvent{kind: "added", id: "u1"}, sink.next(t))
		assert.Equal(t, recordedEvent{kind: "changed", id: "u1"}, sink.next(t))
		assert.Equal(t, recordedEvent{kind: "removed", id: "u1"}, sink.next(t))
	}
}

func TestPingPong(t *testing.T) {
	s := newWSServer(t)
	c := s.client()
	assert.NoError(t, c.Connect())
	defer c.Close()

	s.send(map[string]interface{}{"msg": "ping", "id": "p1"})

	f := s.recv()
	assert.Equal(t, "pong", f["msg"])
	assert.Equal(t, "p1", f["id"])
}

func TestMalformedFrameIgnored(t *testing.T) {
	s := newWSServer(t)
	c := s.client()
	assert.NoError(t, c.Connect())
	defer c.Close()

	s.sendRaw("{this is not json")

	// the stream survives the garbage
	s.send(map[string]interface{}{"msg": "ping", "id": "p2"})
	f := s.recv()
	assert.Equal(t, "pong", f["msg"])
}

func TestCloseFailsPending(t *testing.T) {
	s := newWSServer(t)
	c := s.client()
	assert.NoError(t, c.Connect())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call("slowMethod")
		errCh <- err
	}()

	// the call is on the wire before we tear down
	s.recv()
	assert.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail after close")
	}

	// operations after close fail fast
	_, err := c.Call("anything")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Subscribe("anything"), ErrClosed)
}

func TestObserverPanicContained(t *testing.T) {
	s := newWSServer(t)
	c := s.client()

	c.Observe("users", panickySink{})
	after := newRecordingSink()
	c.Observe("users", after)

	assert.NoError(t, c.Connect())
	defer c.Close()

	s.send(map[string]interface{}{"msg": "removed", "collection": "users", "id": "u9"})

	assert.Equal(t, recordedEvent{kind: "removed", id: "u9"}, after.next(t))
}

type panickySink struct{}

func (panickySink) OnAdded(id string, fields map[string]interface{}) { panic("boom") }
func (panickySink) OnChanged(id string, fields map[string]interface{}) {
	panic("boom")
}
func (panickySink) OnRemoved(id string) { panic("boom") }

var _ bridge.CollectionSink = (*recordingSink)(nil)
