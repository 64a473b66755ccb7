package rocket

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/komete4/rocketchat-irc-gateway/bridge"
)

const loginAttempts = 5

// Session owns one bridged connection: one source transport driving
// one sink connection. All long-lived state lives in its State; no
// globals.
type Session struct {
	mu        sync.Mutex
	v         *viper.Viper
	tr        bridge.Transport
	sink      bridge.Sink
	cred      bridge.Credentials
	state     *State
	me        *User
	connected bool

	loginWait   *backoff.Backoff
	loginResult interface{}
}

func NewSession(v *viper.Viper, tr bridge.Transport, sink bridge.Sink, cred bridge.Credentials) *Session {
	return &Session{
		v:     v,
		tr:    tr,
		sink:  sink,
		cred:  cred,
		state: NewState(),
		loginWait: &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    5 * time.Second,
			Jitter: true,
		},
	}
}

func (s *Session) State() *State {
	return s.state
}

// Connect establishes the transport and runs the bootstrap sequence in
// order: login, self record, default subscriptions, observers, room
// fetch, room joins. Calling it on a connected session is a no-op.
// Failures up to the subscription stage abort the connect; individual
// subscription and join failures are logged and the session continues
// degraded.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		logger.Debug("already connected, ignoring connect")
		return nil
	}

	if err := s.tr.Connect(); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	if err := s.login(); err != nil {
		s.tr.Close()
		return err
	}

	if err := s.fetchSelf(); err != nil {
		s.tr.Close()
		return err
	}

	s.defaultSubscriptions()
	s.defaultObservers()

	if err := s.fetchRooms(); err != nil {
		s.tr.Close()
		return err
	}

	s.joinRooms()

	s.connected = true
	logger.Infof("connected as %s", s.cred.Login)

	return nil
}

// Disconnect closes the transport; idempotent. In-flight calls fail
// fast with the transport's closed error. Reconnection policy belongs
// to the caller.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false

	return s.tr.Close()
}

func (s *Session) login() error {
	args := map[string]interface{}{
		"user":     map[string]interface{}{"username": s.cred.Login},
		"password": s.cred.Pass,
	}

	s.loginWait.Reset()

	var lastErr error
	for attempt := 1; attempt <= loginAttempts; attempt++ {
		result, err := s.tr.Call("login", args)
		if err == nil {
			s.loginResult = result
			return nil
		}
		lastErr = err
		logger.Errorf("login attempt %d/%d failed: %s", attempt, loginAttempts, err)
		if attempt < loginAttempts {
			time.Sleep(s.loginWait.Duration())
		}
	}

	return fmt.Errorf("login as %s failed after %d attempts: %w", s.cred.Login, loginAttempts, lastErr)
}

// fetchSelf extracts our own user record from the login reply.
func (s *Session) fetchSelf() error {
	var rec struct {
		ID string `mapstructure:"id"`
	}
	if err := mapstructure.Decode(s.loginResult, &rec); err != nil {
		return fmt.Errorf("self record: %w", err)
	}
	if rec.ID == "" {
		return fmt.Errorf("self record: login reply carries no user id")
	}

	s.me = s.state.AddUser(&User{ID: rec.ID, Username: s.cred.Login})

	return nil
}

// subscribe registers one stream with the transport, single attempt.
func (s *Session) subscribe(name string, params ...interface{}) error {
	return s.tr.Subscribe(name, params...)
}

// trySubscribe swallows subscription failures: a missing stream leaves
// the session degraded, not dead.
func (s *Session) trySubscribe(name string, params ...interface{}) {
	if err := s.subscribe(name, params...); err != nil {
		logger.Errorf("subscribe %s failed: %s", name, err)
	}
}

// defaultSubscriptions issues the fixed post-login set: the three
// per-user notification streams, the global settings stream, the
// active-users stream and the user-data stream. Per-room message
// streams are subscribed at join time.
func (s *Session) defaultSubscriptions() {
	uid := s.me.ID

	s.trySubscribe("stream-notify-user", uid+"/message", false)
	s.trySubscribe("stream-notify-user", uid+"/rooms-changed", false)
	s.trySubscribe("stream-notify-user", uid+"/subscriptions-changed", false)
	s.trySubscribe("stream-notify-all", "public-settings-changed", false)
	s.trySubscribe("activeUsers")
	s.trySubscribe("userData")
}

func (s *Session) defaultObservers() {
	s.tr.Observe("users", &presenceTracker{state: s.state})
	s.tr.Observe("stream-room-messages", &translator{s: s})
}

type roomRecord struct {
	ID        string   `mapstructure:"_id"`
	Type      string   `mapstructure:"t"`
	Name      string   `mapstructure:"name"`
	Topic     string   `mapstructure:"topic"`
	Usernames []string `mapstructure:"usernames"`
}

// fetchRooms pulls the room list as a delta since the previous fetch
// and registers every record with the state store.
func (s *Session) fetchRooms() error {
	since := s.state.RoomFetchSince()
	result, err := s.tr.Call("rooms/get", map[string]interface{}{"$date": since.UnixMilli()})
	if err != nil {
		return fmt.Errorf("rooms/get: %w", err)
	}

	for _, rec := range roomRecords(result) {
		s.state.AddRoom(s.roomFromRecord(rec))
	}

	return nil
}

// roomRecords tolerates both reply shapes of rooms/get: a plain array,
// or the delta form {update: [...], remove: [...]}. Removed rooms are
// ignored; rooms are never deleted within a session.
func roomRecords(result interface{}) []roomRecord {
	var raw []interface{}

	switch v := result.(type) {
	case []interface{}:
		raw = v
	case map[string]interface{}:
		raw, _ = v["update"].([]interface{})
	}

	records := make([]roomRecord, 0, len(raw))
	for _, entry := range raw {
		var rec roomRecord
		if err := mapstructure.Decode(entry, &rec); err != nil || rec.ID == "" {
			continue
		}
		records = append(records, rec)
	}

	return records
}

func (s *Session) roomFromRecord(rec roomRecord) *Room {
	room := &Room{
		ID:    rec.ID,
		Name:  rec.Name,
		Type:  RoomType(rec.Type),
		Topic: rec.Topic,
	}

	// direct rooms carry no name of their own; use the counterpart.
	if room.Type == RoomDirect {
		for _, username := range rec.Usernames {
			if username != s.cred.Login {
				room.Name = username
				break
			}
		}
	}

	return room
}

// SendMessage persists an outbound message with a locally generated id
// and remembers it so the stream echo is suppressed. The remote call is
// fire-and-forget: the echo, not this call, is what reaches the sink.
func (s *Session) SendMessage(room *Room, text string) {
	id := uuid.NewString()
	s.state.cache.remember(id, room.ID, text)

	go func() {
		_, err := s.tr.Call("sendMessage", map[string]interface{}{
			"_id": id,
			"rid": room.ID,
			"msg": text,
		})
		if err != nil {
			logger.Errorf("sendMessage to %s failed: %s", ChannelName(room), err)
		}
	}()
}
