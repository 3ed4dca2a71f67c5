package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/xingzihai/listen-sync/internal/event"
	"github.com/xingzihai/listen-sync/internal/room"
	syncpkg "github.com/xingzihai/listen-sync/internal/sync"
)

// Conn is the transport side of a connection.
type Conn interface {
	// Deliver queues an encoded frame without blocking.
	Deliver(frame []byte) bool
}

// Session binds a connection to its generated identity and room. It is
// owned by the goroutine serving the connection and is the connection's
// room.Peer.
type Session struct {
	userID      string
	roomID      string
	connectedAt float64

	conn Conn
}

func (s *Session) UserID() string           { return s.userID }
func (s *Session) RoomID() string           { return s.roomID }
func (s *Session) ConnectedAt() float64     { return s.connectedAt }
func (s *Session) Deliver(frame []byte) bool { return s.conn.Deliver(frame) }

// Registry assigns identities to connections and keeps room membership in
// step with the Store.
type Registry struct {
	store *room.Store
	bc    *Broadcaster
	clock syncpkg.Clock
	log   *slog.Logger

	newID    func() string
	sessions sync.Map // Conn -> *Session
	live     atomic.Int64
}

func NewRegistry(store *room.Store, bc *Broadcaster, clock syncpkg.Clock, log *slog.Logger) *Registry {
	if clock == nil {
		clock = syncpkg.SystemClock
	}
	return &Registry{
		store: store,
		bc:    bc,
		clock: clock,
		log:   log.With("component", "registry"),
		newID: uuid.NewString,
	}
}

// Connect admits conn to roomID under a fresh user id. The joiner gets a
// full snapshot; everyone else in the room gets the new member count.
func (r *Registry) Connect(conn Conn, roomID string) *Session {
	s := &Session{
		userID:      r.newID(),
		roomID:      roomID,
		connectedAt: syncpkg.Seconds(r.clock.Now()),
		conn:        conn,
	}
	info := room.UserInfo{ID: s.userID, Room: roomID, ConnectedAt: s.connectedAt}

	st := r.store.Join(roomID, info, s, func(st room.State, peers []room.Peer) {
		r.bc.Publish(peers, s.userID, Self, event.Sync, event.Payload{
			"status":     "connected",
			"user_id":    s.userID,
			"room_id":    roomID,
			"room_state": st,
		})
		r.bc.Publish(peers, s.userID, Others, event.UserJoined, event.Payload{
			"user_id":     s.userID,
			"users_count": st.UsersCount(),
		})
	})

	r.sessions.Store(conn, s)
	r.live.Add(1)
	r.log.Info("client connected", "user", s.userID, "room", roomID, "users", st.UsersCount())
	return s
}

// Disconnect removes conn from its room and tells the remaining members.
// Unknown connections are ignored.
func (r *Registry) Disconnect(conn Conn) {
	v, ok := r.sessions.LoadAndDelete(conn)
	if !ok {
		return
	}
	s := v.(*Session)
	r.live.Add(-1)

	st, left := r.store.Leave(s.roomID, s.userID, func(st room.State, peers []room.Peer) {
		r.bc.Publish(peers, s.userID, All, event.UserLeft, event.Payload{
			"user_id":     s.userID,
			"users_count": st.UsersCount(),
		})
	})
	if !left {
		return
	}
	r.log.Info("client disconnected", "user", s.userID, "room", s.roomID, "users", st.UsersCount(),
		"connected_for_s", syncpkg.Seconds(r.clock.Now())-s.ConnectedAt())
}

// Lookup returns the session bound to conn.
func (r *Registry) Lookup(conn Conn) (*Session, bool) {
	v, ok := r.sessions.Load(conn)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Live is the number of connected sessions across all rooms.
func (r *Registry) Live() int {
	return int(r.live.Load())
}
