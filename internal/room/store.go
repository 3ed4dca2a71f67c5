package room

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	syncpkg "github.com/xingzihai/listen-sync/internal/sync"
)

// Peer is a live connection joined to a room.
type Peer interface {
	UserID() string
	// Deliver queues an encoded frame without blocking. It reports false
	// when the frame was dropped.
	Deliver(frame []byte) bool
}

// Commit observes a room right after a change, while the room is still
// held. It must not block and must not call back into the Store.
type Commit func(st State, peers []Peer)

// Room is one playback session. All fields are guarded by mu.
type Room struct {
	mu sync.Mutex

	id        string
	state     State
	peers     map[string]Peer
	idleSince time.Time // zero while occupied
	evicted   bool
}

func (r *Room) peerList() []Peer {
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Summary is a read-only view used by the inspection API.
type Summary struct {
	ID         string `json:"id"`
	UsersCount int    `json:"users_count"`
	IsPlaying  bool   `json:"is_playing"`
}

// Store owns every room's state. Rooms are created lazily and locked
// individually, so work on one room never waits for another.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	clock syncpkg.Clock
	log   *slog.Logger
}

func NewStore(clock syncpkg.Clock, log *slog.Logger) *Store {
	if clock == nil {
		clock = syncpkg.SystemClock
	}
	return &Store{
		rooms: make(map[string]*Room),
		clock: clock,
		log:   log.With("component", "room"),
	}
}

// acquire returns the room locked, creating it if needed.
func (s *Store) acquire(id string) *Room {
	for {
		s.mu.RLock()
		r := s.rooms[id]
		s.mu.RUnlock()

		if r == nil {
			s.mu.Lock()
			r = s.rooms[id]
			if r == nil {
				now := s.clock.Now()
				r = &Room{
					id:        id,
					state:     defaultState(syncpkg.Seconds(now)),
					peers:     make(map[string]Peer),
					idleSince: now,
				}
				s.rooms[id] = r
				s.log.Debug("room created", "room", id)
			}
			s.mu.Unlock()
		}

		r.mu.Lock()
		if !r.evicted {
			return r
		}
		// lost a race with the janitor; the map no longer holds r
		r.mu.Unlock()
	}
}

// existing returns the room locked, or nil without creating it.
func (s *Store) existing(id string) *Room {
	s.mu.RLock()
	r := s.rooms[id]
	s.mu.RUnlock()
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.evicted {
		r.mu.Unlock()
		return nil
	}
	return r
}

// Get returns a snapshot of the room, creating a default room if new.
func (s *Store) Get(id string) State {
	r := s.acquire(id)
	defer r.mu.Unlock()
	return r.state.clone()
}

// Peek returns a snapshot of an existing room without creating it.
func (s *Store) Peek(id string) (State, bool) {
	r := s.existing(id)
	if r == nil {
		return State{}, false
	}
	defer r.mu.Unlock()
	return r.state.clone(), true
}

// View returns a snapshot and runs commit while the room is held, so a
// reply built from it is ordered with the room's broadcasts.
func (s *Store) View(id string, commit Commit) State {
	r := s.acquire(id)
	defer r.mu.Unlock()

	snap := r.state.clone()
	if commit != nil {
		commit(snap, r.peerList())
	}
	return snap
}

// Update applies mutate atomically, stamps LastUpdate and returns the
// resulting state. mutate works on a copy: if it panics the room is left
// untouched. commit, if set, runs before the room is released.
func (s *Store) Update(id string, mutate func(*State), commit Commit) State {
	r := s.acquire(id)
	defer r.mu.Unlock()

	next := r.state.clone()
	mutate(&next)
	// membership is owned by Join/Leave
	next.Users = r.state.Users
	next.Seq = r.state.Seq + 1
	next.LastUpdate = s.stamp(r.state.LastUpdate)
	if next.repositioned {
		next.PositionAt = next.LastUpdate
		next.repositioned = false
	} else {
		next.PositionAt = r.state.PositionAt
	}
	r.state = next

	snap := r.state.clone()
	if commit != nil {
		commit(snap, r.peerList())
	}
	return snap
}

// stamp returns now, never earlier than prev.
func (s *Store) stamp(prev float64) float64 {
	now := syncpkg.Seconds(s.clock.Now())
	if now < prev {
		return prev
	}
	return now
}

// Join records user as a member of room id and registers its peer in the
// same critical section.
func (s *Store) Join(id string, user UserInfo, peer Peer, commit Commit) State {
	r := s.acquire(id)
	defer r.mu.Unlock()

	user.Room = id
	r.state.Users[user.ID] = user
	r.peers[user.ID] = peer
	r.idleSince = time.Time{}

	snap := r.state.clone()
	if commit != nil {
		commit(snap, r.peerList())
	}
	return snap
}

// Leave removes userID from room id. It reports false, and does nothing,
// when the room or the member is unknown.
func (s *Store) Leave(id, userID string, commit Commit) (State, bool) {
	r := s.existing(id)
	if r == nil {
		return State{}, false
	}
	defer r.mu.Unlock()

	if _, ok := r.state.Users[userID]; !ok {
		return State{}, false
	}
	delete(r.state.Users, userID)
	delete(r.peers, userID)
	if len(r.peers) == 0 {
		r.idleSince = s.clock.Now()
	}

	snap := r.state.clone()
	if commit != nil {
		commit(snap, r.peerList())
	}
	return snap, true
}

// Rooms lists live rooms sorted by id.
func (s *Store) Rooms() []Summary {
	s.mu.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	out := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if !r.evicted {
			out = append(out, Summary{
				ID:         r.id,
				UsersCount: len(r.state.Users),
				IsPlaying:  r.state.IsPlaying,
			})
		}
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EvictIdle removes rooms that have been empty for at least ttl and returns
// their ids. Candidates are gathered under the read lock; each is then
// re-checked under its own lock so joins elsewhere are not held up.
func (s *Store) EvictIdle(ttl time.Duration) []string {
	now := s.clock.Now()

	s.mu.RLock()
	candidates := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		candidates = append(candidates, r)
	}
	s.mu.RUnlock()

	var evicted []string
	for _, r := range candidates {
		r.mu.Lock()
		if r.evicted || len(r.peers) > 0 || r.idleSince.IsZero() || now.Sub(r.idleSince) < ttl {
			r.mu.Unlock()
			continue
		}
		// acquire retries once it sees evicted, so the map entry can be
		// dropped after the room lock is released
		r.evicted = true
		r.mu.Unlock()

		s.mu.Lock()
		if s.rooms[r.id] == r {
			delete(s.rooms, r.id)
		}
		s.mu.Unlock()
		evicted = append(evicted, r.id)
	}
	sort.Strings(evicted)
	return evicted
}

// RunJanitor evicts idle rooms every interval until ctx is done. A zero ttl
// disables eviction and rooms live for the whole process.
func (s *Store) RunJanitor(ctx context.Context, ttl, interval time.Duration) error {
	if ttl <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, id := range s.EvictIdle(ttl) {
				s.log.Info("evicted idle room", "room", id, "idle_ttl", ttl)
			}
		}
	}
}
