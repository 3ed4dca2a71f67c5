package room

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xingzihai/listen-sync/internal/logger"
)

// stepClock advances by step on every call and can be moved backwards.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Unix(1_700_000_000, 0), step: time.Millisecond}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type nopPeer string

func (p nopPeer) UserID() string        { return string(p) }
func (p nopPeer) Deliver(_ []byte) bool { return true }

func newTestStore() (*Store, *stepClock) {
	clk := newStepClock()
	return NewStore(clk, logger.Discard()), clk
}

func TestGetCreatesDefaultState(t *testing.T) {
	s, _ := newTestStore()

	st := s.Get("r1")
	assert.Nil(t, st.CurrentTrack)
	assert.False(t, st.IsPlaying)
	assert.Zero(t, st.CurrentTime)
	assert.Equal(t, 1.0, st.Volume)
	assert.Empty(t, st.Users)
	assert.NotNil(t, st.Playlist)
	assert.Len(t, s.Rooms(), 1)
}

func TestGetReturnsSnapshot(t *testing.T) {
	s, _ := newTestStore()
	s.Join("r1", UserInfo{ID: "u1"}, nopPeer("u1"), nil)

	st := s.Get("r1")
	st.Users["intruder"] = UserInfo{ID: "intruder"}
	st.IsPlaying = true

	again := s.Get("r1")
	assert.Len(t, again.Users, 1)
	assert.False(t, again.IsPlaying)
}

func TestUpdateAppliesFieldsAndStamps(t *testing.T) {
	s, _ := newTestStore()
	before := s.Get("r1")

	track := "a.mp3"
	st := s.Update("r1", func(st *State) {
		st.IsPlaying = true
		st.CurrentTime = 12.5
		st.CurrentTrack = &track
	}, nil)

	assert.True(t, st.IsPlaying)
	assert.Equal(t, 12.5, st.CurrentTime)
	assert.Equal(t, "a.mp3", st.Track())
	assert.Equal(t, 1.0, st.Volume)
	assert.Greater(t, st.LastUpdate, before.LastUpdate)
	assert.Equal(t, uint64(1), st.Seq)
}

func TestLastUpdateNeverDecreases(t *testing.T) {
	s, clk := newTestStore()

	first := s.Update("r1", func(st *State) { st.CurrentTime = 1 }, nil)
	clk.Set(time.Unix(1_000, 0))
	second := s.Update("r1", func(st *State) { st.CurrentTime = 2 }, nil)

	assert.GreaterOrEqual(t, second.LastUpdate, first.LastUpdate)
}

func TestPositionAnchorMovesOnlyOnReposition(t *testing.T) {
	s, _ := newTestStore()
	created := s.Get("r1")
	assert.Equal(t, created.LastUpdate, created.PositionAt)

	played := s.Update("r1", func(st *State) {
		st.IsPlaying = true
		st.CurrentTime = 3
		st.Reposition()
	}, nil)
	assert.Equal(t, played.LastUpdate, played.PositionAt)
	assert.Greater(t, played.PositionAt, created.PositionAt)

	louder := s.Update("r1", func(st *State) { st.Volume = 0.5 }, nil)
	assert.Greater(t, louder.LastUpdate, played.LastUpdate)
	assert.Equal(t, played.PositionAt, louder.PositionAt, "volume changes keep the playback anchor")

	// re-seeking to the same position still re-anchors
	seeked := s.Update("r1", func(st *State) {
		st.CurrentTime = 3
		st.Reposition()
	}, nil)
	assert.Equal(t, seeked.LastUpdate, seeked.PositionAt)
	assert.Equal(t, seeked.PositionAt, s.Get("r1").PositionAt)
}

func TestUpdatePanicLeavesStateUntouched(t *testing.T) {
	s, _ := newTestStore()
	s.Update("r1", func(st *State) { st.CurrentTime = 5 }, nil)

	assert.Panics(t, func() {
		s.Update("r1", func(st *State) {
			st.CurrentTime = 99
			panic("boom")
		}, nil)
	})

	st := s.Get("r1")
	assert.Equal(t, 5.0, st.CurrentTime)
	assert.Equal(t, uint64(1), st.Seq)
}

func TestUpdateCannotTouchMembership(t *testing.T) {
	s, _ := newTestStore()
	s.Join("r1", UserInfo{ID: "u1"}, nopPeer("u1"), nil)

	st := s.Update("r1", func(st *State) {
		delete(st.Users, "u1")
		st.Users["ghost"] = UserInfo{ID: "ghost"}
	}, nil)

	assert.Equal(t, []string{"u1"}, userIDs(st))
}

func TestCommitSeesPostUpdateStateAndPeers(t *testing.T) {
	s, _ := newTestStore()
	s.Join("r1", UserInfo{ID: "u1"}, nopPeer("u1"), nil)
	s.Join("r1", UserInfo{ID: "u2"}, nopPeer("u2"), nil)

	var seen State
	var peers []Peer
	s.Update("r1", func(st *State) { st.Volume = 0.3 }, func(st State, p []Peer) {
		seen = st
		peers = p
	})

	assert.Equal(t, 0.3, seen.Volume)
	assert.Len(t, peers, 2)
}

func TestJoinLeaveTracksMembers(t *testing.T) {
	s, _ := newTestStore()

	s.Join("r1", UserInfo{ID: "a"}, nopPeer("a"), nil)
	s.Join("r1", UserInfo{ID: "b"}, nopPeer("b"), nil)
	s.Join("r2", UserInfo{ID: "c"}, nopPeer("c"), nil)

	st, ok := s.Leave("r1", "a", nil)
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, userIDs(st))
	assert.Equal(t, "r1", st.Users["b"].Room)

	_, ok = s.Leave("r1", "a", nil)
	assert.False(t, ok, "second leave is a no-op")

	_, ok = s.Leave("nowhere", "a", nil)
	assert.False(t, ok)
	_, exists := s.Peek("nowhere")
	assert.False(t, exists, "leave must not create rooms")

	assert.Equal(t, []string{"c"}, userIDs(s.Get("r2")))
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	s, _ := newTestStore()
	track := "keep.mp3"
	s.Update("r1", func(st *State) {
		st.CurrentTrack = &track
		st.Volume = 0.7
	}, nil)

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Update("r1", func(st *State) { st.CurrentTime = float64(i) }, nil)
		}(i)
	}
	wg.Wait()

	st := s.Get("r1")
	assert.Equal(t, uint64(writers+1), st.Seq)
	assert.Equal(t, "keep.mp3", st.Track())
	assert.Equal(t, 0.7, st.Volume)
	assert.GreaterOrEqual(t, st.CurrentTime, 0.0)
	assert.Less(t, st.CurrentTime, float64(writers))
}

func TestLastAppliedSeekWins(t *testing.T) {
	s, _ := newTestStore()

	var order []float64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, pos := range []float64{30, 60} {
		wg.Add(1)
		go func(pos float64) {
			defer wg.Done()
			s.Update("r1", func(st *State) { st.CurrentTime = pos }, func(st State, _ []Peer) {
				mu.Lock()
				order = append(order, st.CurrentTime)
				mu.Unlock()
			})
		}(pos)
	}
	wg.Wait()

	require.Len(t, order, 2)
	assert.Equal(t, order[1], s.Get("r1").CurrentTime)
}

func TestRoomsDoNotBlockEachOther(t *testing.T) {
	s, _ := newTestStore()

	entered := make(chan struct{})
	release := make(chan struct{})
	go s.Update("slow", func(st *State) {
		close(entered)
		<-release
	}, nil)
	<-entered
	defer close(release)

	done := make(chan struct{})
	go func() {
		s.Update("fast", func(st *State) { st.CurrentTime = 1 }, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("update on another room blocked")
	}
}

func TestEvictIdle(t *testing.T) {
	s, clk := newTestStore()

	s.Join("busy", UserInfo{ID: "a"}, nopPeer("a"), nil)
	s.Join("left", UserInfo{ID: "b"}, nopPeer("b"), nil)
	s.Update("left", func(st *State) { st.CurrentTime = 42 }, nil)
	s.Leave("left", "b", nil)

	assert.Empty(t, s.EvictIdle(time.Hour))

	clk.Set(clk.Now().Add(2 * time.Hour))
	assert.Equal(t, []string{"left"}, s.EvictIdle(time.Hour))

	_, ok := s.Peek("left")
	assert.False(t, ok)
	_, ok = s.Peek("busy")
	assert.True(t, ok)

	assert.Zero(t, s.Get("left").CurrentTime, "recreated room starts from defaults")
}

func TestEvictIdleDoesNotStallOtherRooms(t *testing.T) {
	s, clk := newTestStore()
	s.Get("idle")
	clk.Set(clk.Now().Add(2 * time.Hour))

	release := make(chan struct{})
	held := make(chan struct{})
	go s.Update("idle", func(st *State) {}, func(State, []Peer) {
		close(held)
		<-release
	})
	<-held

	swept := make(chan []string, 1)
	go func() { swept <- s.EvictIdle(time.Hour) }()
	// give the sweep time to block on the held room
	time.Sleep(20 * time.Millisecond)

	created := make(chan struct{})
	go func() {
		s.Get("fresh")
		close(created)
	}()
	select {
	case <-created:
	case <-time.After(time.Second):
		t.Fatal("room creation waited for the sweep")
	}

	close(release)
	assert.Equal(t, []string{"idle"}, <-swept)
}

func TestJoinRacingEvictionNeverLosesMember(t *testing.T) {
	s, clk := newTestStore()
	clk.step = time.Hour

	var joined atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("u%d", i)
			s.Join("r", UserInfo{ID: id}, nopPeer(id), nil)
			joined.Add(1)
		}(i)
		go func() {
			defer wg.Done()
			s.EvictIdle(time.Minute)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), joined.Load())
	assert.Len(t, s.Get("r").Users, 20)
}

func TestRunJanitorStopsOnCancel(t *testing.T) {
	s, _ := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.RunJanitor(ctx, time.Minute, time.Millisecond) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}

func userIDs(st State) []string {
	ids := make([]string, 0, len(st.Users))
	for id := range st.Users {
		ids = append(ids, id)
	}
	return ids
}
