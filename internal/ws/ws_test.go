package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xingzihai/listen-sync/internal/event"
	"github.com/xingzihai/listen-sync/internal/hub"
	"github.com/xingzihai/listen-sync/internal/logger"
	"github.com/xingzihai/listen-sync/internal/protocol"
	"github.com/xingzihai/listen-sync/internal/room"
)

func TestRateWindow(t *testing.T) {
	w := newRateWindow(time.Second, 3)
	t0 := time.Unix(100, 0)

	for i := 0; i < 3; i++ {
		assert.True(t, w.allow(t0.Add(time.Duration(i)*100*time.Millisecond)))
	}
	assert.False(t, w.allow(t0.Add(500*time.Millisecond)))
	assert.True(t, w.allow(t0.Add(1050*time.Millisecond)), "oldest entry slid out")
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	open := originChecker(nil)
	assert.True(t, open(req("")))
	assert.True(t, open(req("https://anywhere.example")))

	strict := originChecker([]string{"https://music.example.com", " "})
	assert.True(t, strict(req("")))
	assert.True(t, strict(req("http://localhost:5173")))
	assert.True(t, strict(req("https://music.example.com")))
	assert.False(t, strict(req("https://evil.example")))
	assert.False(t, strict(req("://bad")))
}

type testServer struct {
	url   string
	store *room.Store
	reg   *hub.Registry
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	log := logger.Discard()
	store := room.NewStore(nil, log)
	bc := hub.NewBroadcaster(nil, log)
	reg := hub.NewRegistry(store, bc, nil, log)
	s := NewServer(reg, protocol.NewHandler(store, bc, nil, log), nil, opts, log)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Serve(w, r, "lobby")
	}))
	t.Cleanup(srv.Close)
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http"), store: store, reg: reg}
}

func defaultOptions() Options {
	return Options{PingInterval: time.Second, PongWait: 3 * time.Second, MaxMessagesPerSecond: 20, SendBuffer: 16}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (string, event.Payload) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	name, p, err := event.Decode(frame)
	require.NoError(t, err)
	return name, p
}

func TestServeSnapshotAndPong(t *testing.T) {
	ts := newTestServer(t, defaultOptions())
	conn := dial(t, ts.url)

	name, p := readEvent(t, conn)
	assert.Equal(t, event.Sync, name)
	assert.Equal(t, "lobby", p["room_id"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping","data":{"clientTime":42}}`)))
	name, p = readEvent(t, conn)
	assert.Equal(t, event.Pong, name)
	assert.Equal(t, 42.0, p["clientTime"])
}

func TestServeDisconnectLeavesRoom(t *testing.T) {
	ts := newTestServer(t, defaultOptions())
	a := dial(t, ts.url)
	readEvent(t, a)
	b := dial(t, ts.url)
	readEvent(t, b)

	name, _ := readEvent(t, a)
	require.Equal(t, event.UserJoined, name)

	b.Close()

	name, p := readEvent(t, a)
	assert.Equal(t, event.UserLeft, name)
	assert.Equal(t, 1.0, p["users_count"])
	assert.Eventually(t, func() bool { return ts.reg.Live() == 1 }, time.Second, 10*time.Millisecond)
}

func TestServeClosesOnFlood(t *testing.T) {
	opts := defaultOptions()
	opts.MaxMessagesPerSecond = 3
	ts := newTestServer(t, opts)
	conn := dial(t, ts.url)
	readEvent(t, conn)

	for i := 0; i < 5; i++ {
		// writes may fail once the server has hung up
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"sync_request"}`))
	}

	var sawError bool
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			break
		}
		name, _, decErr := event.Decode(frame)
		require.NoError(t, decErr)
		if name == event.Error {
			sawError = true
		}
	}
	assert.True(t, sawError)
	assert.Eventually(t, func() bool { return ts.reg.Live() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDeliverAfterCloseIsRejected(t *testing.T) {
	c := &Client{send: make(chan []byte, 1), done: make(chan struct{})}
	assert.True(t, c.Deliver([]byte("a")))
	assert.False(t, c.Deliver([]byte("b")), "queue full")

	c.Close()
	c.Close()
	<-c.send
	assert.False(t, c.Deliver([]byte("c")))
}
