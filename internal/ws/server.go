package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/xingzihai/listen-sync/internal/hub"
	"github.com/xingzihai/listen-sync/internal/protocol"
)

// Server upgrades HTTP requests and runs one Client per connection.
type Server struct {
	reg      *hub.Registry
	handler  *protocol.Handler
	upgrader websocket.Upgrader
	opts     Options
	log      *slog.Logger
}

func NewServer(reg *hub.Registry, handler *protocol.Handler, allowedOrigins []string, opts Options, log *slog.Logger) *Server {
	return &Server{
		reg:     reg,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		opts: opts,
		log:  log.With("component", "ws"),
	}
}

// Serve upgrades the request and blocks until the connection ends. The
// caller has already validated roomID.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, roomID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Warn("websocket upgrade failed", "room", roomID, "remote", r.RemoteAddr, "err", err)
		return
	}

	c := newClient(conn, s.opts, s.log.With("room", roomID, "remote", r.RemoteAddr))
	sess := s.reg.Connect(c, roomID)
	c.log = c.log.With("user", sess.UserID())

	go c.writePump()
	c.readPump(func(frame []byte) {
		s.handler.HandleFrame(sess, frame)
	})

	s.reg.Disconnect(c)
	c.Close()
}
