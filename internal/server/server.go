// Package server assembles the HTTP surface: the sync websocket, the room
// inspection API, uploads and static files.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/xingzihai/listen-sync/internal/config"
	"github.com/xingzihai/listen-sync/internal/hub"
	"github.com/xingzihai/listen-sync/internal/library"
	"github.com/xingzihai/listen-sync/internal/room"
	syncpkg "github.com/xingzihai/listen-sync/internal/sync"
	"github.com/xingzihai/listen-sync/internal/ws"
)

// request bodies outside /upload are capped at this size
const maxBodyBytes = 1 << 20

type Deps struct {
	Config   config.Config
	Store    *room.Store
	Registry *hub.Registry
	WS       *ws.Server
	Library  *library.Library
	Log      *slog.Logger
}

type Server struct {
	cfg   config.Config
	store *room.Store
	reg   *hub.Registry
	ws    *ws.Server
	lib   *library.Handlers
	log   *slog.Logger
}

func New(d Deps) *Server {
	return &Server{
		cfg:   d.Config,
		store: d.Store,
		reg:   d.Registry,
		ws:    d.WS,
		lib:   &library.Handlers{Lib: d.Library},
		log:   d.Log.With("component", "http"),
	}
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Handler returns the full middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/upload", s.lib.Upload).Methods(http.MethodPost)
	r.HandleFunc("/api/tracks", s.lib.ListTracks).Methods(http.MethodGet)
	r.HandleFunc("/api/tracks/{name}", s.lib.GetTrack).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", s.listRooms).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{room}", s.getRoom).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.serveWS)
	r.HandleFunc("/ws/{room}", s.serveWS)

	r.PathPrefix("/static/music/").Handler(
		http.StripPrefix("/static/music/", http.FileServer(http.Dir(s.lib.Lib.Dir()))))
	r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.cfg.WebDir)))

	r.Use(s.limitBody)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})

	var h http.Handler = r
	h = c.Handler(h)
	h = s.accessLog(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.log}), handlers.PrintRecoveryStack(false))(h)
	return h
}

// HTTPServer wraps Handler with the configured address and timeouts.
// No write timeout: websocket connections are long-lived.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload" {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog emits one structured line per finished request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return handlers.CustomLoggingHandler(io.Discard, next, func(_ io.Writer, p handlers.LogFormatterParams) {
		s.log.Info("request",
			"method", p.Request.Method,
			"path", p.URL.Path,
			"status", p.StatusCode,
			"bytes", p.Size,
			"remote", p.Request.RemoteAddr,
		)
	})
}

type recoveryLogger struct{ log *slog.Logger }

func (l recoveryLogger) Println(v ...any) {
	l.log.Error("panic serving request", "panic", fmt.Sprint(v...))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, map[string]any{"status": "ok", "rooms": len(s.store.Rooms()), "connections": s.reg.Live()})
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, map[string]any{"rooms": s.store.Rooms()})
}

// getRoom returns a room snapshot plus the position a listener joining now
// should start from.
func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["room"]
	if !config.ValidRoomID(id) {
		jsonError(w, "invalid room id", http.StatusBadRequest)
		return
	}
	st, ok := s.store.Peek(id)
	if !ok {
		jsonError(w, "room not found", http.StatusNotFound)
		return
	}
	now := syncpkg.ServerTime()
	jsonOK(w, map[string]any{
		"room_id":     id,
		"room_state":  st,
		"position":    syncpkg.Extrapolate(st.CurrentTime, st.IsPlaying, st.PositionAt, now),
		"server_time": now,
	})
}

// serveWS resolves the room from the path, then ?room=, then the default.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["room"]
	if id == "" {
		id = r.URL.Query().Get("room")
	}
	if id == "" {
		id = s.cfg.DefaultRoom
	}
	if !config.ValidRoomID(id) {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	s.ws.Serve(w, r, id)
}
