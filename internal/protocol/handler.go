// Package protocol turns inbound playback events into room mutations and
// decides who hears about them.
package protocol

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/xingzihai/listen-sync/internal/event"
	"github.com/xingzihai/listen-sync/internal/hub"
	"github.com/xingzihai/listen-sync/internal/room"
	syncpkg "github.com/xingzihai/listen-sync/internal/sync"
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrInvalidField = errors.New("invalid field")
)

type handlerFunc func(s *hub.Session, p event.Payload) error

// Handler applies inbound events to the Store and fans the results out
// through the Broadcaster.
type Handler struct {
	store *room.Store
	bc    *hub.Broadcaster
	clock syncpkg.Clock
	log   *slog.Logger

	routes map[string]handlerFunc
}

func NewHandler(store *room.Store, bc *hub.Broadcaster, clock syncpkg.Clock, log *slog.Logger) *Handler {
	if clock == nil {
		clock = syncpkg.SystemClock
	}
	h := &Handler{
		store: store,
		bc:    bc,
		clock: clock,
		log:   log.With("component", "protocol"),
	}
	h.routes = map[string]handlerFunc{
		event.Play:         h.play,
		event.Pause:        h.pause,
		event.LoadTrack:    h.loadTrack,
		event.VolumeChange: h.volumeChange,
		event.Seek:         h.seek,
		event.SyncRequest:  h.syncRequest,
		event.Ping:         h.ping,
	}
	return h
}

// HandleFrame decodes a raw frame and handles it.
func (h *Handler) HandleFrame(s *hub.Session, frame []byte) {
	name, p, err := event.Decode(frame)
	if err != nil {
		h.fail(s, "", err)
		return
	}
	h.Handle(s, name, p)
}

// Handle processes one event from s. Any failure, panics included, is
// reported to s alone and leaves every other connection untouched.
func (h *Handler) Handle(s *hub.Session, name string, p event.Payload) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("handler panic", "event", name, "user", s.UserID(), "room", s.RoomID(), "panic", rec)
			h.fail(s, name, fmt.Errorf("internal error handling %s", name))
		}
	}()

	fn, ok := h.routes[name]
	if !ok {
		h.fail(s, name, fmt.Errorf("%w: %s", ErrUnknownEvent, name))
		return
	}
	if err := fn(s, p); err != nil {
		h.fail(s, name, err)
	}
}

func (h *Handler) fail(s *hub.Session, name string, err error) {
	h.log.Warn("event rejected", "event", name, "user", s.UserID(), "room", s.RoomID(), "err", err)
	h.bc.Send(s, event.Error, event.Payload{"message": err.Error()})
}

// apply mutates the sender's room and publishes payload ∪ {room_state} to
// target while the room is still held.
func (h *Handler) apply(s *hub.Session, name string, p event.Payload, target hub.Target, mutate func(*room.State)) room.State {
	return h.store.Update(s.RoomID(), mutate, func(st room.State, peers []room.Peer) {
		out := p.Clone()
		out["room_state"] = st
		h.bc.Publish(peers, s.UserID(), target, name, out)
	})
}

func (h *Handler) play(s *hub.Session, p event.Payload) error {
	pos, err := position(p)
	if err != nil {
		return err
	}
	track, hasTrack, err := optString(p, "filename")
	if err != nil {
		return err
	}

	st := h.apply(s, event.Play, p, hub.All, func(st *room.State) {
		st.IsPlaying = true
		st.CurrentTime = pos
		st.Reposition()
		if hasTrack {
			st.CurrentTrack = &track
		}
	})
	h.log.Debug("playback started", "user", s.UserID(), "room", s.RoomID(), "track", st.Track(), "position", pos)
	return nil
}

func (h *Handler) pause(s *hub.Session, p event.Payload) error {
	pos, err := position(p)
	if err != nil {
		return err
	}

	h.apply(s, event.Pause, p, hub.All, func(st *room.State) {
		st.IsPlaying = false
		st.CurrentTime = pos
		st.Reposition()
	})
	h.log.Debug("playback paused", "user", s.UserID(), "room", s.RoomID(), "position", pos)
	return nil
}

func (h *Handler) loadTrack(s *hub.Session, p event.Payload) error {
	track, hasTrack, err := optString(p, "filename")
	if err != nil {
		return err
	}

	h.apply(s, event.LoadTrack, p, hub.All, func(st *room.State) {
		st.CurrentTrack = nil
		if hasTrack {
			st.CurrentTrack = &track
		}
		st.CurrentTime = 0
		st.IsPlaying = false
		st.Reposition()
	})
	h.log.Debug("track loaded", "user", s.UserID(), "room", s.RoomID(), "track", track)
	return nil
}

func (h *Handler) volumeChange(s *hub.Session, p event.Payload) error {
	vol, hasVol, err := optNumber(p, "volume")
	if err != nil {
		return err
	}

	// the sender already applied the change locally
	st := h.apply(s, event.VolumeChange, p, hub.Others, func(st *room.State) {
		if hasVol {
			st.Volume = vol
		}
	})
	h.log.Debug("volume changed", "user", s.UserID(), "room", s.RoomID(), "volume", st.Volume)
	return nil
}

func (h *Handler) seek(s *hub.Session, p event.Payload) error {
	pos, err := position(p)
	if err != nil {
		return err
	}

	h.apply(s, event.Seek, p, hub.All, func(st *room.State) {
		st.CurrentTime = pos
		st.Reposition()
	})
	h.log.Debug("seeked", "user", s.UserID(), "room", s.RoomID(), "position", pos)
	return nil
}

func (h *Handler) syncRequest(s *hub.Session, _ event.Payload) error {
	h.store.View(s.RoomID(), func(st room.State, peers []room.Peer) {
		h.bc.Publish(peers, s.UserID(), hub.Self, event.Sync, event.Payload{"room_state": st})
	})
	return nil
}

func (h *Handler) ping(s *hub.Session, p event.Payload) error {
	clientTime, _, err := optNumber(p, "clientTime")
	if err != nil {
		return err
	}
	h.bc.Send(s, event.Pong, syncpkg.NewPong(h.clock, clientTime))
	return nil
}
