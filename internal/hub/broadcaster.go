package hub

import (
	"log/slog"

	"github.com/xingzihai/listen-sync/internal/event"
	"github.com/xingzihai/listen-sync/internal/room"
	syncpkg "github.com/xingzihai/listen-sync/internal/sync"
)

// Target selects which members of a room receive a broadcast.
type Target int

const (
	// All delivers to every member, the sender included.
	All Target = iota
	// Others delivers to every member except the sender.
	Others
	// Self delivers to the sender only.
	Self
)

func (t Target) String() string {
	switch t {
	case All:
		return "all"
	case Others:
		return "others"
	case Self:
		return "self"
	default:
		return "unknown"
	}
}

func (t Target) includes(sender, member string) bool {
	switch t {
	case Others:
		return member != sender
	case Self:
		return member == sender
	default:
		return true
	}
}

// Broadcaster encodes an event once and hands it to the selected peers.
// Delivery is best-effort: a full or closed peer simply misses the frame.
type Broadcaster struct {
	clock syncpkg.Clock
	log   *slog.Logger
}

func NewBroadcaster(clock syncpkg.Clock, log *slog.Logger) *Broadcaster {
	if clock == nil {
		clock = syncpkg.SystemClock
	}
	return &Broadcaster{clock: clock, log: log.With("component", "broadcast")}
}

// Publish stamps payload with server_time and delivers it to the peers
// selected by target. It returns the number of peers that accepted it.
func (b *Broadcaster) Publish(peers []room.Peer, sender string, target Target, name string, payload event.Payload) int {
	out := payload.Clone()
	out["server_time"] = syncpkg.Seconds(b.clock.Now())

	frame, err := event.Encode(name, out)
	if err != nil {
		b.log.Warn("dropping unencodable event", "event", name, "err", err)
		return 0
	}

	delivered := 0
	for _, p := range peers {
		if !target.includes(sender, p.UserID()) {
			continue
		}
		if p.Deliver(frame) {
			delivered++
			continue
		}
		b.log.Warn("delivery dropped", "event", name, "user", p.UserID())
	}
	return delivered
}

// Send delivers an unstamped event to a single peer. Used for replies that
// carry no room state, such as errors.
func (b *Broadcaster) Send(p room.Peer, name string, data any) bool {
	frame, err := event.Encode(name, data)
	if err != nil {
		b.log.Warn("dropping unencodable event", "event", name, "err", err)
		return false
	}
	return p.Deliver(frame)
}
