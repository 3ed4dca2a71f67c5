package sync

import (
	"time"
)

// Clock supplies wall-clock time. Tests substitute a fixed or stepping clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}

// Seconds converts t to floating-point unix seconds, the unit every
// timestamp on the wire uses.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// ServerTime returns the current server time in unix seconds.
func ServerTime() float64 {
	return Seconds(time.Now())
}

// Pong is the reply to a client clock ping.
type Pong struct {
	ClientTime float64 `json:"clientTime"`
	ServerTime float64 `json:"server_time"`
}

// NewPong answers a ping carrying clientTime with the clock's current time.
func NewPong(c Clock, clientTime float64) Pong {
	return Pong{
		ClientTime: clientTime,
		ServerTime: Seconds(c.Now()),
	}
}

// Extrapolate returns the live playback position a receiver should use:
// position advanced by the time elapsed since serverTime while playing,
// position unchanged otherwise.
func Extrapolate(position float64, playing bool, serverTime, now float64) float64 {
	if !playing {
		return position
	}
	elapsed := now - serverTime
	if elapsed < 0 {
		elapsed = 0
	}
	return position + elapsed
}
