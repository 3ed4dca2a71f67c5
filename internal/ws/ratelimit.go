package ws

import "time"

// rateWindow is a sliding-window counter. It is owned by a single read
// loop and needs no locking.
type rateWindow struct {
	window time.Duration
	limit  int
	times  []time.Time
}

func newRateWindow(window time.Duration, limit int) *rateWindow {
	return &rateWindow{window: window, limit: limit, times: make([]time.Time, 0, limit)}
}

// allow records an event at now unless limit events already fall inside
// the window.
func (w *rateWindow) allow(now time.Time) bool {
	cutoff := now.Add(-w.window)
	valid := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= w.limit {
		w.times = valid
		return false
	}
	w.times = append(valid, now)
	return true
}
