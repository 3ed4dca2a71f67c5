package protocol

import (
	"fmt"
	"math"

	"github.com/xingzihai/listen-sync/internal/event"
)

// optNumber reads a finite number. Absent and null fields report ok=false.
func optNumber(p event.Payload, key string) (v float64, ok bool, err error) {
	raw, present := p[key]
	if !present || raw == nil {
		return 0, false, nil
	}
	f, isNum := raw.(float64)
	if !isNum || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, fmt.Errorf("%w: %s must be a number", ErrInvalidField, key)
	}
	return f, true, nil
}

// optString reads a string. Absent and null fields report ok=false.
func optString(p event.Payload, key string) (v string, ok bool, err error) {
	raw, present := p[key]
	if !present || raw == nil {
		return "", false, nil
	}
	s, isStr := raw.(string)
	if !isStr {
		return "", false, fmt.Errorf("%w: %s must be a string", ErrInvalidField, key)
	}
	return s, true, nil
}

// position reads currentTime, defaulting to 0.
func position(p event.Payload) (float64, error) {
	pos, _, err := optNumber(p, "currentTime")
	if err != nil {
		return 0, err
	}
	if pos < 0 {
		return 0, fmt.Errorf("%w: currentTime must not be negative", ErrInvalidField)
	}
	return pos, nil
}
