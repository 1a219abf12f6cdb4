package time

import (
	"strings"
	"time"
)

// ShortDur shortens the string representation of a time.Duration from
// d.String(). Durations longer than a second are rounded to milliseconds.
func ShortDur(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	if d > time.Second || d < -time.Second {
		d = d.Round(time.Millisecond)
	}
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}
