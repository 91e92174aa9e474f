package schedule

import (
	"fmt"
	"time"
)

const minutesPerDay = 24 * 60

// ParseHHMM converts a 4-character 24-hour "HHMM" string into minutes of
// day. Anything else reports false.
func ParseHHMM(s string) (int, bool) {
	if len(s) != 4 {
		return 0, false
	}
	for i := 0; i < 4; i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[2]-'0')*10 + int(s[3]-'0')
	if h > 23 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// Minutes is ParseHHMM with malformed input mapped to midnight.
func Minutes(s string) int {
	m, _ := ParseHHMM(s)
	return m
}

// MinutesOfDay returns the wall-clock minutes of t in its own location.
func MinutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Duration is the scheduled running time between two HHMM times, wrapping
// over midnight.
func Duration(start, end string) (int, bool) {
	s, ok1 := ParseHHMM(start)
	e, ok2 := ParseHHMM(end)
	if !ok1 || !ok2 {
		return 0, false
	}
	d := e - s
	if d < 0 {
		d += minutesPerDay
	}
	return d, true
}

// FormatDuration renders the running time as shown on the board, "---"
// when either end is unknown.
func FormatDuration(start, end string) string {
	d, ok := Duration(start, end)
	if !ok {
		return "---"
	}
	return fmt.Sprintf("%dhr %d min", d/60, d%60)
}

// FormatHHMM renders "1315" as "1:15 PM". Malformed input is returned as is.
func FormatHHMM(s string) string {
	m, ok := ParseHHMM(s)
	if !ok {
		return s
	}
	h := m / 60
	ampm := "AM"
	if h >= 12 {
		ampm = "PM"
	}
	display := h % 12
	if display == 0 {
		display = 12
	}
	return fmt.Sprintf("%d:%s %s", display, s[2:], ampm)
}
