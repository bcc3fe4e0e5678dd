// Package clock maps wall-clock time to the 15-minute slot boundaries and the
// stringly-typed local timestamps used as keys throughout the store.
//
// Parsing is string-based: year, month, day and hour are extracted directly
// from the "YYYY-MM-DDTHH:MM" layout rather than by constructing a time.Time
// and letting the runtime reinterpret it in another zone. The only place a
// time zone database is consulted is when rendering a universal instant
// (time.Time) into one of these strings.
package clock

import (
	"fmt"
	"time"
)

// Layout is the canonical local timestamp layout used as a store key.
const Layout = "2006-01-02T15:04"

// SlotMinutes is the duration, in minutes, of one schedule/price slot.
const SlotMinutes = 15

// SlotStart rounds now down to the nearest 15-minute boundary and renders it
// in loc.
func SlotStart(now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	minute := (t.Minute() / SlotMinutes) * SlotMinutes
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, loc)
}

// HourStart rounds now down to the top of the hour and renders it in loc.
func HourStart(now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
}

// FormatLocal renders t (already in the desired zone) as a "YYYY-MM-DDTHH:MM"
// key. Callers must call .In(loc) before this if t isn't already local.
func FormatLocal(t time.Time) string {
	return t.Format(Layout)
}

// Local is a convenience that combines zone conversion with rendering: it
// renders now (converted into loc) at its current minute, without rounding.
func Local(now time.Time, loc *time.Location) string {
	return FormatLocal(now.In(loc))
}

// SlotKey renders now rounded to the current 15-minute slot in loc.
func SlotKey(now time.Time, loc *time.Location) string {
	return FormatLocal(SlotStart(now, loc))
}

// HourKey renders now rounded to the current hour in loc.
func HourKey(now time.Time, loc *time.Location) string {
	return FormatLocal(HourStart(now, loc))
}

// Parsed holds the components extracted from a local timestamp key without
// ever building a time.Time (and thus without any zone reinterpretation).
type Parsed struct {
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
}

// Parse extracts year/month/day/hour/minute directly from a "YYYY-MM-DDTHH:MM"
// string. It never constructs a universal instant.
func Parse(key string) (Parsed, error) {
	var p Parsed
	if len(key) != 16 || key[4] != '-' || key[7] != '-' || key[10] != 'T' || key[13] != ':' {
		return Parsed{}, fmt.Errorf("clock: malformed timestamp key %q", key)
	}
	year, err := atoi(key[0:4])
	if err != nil {
		return Parsed{}, fmt.Errorf("clock: malformed year in %q: %w", key, err)
	}
	month, err := atoi(key[5:7])
	if err != nil {
		return Parsed{}, fmt.Errorf("clock: malformed month in %q: %w", key, err)
	}
	day, err := atoi(key[8:10])
	if err != nil {
		return Parsed{}, fmt.Errorf("clock: malformed day in %q: %w", key, err)
	}
	hour, err := atoi(key[11:13])
	if err != nil {
		return Parsed{}, fmt.Errorf("clock: malformed hour in %q: %w", key, err)
	}
	minute, err := atoi(key[14:16])
	if err != nil {
		return Parsed{}, fmt.Errorf("clock: malformed minute in %q: %w", key, err)
	}
	p.Year, p.Month, p.Day, p.Hour, p.Minute = year, month, day, hour, minute
	return p, nil
}

func atoi(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a digit: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// DayOfYear returns the 1-365(6) day-of-year for a parsed key, computed in a
// synthetic UTC instant purely for calendar arithmetic (no zone semantics
// leak back out, since only the numeric day-of-year is used).
func (p Parsed) DayOfYear() int {
	t := time.Date(p.Year, time.Month(p.Month), p.Day, 0, 0, 0, 0, time.UTC)
	return t.YearDay()
}

// AddSlots returns the key for now shifted by n slots (n may be negative),
// rendered in loc.
func AddSlots(key string, n int, loc *time.Location) (string, error) {
	p, err := Parse(key)
	if err != nil {
		return "", err
	}
	t := time.Date(p.Year, time.Month(p.Month), p.Day, p.Hour, p.Minute, 0, 0, loc)
	t = t.Add(time.Duration(n) * SlotMinutes * time.Minute)
	return FormatLocal(t), nil
}
