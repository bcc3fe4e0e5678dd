package orchestrator

import "time"

// delayToNextDailyAt returns the duration from now until the next
// occurrence of hour:minute in loc (today if it hasn't passed yet,
// tomorrow otherwise).
func delayToNextDailyAt(now time.Time, hour, minute int, loc *time.Location) time.Duration {
	t := now.In(loc)
	target := time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, loc)
	if !target.After(t) {
		target = target.AddDate(0, 0, 1)
	}
	return target.Sub(t)
}

// delayToNextHourlyAt returns the duration from now until the next
// occurrence of :minute past the hour, in loc.
func delayToNextHourlyAt(now time.Time, minute int, loc *time.Location) time.Duration {
	t := now.In(loc)
	target := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, loc)
	if !target.After(t) {
		target = target.Add(time.Hour)
	}
	return target.Sub(t)
}

// delayToNext15Min returns the duration from now until the next
// 15-minute slot boundary, in loc.
func delayToNext15Min(now time.Time, loc *time.Location) time.Duration {
	t := now.In(loc)
	minute := (t.Minute()/15 + 1) * 15
	target := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc).Add(time.Duration(minute) * time.Minute)
	return target.Sub(t)
}

// delayToNextIntervalHours returns the duration from now until the next
// hour-of-day that is both a multiple of everyHours and strictly in the
// future, at minute 0.
func delayToNextIntervalHours(now time.Time, everyHours int, loc *time.Location) time.Duration {
	if everyHours <= 0 {
		everyHours = 6
	}
	t := now.In(loc)
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	for i := 0; i < 48; i++ {
		cand := dayStart.Add(time.Duration(i) * time.Hour)
		if cand.Hour()%everyHours == 0 && cand.After(t) {
			return cand.Sub(t)
		}
	}
	return time.Hour
}
