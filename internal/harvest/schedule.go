package harvest

import "time"

// Period returns the span one frequency covers. ONCE has no period.
func (f Frequency) Period() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	return f == FrequencyOnce || f.Period() > 0
}

// Interval is the spacing between fires: the period divided evenly by the occurrences.
func (p SchedulePolicy) Interval() time.Duration {
	n := p.OccurrencesPerPeriod
	if n < 1 {
		n = 1
	}
	return p.Frequency.Period() / time.Duration(n)
}

// Due reports whether the policy should fire at now.
func (p SchedulePolicy) Due(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	if p.LastFiredAt.IsZero() {
		return true
	}
	if p.Frequency == FrequencyOnce {
		return false
	}
	return !now.Before(p.LastFiredAt.Add(p.Interval()))
}

// NextFireAt returns when the policy fires next, or false when it never will.
func (p SchedulePolicy) NextFireAt(now time.Time) (time.Time, bool) {
	if !p.Enabled {
		return time.Time{}, false
	}
	if p.LastFiredAt.IsZero() {
		return now, true
	}
	if p.Frequency == FrequencyOnce {
		return time.Time{}, false
	}
	next := p.LastFiredAt.Add(p.Interval())
	if next.Before(now) {
		return now, true
	}
	return next, true
}
