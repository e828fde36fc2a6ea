package types

import "time"

// Genesis is the first day of the date index.
var Genesis = time.Date(2009, time.January, 3, 0, 0, 0, 0, time.UTC)

const secondsPerDay = 86400

// DateIndex counts UTC days since Genesis.
type DateIndex uint64

// DateIndexOf returns the date index of a unix timestamp. Timestamps before
// Genesis map to 0.
func DateIndexOf(ts uint64) DateIndex {
	g := uint64(Genesis.Unix())
	if ts < g {
		return 0
	}
	return DateIndex((ts - g) / secondsPerDay)
}

// Time returns midnight UTC of the indexed day.
func (d DateIndex) Time() time.Time {
	return Genesis.AddDate(0, 0, int(d))
}

// DaysBetween returns the whole number of days from then to now, or 0 when
// now is not after then. Block timestamps are not monotonic.
func DaysBetween(then, now uint64) uint64 {
	if now <= then {
		return 0
	}
	return (now - then) / secondsPerDay
}
