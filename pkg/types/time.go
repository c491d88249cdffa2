// Timestamps.
//
// All temporal values are int64 nanoseconds since the Unix epoch.
// Date values use the same unit with the intra-day part zeroed.
package types

import "time"

// Stamp bounds. MinStamp marks "no timestamp seen yet" in file
// metadata; a spare file carries (MaxStamp, MinStamp) so that any real
// stamp widens the range.
const (
	MinStamp int64 = -1 << 63
	MaxStamp int64 = 1<<63 - 1
)

const (
	NanosPerSecond = int64(time.Second)
	NanosPerDay    = 24 * int64(time.Hour)
)

// StampFromTime converts a time.Time to engine nanoseconds.
func StampFromTime(t time.Time) int64 {
	return t.UnixNano()
}

// StampToTime converts engine nanoseconds to a UTC time.Time.
func StampToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// DateOf truncates a stamp to midnight UTC.
func DateOf(ns int64) int64 {
	d := ns % NanosPerDay
	if d < 0 {
		d += NanosPerDay
	}
	return ns - d
}

// ParseStamp parses the canonical textual forms accepted in SQL
// literals: full timestamps and bare dates.
func ParseStamp(s string) (int64, bool) {
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().UnixNano(), true
		}
	}
	return 0, false
}
