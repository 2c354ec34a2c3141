// Package epoch converts the message store's native timestamps to UTC.
//
// The source platform counts time from 2001-01-01 00:00:00 UTC instead of
// the Unix epoch, and depending on schema version stores either seconds or
// nanoseconds. Everything downstream works in time.Time (UTC), so all
// conversion funnels through here.
package epoch

import "time"

// Offset between the platform epoch (2001-01-01 UTC) and the Unix epoch.
const appleEpochOffsetSeconds int64 = 978307200

// Values this large cannot be second-scale dates (would be ~year 33k),
// so anything above is treated as nanoseconds.
const nanosecondThreshold int64 = 1_000_000_000_000

var platformEpochStart = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// ToUTC converts a raw platform timestamp to a UTC instant.
//
// The second return is true when the value was out of range and had to be
// clamped. Callers record such rows as timestamp-suspect instead of
// aborting the batch on one bad row.
func ToUTC(v int64) (time.Time, bool) {
	seconds := v
	nanos := int64(0)
	if v >= nanosecondThreshold || v <= -nanosecondThreshold {
		seconds = v / 1_000_000_000
		nanos = v % 1_000_000_000
	}

	t := time.Unix(seconds+appleEpochOffsetSeconds, nanos).UTC()

	if t.Before(platformEpochStart) {
		return platformEpochStart, true
	}
	if max := time.Now().UTC().Add(24 * time.Hour); t.After(max) {
		return max, true
	}
	return t, false
}

// FromUTC converts a UTC instant back to a platform timestamp, using the
// scale the given schema stores. Used to push cutoff filters into source
// queries rather than filtering extracted rows in memory.
func FromUTC(t time.Time, nanoseconds bool) int64 {
	s := t.UTC().Unix() - appleEpochOffsetSeconds
	if nanoseconds {
		return s*1_000_000_000 + int64(t.Nanosecond())
	}
	return s
}
