package parse

import (
	"strings"
	"time"
)

// Devices publish epoch timestamps in milliseconds, but a few firmware
// revisions send seconds. Anything below this crossover cannot be a
// plausible millisecond timestamp (it would land before 1971), so values
// under it that decode to a pre-2000 date are retried as seconds.
const secondsCrossover = 20_000_000_000

// minPlausibleYear is the oldest year a device clock can legitimately
// produce. Uninitialized RTCs report epoch 0 or small garbage values.
const minPlausibleYear = 2000

// NormalizeEpoch converts a raw device epoch value into a timestamp in loc.
// The value is treated as milliseconds first, then reinterpreted as seconds
// when the millisecond reading is implausible. Values that are implausible
// either way are replaced with now; the second return reports that
// substitution so the caller can count it. NormalizeEpoch never fails.
func NormalizeEpoch(raw int64, now time.Time, loc *time.Location) (time.Time, bool) {
	ts := time.UnixMilli(raw).In(loc)
	if ts.Year() < minPlausibleYear && raw < secondsCrossover {
		ts = time.Unix(raw, 0).In(loc)
	}
	if ts.Year() < minPlausibleYear {
		return now.In(loc), true
	}
	return ts, false
}

// NormalizeMachineID canonicalizes an external machine identifier so cache
// lookups and stored rows agree on one spelling.
func NormalizeMachineID(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
