package relay

import "time"

// WeekBin is the (ISO year, ISO week) key a thread falls into under the
// configured timezone. It selects the target weekly collection thread.
type WeekBin struct {
	Year int
	Week int
}

// BinOf computes the week bin for an epoch-seconds timestamp. The result
// is a pure function of (ts, loc): recomputation always yields the same
// bin, so task rows can be rebuilt from thread rows at any time.
func BinOf(ts int64, loc *time.Location) WeekBin {
	year, week := time.Unix(ts, 0).In(loc).ISOWeek()
	return WeekBin{Year: year, Week: week}
}

// FormatLocal renders an epoch-seconds timestamp in the given timezone,
// for reply content.
func FormatLocal(ts int64, loc *time.Location) string {
	return time.Unix(ts, 0).In(loc).Format("2006-01-02 15:04:05")
}
