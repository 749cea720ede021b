package relay

import (
	"regexp"
	"strconv"
	"strings"
)

// Collection thread titles carry a year/week marker like "2026年第1周" or
// "2026 第 1 周". The 年 is optional, spacing is loose.
var yearWeekRe = regexp.MustCompile(`(\d{4})\s*年?\s*第\s*(\d{1,2})\s*周`)

// ParseYearWeek extracts the (year, week) marker from a title. ok is false
// when the title has no marker or the week is out of the 1..53 range;
// malformed titles degrade to "no match", they never fail sync-collections.
func ParseYearWeek(title string) (year, week int, ok bool) {
	m := yearWeekRe.FindStringSubmatch(title)
	if m == nil {
		return 0, 0, false
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	week, err = strconv.Atoi(m[2])
	if err != nil || week < 1 || week > 53 {
		return 0, 0, false
	}
	return year, week, true
}

// CollectionRules maps a category to the title keywords that identify its
// weekly collection threads.
type CollectionRules map[string][]string

// DetectCollection decides whether a title names a weekly collection
// thread: it must carry a year/week marker and contain a keyword from one
// of the configured categories.
func (r CollectionRules) DetectCollection(title string) (category string, bin WeekBin, ok bool) {
	year, week, ok := ParseYearWeek(title)
	if !ok {
		return "", WeekBin{}, false
	}
	for cat, keywords := range r {
		for _, kw := range keywords {
			if kw != "" && strings.Contains(title, kw) {
				return cat, WeekBin{Year: year, Week: week}, true
			}
		}
	}
	return "", WeekBin{}, false
}
