package parse

import (
	"strings"
	"time"
)

// UnknownDate is the sentinel returned for any date text that does not parse.
const UnknownDate = "unknown-date"

const (
	displayDateLayout  = "January 2, 2006" // "March 3, 2024"
	sortableDateLayout = "2006-01-02"
)

// NormalizeDate converts display text like "March 3, 2024" into "2024-03-03".
// Anything else, including the empty string, yields UnknownDate.
func NormalizeDate(text string) string {
	t, err := time.Parse(displayDateLayout, strings.TrimSpace(text))
	if err != nil {
		return UnknownDate
	}
	return t.Format(sortableDateLayout)
}
