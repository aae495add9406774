package api

import (
	"strings"
	"time"
)

var travelLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

var queryLayouts = append(travelLayouts[:len(travelLayouts):len(travelLayouts)], "2006-01-02")

// parseTimestamp tries each layout in turn. Zone-less values are UTC.
func parseTimestamp(s string, layouts []string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
