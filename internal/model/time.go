package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Upstream timestamps arrive in several shapes. Zone-less layouts are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses an RFC 3339-like string or a Unix epoch in seconds or
// milliseconds. The result is always UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("parse time: empty")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return EpochTime(n), nil
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q: unrecognized layout", s)
}

// EpochTime interprets n as milliseconds when it is too large to be seconds.
func EpochTime(n int64) time.Time {
	if n > 1e11 || n < -1e11 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
