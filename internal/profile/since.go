package profile

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/compintel/profilesync/internal/cache"
)

var sinceParser = newSinceParser()

func newSinceParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// UpdatedSince returns the records whose update time is at or after t.
// Records with unknown update times are left out.
func UpdatedSince(records []cache.Record, t time.Time) []cache.Record {
	out := make([]cache.Record, 0, len(records))
	for _, r := range records {
		if r.LastUpdatedRaw == nil || r.LastUpdatedRaw.Before(t) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ParseSince turns a phrase into a point in time relative to now.
//
// Accepted forms, tried in order:
//
//	7d, 36h, 90m            compact durations (d is days)
//	2024-03-01, RFC 3339    absolute dates
//	"3 days ago", "last monday", "yesterday"   natural language
func ParseSince(phrase string, now time.Time) (time.Time, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return time.Time{}, fmt.Errorf("since cannot be empty")
	}

	if d, ok := parseCompactDuration(phrase); ok {
		return now.Add(-d), nil
	}

	if t, err := time.Parse(time.RFC3339, phrase); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", phrase, now.Location()); err == nil {
		return t, nil
	}

	r, err := sinceParser.Parse(phrase, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse since %q: %w", phrase, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized since %q", phrase)
	}
	return r.Time, nil
}

func parseCompactDuration(s string) (time.Duration, bool) {
	if n, found := strings.CutSuffix(s, "d"); found {
		days, err := strconv.Atoi(n)
		if err != nil || days < 0 {
			return 0, false
		}
		return time.Duration(days) * 24 * time.Hour, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}
