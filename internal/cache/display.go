package cache

import (
	"time"

	"github.com/dustin/go-humanize"
)

const day = 24 * time.Hour

// lastUpdatedMagnitudes render whole minutes, hours and days, flooring
// like the profile cards always have.
var lastUpdatedMagnitudes = []humanize.RelTimeMagnitude{
	{D: time.Minute, Format: "Just now", DivBy: 1},
	{D: 2 * time.Minute, Format: "1 minute %s", DivBy: 1},
	{D: time.Hour, Format: "%d minutes %s", DivBy: time.Minute},
	{D: 2 * time.Hour, Format: "1 hour %s", DivBy: 1},
	{D: day, Format: "%d hours %s", DivBy: time.Hour},
	{D: 2 * day, Format: "1 day %s", DivBy: 1},
	{D: 31 * day, Format: "%d days %s", DivBy: day},
}

// FormatLastUpdated renders an update time relative to now: "Just now",
// "N minutes ago", "N hours ago", "N days ago", or an absolute date such as
// "Mar 4, 2024" once it is more than 30 whole days old. A nil time is
// "Unknown"; times in the future count as "Just now".
func FormatLastUpdated(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return "Unknown"
	}
	if t.After(now) {
		return "Just now"
	}
	if now.Sub(*t) >= 31*day {
		return t.Format("Jan 2, 2006")
	}
	return humanize.CustomRelTime(*t, now, "ago", "from now", lastUpdatedMagnitudes)
}
