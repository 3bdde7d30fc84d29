// Package widget formats the small text widgets around the map.
package widget

import "time"

// ClockText is the time/date pair shown in the corner widget.
type ClockText struct {
	Time string `json:"time"` // "3:04 PM"
	Date string `json:"date"` // "Mon, Jan 2"
}

// Clock formats now in its own location.
func Clock(now time.Time) ClockText {
	return ClockText{
		Time: now.Format("3:04 PM"),
		Date: now.Format("Mon, Jan 2"),
	}
}
