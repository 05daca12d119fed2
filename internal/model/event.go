package model

import (
	"time"
)

// SeismicEvent is a single recorded earthquake. Values are immutable once fetched.
type SeismicEvent struct {
	ID            string    `json:"id"`
	Time          time.Time `json:"time"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	DepthKm       *float64  `json:"depth_km,omitempty"`
	Magnitude     float64   `json:"magnitude"`
	MagnitudeType string    `json:"magnitude_type,omitempty"`
	Place         string    `json:"place,omitempty"`
	URL           string    `json:"url,omitempty"`
}

// TimeRange is an inclusive interval of instants.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t lies within the range, endpoints included.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// EventQuery selects seismic events.
type EventQuery struct {
	TimeRange
	MinMagnitude float64 `json:"min_magnitude"`
	Bounds       *Bounds `json:"bounds,omitempty"`
}

// Matches reports whether ev satisfies every filter of the query.
func (q EventQuery) Matches(ev SeismicEvent) bool {
	if ev.Magnitude < q.MinMagnitude {
		return false
	}
	if !q.TimeRange.Contains(ev.Time) {
		return false
	}
	if q.Bounds != nil && !q.Bounds.Contains(ev.Latitude, ev.Longitude) {
		return false
	}
	return true
}
