package models

import "time"

// Endpoint journal event kinds.
const (
	EventCreated = "created"
	EventFailed  = "failed"
	EventEnded   = "ended"
)

// EndpointEvent is one row of the endpoint journal: an allocation that
// succeeded or failed, or an endpoint that went away.
type EndpointEvent struct {
	ID          int64
	Time        time.Time
	MediaServer string
	Token       string
	Event       string
	ChannelID   string
	ChannelName string
	CallID      string
	Reason      string
	// DurationMs is the allocation latency for created/failed rows and the
	// endpoint lifetime for ended rows.
	DurationMs int64
}
