// Package player implements clipped playback: a media resource presented as
// if only the sub-range [start, end) exists, with lazy loading, bounds
// clamping, readiness waiting and cache-busting retry.
package player

import "context"

// ReadyState mirrors the readiness ladder of a streaming media element.
type ReadyState int

const (
	HaveNothing ReadyState = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

func (s ReadyState) String() string {
	switch s {
	case HaveNothing:
		return "have_nothing"
	case HaveMetadata:
		return "have_metadata"
	case HaveCurrentData:
		return "have_current_data"
	case HaveFutureData:
		return "have_future_data"
	case HaveEnoughData:
		return "have_enough_data"
	default:
		return "unknown"
	}
}

// Media abstracts the underlying playback surface. Implementations own the
// network connection and the playback clock; the clipped player only drives
// them through this interface. Errors reported by Err are sticky until the
// next Load.
type Media interface {
	// Load connects the media resource and begins buffering. It may
	// return before the resource is fully ready; readiness is observed
	// through ReadyState.
	Load(ctx context.Context, src string) error
	// Unload releases the connection and any decoder state.
	Unload()

	ReadyState() ReadyState
	// Duration returns the total resource duration in seconds, or 0 when
	// unknown.
	Duration() float64
	Position() float64
	Seek(seconds float64)

	Play() error
	Pause()
	SetRate(rate float64)

	// Err returns the sticky load/decode error, if any.
	Err() error
}
