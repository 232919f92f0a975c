package locationagent

import "time"

// RawSample is one reading for a tracked entity as delivered by a
// SourceAdapter. Coordinates are optional: entities that are offline or have
// no recent fix still appear in the fetch, just without a position.
type RawSample struct {
	EntityID   string
	Name       string
	Latitude   *float64
	Longitude  *float64
	CapturedAt int64 // source-reported capture time, epoch milliseconds
	Status     map[string]any
}

// HasCoordinates reports whether both coordinates are present.
func (s RawSample) HasCoordinates() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Sample is the persisted record shape: one row per entity per cycle in
// which the entity produced a usable reading.
type Sample struct {
	EntityID   string
	Latitude   float64
	Longitude  float64
	CapturedAt string // RFC 3339 in the reference time zone, "" when the source had no timestamp
	RecordedAt string // RFC 3339 in the reference time zone
	Status     map[string]any
}

// FormatEpochMillis renders a source epoch-millisecond timestamp as RFC 3339
// in loc. Zero and negative values yield "".
func FormatEpochMillis(ms int64, loc *time.Location) string {
	if ms <= 0 {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.UnixMilli(ms).In(loc).Format(time.RFC3339)
}

// FormatWallClock renders t as RFC 3339 in loc.
func FormatWallClock(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.RFC3339)
}
