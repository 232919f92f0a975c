package locationagent

import (
	"testing"
	"time"
)

func TestFormatEpochMillis(t *testing.T) {
	// 2023-11-14T22:13:20Z
	const ms = int64(1700000000000)
	zone := time.FixedZone("PST", -8*3600)

	if got := FormatEpochMillis(ms, zone); got != "2023-11-14T14:13:20-08:00" {
		t.Fatalf("FormatEpochMillis = %q", got)
	}
	if got := FormatEpochMillis(ms, nil); got != "2023-11-14T22:13:20Z" {
		t.Fatalf("FormatEpochMillis(nil zone) = %q", got)
	}
}

func TestFormatEpochMillisZeroValue(t *testing.T) {
	if got := FormatEpochMillis(0, time.UTC); got != "" {
		t.Fatalf("expected empty string for zero timestamp, got %q", got)
	}
	if got := FormatEpochMillis(-5, time.UTC); got != "" {
		t.Fatalf("expected empty string for negative timestamp, got %q", got)
	}
}

func TestFormatWallClock(t *testing.T) {
	at := time.Date(2025, 3, 10, 17, 30, 0, 0, time.UTC)
	zone := time.FixedZone("PDT", -7*3600)
	if got := FormatWallClock(at, zone); got != "2025-03-10T10:30:00-07:00" {
		t.Fatalf("FormatWallClock = %q", got)
	}
}

func TestHasCoordinates(t *testing.T) {
	lat := 37.0
	lon := -122.0

	if (RawSample{Latitude: &lat, Longitude: &lon}).HasCoordinates() == false {
		t.Fatal("expected sample with both coordinates to have coordinates")
	}
	if (RawSample{Latitude: &lat}).HasCoordinates() {
		t.Fatal("expected sample missing longitude to lack coordinates")
	}
	if (RawSample{Longitude: &lon}).HasCoordinates() {
		t.Fatal("expected sample missing latitude to lack coordinates")
	}
	if (RawSample{}).HasCoordinates() {
		t.Fatal("expected empty sample to lack coordinates")
	}
}
