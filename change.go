package locationagent

import "math"

// DefaultPrecision is the number of decimal places coordinates are rounded
// to before comparison. Six places is on the order of 0.1m, enough to absorb
// GPS jitter while still catching genuine movement.
const DefaultPrecision = 6

// CoordinatesChanged reports whether cur is a meaningful move away from
// prev. Both coordinates are rounded to precision decimal places and
// compared exactly; a difference in either axis counts as a change. A nil
// prev always counts as changed so a first observation drops the entity to
// the fastest polling rate until a baseline exists.
func CoordinatesChanged(prev *Coordinates, cur Coordinates, precision int) bool {
	if prev == nil {
		return true
	}
	return roundTo(prev.Latitude, precision) != roundTo(cur.Latitude, precision) ||
		roundTo(prev.Longitude, precision) != roundTo(cur.Longitude, precision)
}

func roundTo(v float64, precision int) float64 {
	pow := math.Pow(10, float64(precision))
	return math.Round(v*pow) / pow
}
