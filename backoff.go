package locationagent

import "time"

// Stock intervals for the adaptive poll policy.
const (
	DefaultMinInterval  = time.Minute
	DefaultDaytimeMax   = 8 * time.Minute
	DefaultNighttimeMax = 16 * time.Minute
	DefaultDayStart     = 10
	DefaultDayEnd       = 18
)

// BackoffPolicy computes the next poll delay for an entity from whether its
// location changed this cycle and from the local time of day. The ceiling is
// lower inside the daytime window because movement is more likely then and
// staleness costs more.
type BackoffPolicy struct {
	MinInterval  time.Duration
	DaytimeMax   time.Duration
	NighttimeMax time.Duration
	DayStart     int // inclusive hour in Location
	DayEnd       int // exclusive hour in Location
	Location     *time.Location
}

// DefaultBackoffPolicy returns the stock policy evaluated in loc.
func DefaultBackoffPolicy(loc *time.Location) BackoffPolicy {
	return BackoffPolicy{
		MinInterval:  DefaultMinInterval,
		DaytimeMax:   DefaultDaytimeMax,
		NighttimeMax: DefaultNighttimeMax,
		DayStart:     DefaultDayStart,
		DayEnd:       DefaultDayEnd,
		Location:     loc,
	}
}

// Ceiling returns the maximum permitted interval at now.
func (p BackoffPolicy) Ceiling(now time.Time) time.Duration {
	hour := now.In(p.location()).Hour()
	if hour >= p.DayStart && hour < p.DayEnd {
		return p.DaytimeMax
	}
	return p.NighttimeMax
}

// Next computes the interval that follows current. A changed cycle resets to
// MinInterval; an unchanged cycle doubles up to the ceiling in effect at now.
func (p BackoffPolicy) Next(current time.Duration, changed bool, now time.Time) time.Duration {
	if changed {
		return p.MinInterval
	}
	next := current * 2
	if ceiling := p.Ceiling(now); next > ceiling {
		next = ceiling
	}
	if next < p.MinInterval {
		next = p.MinInterval
	}
	return next
}

// Clamp bounds a stored interval into [MinInterval, Ceiling(now)]. Stored
// intervals go stale when the ceiling shifts between day and night; they are
// clamped on read rather than rewritten.
func (p BackoffPolicy) Clamp(interval time.Duration, now time.Time) time.Duration {
	if ceiling := p.Ceiling(now); interval > ceiling {
		interval = ceiling
	}
	if interval < p.MinInterval {
		interval = p.MinInterval
	}
	return interval
}

func (p BackoffPolicy) location() *time.Location {
	if p.Location != nil {
		return p.Location
	}
	return time.UTC
}
