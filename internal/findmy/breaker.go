package findmy

import (
	"context"
	"errors"
	"time"

	locationagent "github.com/geoloop/LocationAgent"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	breakerTripThreshold = 5
	breakerCountInterval = 5 * time.Minute
	breakerOpenTimeout   = 2 * time.Minute
)

// BreakerSource wraps a SourceAdapter with a circuit breaker so a flapping
// upstream fails fast instead of eating the full fetch timeout every cycle.
// Short-circuited fetches surface as transport errors; the scheduler already
// sleeps at least its minimum interval between attempts.
type BreakerSource struct {
	source locationagent.SourceAdapter
	cb     *gobreaker.CircuitBreaker[[]locationagent.RawSample]
}

// NewBreakerSource wraps source. A nil logger falls back to the global one.
func NewBreakerSource(source locationagent.SourceAdapter, logger *zerolog.Logger) *BreakerSource {
	lg := log.Logger
	if logger != nil {
		lg = *logger
	}
	cb := gobreaker.NewCircuitBreaker[[]locationagent.RawSample](gobreaker.Settings{
		Name:        "findmy-fetch",
		MaxRequests: 1,
		Interval:    breakerCountInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("fetch breaker state changed")
		},
	})
	return &BreakerSource{source: source, cb: cb}
}

// ListEntities delegates to the wrapped source through the breaker.
func (b *BreakerSource) ListEntities(ctx context.Context) ([]locationagent.RawSample, error) {
	samples, err := b.cb.Execute(func() ([]locationagent.RawSample, error) {
		return b.source.ListEntities(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, locationagent.NewTransportError(err)
		}
		return nil, err
	}
	return samples, nil
}
