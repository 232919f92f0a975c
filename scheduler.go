package locationagent

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls Agent behavior. Source and Sink are required; every other
// field falls back to a stock value.
type Config struct {
	Source SourceAdapter
	Sink   PersistenceSink

	// States holds per-entity poll state. Defaults to an in-memory store.
	States StateStore

	// Backoff is the adaptive interval policy. Zero fields are filled with
	// the stock values evaluated in Location.
	Backoff BackoffPolicy

	// Precision is the number of coordinate decimal places the change
	// detector compares. Defaults to DefaultPrecision.
	Precision int

	// Location is the reference time zone for persisted timestamps and the
	// day/night ceiling. Defaults to UTC.
	Location *time.Location

	// Logger overrides the process-global logger.
	Logger *zerolog.Logger

	// ProcessID identifies this agent instance on error records. Defaults
	// to the host serial joined with a fresh UUID.
	ProcessID string
}

// Agent drives the fetch, detect, back off, persist cycle and owns the
// per-entity poll state. One Agent runs one loop; Start must not be called
// concurrently with itself or with RunOnce.
type Agent struct {
	source    SourceAdapter
	sink      PersistenceSink
	states    StateStore
	backoff   BackoffPolicy
	precision int
	loc       *time.Location
	logger    zerolog.Logger
	processID string

	// authenticated flips after the first successful fetch. Auth failures
	// before that point are fatal; after it they are retried like any other
	// fetch failure, since an operator may restore the session out of band.
	authenticated bool

	clock func() time.Time
}

// NewAgent validates cfg and builds an Agent.
func NewAgent(cfg Config) (*Agent, error) {
	if cfg.Source == nil {
		return nil, errors.New("source adapter cannot be nil")
	}
	if cfg.Sink == nil {
		return nil, errors.New("persistence sink cannot be nil")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Precision <= 0 {
		cfg.Precision = DefaultPrecision
	}
	if cfg.States == nil {
		cfg.States = NewMemoryStateStore()
	}
	cfg.Backoff = normalizeBackoff(cfg.Backoff, cfg.Location)

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	processID := strings.TrimSpace(cfg.ProcessID)
	if processID == "" {
		processID = defaultProcessID()
	}

	return &Agent{
		source:    cfg.Source,
		sink:      cfg.Sink,
		states:    cfg.States,
		backoff:   cfg.Backoff,
		precision: cfg.Precision,
		loc:       cfg.Location,
		logger:    logger,
		processID: processID,
		clock:     time.Now,
	}, nil
}

func normalizeBackoff(p BackoffPolicy, loc *time.Location) BackoffPolicy {
	if p.MinInterval <= 0 {
		p.MinInterval = DefaultMinInterval
	}
	if p.DaytimeMax <= 0 {
		p.DaytimeMax = DefaultDaytimeMax
	}
	if p.NighttimeMax <= 0 {
		p.NighttimeMax = DefaultNighttimeMax
	}
	if p.DayStart == 0 && p.DayEnd == 0 {
		p.DayStart = DefaultDayStart
		p.DayEnd = DefaultDayEnd
	}
	if p.Location == nil {
		p.Location = loc
	}
	return p
}

// defaultProcessID identifies this agent run on error records: host serial
// plus a fresh UUID, or the UUID alone when the serial is unavailable.
func defaultProcessID() string {
	id := uuid.NewString()
	if serial, err := HostSerial(); err == nil && serial != "" {
		return serial + "-" + id
	}
	return id
}

// ProcessID returns the identity stamped on this agent's error records.
func (a *Agent) ProcessID() string {
	return a.processID
}

// Start begins the poll loop and blocks until ctx is cancelled. The first
// cycle runs immediately; each later cycle is armed for the smallest
// per-entity interval. Start returns an error only when fetching fails
// authentication before ever succeeding, which nothing but new credentials
// can fix.
func (a *Agent) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	a.logger.Info().
		Str("process_id", a.processID).
		Str("timezone", a.loc.String()).
		Msg("start location agent")

	// Fast-start: run one cycle immediately instead of waiting out the
	// first interval.
	wake, err := a.runCycle(ctx)
	if err != nil {
		return err
	}

	timer := time.NewTimer(wake)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("location agent stopping")
			return nil
		case <-timer.C:
			wake, err = a.runCycle(ctx)
			if err != nil {
				return err
			}
			timer.Reset(wake)
		}
	}
}

// RunOnce executes a single poll cycle and returns the delay until the next
// cycle would be due.
func (a *Agent) RunOnce(ctx context.Context) (time.Duration, error) {
	return a.runCycle(ctx)
}

func (a *Agent) runCycle(ctx context.Context) (time.Duration, error) {
	now := a.now()

	raw, err := a.source.ListEntities(ctx)
	if err != nil {
		if !a.authenticated && IsAuthError(err) {
			return 0, errors.Wrap(err, "initial authentication failed")
		}
		a.logger.Warn().Err(err).Msg("fetch entities failed")
		a.sink.RecordError(ctx, ErrorRecord{
			Message:   err.Error(),
			Timestamp: FormatWallClock(now, a.loc),
			ProcessID: a.processID,
			Stage:     StageFetch,
		})
		return a.backoff.MinInterval, nil
	}
	a.authenticated = true

	batch := a.processSamples(raw, now)
	if len(batch) > 0 {
		if err := a.sink.Append(ctx, batch); err != nil {
			if hard := a.handleAppendFailure(ctx, err, now); hard {
				// Retry persistence at the floor rather than at whatever
				// pace the entities had backed off to.
				return a.backoff.MinInterval, nil
			}
		}
	}

	wake := a.nextWake(now)
	a.logger.Info().
		Int("entities", len(raw)).
		Int("records", len(batch)).
		Dur("next_wake", wake).
		Msg("poll cycle complete")
	return wake, nil
}

// processSamples runs change detection and the backoff policy over one
// fetch, updates the state store, and returns the records to persist.
// Samples without coordinates or without an entity id are filtered out; they
// leave no trace in the store.
func (a *Agent) processSamples(raw []RawSample, now time.Time) []Sample {
	batch := make([]Sample, 0, len(raw))
	for _, sample := range raw {
		if !sample.HasCoordinates() {
			// Expected for offline entities, not an error.
			a.logger.Debug().Str("entity", sample.EntityID).Msg("sample without coordinates skipped")
			continue
		}
		id := strings.TrimSpace(sample.EntityID)
		if id == "" {
			a.logger.Warn().Str("name", sample.Name).Msg("skip sample without entity id")
			continue
		}

		cur := Coordinates{Latitude: *sample.Latitude, Longitude: *sample.Longitude}
		state, ok := a.states.Get(id)
		if !ok {
			state = EntityState{Interval: a.backoff.MinInterval}
		}
		changed := CoordinatesChanged(state.LastLocation, cur, a.precision)
		state.Interval = a.backoff.Next(state.Interval, changed, now)
		state.LastLocation = &cur
		a.states.Put(id, state)

		batch = append(batch, Sample{
			EntityID:   id,
			Latitude:   cur.Latitude,
			Longitude:  cur.Longitude,
			CapturedAt: FormatEpochMillis(sample.CapturedAt, a.loc),
			RecordedAt: FormatWallClock(now, a.loc),
			Status:     sample.Status,
		})
		a.logger.Debug().
			Str("entity", id).
			Bool("changed", changed).
			Dur("interval", state.Interval).
			Msg("entity state updated")
	}
	return batch
}

// handleAppendFailure logs and records a persistence failure. It reports
// whether the failure was hard, meaning nothing in the batch landed anywhere.
func (a *Agent) handleAppendFailure(ctx context.Context, err error, now time.Time) bool {
	if partial, ok := AsPartialFailure(err); ok {
		for _, failure := range partial.Failures {
			a.logger.Warn().
				Err(failure.Err).
				Str("entity", failure.EntityID).
				Str("sink", failure.Sink).
				Msg("record write failed")
			a.sink.RecordError(ctx, ErrorRecord{
				Message:   failure.Err.Error(),
				Timestamp: FormatWallClock(now, a.loc),
				EntityID:  failure.EntityID,
				ProcessID: a.processID,
				Stage:     StageAppend,
			})
		}
		return false
	}

	a.logger.Error().Err(err).Msg("persist batch failed")
	a.sink.RecordError(ctx, ErrorRecord{
		Message:   err.Error(),
		Timestamp: FormatWallClock(now, a.loc),
		ProcessID: a.processID,
		Stage:     StageAppend,
	})
	return true
}

// nextWake is the smallest clamped interval across all known entities, or
// MinInterval when nothing has been observed yet.
func (a *Agent) nextWake(now time.Time) time.Duration {
	states := a.states.Snapshot()
	if len(states) == 0 {
		return a.backoff.MinInterval
	}
	var wake time.Duration
	first := true
	for _, state := range states {
		interval := a.backoff.Clamp(state.Interval, now)
		if first || interval < wake {
			wake = interval
			first = false
		}
	}
	return wake
}

func (a *Agent) now() time.Time {
	if a.clock != nil {
		return a.clock()
	}
	return time.Now()
}
