// Package storage persists location samples behind a single sink
// facade. A SQLite journal is always on; a JSONL file, an InfluxDB
// bucket and an MQTT broker are armed when configured. Records fan out
// to every sink, and a sink that rejects an entire batch is torn down
// and re-established with the same bounded retry used at startup.
package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	locationagent "github.com/geoloop/LocationAgent"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 2 * time.Second
)

// Config controls enabled sinks and the shared connection-retry policy.
type Config struct {
	// DBPath overrides the SQLite journal location. Empty selects
	// ~/.locationagent/locations.sqlite.
	DBPath string
	// JSONLPath arms the JSONL sink when non-empty.
	JSONLPath string

	// InfluxURL arms the InfluxDB sink when non-empty. Org and Bucket
	// are then required.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// MQTTBrokerURL arms the MQTT sink when non-empty.
	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTTopicPrefix string

	// MaxRetries and RetryDelay bound every connection attempt, both at
	// construction and when re-establishing a sink mid-run.
	MaxRetries int
	RetryDelay time.Duration

	Logger *zerolog.Logger
}

// Sink is a single storage backend. WriteSample persists one record and
// WriteError appends to the backend's secondary error channel.
type Sink interface {
	WriteSample(ctx context.Context, sample locationagent.Sample) error
	WriteError(ctx context.Context, record locationagent.ErrorRecord) error
	Close() error
	Name() string
}

// slot pairs a sink with the builder that can re-create it. A nil sink
// marks the slot as down pending reconnection.
type slot struct {
	name  string
	build func(ctx context.Context) (Sink, error)
	sink  Sink
}

// Manager fans records out to the configured sinks and implements
// locationagent.PersistenceSink.
type Manager struct {
	mu         sync.Mutex
	slots      []*slot
	name       string
	maxRetries int
	retryDelay time.Duration
	logger     zerolog.Logger
}

// NewManager connects every configured sink, each within the bounded
// retry budget. A sink that cannot be established fails construction:
// the agent must not enter its poll loop without healthy persistence.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	m := &Manager{
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
	if m.maxRetries <= 0 {
		m.maxRetries = defaultMaxRetries
	}
	if m.retryDelay <= 0 {
		m.retryDelay = defaultRetryDelay
	}

	m.slots = append(m.slots, &slot{name: "sqlite", build: func(ctx context.Context) (Sink, error) {
		return newSQLiteSink(ctx, cfg.DBPath)
	}})
	if strings.TrimSpace(cfg.JSONLPath) != "" {
		m.slots = append(m.slots, &slot{name: "jsonl", build: func(ctx context.Context) (Sink, error) {
			return newJSONLSink(cfg.JSONLPath)
		}})
	}
	if strings.TrimSpace(cfg.InfluxURL) != "" {
		m.slots = append(m.slots, &slot{name: "influx", build: func(ctx context.Context) (Sink, error) {
			return newInfluxSink(ctx, cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		}})
	}
	if strings.TrimSpace(cfg.MQTTBrokerURL) != "" {
		m.slots = append(m.slots, &slot{name: "mqtt", build: func(ctx context.Context) (Sink, error) {
			return newMQTTSink(cfg.MQTTBrokerURL, cfg.MQTTClientID, cfg.MQTTTopicPrefix)
		}})
	}

	names := make([]string, 0, len(m.slots))
	for _, sl := range m.slots {
		sink, err := m.connectWithRetry(ctx, sl)
		if err != nil {
			m.closeSinks()
			return nil, err
		}
		sl.sink = sink
		names = append(names, sink.Name())
	}
	m.name = strings.Join(names, ",")
	return m, nil
}

func (m *Manager) connectWithRetry(ctx context.Context, sl *slot) (Sink, error) {
	var lastErr error
	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		sink, err := sl.build(ctx)
		if err == nil {
			if attempt > 1 {
				m.logger.Info().Str("sink", sl.name).Int("attempt", attempt).
					Msg("storage: sink connected after retry")
			}
			return sink, nil
		}
		lastErr = err
		m.logger.Warn().Err(err).Str("sink", sl.name).
			Int("attempt", attempt).Int("max_retries", m.maxRetries).
			Msg("storage: sink connection attempt failed")
		if attempt == m.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, pkgerrors.Wrapf(ctx.Err(), "storage: connect %s interrupted", sl.name)
		case <-time.After(m.retryDelay):
		}
	}
	return nil, pkgerrors.Wrapf(lastErr, "storage: connect %s failed after %d attempts", sl.name, m.maxRetries)
}

// Append writes every sample to every sink. Sinks fail independently:
// scattered failures come back as a *locationagent.PartialFailure so the
// caller can report them record by record, while a batch that lands
// nowhere is a hard error. A sink that failed the whole batch is closed
// and re-established on the next call.
func (m *Manager) Append(ctx context.Context, samples []locationagent.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reviveSinks(ctx)

	var failures []locationagent.RecordFailure
	failed := make(map[*slot]int, len(m.slots))
	for i := range samples {
		for _, sl := range m.slots {
			if sl.sink == nil {
				failures = append(failures, locationagent.RecordFailure{
					EntityID: samples[i].EntityID,
					Sink:     sl.name,
					Err:      pkgerrors.Errorf("storage: %s is down", sl.name),
				})
				failed[sl]++
				continue
			}
			if err := sl.sink.WriteSample(ctx, samples[i]); err != nil {
				failures = append(failures, locationagent.RecordFailure{
					EntityID: samples[i].EntityID,
					Sink:     sl.name,
					Err:      err,
				})
				failed[sl]++
			}
		}
	}

	for _, sl := range m.slots {
		if sl.sink != nil && failed[sl] == len(samples) {
			m.logger.Error().Str("sink", sl.name).Int("records", len(samples)).
				Msg("storage: sink rejected entire batch, scheduling reconnect")
			_ = sl.sink.Close()
			sl.sink = nil
		}
	}

	if len(failures) == 0 {
		return nil
	}
	if len(failures) == len(samples)*len(m.slots) {
		return pkgerrors.Errorf("storage: no sink accepted the batch (%d records, %d sinks)",
			len(samples), len(m.slots))
	}
	return &locationagent.PartialFailure{Failures: failures}
}

// reviveSinks retries construction for every slot whose sink was torn
// down after a failed batch. Exhausting the retry budget here is not
// fatal: the slot stays down and the next append tries again.
func (m *Manager) reviveSinks(ctx context.Context) {
	for _, sl := range m.slots {
		if sl.sink != nil {
			continue
		}
		sink, err := m.connectWithRetry(ctx, sl)
		if err != nil {
			m.logger.Warn().Err(err).Str("sink", sl.name).
				Msg("storage: sink re-establishment failed")
			continue
		}
		m.logger.Info().Str("sink", sl.name).Msg("storage: sink re-established")
		sl.sink = sink
	}
}

// RecordError appends an entry to every healthy sink's error channel.
// Failures are logged and swallowed: error reporting must never take the
// poll loop down with it.
func (m *Manager) RecordError(ctx context.Context, record locationagent.ErrorRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sl := range m.slots {
		if sl.sink == nil {
			continue
		}
		if err := sl.sink.WriteError(ctx, record); err != nil {
			m.logger.Warn().Err(err).Str("sink", sl.name).
				Msg("storage: record error entry failed")
		}
	}
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeSinks()
}

func (m *Manager) closeSinks() error {
	var errs []error
	for _, sl := range m.slots {
		if sl.sink == nil {
			continue
		}
		if err := sl.sink.Close(); err != nil {
			errs = append(errs, pkgerrors.Wrapf(err, "storage: close %s failed", sl.name))
		}
		sl.sink = nil
	}
	return errors.Join(errs...)
}

func (m *Manager) Name() string {
	if m == nil || m.name == "" {
		return "storage"
	}
	return m.name
}
