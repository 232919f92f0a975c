package locationagent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type sourceResponse struct {
	samples []RawSample
	err     error
}

// scriptedSource replays a fixed sequence of fetch results, repeating the
// last one once the script runs out.
type scriptedSource struct {
	mu        sync.Mutex
	responses []sourceResponse
	calls     int
}

func (s *scriptedSource) ListEntities(ctx context.Context) ([]RawSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	if len(s.responses) == 0 {
		return nil, nil
	}
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	resp := s.responses[idx]
	return resp.samples, resp.err
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// captureSink records batches and error records, optionally failing Append
// calls in scripted order and signalling each Append on a channel.
type captureSink struct {
	mu         sync.Mutex
	batches    [][]Sample
	records    []ErrorRecord
	appendErrs []error
	appended   chan struct{}
	calls      int
}

func (c *captureSink) Append(ctx context.Context, batch []Sample) error {
	c.mu.Lock()
	copied := make([]Sample, len(batch))
	copy(copied, batch)
	c.batches = append(c.batches, copied)
	idx := c.calls
	c.calls++
	var err error
	if idx < len(c.appendErrs) {
		err = c.appendErrs[idx]
	}
	ch := c.appended
	c.mu.Unlock()

	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return err
}

func (c *captureSink) RecordError(ctx context.Context, rec ErrorRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *captureSink) errorRecords() []ErrorRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ErrorRecord, len(c.records))
	copy(out, c.records)
	return out
}

func ptr(v float64) *float64 { return &v }

func rawAt(id string, lat, lon float64, ms int64) RawSample {
	return RawSample{
		EntityID:   id,
		Name:       id,
		Latitude:   ptr(lat),
		Longitude:  ptr(lon),
		CapturedAt: ms,
	}
}

func newTestAgent(t *testing.T, source SourceAdapter, sink PersistenceSink, store StateStore) *Agent {
	t.Helper()
	nop := zerolog.Nop()
	agent, err := NewAgent(Config{
		Source:    source,
		Sink:      sink,
		States:    store,
		Backoff:   testPolicy(),
		Location:  time.UTC,
		Logger:    &nop,
		ProcessID: "test-host",
	})
	if err != nil {
		t.Fatalf("NewAgent failed: %v", err)
	}
	return agent
}

func TestNewAgentValidation(t *testing.T) {
	if _, err := NewAgent(Config{}); err == nil {
		t.Fatal("expected error when source is nil")
	}
	if _, err := NewAgent(Config{Source: &scriptedSource{}}); err == nil {
		t.Fatal("expected error when sink is nil")
	}
}

func TestAgentFirstObservationPersistsAndResets(t *testing.T) {
	capturedAt := atHour(10).Add(-30 * time.Second).UnixMilli()
	source := &scriptedSource{responses: []sourceResponse{
		{samples: []RawSample{rawAt("dev-1", 37.000000, -122.000000, capturedAt)}},
	}}
	sink := &captureSink{}
	agent := newTestAgent(t, source, sink, nil)
	agent.clock = func() time.Time { return atHour(10) }

	wake, err := agent.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if wake != time.Minute {
		t.Fatalf("wake = %v, want 1m after a first observation", wake)
	}
	if sink.batchCount() != 1 || len(sink.batches[0]) != 1 {
		t.Fatalf("expected exactly one persisted record, got %+v", sink.batches)
	}

	record := sink.batches[0][0]
	if record.EntityID != "dev-1" || record.Latitude != 37.0 || record.Longitude != -122.0 {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.RecordedAt != "2025-03-10T10:30:00Z" {
		t.Fatalf("RecordedAt = %q", record.RecordedAt)
	}
	if record.CapturedAt != "2025-03-10T10:29:30Z" {
		t.Fatalf("CapturedAt = %q", record.CapturedAt)
	}

	state, ok := agent.states.Get("dev-1")
	if !ok || state.Interval != time.Minute {
		t.Fatalf("state = %+v, ok = %v", state, ok)
	}
}

func TestAgentBacksOffWhileStationary(t *testing.T) {
	ms := atHour(10).UnixMilli()
	source := &scriptedSource{responses: []sourceResponse{
		{samples: []RawSample{rawAt("dev-1", 37.000000, -122.000000, ms)}},
		// Sub-precision jitter must read as stationary.
		{samples: []RawSample{rawAt("dev-1", 37.0000001, -122.0000001, ms)}},
	}}
	sink := &captureSink{}
	agent := newTestAgent(t, source, sink, nil)
	agent.clock = func() time.Time { return atHour(10) }

	ctx := context.Background()
	if _, err := agent.RunOnce(ctx); err != nil {
		t.Fatalf("cycle 1 failed: %v", err)
	}
	for i, want := range []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute, 8 * time.Minute} {
		wake, err := agent.RunOnce(ctx)
		if err != nil {
			t.Fatalf("cycle %d failed: %v", i+2, err)
		}
		if wake != want {
			t.Fatalf("cycle %d wake = %v, want %v", i+2, wake, want)
		}
	}
	// A record still lands every cycle even while the interval grows.
	if sink.batchCount() != 5 {
		t.Fatalf("batches = %d, want 5", sink.batchCount())
	}
}

func TestAgentResetsIntervalOnMovement(t *testing.T) {
	ms := atHour(10).UnixMilli()
	source := &scriptedSource{responses: []sourceResponse{
		{samples: []RawSample{rawAt("dev-1", 37.000000, -122.000000, ms)}},
		{samples: []RawSample{rawAt("dev-1", 37.0000001, -122.0000001, ms)}},
		{samples: []RawSample{rawAt("dev-1", 37.001000, -122.000000, ms)}},
	}}
	sink := &captureSink{}
	agent := newTestAgent(t, source, sink, nil)
	agent.clock = func() time.Time { return atHour(10) }

	ctx := context.Background()
	if _, err := agent.RunOnce(ctx); err != nil {
		t.Fatalf("cycle 1 failed: %v", err)
	}
	if wake, _ := agent.RunOnce(ctx); wake != 2*time.Minute {
		t.Fatalf("stationary wake = %v, want 2m", wake)
	}
	wake, err := agent.RunOnce(ctx)
	if err != nil {
		t.Fatalf("cycle 3 failed: %v", err)
	}
	if wake != time.Minute {
		t.Fatalf("wake after movement = %v, want 1m", wake)
	}
}

func TestAgentFetchFailureKeepsStateAndCoolsDown(t *testing.T) {
	ms := atHour(10).UnixMilli()
	source := &scriptedSource{responses: []sourceResponse{
		{samples: []RawSample{rawAt("dev-1", 37.000000, -122.000000, ms)}},
		{err: NewTransportError(errors.New("gateway timeout"))},
	}}
	sink := &captureSink{}
	agent := newTestAgent(t, source, sink, nil)
	agent.clock = func() time.Time { return atHour(10) }

	ctx := context.Background()
	if _, err := agent.RunOnce(ctx); err != nil {
		t.Fatalf("cycle 1 failed: %v", err)
	}
	before, _ := agent.states.Get("dev-1")

	wake, err := agent.RunOnce(ctx)
	if err != nil {
		t.Fatalf("fetch failure must not surface an error, got %v", err)
	}
	if wake != time.Minute {
		t.Fatalf("wake = %v, want MinInterval after fetch failure", wake)
	}
	if sink.batchCount() != 1 {
		t.Fatalf("batches = %d, a failed fetch must not persist records", sink.batchCount())
	}

	after, _ := agent.states.Get("dev-1")
	if after.Interval != before.Interval || *after.LastLocation != *before.LastLocation {
		t.Fatalf("state mutated on fetch failure: before %+v after %+v", before, after)
	}

	records := sink.errorRecords()
	if len(records) != 1 {
		t.Fatalf("error records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.Stage != StageFetch || rec.EntityID != "" || rec.ProcessID != "test-host" {
		t.Fatalf("unexpected error record %+v", rec)
	}
	if rec.Timestamp != "2025-03-10T10:30:00Z" {
		t.Fatalf("timestamp = %q", rec.Timestamp)
	}
}

func TestAgentInitialAuthFailureIsFatal(t *testing.T) {
	source := &scriptedSource{responses: []sourceResponse{
		{err: NewAuthError(errors.New("invalid credentials"))},
	}}
	sink := &captureSink{}
	agent := newTestAgent(t, source, sink, nil)

	_, err := agent.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected initial auth failure to be fatal")
	}
	if !IsAuthError(err) {
		t.Fatalf("expected auth classification, got %v", err)
	}
	if len(sink.errorRecords()) != 0 {
		t.Fatal("fatal startup failures bypass the error channel")
	}
}

func TestAgentAuthFailureAfterSuccessIsRetryable(t *testing.T) {
	ms := atHour(10).UnixMilli()
	source := &scriptedSource{responses: []sourceResponse{
		{samples: []RawSample{rawAt("dev-1", 37.000000, -122.000000, ms)}},
		{err: NewAuthError(errors.New("session expired"))},
	}}
	sink := &captureSink{}
	agent := newTestAgent(t, source, sink, nil)
	agent.clock = func() time.Time { return atHour(10) }

	ctx := context.Background()
	if _, err := agent.RunOnce(ctx); err != nil {
		t.Fatalf("cycle 1 failed: %v", err)
	}
	wake, err := agent.RunOnce(ctx)
	if err != nil {
		t.Fatalf("post-success auth failure must be retryable, got %v", err)
	}
	if wake != time.Minute {
		t.Fatalf("wake = %v, want MinInterval", wake)
	}
	records := sink.errorRecords()
	if len(records) != 1 || records[0].Stage != StageFetch {
		t.Fatalf("unexpected error records %+v", records)
	}
}

func TestAgentFiltersInvalidSamples(t *testing.T) {
	ms := atHour(10).UnixMilli()
	noCoords := RawSample{EntityID: "dev-2", Name: "offline watch", CapturedAt: ms}
	noID := rawAt("", 35.000000, -120.000000, ms)
	noID.Name = "ghost"

	source := &scriptedSource{responses: []sourceResponse{
		{samples: []RawSample{rawAt("dev-1", 37.000000, -122.000000, ms), noCoords, noID}},
	}}
	sink := &captureSink{}
	agent := newTestAgent(t, source, sink, nil)
	agent.clock = func() time.Time { return atHour(10) }

	if _, err := agent.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if sink.batchCount() != 1 || len(sink.batches[0]) != 1 {
		t.Fatalf("expected a single persisted record, got %+v", sink.batches)
	}
	if sink.batches[0][0].EntityID != "dev-1" {
		t.Fatalf("persisted wrong record %+v", sink.batches[0][0])
	}
	if snapshot := agent.states.Snapshot(); len(snapshot) != 1 {
		t.Fatalf("filtered samples leaked into state: %+v", snapshot)
	}
	if len(sink.errorRecords()) != 0 {
		t.Fatal("data-quality filtering must not produce error records")
	}
}

func TestAgentNextWakeIsMinimumAcrossEntities(t *testing.T) {
	store := NewMemoryStateStore()
	store.Put("a", EntityState{Interval: 2 * time.Minute})
	store.Put("b", EntityState{Interval: 4 * time.Minute})
	store.Put("c", EntityState{Interval: 16 * time.Minute})

	source := &scriptedSource{responses: []sourceResponse{{samples: nil}}}
	sink := &captureSink{}
	agent := newTestAgent(t, source, sink, store)
	agent.clock = func() time.Time { return atHour(20) } // night, 16m stays legal

	wake, err := agent.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if wake != 2*time.Minute {
		t.Fatalf("wake = %v, want the smallest entity interval", wake)
	}
	if sink.batchCount() != 0 {
		t.Fatal("an empty fetch must not persist records")
	}
}

func TestAgentNextWakeClampsStaleIntervals(t *testing.T) {
	store := NewMemoryStateStore()
	store.Put("a", EntityState{Interval: 16 * time.Minute})

	source := &scriptedSource{responses: []sourceResponse{{samples: nil}}}
	agent := newTestAgent(t, source, &captureSink{}, store)
	agent.clock = func() time.Time { return atHour(12) } // day, ceiling 8m

	wake, err := agent.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if wake != 8*time.Minute {
		t.Fatalf("wake = %v, want the daytime ceiling", wake)
	}
}

func TestAgentPartialFailureIsIsolated(t *testing.T) {
	ms := atHour(10).UnixMilli()
	store := NewMemoryStateStore()
	store.Put("dev-1", EntityState{LastLocation: &Coordinates{Latitude: 37.0, Longitude: -122.0}, Interval: time.Minute})
	store.Put("dev-2", EntityState{LastLocation: &Coordinates{Latitude: 38.0, Longitude: -121.0}, Interval: time.Minute})

	source := &scriptedSource{responses: []sourceResponse{
		{samples: []RawSample{
			rawAt("dev-1", 37.0, -122.0, ms),
			rawAt("dev-2", 38.0, -121.0, ms),
		}},
	}}
	sink := &captureSink{appendErrs: []error{&PartialFailure{Failures: []RecordFailure{
		{EntityID: "dev-2", Sink: "influx", Err: errors.New("write timeout")},
	}}}}
	agent := newTestAgent(t, source, sink, store)
	agent.clock = func() time.Time { return atHour(10) }

	wake, err := agent.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("partial failure must not surface an error, got %v", err)
	}
	// Both entities were stationary, so the pace is theirs, not a cooldown.
	if wake != 2*time.Minute {
		t.Fatalf("wake = %v, want 2m", wake)
	}
	records := sink.errorRecords()
	if len(records) != 1 {
		t.Fatalf("error records = %d, want 1", len(records))
	}
	if records[0].EntityID != "dev-2" || records[0].Stage != StageAppend {
		t.Fatalf("unexpected error record %+v", records[0])
	}
}

func TestAgentHardAppendFailureCoolsDown(t *testing.T) {
	ms := atHour(10).UnixMilli()
	store := NewMemoryStateStore()
	store.Put("dev-1", EntityState{LastLocation: &Coordinates{Latitude: 37.0, Longitude: -122.0}, Interval: time.Minute})

	source := &scriptedSource{responses: []sourceResponse{
		{samples: []RawSample{rawAt("dev-1", 37.0, -122.0, ms)}},
	}}
	sink := &captureSink{appendErrs: []error{errors.New("connection lost after retries")}}
	agent := newTestAgent(t, source, sink, store)
	agent.clock = func() time.Time { return atHour(10) }

	wake, err := agent.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("append failure must not surface an error, got %v", err)
	}
	if wake != time.Minute {
		t.Fatalf("wake = %v, want MinInterval cooldown", wake)
	}
	records := sink.errorRecords()
	if len(records) != 1 {
		t.Fatalf("error records = %d, want 1", len(records))
	}
	if records[0].EntityID != "" || records[0].Stage != StageAppend {
		t.Fatalf("unexpected error record %+v", records[0])
	}
}

func TestAgentStartRunsImmediatelyAndStopsOnCancel(t *testing.T) {
	ms := time.Now().UnixMilli()
	appended := make(chan struct{}, 1)
	source := &scriptedSource{responses: []sourceResponse{
		{samples: []RawSample{rawAt("dev-1", 37.0, -122.0, ms)}},
	}}
	sink := &captureSink{appended: appended}
	agent := newTestAgent(t, source, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- agent.Start(ctx)
	}()

	select {
	case <-appended:
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not run its initial cycle promptly")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v after cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop after context cancellation")
	}
	if source.callCount() < 1 {
		t.Fatal("source was never polled")
	}
}

func TestAgentStartFatalOnInitialAuthFailure(t *testing.T) {
	source := &scriptedSource{responses: []sourceResponse{
		{err: NewAuthError(errors.New("invalid credentials"))},
	}}
	agent := newTestAgent(t, source, &captureSink{}, nil)

	done := make(chan error, 1)
	go func() {
		done <- agent.Start(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil || !IsAuthError(err) {
			t.Fatalf("expected fatal auth error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not exit on initial auth failure")
	}
}
