package storage

import (
	"context"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	pkgerrors "github.com/pkg/errors"

	locationagent "github.com/geoloop/LocationAgent"
)

const (
	influxPingTimeout = 10 * time.Second
	sampleMeasurement = "location"
	errorMeasurement  = "location_errors"
)

// influxSink writes samples as points tagged by entity into an InfluxDB
// bucket, one measurement for locations and one for error records.
type influxSink struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

func newInfluxSink(ctx context.Context, url, token, org, bucket string) (Sink, error) {
	if strings.TrimSpace(org) == "" || strings.TrimSpace(bucket) == "" {
		return nil, pkgerrors.New("storage: influx org and bucket must be set")
	}
	client := influxdb2.NewClient(url, token)

	pingCtx, cancel := context.WithTimeout(ctx, influxPingTimeout)
	defer cancel()
	ok, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, pkgerrors.Wrapf(err, "storage: influx ping %s failed", url)
	}
	if !ok {
		client.Close()
		return nil, pkgerrors.Errorf("storage: influx server %s not ready", url)
	}
	return &influxSink{client: client, writer: client.WriteAPIBlocking(org, bucket)}, nil
}

func (i *influxSink) WriteSample(ctx context.Context, sample locationagent.Sample) error {
	if i == nil || i.writer == nil {
		return pkgerrors.New("storage: influx sink nil")
	}
	fields := map[string]any{
		"latitude":  sample.Latitude,
		"longitude": sample.Longitude,
	}
	if sample.CapturedAt != "" {
		fields["captured_at"] = sample.CapturedAt
	}
	// Scalar status attributes ride along as fields; nested payloads are
	// left to the journal sinks.
	for k, v := range sample.Status {
		switch v.(type) {
		case string, bool, float64, int, int64:
			fields["status_"+k] = v
		}
	}
	point := write.NewPoint(sampleMeasurement,
		map[string]string{"entity_id": sample.EntityID},
		fields,
		recordTime(sample.RecordedAt),
	)
	if err := i.writer.WritePoint(ctx, point); err != nil {
		return pkgerrors.Wrapf(err, "storage: influx write for %s failed", sample.EntityID)
	}
	return nil
}

func (i *influxSink) WriteError(ctx context.Context, record locationagent.ErrorRecord) error {
	if i == nil || i.writer == nil {
		return pkgerrors.New("storage: influx sink nil")
	}
	tags := map[string]string{}
	if record.EntityID != "" {
		tags["entity_id"] = record.EntityID
	}
	if record.Stage != "" {
		tags["stage"] = record.Stage
	}
	fields := map[string]any{"message": record.Message}
	if record.ProcessID != "" {
		fields["process_id"] = record.ProcessID
	}
	point := write.NewPoint(errorMeasurement, tags, fields, recordTime(record.Timestamp))
	if err := i.writer.WritePoint(ctx, point); err != nil {
		return pkgerrors.Wrap(err, "storage: influx error write failed")
	}
	return nil
}

func (i *influxSink) Close() error {
	if i != nil && i.client != nil {
		i.client.Close()
	}
	return nil
}

func (i *influxSink) Name() string {
	return "influx"
}

// recordTime parses the wall-clock stamp the agent attaches to records,
// falling back to the current time when absent or malformed.
func recordTime(stamp string) time.Time {
	if ts, err := time.Parse(time.RFC3339, stamp); err == nil {
		return ts
	}
	return time.Now()
}
