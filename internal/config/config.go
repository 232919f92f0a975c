package config

import (
	"fmt"
	"io"
	"time"

	locationagent "github.com/geoloop/LocationAgent"
	"github.com/geoloop/LocationAgent/internal/env"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Location source selectors accepted by LOCATION_SOURCE.
const (
	SourceFindMy       = "findmy"
	SourceCoreLocation = "corelocation"
)

// Environment variable names recognized by the agent.
const (
	EnvSource       = "LOCATION_SOURCE"
	EnvMinInterval  = "LOCATION_MIN_INTERVAL"
	EnvDaytimeMax   = "LOCATION_DAYTIME_MAX"
	EnvNighttimeMax = "LOCATION_NIGHTTIME_MAX"
	EnvDayStart     = "LOCATION_DAY_START"
	EnvDayEnd       = "LOCATION_DAY_END"
	EnvPrecision    = "LOCATION_PRECISION"
	EnvTimezone     = "LOCATION_TIMEZONE"

	EnvDBPath    = "LOCATION_DB_PATH"
	EnvJSONLPath = "LOCATION_JSONL_PATH"

	EnvInfluxURL    = "INFLUX_URL"
	EnvInfluxToken  = "INFLUX_TOKEN"
	EnvInfluxOrg    = "INFLUX_ORG"
	EnvInfluxBucket = "INFLUX_BUCKET"

	EnvMQTTBrokerURL   = "MQTT_BROKER_URL"
	EnvMQTTClientID    = "MQTT_CLIENT_ID"
	EnvMQTTTopicPrefix = "MQTT_TOPIC_PREFIX"

	EnvSinkMaxRetries = "SINK_MAX_RETRIES"
	EnvSinkRetryDelay = "SINK_RETRY_DELAY"
)

// DefaultTimezone matches where the tracked devices live; all persisted
// timestamps and the day/night window are interpreted there.
const DefaultTimezone = "America/Los_Angeles"

const (
	defaultSinkMaxRetries = 3
	defaultSinkRetryDelay = 2 * time.Second
)

// Config carries every runtime knob for the agent.
type Config struct {
	Source string

	MinInterval  time.Duration
	DaytimeMax   time.Duration
	NighttimeMax time.Duration
	DayStart     int
	DayEnd       int
	Precision    int

	TimezoneName string
	Location     *time.Location

	DBPath    string
	JSONLPath string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTTopicPrefix string

	SinkMaxRetries int
	SinkRetryDelay time.Duration
}

// Load builds a Config from the environment and validates it. The reference
// time zone must resolve and the day window must be a sane hour range;
// anything else is a startup failure.
func Load() (*Config, error) {
	cfg := &Config{
		Source:       env.String(EnvSource, SourceFindMy),
		MinInterval:  env.Duration(EnvMinInterval, locationagent.DefaultMinInterval),
		DaytimeMax:   env.Duration(EnvDaytimeMax, locationagent.DefaultDaytimeMax),
		NighttimeMax: env.Duration(EnvNighttimeMax, locationagent.DefaultNighttimeMax),
		DayStart:     env.Int(EnvDayStart, locationagent.DefaultDayStart),
		DayEnd:       env.Int(EnvDayEnd, locationagent.DefaultDayEnd),
		Precision:    env.Int(EnvPrecision, locationagent.DefaultPrecision),
		TimezoneName: env.String(EnvTimezone, DefaultTimezone),

		DBPath:    env.String(EnvDBPath, ""),
		JSONLPath: env.String(EnvJSONLPath, ""),

		InfluxURL:    env.String(EnvInfluxURL, ""),
		InfluxToken:  env.String(EnvInfluxToken, ""),
		InfluxOrg:    env.String(EnvInfluxOrg, ""),
		InfluxBucket: env.String(EnvInfluxBucket, ""),

		MQTTBrokerURL:   env.String(EnvMQTTBrokerURL, ""),
		MQTTClientID:    env.String(EnvMQTTClientID, ""),
		MQTTTopicPrefix: env.String(EnvMQTTTopicPrefix, ""),

		SinkMaxRetries: env.Int(EnvSinkMaxRetries, defaultSinkMaxRetries),
		SinkRetryDelay: env.Duration(EnvSinkRetryDelay, defaultSinkRetryDelay),
	}

	loc, err := time.LoadLocation(cfg.TimezoneName)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %s failed", cfg.TimezoneName)
	}
	cfg.Location = loc

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Source {
	case SourceFindMy, SourceCoreLocation:
	default:
		return errors.Errorf("unknown location source %q", c.Source)
	}
	if c.MinInterval <= 0 {
		return errors.New("minimum poll interval must be positive")
	}
	if c.DaytimeMax < c.MinInterval || c.NighttimeMax < c.MinInterval {
		return errors.New("interval ceilings cannot be below the minimum interval")
	}
	if c.DayStart < 0 || c.DayEnd > 24 || c.DayStart >= c.DayEnd {
		return errors.New("day window must satisfy 0 <= start < end <= 24")
	}
	if c.Precision <= 0 {
		return errors.New("coordinate precision must be positive")
	}
	if c.SinkMaxRetries <= 0 {
		return errors.New("sink retry budget must be positive")
	}
	return nil
}

// Backoff returns the adaptive interval policy the loaded window describes.
func (c *Config) Backoff() locationagent.BackoffPolicy {
	return locationagent.BackoffPolicy{
		MinInterval:  c.MinInterval,
		DaytimeMax:   c.DaytimeMax,
		NighttimeMax: c.NighttimeMax,
		DayStart:     c.DayStart,
		DayEnd:       c.DayEnd,
		Location:     c.Location,
	}
}

// NewLogger builds a console logger whose timestamps render in the reference
// time zone, so log lines line up with persisted records.
func NewLogger(out io.Writer, loc *time.Location) zerolog.Logger {
	if loc == nil {
		loc = time.UTC
	}
	writer := zerolog.ConsoleWriter{Out: out}
	writer.FormatTimestamp = func(i interface{}) string {
		raw, ok := i.(string)
		if !ok {
			return fmt.Sprintf("%v", i)
		}
		ts, err := time.Parse(zerolog.TimeFieldFormat, raw)
		if err != nil {
			return raw
		}
		return ts.In(loc).Format("2006-01-02T15:04:05")
	}
	return zerolog.New(writer).With().Timestamp().Logger()
}
