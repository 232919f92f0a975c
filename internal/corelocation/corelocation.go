// Package corelocation reports the position of the local machine by
// shelling out to the CoreLocationCLI tool. It produces a single entity
// per cycle, identified by the host serial number, so one agent deployed
// per laptop yields one track per laptop.
package corelocation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	locationagent "github.com/geoloop/LocationAgent"
	"github.com/geoloop/LocationAgent/internal/env"
	"github.com/geoloop/LocationAgent/internal/publicip"
)

// EnvCommand overrides the location command, e.g. when CoreLocationCLI
// lives outside PATH ("/opt/homebrew/bin/corelocationcli").
const EnvCommand = "CORELOCATION_CLI"

const (
	defaultCommand = "corelocationcli"
	commandTimeout = 15 * time.Second

	// CoreLocationCLI prints fix times like "2025-03-10 10:30:00 -0700".
	fixTimeLayout = "2006-01-02 15:04:05 -0700"
)

// Source adapts CoreLocationCLI output to the agent's sample model.
type Source struct {
	command  string
	entityID string
	hostname string
	resolver *publicip.Resolver
	logger   zerolog.Logger

	// runCommandFunc stubs out the subprocess in tests.
	runCommandFunc func(ctx context.Context, command string) ([]byte, error)
	clock          func() time.Time
}

// NewSourceFromEnv builds a Source for the local machine. The entity
// identity comes from the hardware serial number; construction fails when
// no stable identifier is available, since samples without an identity
// would be dropped by the scheduler anyway.
func NewSourceFromEnv(resolver *publicip.Resolver, logger *zerolog.Logger) (*Source, error) {
	serial, err := locationagent.HostSerial()
	if err != nil {
		return nil, fmt.Errorf("corelocation: resolve host serial: %w", err)
	}
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return nil, errors.New("corelocation: host serial number unavailable")
	}
	if logger == nil {
		logger = &log.Logger
	}
	hostname, _ := os.Hostname()
	return &Source{
		command:  env.String(EnvCommand, defaultCommand),
		entityID: serial,
		hostname: hostname,
		resolver: resolver,
		logger:   *logger,
	}, nil
}

// fix is the typed slice of the CoreLocationCLI JSON document. Everything
// else in the document rides along untouched in the sample status.
type fix struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Time      string   `json:"time"`
}

// ListEntities runs the location command once and returns the single
// local sample. Command and decode failures are transport errors; the
// scheduler retries them at its minimum interval.
func (s *Source) ListEntities(ctx context.Context) ([]locationagent.RawSample, error) {
	out, err := s.runCommand(ctx)
	if err != nil {
		return nil, locationagent.NewTransportError(err)
	}

	raw := bytes.TrimSpace(out)
	var f fix
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, locationagent.NewTransportError(fmt.Errorf("corelocation: decode fix: %w", err))
	}
	status := map[string]any{}
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, locationagent.NewTransportError(fmt.Errorf("corelocation: decode fix: %w", err))
	}
	// The coordinates and fix time are hoisted into typed sample fields;
	// keeping them in the status too would duplicate them in every sink.
	delete(status, "latitude")
	delete(status, "longitude")
	delete(status, "time")

	if s.resolver != nil {
		if ip, err := s.resolver.Resolve(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to resolve public ip")
		} else {
			status["public_ip"] = ip
		}
	}

	sample := locationagent.RawSample{
		EntityID:   s.entityID,
		Name:       s.hostname,
		Latitude:   f.Latitude,
		Longitude:  f.Longitude,
		CapturedAt: s.capturedAt(f.Time),
		Status:     status,
	}
	return []locationagent.RawSample{sample}, nil
}

func (s *Source) runCommand(ctx context.Context) ([]byte, error) {
	if s.runCommandFunc != nil {
		return s.runCommandFunc(ctx, s.command)
	}

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", s.command+" --json")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("corelocation: %s failed: %s", s.command, msg)
	}
	return stdout.Bytes(), nil
}

func (s *Source) capturedAt(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		if ts, err := time.Parse(fixTimeLayout, raw); err == nil {
			return ts.UnixMilli()
		}
	}
	return s.now().UnixMilli()
}

func (s *Source) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}
