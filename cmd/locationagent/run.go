package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	locationagent "github.com/geoloop/LocationAgent"
	"github.com/geoloop/LocationAgent/internal/config"
	"github.com/geoloop/LocationAgent/internal/corelocation"
	"github.com/geoloop/LocationAgent/internal/findmy"
	"github.com/geoloop/LocationAgent/internal/publicip"
	"github.com/geoloop/LocationAgent/internal/storage"
)

const shutdownGrace = 5 * time.Second

func newRunCmd() *cobra.Command {
	var (
		flagSource string
		flagDBPath string
		flagJSONL  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the configured source until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyFlagOverrides(flagSource, flagDBPath, flagJSONL); err != nil {
				return err
			}
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			agent, manager, err := buildAgent(sigCtx)
			if err != nil {
				return err
			}
			defer manager.Close()

			group := locationagent.NewSafeGroup(sigCtx)
			group.GoSafe("poll-loop", agent.Start)
			return group.WaitOrInterrupt(shutdownGrace)
		},
	}

	cmd.Flags().StringVar(&flagSource, "source", "", "Location source overriding $LOCATION_SOURCE (findmy or corelocation)")
	cmd.Flags().StringVar(&flagDBPath, "db-path", "", "SQLite journal path overriding $LOCATION_DB_PATH")
	cmd.Flags().StringVar(&flagJSONL, "jsonl", "", "JSONL journal path overriding $LOCATION_JSONL_PATH")
	return cmd
}

// applyFlagOverrides pushes flag values into the environment before the
// config loads, so flags win over .env without a second merge path.
func applyFlagOverrides(source, dbPath, jsonlPath string) error {
	overrides := map[string]string{
		config.EnvSource:    source,
		config.EnvDBPath:    dbPath,
		config.EnvJSONLPath: jsonlPath,
	}
	for key, value := range overrides {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if err := os.Setenv(key, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("set %s failed: %w", key, err)
		}
	}
	return nil
}

func buildAgent(ctx context.Context) (*locationagent.Agent, *storage.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := config.NewLogger(os.Stderr, cfg.Location)

	source, err := buildSource(cfg, &logger)
	if err != nil {
		return nil, nil, err
	}

	manager, err := storage.NewManager(ctx, storage.Config{
		DBPath:          cfg.DBPath,
		JSONLPath:       cfg.JSONLPath,
		InfluxURL:       cfg.InfluxURL,
		InfluxToken:     cfg.InfluxToken,
		InfluxOrg:       cfg.InfluxOrg,
		InfluxBucket:    cfg.InfluxBucket,
		MQTTBrokerURL:   cfg.MQTTBrokerURL,
		MQTTClientID:    cfg.MQTTClientID,
		MQTTTopicPrefix: cfg.MQTTTopicPrefix,
		MaxRetries:      cfg.SinkMaxRetries,
		RetryDelay:      cfg.SinkRetryDelay,
		Logger:          &logger,
	})
	if err != nil {
		return nil, nil, err
	}

	agent, err := locationagent.NewAgent(locationagent.Config{
		Source:    source,
		Sink:      manager,
		Backoff:   cfg.Backoff(),
		Precision: cfg.Precision,
		Location:  cfg.Location,
		Logger:    &logger,
	})
	if err != nil {
		manager.Close()
		return nil, nil, err
	}

	logger.Info().
		Str("source", cfg.Source).
		Str("sinks", manager.Name()).
		Str("timezone", cfg.TimezoneName).
		Str("process_id", agent.ProcessID()).
		Msg("location agent ready")
	return agent, manager, nil
}

func buildSource(cfg *config.Config, logger *zerolog.Logger) (locationagent.SourceAdapter, error) {
	switch cfg.Source {
	case config.SourceFindMy:
		client, err := findmy.NewClientFromEnv()
		if err != nil {
			return nil, err
		}
		return findmy.NewBreakerSource(client, logger), nil
	case config.SourceCoreLocation:
		return corelocation.NewSourceFromEnv(publicip.NewResolverFromEnv(), logger)
	default:
		return nil, fmt.Errorf("unknown location source %q", cfg.Source)
	}
}
