package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/geoloop/LocationAgent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "locationagent",
	Short: "Adaptive location polling agent for Find My devices and local machines",
	Long: `locationagent polls a location source on an adaptive schedule: entities
that move are sampled at the minimum interval, entities that sit still back
off toward a time-of-day ceiling. Every cycle is journaled to SQLite and
optionally fanned out to JSONL, InfluxDB and MQTT sinks.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()

	rootCmd.AddCommand(newRunCmd(), newOnceCmd())
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("locationagent command failed")
	}
}
