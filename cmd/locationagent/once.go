package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single poll cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, manager, err := buildAgent(cmd.Context())
			if err != nil {
				return err
			}
			defer manager.Close()

			wake, err := agent.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Dur("next_wake", wake).Msg("cycle complete")
			return nil
		},
	}
}
