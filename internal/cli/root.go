// Package cli holds the pitchcoach commands.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ent0n29/pitchcoach/internal/config"
)

type Dependencies struct {
	Config config.Config
	Logger zerolog.Logger
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pitchcoach",
		Short:         "Voice coach that prepares sales role-play sessions",
		Long:          "pitchcoach runs a live voice conversation with the coaching agent and hands the collected context to persona generation.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewServeCmd(deps))
	rootCmd.AddCommand(NewCallCmd(deps))

	return rootCmd
}
