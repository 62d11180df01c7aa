package main

import (
	"fmt"
	"os"

	"github.com/ent0n29/pitchcoach/internal/cli"
	"github.com/ent0n29/pitchcoach/internal/config"
	"github.com/ent0n29/pitchcoach/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pitchcoach: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger, err := observability.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	return cli.NewRootCmd(&cli.Dependencies{Config: cfg, Logger: logger}).Execute()
}
