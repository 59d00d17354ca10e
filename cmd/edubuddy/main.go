// Package main is the entry point for the edubuddy service and CLI.
// edubuddy routes a child's message to an education or emotion specialist,
// reviews the reply with the safety gate and keeps an auditable history.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/edubuddy/internal/config"
	"github.com/normanking/edubuddy/internal/logging"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
	log     zerolog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "edubuddy",
		Short: "edubuddy - safe conversational companion for children",
		Long: `edubuddy routes each message to a specialist, checks the reply with a
safety gate and records every turn.

Run the HTTP service:    edubuddy serve
One-shot conversation:   edubuddy chat <user> <text>
Model rollout:           edubuddy model register <model> <artifact>
A/B experiments:         edubuddy experiment start -f experiment.yaml`,
		SilenceUsage:      true,
		PersistentPreRunE: initLogging,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logging.Close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.edubuddy/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("edubuddy v%s\n", version)
		},
	})

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(violationsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(modelCmd())
	rootCmd.AddCommand(experimentCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOGGING INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func getConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	return config.DefaultPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromPath(getConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", getConfigPath(), err)
	}
	return cfg, nil
}

// initLogging configures the global logger. Only serve logs to the console
// by default; other commands log to the file so their output stays clean.
func initLogging(cmd *cobra.Command, args []string) error {
	lc := logging.DefaultConfig()
	if _, err := os.Stat(getConfigPath()); err == nil {
		if cfg, err := config.LoadFromPath(getConfigPath()); err == nil {
			lc = cfg.LoggingConfig()
		}
	}

	if cmd.Name() != "serve" && !verbose {
		lc.Console = false
	}
	if verbose {
		lc.Level = "debug"
		lc.Caller = true
		lc.Console = true
	}

	l, err := logging.Setup(lc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	log = l

	log.Debug().Str("config", getConfigPath()).Str("version", version).Msg("edubuddy started")
	return nil
}
