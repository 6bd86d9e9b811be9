package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/config"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=X.Y.Z"
	Version = "0.0.0-dev"

	configPath string
	stateDir   string
	verbose    bool
	offline    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "brain",
	Short: "Second Brain - memory consolidation pipeline",
	Long: `brain turns conversation into standalone memory atoms, files them into
topical threads and keeps thread digests current.

Stages:
  extract     Pending exchanges -> atoms
  organize    New atoms -> thread assignments
  maintain    Split oversized threads, merge overlapping ones
  summarize   Refresh digests of changed threads
  run         All four stages in order

Config: brain.yaml (or --config), .env and environment overrides
State:  <state_dir>/system/brain.db`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if stateDir != "" {
			cfg.StateDir = stateDir
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		logging.Configure(cfg.Log.Level, cfg.Log.Format)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "brain.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state", "", "Override the state directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "Use keyword search instead of the embedding model")

	rootCmd.AddCommand(extractCmd, organizeCmd, maintainCmd, summarizeCmd, runCmd)
	rootCmd.AddCommand(applyCmd, ingestCmd, statsCmd, triageCmd, runsCmd)
	rootCmd.AddCommand(serveCmd, mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
