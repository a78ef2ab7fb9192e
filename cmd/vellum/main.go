package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vellumlab/vellum/pkg/config"
	"github.com/vellumlab/vellum/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vellum",
	Short: "Vellum - content-addressed document annotation storage",
	Long: `Vellum is the storage and synchronization engine for multi-user
document annotation: a content-addressed blob store with stable public
identifiers, reference-counted garbage collection, per-file edit locks,
and database-driven replication to a shared WebDAV endpoint.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Vellum version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().String("config", "", "Path to config file")

	cobra.OnInitialize(initConfig)

	// Add subcommands
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(locksCmd)
}

func initConfig() {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")

	loaded, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg = loaded

	if dataDir, _ := rootCmd.PersistentFlags().GetString("data-dir"); dataDir != "" {
		cfg.DataRoot = dataDir
	}

	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	if level == "info" && cfg.LogLevel != "" {
		level = cfg.LogLevel
	}
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOut || cfg.LogJSON,
	})
}
