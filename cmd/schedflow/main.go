package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"schedflow/internal/config"
	"schedflow/internal/scheduler"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "schedflow",
	Short: "schedflow - recurring schedule and dispatch engine",
	Long: `schedflow scans a checkpointed timeline for due schedules and
dispatches their content to recipients through a durable task queue.`,
	SilenceUsage: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("schedflow version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, scanCmd, purgeCmd, configCmd, versionCmd)
}

// loadConfig loads the configuration and sets up the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(c config.LoggingConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  Listen address: %s\n", cfg.Server.Addr)
	fmt.Printf("  Database path: %s\n", cfg.Storage.Path)
	now := time.Now().UTC()
	fmt.Printf("  Scan cron: %s (chain %s, next %s)\n", cfg.Scanner.Cron, cfg.Scanner.Chain, nextRun(cfg.Scanner.Cron, now))
	fmt.Printf("  Due sweep cron: %s (next %s)\n", cfg.Dispatch.DueSweepCron, nextRun(cfg.Dispatch.DueSweepCron, now))
	fmt.Printf("  Retention: %s (%s, next %s)\n", cfg.Retention.MaxAge, cfg.Retention.Cron, nextRun(cfg.Retention.Cron, now))
	fmt.Printf("  Lock backend: %s\n", cfg.Lock.Backend)
	fmt.Printf("  Sender: %s\n", cfg.Sender.Kind)
	fmt.Printf("  Workers: %d\n", cfg.Dispatch.Workers)
	return nil
}

// nextRun formats the next firing of a cron spec after from.
func nextRun(spec string, from time.Time) string {
	next, err := scheduler.NextRunTime(spec, from)
	if err != nil {
		return "invalid"
	}
	return next.Format(time.RFC3339)
}
