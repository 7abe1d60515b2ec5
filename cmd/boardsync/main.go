package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/boardsync/internal/config"
	"github.com/agentworkforce/boardsync/internal/logging"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile string
	v       = config.New()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "boardsync",
	Short: "boardsync - offline-tolerant sync client for a task board",
	Long: `boardsync keeps local copies of a task board's collections in step with
the server. Changes pushed over the server's stream are applied as they
arrive, and writes made while offline are queued on disk and replayed in
order once the server is reachable again.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), versionString())
	},
}

func init() {
	rootCmd.SetVersionTemplate(versionString())

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.String(config.KeyBaseURL, "", "server base URL")
	flags.String(config.KeyToken, "", "bearer token")
	flags.String(config.KeySessionID, "", "session id used for the push stream and the queue key")
	flags.String(config.KeyProjectID, "", "project whose collections are loaded")
	flags.String(config.KeyQueueDSN, "", "queue location: a file path, bolt://, postgres:// or memory://")
	flags.Int(config.KeyQueueCapacity, 0, "maximum number of queued operations")
	flags.String(config.KeyOfflineFlagFile, "", "force offline while this file exists")
	flags.String(config.KeyDrainMarkerFile, "", "file touched by external drains")
	flags.String(config.KeyLogLevel, "", "log level (debug, info, warn, error)")
	flags.Bool(config.KeyLogJSON, false, "log as JSON")
	flags.String(config.KeyLogFile, "", "write logs to a rotated file")
	flags.String(config.KeyMetricsAddr, "", "serve Prometheus metrics on this address")
	bindFlags(v, rootCmd)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(queueCmd)
}

func versionString() string {
	return fmt.Sprintf("boardsync version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
}

// bindFlags lets explicitly set flags override the config file and env.
func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		panic(err)
	}
}

// loadConfig merges the config file, environment and flags, then starts
// logging with the result.
func loadConfig() (config.Config, error) {
	if err := config.ReadFile(v, cfgFile); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, err
	}
	logging.Init(logging.Config{
		Level:      logging.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		File:       cfg.LogFile,
	})
	return cfg, nil
}
