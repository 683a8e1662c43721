package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/DeployAgent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:           "deployagent",
	Short:         "Deploy Android packages to a device with the cheapest safe strategy",
	Long:          `deployagent installs APKs on an attached Android device. It remembers what was last deployed to each device and, when only code changed, swaps it into the running process instead of reinstalling.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if rootVerbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

var (
	rootConfig       string
	rootSerial       string
	rootWorkers      int
	rootTimeout      string
	rootDB           string
	rootCacheBackend string
	rootMetricsFile  string
	rootVerbose      bool
	rootYes          bool
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&rootConfig, "config", "", "YAML config file")
	flags.StringVarP(&rootSerial, "serial", "s", "", "Device serial (default from ANDROID_SERIAL, or the only attached device)")
	flags.IntVar(&rootWorkers, "workers", 0, "Concurrent device operations (default 5)")
	flags.StringVar(&rootTimeout, "timeout", "", "Per-command device timeout, e.g. 90s (default 5m)")
	flags.StringVar(&rootDB, "db", "", "SQLite database path (default ~/.deployagent/deploy.sqlite)")
	flags.StringVar(&rootCacheBackend, "cache-backend", "", "Analysis cache backend: sqlite or badger")
	flags.StringVar(&rootMetricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile on exit")
	flags.BoolVarP(&rootVerbose, "verbose", "v", false, "Debug logging")
	flags.BoolVarP(&rootYes, "yes", "y", false, "Answer yes to every prompt")

	rootCmd.AddCommand(
		newDeployCmd(),
		newInstallCmd(),
		newFullSwapCmd(),
		newCodeSwapCmd(),
		newUninstallCmd(),
		newDevicesCmd(),
		newHistoryCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("deployagent command failed")
	}
}
