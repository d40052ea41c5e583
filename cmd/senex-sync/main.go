// Command senex-sync mirrors Senex projects into local To-Do lists and
// pushes local changes back, keeping both sides converged.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/senexhq/senex-sync/internal/config"
)

// version is overridden at build time via -ldflags.
var version = "0.9.0-dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "senex-sync",
	Short: "Bidirectional sync between Senex projects and local To-Do lists",
	Long: `senex-sync keeps local To-Do lists and Senex projects converged.

It maintains one sync session per project: a live WebSocket stream applies
remote changes as they happen, periodic snapshot reconciliation recovers
anything missed, and local mutations are pushed through the REST API with
retries and idempotency keys.

Configuration comes from a YAML file (see --config) or SENEX_-prefixed
environment variables.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.AddCommand(runCmd, resyncCmd, projectsCmd, addCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the daemon logger, with rotation when a log file is
// configured.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the senex-sync version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("senex-sync %s\n", version)
	},
}
