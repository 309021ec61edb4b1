// Package cmd provides the CLI commands for Tether.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tetherhq/tether/internal/appdir"
	"github.com/tetherhq/tether/internal/logging"
)

var (
	// Global flags
	autoApprove   bool
	debug         bool
	logLevel      string
	logFile       string
	logComponents string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Tether - drive ACP coding agents from your terminal",
	Long: `Tether runs long-lived conversations with AI coding agents that
speak the Agent Client Protocol (ACP), such as claude-code and gemini.

Each conversation is bound to a working directory, persisted locally,
and resumable across restarts when the agent supports session loading.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		effectiveLogLevel := "info"
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		var components []string
		if logComponents != "" {
			for _, c := range strings.Split(logComponents, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					components = append(components, c)
				}
			}
		}

		var fileCfg *logging.FileConfig
		if logFile != "" {
			fileCfg = &logging.FileConfig{Path: logFile}
		}
		if err := logging.Initialize(logging.Config{
			Level:      effectiveLogLevel,
			File:       fileCfg,
			Components: components,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create Tether directory: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&autoApprove, "auto-approve", false, "Automatically approve agent permission requests")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to the console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g. 'controller,host'). Empty means all components.")
}
