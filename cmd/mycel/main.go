package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mycel/internal/config"
	"mycel/internal/types"
)

var (
	// Global flags
	configPath string
	logLevel   string
)

// configError marks failures that happen before the server could start.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "mycel",
	Short: "mycel - adaptive knowledge-sharing substrate",
	Long: `mycel is a multi-tenant substrate for knowledge sharing between agents.

Agents broadcast findings as nutrients; an adaptive router scores and
selects recipients over a learned edge graph, a vector memory serves
semantic retrieval, and recorded outcomes reinforce the routes that
helped. All state is tenant-isolated.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(auditCmd)
}

// loadConfig applies the shared flags on top of config.Load.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &configError{err: err}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mycel: %v\n", err)
		var ce *configError
		switch {
		case errors.As(err, &ce):
			os.Exit(2)
		case types.CodeOf(err) == types.CodeUnavailable:
			// Required store unreachable at startup.
			os.Exit(3)
		}
		os.Exit(1)
	}
}
