// Package main provides the vehicle codifier CLI entrypoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/config"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/observability"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/pkg/codifier"
)

const version = "0.1.0"

var (
	// Global flags
	cfgFile    string
	outputJSON bool
	verbose    bool
	noColor    bool

	// Configuration and logger
	cfg    *config.Config
	logger *observability.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "codifier-cli",
	Short: "Vehicle codifier CLI for matching, catalog management and audits",
	Long: `Vehicle codifier CLI resolves free-text vehicle descriptions to catalog codes.

Use this tool to:
- Match a single description or a CSV/JSONL batch
- Load, activate and roll back catalog versions
- Inspect catalog cache and embedding health
- Review the match audit trail

All commands support --json for automation.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal outside development.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := cfg.Observability.LogLevel
		if verbose {
			level = "debug"
		} else if !outputJSON && level == "info" {
			level = "warn"
		}
		logFormat := "console"
		if outputJSON {
			logFormat = "json"
		}

		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      logFormat,
			Output:      os.Stderr,
			ServiceName: "codifier-cli",
		})

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newMatchCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newCatalogCmd())
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openCodifier builds a codifier from the loaded configuration. reg may be
// nil.
func openCodifier(ctx context.Context, reg prometheus.Registerer) (*codifier.Codifier, error) {
	c, err := codifier.New(ctx, cfg, codifier.Options{Logger: logger, Registerer: reg})
	if err != nil {
		return nil, fmt.Errorf("initialize codifier: %w", err)
	}
	return c, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputJSON {
				return printJSON(map[string]string{
					"version": version,
					"go":      runtime.Version(),
				})
			}
			fmt.Printf("codifier-cli v%s (%s)\n", version, runtime.Version())
			return nil
		},
	}
}
