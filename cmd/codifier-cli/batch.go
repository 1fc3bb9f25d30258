package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/ingest"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/pkg/codifier"
)

// batchLine is one JSONL output record.
type batchLine struct {
	Index  int                   `json:"index"`
	Result *codifier.MatchResult `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
}

func newBatchCmd() *cobra.Command {
	var (
		input       string
		output      string
		format      string
		concurrency int
		metricsFile string
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Match every record of a CSV or JSONL file",
		Long: `Match every record of a CSV or JSONL file concurrently.

Records may use any of the recognized year and description column names
(model_year, año, description, descripción, ...). Results are written as
JSON Lines in input order.`,
		Example: `  codifier-cli batch --input vehicles.csv --output results.jsonl
  codifier-cli batch --input vehicles.jsonl --concurrency 16 --metrics-file codifier.prom`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			fileFormat, err := resolveFormat(input, format)
			if err != nil {
				return err
			}
			f, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			inputs, err := codifier.ParseInputs(f, fileFormat)
			f.Close()
			if err != nil {
				return fmt.Errorf("parse input: %w", err)
			}
			ui.Step("Read %d records from %s", len(inputs), input)

			if concurrency > 0 {
				cfg.Batch.MaxConcurrency = concurrency
			}
			reg := prometheus.NewRegistry()
			c, err := openCodifier(ctx, reg)
			if err != nil {
				return err
			}
			defer c.Close()

			var out io.Writer = os.Stdout
			if output != "" {
				of, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer of.Close()
				out = of
			} else if !outputJSON {
				out = io.Discard
			}

			bar := ui.ProgressBar("Matching", int64(len(inputs)))
			start := time.Now()
			items := c.MatchRawBatch(ctx, inputs, func(codifier.BatchItem) {
				if bar != nil {
					bar.Increment()
				}
			})
			elapsed := time.Since(start)

			enc := json.NewEncoder(out)
			counts := map[string]int{}
			for _, item := range items {
				line := batchLine{Index: item.Index, Result: item.Result}
				if item.Err != nil {
					line.Error = item.Err.Error()
					counts["error"]++
				} else {
					counts[string(item.Result.Decision)]++
				}
				if err := enc.Encode(line); err != nil {
					return fmt.Errorf("write result: %w", err)
				}
			}

			if metricsFile != "" {
				if err := prometheus.WriteToTextfile(metricsFile, reg); err != nil {
					return fmt.Errorf("write metrics: %w", err)
				}
			}

			if bar != nil {
				bar.SetTotal(int64(len(inputs)), true)
			}
			ui.Close()
			ui.progress = nil

			ui.Success("Matched %d records in %s", len(items), FormatDuration(elapsed))
			keys := make([]string, 0, len(counts))
			for k := range counts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			rows := make([][]string, len(keys))
			for i, k := range keys {
				rows[i] = []string{k, fmt.Sprint(counts[k])}
			}
			ui.Table([]string{"Outcome", "Count"}, rows)
			if output != "" {
				ui.Info("Results written to %s", output)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "CSV or JSONL input file")
	cmd.Flags().StringVarP(&output, "output", "o", "", "JSONL output file (default: stdout with --json)")
	cmd.Flags().StringVar(&format, "format", "", "input format: csv or jsonl (default: from extension)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "maximum concurrent matches (default: batch.max_concurrency)")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file when done")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func resolveFormat(path, explicit string) (ingest.Format, error) {
	if explicit != "" {
		return ingest.ParseFormat(explicit)
	}
	return ingest.DetectFormat(path)
}
