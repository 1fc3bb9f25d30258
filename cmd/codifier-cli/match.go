package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/internal/codify"
	"github.com/spherical-ai/spherical/libs/vehicle-codifier/pkg/codifier"
)

func newMatchCmd() *cobra.Command {
	var (
		year int
		raw  string
		top  int
	)

	cmd := &cobra.Command{
		Use:   "match [description]",
		Short: "Resolve one vehicle description to a catalog code",
		Example: `  codifier-cli match --year 2020 "TOYOTA YARIS SOL L 4 CIL"
  codifier-cli match --raw '{"Año": 2020, "Descripción": "Nissan Versa Advance"}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			if raw == "" && len(args) == 0 {
				return fmt.Errorf("a description or --raw is required")
			}

			c, err := openCodifier(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			var res codifier.MatchResult
			if raw != "" {
				var input codifier.RawInput
				if err := json.Unmarshal([]byte(raw), &input); err != nil {
					return fmt.Errorf("decode --raw: %w", err)
				}
				res, err = c.MatchRaw(ctx, input)
			} else {
				res, err = c.Match(ctx, codifier.VehicleInput{ModelYear: year, Description: args[0]})
			}
			if err != nil {
				return err
			}

			if outputJSON {
				return printJSON(res)
			}
			printMatch(ui, res, top)
			return nil
		},
	}

	cmd.Flags().IntVarP(&year, "year", "y", 0, "model year")
	cmd.Flags().StringVar(&raw, "raw", "", "loosely shaped JSON record instead of --year and a description")
	cmd.Flags().IntVar(&top, "top", 5, "number of candidates to show")

	return cmd
}

func printMatch(ui *UI, res codifier.MatchResult, top int) {
	ui.Section("Match")
	ui.KeyValue("Request", res.RequestID)
	ui.KeyValue("Input", fmt.Sprintf("%d %q", res.Input.ModelYear, res.Input.Description))
	ui.KeyValue("Decision", decisionColor(res.Decision).Sprint(res.Decision))
	ui.KeyValue("Confidence", fmt.Sprintf("%.3f", res.Confidence))
	code := "-"
	if res.SuggestedCode != nil {
		code = *res.SuggestedCode
	}
	ui.KeyValue("Suggested code", code)
	ui.KeyValue("Catalog version", res.CatalogVersion)
	ui.KeyValue("Relaxation", res.RelaxationLevel)
	if res.ValidatorConfidence != nil {
		ui.KeyValue("Validator confidence", fmt.Sprintf("%.3f", *res.ValidatorConfidence))
	}

	fields := res.ExtractedFields
	extracted := make([]string, 0, len(codify.Attributes))
	for _, attr := range codify.Attributes {
		f := fields.Field(attr)
		if f.Present() {
			extracted = append(extracted, fmt.Sprintf("%s=%s (%s %.2f)", attr, f.String(), f.Method, f.Confidence))
		}
	}
	if len(extracted) > 0 {
		ui.KeyValue("Extracted", strings.Join(extracted, ", "))
	}

	if len(res.Degradations) > 0 {
		reasons := make([]string, len(res.Degradations))
		for i, d := range res.Degradations {
			reasons[i] = string(d)
		}
		ui.Warning("Degraded: %s", strings.Join(reasons, ", "))
	}

	if len(res.Candidates) == 0 {
		return
	}
	ui.Section("Candidates")
	rows := make([][]string, 0, top)
	for i, cand := range res.Candidates {
		if i >= top {
			break
		}
		validator := "-"
		if cand.ValidatorScore != nil {
			validator = fmt.Sprintf("%.2f", *cand.ValidatorScore)
		}
		rows = append(rows, []string{
			cand.Entry.Code,
			cand.Entry.Label,
			fmt.Sprintf("%.2f", cand.FilterScore),
			fmt.Sprintf("%.2f", cand.FuzzyScore),
			fmt.Sprintf("%.2f", cand.EmbeddingScore),
			validator,
			fmt.Sprintf("%.3f", cand.FinalScore),
		})
	}
	ui.Table([]string{"Code", "Label", "Filter", "Fuzzy", "Embedding", "LLM", "Final"}, rows)
}

func decisionColor(d codifier.Decision) *color.Color {
	switch d {
	case codify.DecisionAutoAccept:
		return color.New(color.FgGreen, color.Bold)
	case codify.DecisionNeedsReview:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}
