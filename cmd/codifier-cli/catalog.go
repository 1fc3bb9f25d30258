package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/vehicle-codifier/pkg/codifier"
)

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage catalog versions",
	}
	cmd.AddCommand(newCatalogLoadCmd())
	cmd.AddCommand(newCatalogActivateCmd())
	cmd.AddCommand(newCatalogRollbackCmd())
	cmd.AddCommand(newCatalogRefreshCmd())
	cmd.AddCommand(newCatalogStatusCmd())
	return cmd
}

func newCatalogLoadCmd() *cobra.Command {
	var (
		file     string
		ver      string
		format   string
		activate bool
		strict   bool
	)

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load a CSV or JSONL catalog file as a new version",
		Example: `  codifier-cli catalog load --file catalog-2026-05.csv --version 2026-05 --activate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			fileFormat, err := resolveFormat(file, format)
			if err != nil {
				return err
			}

			c, err := openCodifier(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			ui.Step("Loading %s as version %s", file, ver)
			res, err := c.LoadCatalog(ctx, codifier.IngestionRequest{
				Version:  ver,
				Path:     file,
				Format:   fileFormat,
				Strict:   strict,
				Activate: activate,
			})
			if outputJSON && res != nil {
				if perr := printJSON(res); perr != nil {
					return perr
				}
			}
			if res != nil {
				printIngestion(ui, res)
			}
			if err != nil {
				return err
			}

			ui.Success("Loaded %d entries into %s in %s", res.Entries, ver, FormatDuration(res.Duration))
			if res.Activated {
				ui.Success("Version %s is now active", ver)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "catalog file")
	cmd.Flags().StringVar(&ver, "version", "", "catalog version name")
	cmd.Flags().StringVar(&format, "format", "", "file format: csv or jsonl (default: from extension)")
	cmd.Flags().BoolVar(&activate, "activate", false, "activate the version after loading")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when any row is rejected")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("version")

	return cmd
}

func printIngestion(ui *UI, res *codifier.IngestionResult) {
	ui.KeyValue("Job", res.JobID)
	ui.KeyValue("Status", res.Status)
	ui.KeyValue("Entries", res.Entries)
	ui.KeyValue("Re-embedded", res.Embedded)
	ui.KeyValue("Rejected rows", res.Rejected)

	const maxShown = 20
	for i, e := range res.Errors {
		if i == maxShown {
			ui.Info("... %d more", len(res.Errors)-maxShown)
			break
		}
		if e.Severity == "error" {
			ui.Error("%s", e.Error())
		} else {
			ui.Warning("%s", e.Error())
		}
	}
}

func newCatalogActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate VERSION",
		Short: "Make a loaded version the active catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			c, err := openCodifier(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Activate(ctx, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(res)
			}
			printPublish(ui, res)
			return nil
		},
	}
}

func newCatalogRollbackCmd() *cobra.Command {
	var (
		target string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Reactivate the previously active catalog version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			c, err := openCodifier(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Rollback(ctx, target, reason)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(res)
			}
			printPublish(ui, res)
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "to", "", "version to reactivate (default: the previously active one)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the logs")

	return cmd
}

func printPublish(ui *UI, res *codifier.PublishResult) {
	ui.Success("Version %s is now active (%d entries)", res.Version, res.Entries)
	if res.PreviousVersion != "" {
		ui.Info("Previous version %s archived", res.PreviousVersion)
	}
}

func newCatalogRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Reload the catalog cache and report the cached version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			c, err := openCodifier(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh catalog cache: %w", err)
			}
			st, err := c.Status(ctx, false)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(st)
			}
			ui.Success("Cached version %s with %d entries", st.CachedVersion, st.CachedEntries)
			return nil
		},
	}
}

func newCatalogStatusCmd() *cobra.Command {
	var checkEmbeddings bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show catalog versions, cache state and embedding health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			c, err := openCodifier(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Status(ctx, checkEmbeddings)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(st)
			}

			ui.Section("Catalog")
			if st.ActiveVersion == "" {
				ui.Warning("No active catalog version")
			} else {
				ui.KeyValue("Active version", st.ActiveVersion)
			}
			if st.CacheBuiltAt != nil {
				ui.KeyValue("Cached", fmt.Sprintf("%s, %d entries, built %s",
					st.CachedVersion, st.CachedEntries, st.CacheBuiltAt.Format(time.RFC3339)))
			}

			rows := make([][]string, len(st.Versions))
			for i, v := range st.Versions {
				activated := "-"
				if v.ActivatedAt != nil {
					activated = v.ActivatedAt.Format(time.RFC3339)
				}
				rows[i] = []string{v.Version, string(v.Status), fmt.Sprint(v.EntryCount),
					v.CreatedAt.Format(time.RFC3339), activated}
			}
			ui.Table([]string{"Version", "Status", "Entries", "Created", "Activated"}, rows)

			if checkEmbeddings {
				ui.Section("Embeddings")
				switch {
				case st.EmbeddingsError != "":
					ui.Error("%s", st.EmbeddingsError)
				case st.Embeddings == nil:
					ui.Info("Nothing to check")
				default:
					r := st.Embeddings
					ui.KeyValue("Model", r.Model)
					ui.KeyValue("Dimension", r.Dimension)
					ui.KeyValue("Missing", r.Missing)
					ui.KeyValue("Mismatched", r.Mismatched)
					if r.Healthy() {
						ui.Success("All %d entries comparable with query embeddings", r.Entries)
					} else {
						ui.Warning("Load the catalog under a new version to re-embed %d entries", r.Missing+r.Mismatched)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkEmbeddings, "check-embeddings", false, "inspect embeddings of the active version")

	return cmd
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the match audit trail",
	}

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "List the latest persisted match decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			if !cfg.Audit.Persist {
				return errors.New("audit persistence is disabled (audit.persist)")
			}

			c, err := openCodifier(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			events, err := c.RecentAudit(ctx, limit)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(events)
			}

			rows := make([][]string, len(events))
			for i, e := range events {
				code := "-"
				if e.SuggestedCode != nil {
					code = *e.SuggestedCode
				}
				rows[i] = []string{e.OccurredAt.Format(time.RFC3339), fmt.Sprint(e.ModelYear),
					e.Description, string(e.Decision), fmt.Sprintf("%.3f", e.Confidence), code}
			}
			ui.Table([]string{"When", "Year", "Description", "Decision", "Confidence", "Code"}, rows)
			return nil
		},
	}
	recent.Flags().IntVarP(&limit, "limit", "n", 20, "number of events")
	cmd.AddCommand(recent)

	return cmd
}
