package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/compintel/profilesync/internal/migrate"
	"github.com/compintel/profilesync/internal/remote"
	"github.com/compintel/profilesync/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "data",
	Short:   "Import company profiles from a JSONL file",
	Long: `Import company profiles from a JSONL export.

Each line is one JSON object with an "id" plus any profile fields. Every
field is written with a last-write-wins field write, so fields missing from
the file are left untouched in the store.

Example usage:
  intel import companies.jsonl
  intel import companies.jsonl --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		records, err := migrate.FromJSONL(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		var w remote.Writer
		if !dryRun {
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			w = store
		}

		mode := "Importing"
		if dryRun {
			mode = "Checking"
		}
		fmt.Printf("%s %s %s records into %s...\n", ui.RenderAccent("📥"), mode, humanize.Comma(int64(len(records))), cfg.Store.Collection)

		start := time.Now()
		result, err := migrate.Import(ctx, w, records, migrate.ImportOptions{
			Collection: cfg.Store.Collection,
			DryRun:     dryRun,
		})
		if err != nil {
			return fmt.Errorf("import interrupted: %w", err)
		}

		fmt.Printf("%s Done in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Records: %d imported, %d failed\n", result.RecordsImported, result.RecordsFailed)
		fmt.Printf("   Fields: %s\n", humanize.Comma(int64(result.FieldsWritten)))
		if dryRun {
			fmt.Printf("   %s Dry run, nothing was written\n", ui.RenderWarn("⚠"))
		}
		for _, e := range result.Errors {
			fmt.Printf("   %s %s\n", ui.RenderFail("✗"), e)
		}
		if result.RecordsFailed > 0 {
			return fmt.Errorf("%d records failed to import", result.RecordsFailed)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Validate and count without writing")

	rootCmd.AddCommand(importCmd)
}
