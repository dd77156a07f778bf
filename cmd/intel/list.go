package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/compintel/profilesync/internal/cache"
	"github.com/compintel/profilesync/internal/identity"
	"github.com/compintel/profilesync/internal/profile"
	"github.com/compintel/profilesync/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "data",
	Short:   "List company profiles",
	Long: `Load the company collection once and print one page of profiles in
canonical order, followed by supplemental companies.

Examples:
  intel list                         # First page
  intel list --page 2 --per-page 10  # Another page
  intel list --search kyc            # Search by id or name
  intel list --since "last week"     # Updated since a date or phrase`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		perPage, _ := cmd.Flags().GetInt("per-page")
		search, _ := cmd.Flags().GetString("search")
		limit, _ := cmd.Flags().GetInt("limit")
		since, _ := cmd.Flags().GetString("since")

		snap, err := loadOnce(cmd)
		if err != nil {
			return err
		}
		records := snap.Records

		if since != "" {
			t, err := profile.ParseSince(since, time.Now())
			if err != nil {
				return err
			}
			records = profile.UpdatedSince(records, t)
		}

		if search != "" {
			records = profile.Search(records, search, limit)
			if len(records) == 0 {
				fmt.Printf("%s No companies match %q\n", ui.RenderWarn("⚠"), search)
				return nil
			}
			fmt.Println(ui.RecordTable(records))
			return nil
		}

		if len(records) == 0 {
			fmt.Printf("%s No companies\n", ui.RenderWarn("⚠"))
			return nil
		}

		p := profile.Paginate(records, page, perPage)
		fmt.Println(ui.RecordTable(p.Items))
		fmt.Printf("Page %d of %d (%d companies)  %s\n", p.Number, p.TotalPages, p.Total, pageStrip(p))
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "data",
	Short:   "Show one company profile",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := loadOnce(cmd)
		if err != nil {
			return err
		}

		r, ok := profile.Find(snap.Records, args[0])
		if !ok {
			return fmt.Errorf("company %q not found", args[0])
		}
		ui.PrintRecord(os.Stdout, r)
		return nil
	},
}

// loadOnce subscribes as the dev identity, waits for the first settled
// snapshot and releases the subscription.
func loadOnce(cmd *cobra.Command) (*cache.Snapshot, error) {
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	sc := cache.New(store, cacheOptions(cfg, nil))
	defer sc.Close()
	sc.SetIdentity(identity.Static(cfg.Identity.DevIdentity))

	return settle(ctx, sc)
}

// pageStrip renders page numbers with the current page highlighted and
// ellipses for gaps.
func pageStrip(p profile.Page) string {
	parts := make([]string, 0, len(p.Numbers))
	for _, n := range p.Numbers {
		switch n {
		case profile.Ellipsis:
			parts = append(parts, "…")
		case p.Number:
			parts = append(parts, ui.RenderAccent(fmt.Sprintf("[%d]", n)))
		default:
			parts = append(parts, fmt.Sprint(n))
		}
	}
	return strings.Join(parts, " ")
}

func init() {
	listCmd.Flags().Int("page", 1, "Page number")
	listCmd.Flags().Int("per-page", profile.DefaultPerPage, "Companies per page")
	listCmd.Flags().StringP("search", "s", "", "Search by id or name")
	listCmd.Flags().Int("limit", profile.DefaultSearchLimit, "Maximum search results")
	listCmd.Flags().String("since", "", "Only companies updated since (e.g. 7d, 2024-03-01, \"last week\")")

	for _, c := range []*cobra.Command{listCmd, showCmd} {
		c.Flags().Duration("timeout", 30*time.Second, "How long to wait for the collection")
		rootCmd.AddCommand(c)
	}
}
