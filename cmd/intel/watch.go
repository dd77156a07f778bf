package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/compintel/profilesync/internal/cache"
	"github.com/compintel/profilesync/internal/identity"
	"github.com/compintel/profilesync/internal/metrics"
	"github.com/compintel/profilesync/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Follow the live company cache in the terminal",
	Long: `Subscribe to the company collection and print the normalized profiles
every time the cache publishes.

The subscription runs as the given identity (default: identity.dev_identity).
Send SIGHUP to force a refresh.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		as, _ := cmd.Flags().GetString("as")
		if as == "" {
			as = cfg.Identity.DevIdentity
		}

		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		sc := cache.New(store, cacheOptions(cfg, metrics.NewRegistry()))
		defer sc.Close()
		sc.SetIdentity(identity.Static(as))

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		fmt.Printf("%s Watching %s as %s (Ctrl+C to stop)\n", ui.RenderAccent("👀"), cfg.Store.Collection, as)

		snaps := sc.Watch(ctx)
		for {
			select {
			case <-hup:
				fmt.Printf("%s Refresh requested\n", ui.RenderAccent("↻"))
				sc.Refresh()

			case snap, ok := <-snaps:
				if !ok {
					return nil
				}
				printSnapshot(snap)
			}
		}
	},
}

func printSnapshot(snap *cache.Snapshot) {
	stamp := snap.PublishedAt.Format(time.TimeOnly)
	switch {
	case snap.Error != "":
		fmt.Printf("\n%s [%s] %s\n", ui.RenderFail("✗"), stamp, snap.Error)
		if snap.Error != cache.DeniedMessage && len(snap.Records) > 0 {
			fmt.Printf("   Keeping %s records from before the failure\n", humanize.Comma(int64(len(snap.Records))))
		}
	case snap.Loading:
		fmt.Printf("%s [%s] Loading...\n", ui.RenderMuted("…"), stamp)
		return
	case !snap.Settled():
		return
	default:
		fmt.Printf("\n%s [%s] %s companies (pass %d)\n", ui.RenderPass("✓"), stamp, humanize.Comma(int64(len(snap.Records))), snap.Generation)
	}
	if len(snap.Records) > 0 {
		fmt.Println(ui.RecordTable(snap.Records))
	}
}

func init() {
	watchCmd.Flags().String("as", "", "Identity to subscribe as")

	rootCmd.AddCommand(watchCmd)
}
