package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/compintel/profilesync/internal/remote"
)

// passResult is what a normalization pass posts back to the event loop.
type passResult struct {
	generation uint64
	records    []Record
	failures   *multierror.Error
	elapsed    time.Duration
}

// runPass issues one metadata read per slot concurrently and waits for all
// of them to settle. A failed read downgrades that record's metadata to
// unknown; it never drops the record or aborts the pass.
func runPass(ctx context.Context, store remote.Store, collection string, coll remote.RawCollection, slots []slot, limit int) ([]Record, *multierror.Error) {
	records := make([]Record, len(slots))

	var (
		mu       sync.Mutex
		failures *multierror.Error
	)

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, s := range slots {
		g.Go(func() error {
			var meta remote.Metadata

			entry, err := store.ReadOnce(ctx, remote.EntityPath(collection, s.id))
			if err != nil {
				mu.Lock()
				failures = multierror.Append(failures, fmt.Errorf("%s: %w", s.id, err))
				mu.Unlock()
			} else if entry != nil {
				meta = entry.Metadata
			}

			records[i] = normalize(s.id, coll.Values[s.id], s, meta)
			return nil
		})
	}

	// Every goroutine returns nil; Wait only joins.
	_ = g.Wait()

	return records, failures
}
