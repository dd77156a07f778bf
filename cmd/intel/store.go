package main

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"github.com/compintel/profilesync/internal/cache"
	"github.com/compintel/profilesync/internal/config"
	"github.com/compintel/profilesync/internal/identity"
	"github.com/compintel/profilesync/internal/metrics"
	"github.com/compintel/profilesync/internal/remote"
)

// backend is a store that also accepts writes.
type backend interface {
	remote.Store
	remote.Writer
}

// openStore opens the configured backend. The returned close func must be
// called when done.
func openStore(ctx context.Context, c *config.Config) (backend, func(), error) {
	switch c.Store.Backend {
	case config.BackendFirestore:
		fs, err := remote.NewFirestore(ctx, c.Store.Project, c.Store.Credentials, logger("remote"))
		if err != nil {
			return nil, nil, err
		}
		return fs, func() { _ = fs.Close() }, nil

	case config.BackendFile:
		fs, err := remote.NewFileStore(c.Store.Dir, &remote.FileStoreConfig{
			Debounce: c.Store.Debounce,
			Logger:   logger("remote"),
		})
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
}

// newVerifier returns the request authenticator for the configured
// provider. The static provider returns nil, which the dashboard treats as
// "everyone is the dev identity".
func newVerifier(ctx context.Context, c *config.Config) (identity.Verifier, error) {
	if c.Identity.Provider != config.ProviderFirebase {
		return nil, nil
	}

	var opts []option.ClientOption
	if c.Store.Credentials != "" {
		opts = append(opts, option.WithCredentialsFile(c.Store.Credentials))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: c.Store.Project}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase auth: %w", err)
	}
	return identity.NewFirebaseVerifier(client, c.Identity.AllowedDomains, logger("identity")), nil
}

// cacheOptions builds cache options from config.
func cacheOptions(c *config.Config, reg *metrics.Registry) cache.Options {
	return cache.Options{
		Collection:         c.Store.Collection,
		Order:              c.Order,
		MaxConcurrentReads: c.Store.MaxConcurrentReads,
		Logger:             logger("cache"),
		Metrics:            reg,
		OnError:            reportError,
	}
}

// settle waits for the first settled snapshot of sc.
func settle(ctx context.Context, sc *cache.SyncCache) (*cache.Snapshot, error) {
	for snap := range sc.Watch(ctx) {
		if !snap.Settled() {
			continue
		}
		if snap.Error != "" {
			return snap, fmt.Errorf("failed to load companies: %s", snap.Error)
		}
		return snap, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("timed out waiting for companies: %w", err)
	}
	return nil, fmt.Errorf("cache closed before companies loaded")
}
