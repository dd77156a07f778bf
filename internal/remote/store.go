// Package remote provides the client contract for the push-based remote
// structured store that holds company records, plus its backends.
//
// Two backends implement Store:
//
//   - Firestore: the production store. A collection listener delivers the
//     whole collection on every change; point reads expose the document
//     update time as store-level metadata.
//   - FileStore: a local directory of <id>.json files watched with fsnotify.
//     Any change re-reads the directory and pushes the full collection.
//
// Neither backend retries. Failures are classified as permission or
// transport errors and returned to the caller, who owns retry policy.
package remote

import (
	"context"
	"strings"
	"time"
)

// DefaultCollection is the collection path company records live under.
const DefaultCollection = "companies"

// RawEntity is one record body as delivered by the store. Field shapes vary
// per record: a field may be absent, a placeholder string, a list, or a
// nested map.
type RawEntity map[string]any

// RawCollection is a full collection push. Keys preserves the order the
// store returned the entities in.
type RawCollection struct {
	Keys   []string
	Values map[string]RawEntity
}

// Len returns the number of entities in the collection.
func (c RawCollection) Len() int {
	return len(c.Keys)
}

// Has reports whether id is present.
func (c RawCollection) Has(id string) bool {
	_, ok := c.Values[id]
	return ok
}

// Metadata is store-level information about an entity that is not part of
// the record body.
type Metadata struct {
	// UpdateTime is when the store last modified the entity, nil if unknown.
	UpdateTime *time.Time
}

// Entry is the result of a point read.
type Entry struct {
	Value    RawEntity
	Metadata Metadata
}

// Store is the remote structured store.
type Store interface {
	// Subscribe starts a listener on a collection path.
	//
	// The returned Subscription yields the entire collection every time
	// anything in it changes. The caller must call Stop on every exit path.
	//
	// Example:
	//   sub, err := store.Subscribe(ctx, "companies")
	Subscribe(ctx context.Context, path string) (Subscription, error)

	// ReadOnce reads a single entity and its metadata.
	//
	// Example:
	//   entry, err := store.ReadOnce(ctx, "companies/signzy")
	ReadOnce(ctx context.Context, path string) (*Entry, error)
}

// Subscription is a single-subscriber stream of full collection snapshots.
type Subscription interface {
	// Next blocks until the next collection push or a failure. Failures are
	// terminal for the stream: after a non-nil error, the subscription is
	// done and Next keeps returning errors.
	Next() (RawCollection, error)

	// Stop releases the listener. It is safe to call more than once.
	Stop()
}

// Writer applies last-write-wins field writes.
type Writer interface {
	// SetField overwrites a single top-level field of an entity, creating
	// the entity if needed. Other fields are untouched.
	SetField(ctx context.Context, path, field string, value any) error
}

// EntityPath returns the path of one entity in a collection.
func EntityPath(collection, id string) string {
	return collection + "/" + id
}

// SplitPath splits "collection/id" into its parts. A path without a
// separator is a bare collection.
func SplitPath(path string) (collection, id string) {
	path = strings.Trim(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}
