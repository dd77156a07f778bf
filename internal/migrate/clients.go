package migrate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/compintel/profilesync/internal/cache"
	"github.com/compintel/profilesync/internal/remote"
)

// ClientsField is the field holding a company's client list.
const ClientsField = "clients"

// EntityReader reads single entities. remote.Store satisfies it.
type EntityReader interface {
	ReadOnce(ctx context.Context, path string) (*remote.Entry, error)
}

// Clients reads the client list of a company. A missing company or a
// placeholder value reads as an empty list; null entries are dropped.
func Clients(ctx context.Context, r EntityReader, collection, id string) ([]string, error) {
	entry, err := r.ReadOnce(ctx, remote.EntityPath(collection, id))
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return []string{}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", id, err)
	}
	return cache.OptionalOf(entry.Value[ClientsField]).Strings(), nil
}

// AddClient appends name to a company's client list unless it is already
// there, ignoring case. It returns the resulting list and whether it wrote.
//
// The update is a read-modify-write with last-write-wins semantics; a
// concurrent editor's change to the same list can be lost.
func AddClient(ctx context.Context, r EntityReader, w remote.Writer, collection, id, name string) ([]string, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, fmt.Errorf("client name cannot be empty")
	}

	clients, err := Clients(ctx, r, collection, id)
	if err != nil {
		return nil, false, err
	}
	if indexFold(clients, name) >= 0 {
		return clients, false, nil
	}

	clients = append(clients, name)
	if err := w.SetField(ctx, remote.EntityPath(collection, id), ClientsField, clients); err != nil {
		return nil, false, fmt.Errorf("failed to write clients of %s: %w", id, err)
	}
	return clients, true, nil
}

// RemoveClient removes every entry matching name, ignoring case. It returns
// the resulting list and whether it wrote.
func RemoveClient(ctx context.Context, r EntityReader, w remote.Writer, collection, id, name string) ([]string, bool, error) {
	clients, err := Clients(ctx, r, collection, id)
	if err != nil {
		return nil, false, err
	}
	if indexFold(clients, name) < 0 {
		return clients, false, nil
	}

	kept := make([]string, 0, len(clients))
	for _, c := range clients {
		if !strings.EqualFold(c, name) {
			kept = append(kept, c)
		}
	}

	if err := w.SetField(ctx, remote.EntityPath(collection, id), ClientsField, kept); err != nil {
		return nil, false, fmt.Errorf("failed to write clients of %s: %w", id, err)
	}
	return kept, true, nil
}

func indexFold(list []string, s string) int {
	for i, v := range list {
		if strings.EqualFold(v, s) {
			return i
		}
	}
	return -1
}
