package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Firestore is the production Store backed by a Cloud Firestore database.
type Firestore struct {
	client *firestore.Client
	logger *log.Logger
}

// NewFirestore opens a Firestore client for projectID. If credentialsFile
// is empty, application default credentials are used.
func NewFirestore(ctx context.Context, projectID, credentialsFile string, logger *log.Logger) (*Firestore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID cannot be empty")
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return NewFirestoreFromClient(client, logger), nil
}

// NewFirestoreFromClient wraps an existing client.
func NewFirestoreFromClient(client *firestore.Client, logger *log.Logger) *Firestore {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Firestore{client: client, logger: logger}
}

// Close closes the underlying client.
func (f *Firestore) Close() error {
	return f.client.Close()
}

// Subscribe implements Store.Subscribe with a collection snapshot listener.
func (f *Firestore) Subscribe(ctx context.Context, path string) (Subscription, error) {
	coll := f.client.Collection(path)
	if coll == nil {
		return nil, &Error{Op: "subscribe", Path: path, Kind: KindTransport, Err: errors.New("invalid collection path")}
	}

	ctx, cancel := context.WithCancel(ctx)
	it := coll.Snapshots(ctx)

	f.logger.Printf("Listening on %s", path)
	return &firestoreSubscription{path: path, iter: it, cancel: cancel}, nil
}

// ReadOnce implements Store.ReadOnce. The document update time is returned
// as metadata.
func (f *Firestore) ReadOnce(ctx context.Context, path string) (*Entry, error) {
	ref := f.client.Doc(path)
	if ref == nil {
		return nil, &Error{Op: "read", Path: path, Kind: KindTransport, Err: errors.New("invalid document path")}
	}

	snap, err := ref.Get(ctx)
	if err != nil {
		return nil, classifyStatus("read", path, err)
	}

	updated := snap.UpdateTime
	return &Entry{
		Value:    snap.Data(),
		Metadata: Metadata{UpdateTime: &updated},
	}, nil
}

// SetField implements Writer.SetField with a merge write on a single field.
func (f *Firestore) SetField(ctx context.Context, path, field string, value any) error {
	ref := f.client.Doc(path)
	if ref == nil {
		return &Error{Op: "write", Path: path, Kind: KindTransport, Err: errors.New("invalid document path")}
	}

	_, err := ref.Set(ctx, map[string]any{field: value}, firestore.Merge(firestore.FieldPath{field}))
	if err != nil {
		return classifyStatus("write", path, err)
	}
	return nil
}

type firestoreSubscription struct {
	path   string
	iter   *firestore.QuerySnapshotIterator
	cancel context.CancelFunc

	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

func (s *firestoreSubscription) Next() (RawCollection, error) {
	qs, err := s.iter.Next()
	if err != nil {
		if s.isStopped() || errors.Is(err, iterator.Done) {
			return RawCollection{}, ErrStopped
		}
		return RawCollection{}, classifyStatus("subscribe", s.path, err)
	}

	docs, err := qs.Documents.GetAll()
	if err != nil {
		return RawCollection{}, classifyStatus("subscribe", s.path, err)
	}

	coll := RawCollection{
		Keys:   make([]string, 0, len(docs)),
		Values: make(map[string]RawEntity, len(docs)),
	}
	for _, doc := range docs {
		if !doc.Exists() {
			continue
		}
		coll.Keys = append(coll.Keys, doc.Ref.ID)
		coll.Values[doc.Ref.ID] = doc.Data()
	}
	return coll, nil
}

func (s *firestoreSubscription) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.iter.Stop()
		s.cancel()
	})
}

func (s *firestoreSubscription) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
