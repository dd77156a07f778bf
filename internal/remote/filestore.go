package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileStoreConfig holds configuration for the local directory store.
type FileStoreConfig struct {
	// Debounce is how long the directory must be quiet before a change is
	// pushed. This batches rapid writes into one collection push.
	Debounce time.Duration

	// Logger for store activity
	Logger *log.Logger
}

// DefaultFileStoreConfig returns sensible defaults.
func DefaultFileStoreConfig() *FileStoreConfig {
	return &FileStoreConfig{
		Debounce: 100 * time.Millisecond,
		Logger:   log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// FileStore is a Store over a local directory tree. Collection "companies"
// maps to root/companies and entity "companies/x" to root/companies/x.json.
type FileStore struct {
	root   string
	config *FileStoreConfig

	writeMu sync.Mutex
}

// NewFileStore creates a FileStore rooted at root.
func NewFileStore(root string, config *FileStoreConfig) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	if config == nil {
		config = DefaultFileStoreConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultFileStoreConfig().Debounce
	}
	return &FileStore{root: root, config: config}, nil
}

// Root returns the store's root directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) dir(collection string) string {
	return filepath.Join(s.root, filepath.FromSlash(collection))
}

// Subscribe implements Store.Subscribe. The first push is the current
// directory contents; later pushes follow file events after the debounce.
func (s *FileStore) Subscribe(ctx context.Context, path string) (Subscription, error) {
	dir := s.dir(path)

	info, err := os.Stat(dir)
	if err != nil {
		return nil, classifyFS("subscribe", path, err)
	}
	if !info.IsDir() {
		return nil, &Error{Op: "subscribe", Path: path, Kind: KindTransport, Err: errors.New("not a directory")}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &Error{Op: "subscribe", Path: path, Kind: KindTransport, Err: fmt.Errorf("failed to create watcher: %w", err)}
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, classifyFS("subscribe", path, err)
	}

	sub := &fileSubscription{
		path:     path,
		dir:      dir,
		debounce: s.config.Debounce,
		logger:   s.config.Logger,
		watcher:  watcher,
		updates:  make(chan RawCollection, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}

	s.config.Logger.Printf("Watching: %s", dir)

	sub.wg.Add(1)
	go sub.run(ctx)

	return sub, nil
}

// ReadOnce implements Store.ReadOnce. The file modification time is the
// entity's update time.
func (s *FileStore) ReadOnce(ctx context.Context, path string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "read", Path: path, Kind: KindTransport, Err: err}
	}

	collection, id := SplitPath(path)
	if err := ValidateID(id); err != nil {
		return nil, &Error{Op: "read", Path: path, Kind: KindTransport, Err: err}
	}
	file := filepath.Join(s.dir(collection), RecordFileName(id))

	info, err := os.Stat(file)
	if err != nil {
		return nil, classifyFS("read", path, err)
	}

	entity, err := ReadRecordFile(file)
	if err != nil {
		return nil, classifyFS("read", path, err)
	}

	updated := info.ModTime()
	return &Entry{
		Value:    entity,
		Metadata: Metadata{UpdateTime: &updated},
	}, nil
}

// SetField implements Writer.SetField as a read-modify-write of the record
// file.
func (s *FileStore) SetField(ctx context.Context, path, field string, value any) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "write", Path: path, Kind: KindTransport, Err: err}
	}
	if field == "" {
		return fmt.Errorf("field cannot be empty")
	}

	collection, id := SplitPath(path)
	if err := ValidateID(id); err != nil {
		return &Error{Op: "write", Path: path, Kind: KindTransport, Err: err}
	}
	dir := s.dir(collection)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entity, err := ReadRecordFile(filepath.Join(dir, RecordFileName(id)))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		entity = RawEntity{}
	case err != nil:
		return classifyFS("write", path, err)
	}

	entity[field] = value
	if err := WriteRecordFile(dir, id, entity); err != nil {
		return classifyFS("write", path, err)
	}

	s.config.Logger.Printf("Wrote %s.%s", path, field)
	return nil
}

func classifyFS(op, path string, err error) error {
	kind := KindTransport
	switch {
	case errors.Is(err, fs.ErrPermission):
		kind = KindPermissionDenied
	case op == "read" && errors.Is(err, fs.ErrNotExist):
		kind = KindNotFound
	}
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}

// fileSubscription converts fsnotify events into full collection pushes.
type fileSubscription struct {
	path     string
	dir      string
	debounce time.Duration
	logger   *log.Logger
	watcher  *fsnotify.Watcher

	// updates holds at most one pending push; a newer push replaces it.
	updates chan RawCollection
	done    chan struct{}
	exited  chan struct{}
	wg      sync.WaitGroup

	stopOnce sync.Once
	exitOnce sync.Once
	mu       sync.Mutex
	err      error
}

func (s *fileSubscription) Next() (RawCollection, error) {
	select {
	case coll := <-s.updates:
		return coll, nil
	case <-s.exited:
		select {
		case coll := <-s.updates:
			return coll, nil
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return RawCollection{}, s.err
		}
		return RawCollection{}, ErrStopped
	}
}

func (s *fileSubscription) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		if err := s.watcher.Close(); err != nil {
			s.logger.Printf("Error closing watcher: %v", err)
		}
	})
}

// run is the event loop. It pushes the initial contents, then reloads the
// directory once events have been quiet for the debounce interval.
func (s *fileSubscription) run(ctx context.Context) {
	defer s.wg.Done()

	if !s.load() {
		return
	}

	ticker := time.NewTicker(s.debounce)
	defer ticker.Stop()

	var pendingSince time.Time
	for {
		select {
		case <-ctx.Done():
			s.finish(nil)
			return

		case <-s.done:
			s.finish(nil)
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				s.finish(nil)
				return
			}
			if !s.relevant(event) {
				continue
			}
			pendingSince = time.Now()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				s.finish(nil)
				return
			}
			s.logger.Printf("Watcher error: %v", err)
			s.finish(&Error{Op: "subscribe", Path: s.path, Kind: KindTransport, Err: err})
			return

		case <-ticker.C:
			if pendingSince.IsZero() || time.Since(pendingSince) < s.debounce {
				continue
			}
			pendingSince = time.Time{}
			if !s.load() {
				return
			}
		}
	}
}

// relevant reports whether an event touches a record file or the
// collection directory itself.
func (s *fileSubscription) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	if filepath.Clean(event.Name) == filepath.Clean(s.dir) {
		return true
	}
	_, ok := IDFromFileName(filepath.Base(event.Name))
	return ok
}

// load reads the whole collection and pushes it. It returns false after
// finishing the subscription with an error.
func (s *fileSubscription) load() bool {
	coll, err := ReadAllRecordFiles(s.dir, func(name string, err error) {
		s.logger.Printf("Warning: skipping invalid record file %s: %v", name, err)
	})
	if err != nil {
		s.finish(classifyFS("subscribe", s.path, err))
		return false
	}

	select {
	case <-s.updates:
	default:
	}
	s.updates <- coll
	return true
}

func (s *fileSubscription) finish(err error) {
	s.exitOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.exited)
	})
}
