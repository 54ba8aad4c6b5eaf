package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// recordsBucket is the single bucket inside every container file.
var recordsBucket = []byte("records")

// BoltStoreOptions controls how container files are opened.
type BoltStoreOptions struct {
	// SyncEveryWrite forces an fsync after every mutation instead of only on
	// Sync. The emergency outbox opens its store this way.
	SyncEveryWrite bool
	// FileMode for newly created container files.
	FileMode os.FileMode
}

// BoltStore implements ContainerStore with one bbolt file per container under
// a data directory. Separate files mean bbolt's own transactionality never
// spans containers, which keeps this implementation an honest model of the
// store the journal was designed for.
type BoltStore struct {
	dir    string
	opts   BoltStoreOptions
	logger *zap.Logger

	mu     sync.Mutex
	dbs    map[string]*bolt.DB
	closed bool
}

// NewBoltStore creates the data directory if needed and returns an empty
// store. Container files are opened lazily on first use.
func NewBoltStore(dir string, opts BoltStoreOptions, logger *zap.Logger) (*BoltStore, error) {
	if opts.FileMode == 0 {
		opts.FileMode = 0o600
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return &BoltStore{
		dir:    dir,
		opts:   opts,
		logger: logger,
		dbs:    make(map[string]*bolt.DB),
	}, nil
}

func validContainerName(container string) bool {
	if container == "" {
		return false
	}
	return !strings.ContainsAny(container, `/\`)
}

func (s *BoltStore) containerPath(container string) string {
	return filepath.Join(s.dir, container+".db")
}

// db returns the open handle for container, opening the file on first use.
func (s *BoltStore) db(container string) (*bolt.DB, error) {
	if !validContainerName(container) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContainer, container)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if db, ok := s.dbs[container]; ok {
		return db, nil
	}
	path := s.containerPath(container)
	db, err := bolt.Open(path, s.opts.FileMode, &bolt.Options{NoSync: !s.opts.SyncEveryWrite})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrContainerCorrupted, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init %s: %v", ErrContainerCorrupted, path, err)
	}
	s.dbs[container] = db
	s.logger.Debug("Opened container file", zap.String("container", container), zap.String("path", path))
	return db, nil
}

func (s *BoltStore) Put(ctx context.Context, container, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := s.db(container)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(key), value)
	})
}

func (s *BoltStore) Get(ctx context.Context, container, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := s.db(container)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%w: %s/%s", ErrKeyNotFound, container, key)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Delete(ctx context.Context, container, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := s.db(container)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(key))
	})
}

func (s *BoltStore) Exists(ctx context.Context, container string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !validContainerName(container) {
		return false, fmt.Errorf("%w: %q", ErrInvalidContainer, container)
	}
	s.mu.Lock()
	_, open := s.dbs[container]
	s.mu.Unlock()
	if open {
		return true, nil
	}
	if _, err := os.Stat(s.containerPath(container)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat container %s: %w", container, err)
	}
	// The file exists; opening it is the readability check.
	if _, err := s.db(container); err != nil {
		return false, err
	}
	return true, nil
}

func (s *BoltStore) Length(ctx context.Context, container string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	exists, err := s.Exists(ctx, container)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	db, err := s.db(container)
	if err != nil {
		return 0, err
	}
	n := 0
	err = db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(recordsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) Keys(ctx context.Context, container string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	exists, err := s.Exists(ctx, container)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	db, err := s.db(container)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *BoltStore) Sync(ctx context.Context, container string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := s.db(container)
	if err != nil {
		return err
	}
	if err := db.Sync(); err != nil {
		return fmt.Errorf("failed to sync container %s: %w", container, err)
	}
	return nil
}

func (s *BoltStore) DropContainer(ctx context.Context, container string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validContainerName(container) {
		return fmt.Errorf("%w: %q", ErrInvalidContainer, container)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if db, ok := s.dbs[container]; ok {
		if err := db.Close(); err != nil {
			return fmt.Errorf("failed to close container %s before drop: %w", container, err)
		}
		delete(s.dbs, container)
	}
	if err := os.Remove(s.containerPath(container)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove container file %s: %w", container, err)
	}
	s.logger.Info("Dropped container", zap.String("container", container))
	return nil
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for name, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close container %s: %w", name, err)
		}
	}
	s.dbs = nil
	return firstErr
}
