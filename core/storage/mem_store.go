package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// FaultHook is invoked before every mutating MemStore operation. Returning a
// non-nil error makes the operation fail without touching state, which is how
// the atomicity tests inject faults mid-transaction.
type FaultHook func(op, container, key string) error

// MemStore is an in-memory ContainerStore for tests and ephemeral use.
type MemStore struct {
	mu         sync.RWMutex
	containers map[string]map[string][]byte
	closed     bool

	// Hook may be set by tests; nil means no fault injection.
	Hook FaultHook
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{containers: make(map[string]map[string][]byte)}
}

// FailAfter installs a hook that lets n mutations through and fails every
// mutation after that with the given error.
func (s *MemStore) FailAfter(n int, err error) {
	var mu sync.Mutex
	remaining := n
	s.Hook = func(op, container, key string) error {
		mu.Lock()
		defer mu.Unlock()
		if remaining <= 0 {
			return err
		}
		remaining--
		return nil
	}
}

func (s *MemStore) fire(op, container, key string) error {
	if s.Hook != nil {
		return s.Hook(op, container, key)
	}
	return nil
}

func (s *MemStore) Put(ctx context.Context, container, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fire("put", container, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	c, ok := s.containers[container]
	if !ok {
		c = make(map[string][]byte)
		s.containers[container] = c
	}
	c[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemStore) Get(ctx context.Context, container, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	v, ok := s.containers[container][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, container, key)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemStore) Delete(ctx context.Context, container, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fire("delete", container, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.containers[container], key)
	return nil
}

func (s *MemStore) Exists(ctx context.Context, container string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.containers[container]
	return ok, nil
}

func (s *MemStore) Length(ctx context.Context, container string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.containers[container]), nil
}

func (s *MemStore) Keys(ctx context.Context, container string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.containers[container]))
	for k := range s.containers[container] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemStore) Sync(ctx context.Context, container string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fire("sync", container, "")
}

func (s *MemStore) DropContainer(ctx context.Context, container string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fire("drop", container, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, container)
	return nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
