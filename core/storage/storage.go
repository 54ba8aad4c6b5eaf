// Package storage defines the container store abstraction the reliability
// core is built on: independently addressable key-value containers with no
// cross-container atomicity. Everything above this package exists to fill
// that gap.
package storage

import (
	"context"
	"errors"
)

// --- Error Definitions ---

var (
	ErrKeyNotFound        = errors.New("key not found in container")
	ErrContainerCorrupted = errors.New("container is unreadable, data corruption suspected")
	ErrStoreClosed        = errors.New("container store is closed")
	ErrInvalidContainer   = errors.New("invalid container name")
)

// ContainerStore is the downward interface of the reliability core.
// Implementations guarantee durability of a single Put/Delete at Sync time,
// and nothing more: no multi-key atomicity, no cross-container ordering.
type ContainerStore interface {
	// Put stores value under key in the named container, creating the
	// container if it does not exist.
	Put(ctx context.Context, container, key string, value []byte) error

	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, container, key string) ([]byte, error)

	// Delete removes key from the container. Deleting an absent key is a
	// no-op, not an error.
	Delete(ctx context.Context, container, key string) error

	// Exists reports whether the named container exists and is readable.
	Exists(ctx context.Context, container string) (bool, error)

	// Length returns the number of records in the container. A container
	// that does not exist has length zero.
	Length(ctx context.Context, container string) (int, error)

	// Keys returns all keys in the container in lexicographic order.
	Keys(ctx context.Context, container string) ([]string, error)

	// Sync makes all prior mutations of the container durable. Callers that
	// need a happens-before edge against a later mutation must call Sync and
	// wait for it to return before issuing that mutation.
	Sync(ctx context.Context, container string) error

	// DropContainer removes the container and all its records.
	DropContainer(ctx context.Context, container string) error

	// Close releases all containers. The store is unusable afterwards.
	Close() error
}
