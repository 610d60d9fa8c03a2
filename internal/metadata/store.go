// Package metadata is the shared state a broker cluster meets in. Every
// broker holds a session on the store, writes a key describing itself that
// lives only as long as the session, and watches for the keys of the others.
//
// MemoryStore serves single-process clusters and tests; oxia.Store serves
// brokers spread over machines.
package metadata

import (
	"context"
	"errors"
)

var (
	// ErrKeyExists is returned by PutEphemeral in IfAbsent mode.
	ErrKeyExists = errors.New("metadata: key already exists")

	ErrStoreClosed = errors.New("metadata: store closed")
)

// Version increases with every write to a key. Zero means absent.
type Version int64

type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is what Get found. A missing key is Exists=false, not an error.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// Notification is one change to a key. Value is only set by backends that
// ship it with the event; readers that need it re-read the key.
type Notification struct {
	Key     string
	Value   []byte
	Version Version
	Deleted bool
}

// NotificationStream yields changes in the order the store applied them.
type NotificationStream interface {
	// Next blocks for the next change. It fails with ErrStoreClosed once
	// the stream or its store is closed.
	Next(ctx context.Context) (Notification, error)
	Close() error
}

// PutMode selects how PutEphemeral treats a key that is already present.
type PutMode int

const (
	// Overwrite replaces the current value, whoever wrote it.
	Overwrite PutMode = iota

	// IfAbsent fails with ErrKeyExists when any session holds the key.
	IfAbsent
)

// Store is one session on the cluster's key space.
type Store interface {
	Get(ctx context.Context, key string) (GetResult, error)

	// PutEphemeral writes a key owned by this session. It is removed when
	// the session ends, by Close or by the session timing out.
	PutEphemeral(ctx context.Context, key string, value []byte, mode PutMode) (Version, error)

	// Delete removes key. A missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys under prefix in key order.
	List(ctx context.Context, prefix string) ([]KV, error)

	// Notifications streams the changes made after it returns.
	Notifications(ctx context.Context) (NotificationStream, error)

	// Close ends the session. Later calls fail with ErrStoreClosed.
	Close() error
}
