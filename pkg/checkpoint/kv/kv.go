// Package kv is the checkpoint persistence boundary: a minimal key-value
// store with put, prefix-list and prefix-delete semantics. Keys are
// slash-separated ASCII paths; values are opaque bytes.
package kv

import (
	"context"
	"errors"
)

// Entry is one stored key-value pair.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the narrow surface the checkpoint layer requires. List returns
// entries in ascending key order; Delete removes every key under the prefix
// (an exact key is a prefix of itself).
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	List(ctx context.Context, prefix string) ([]Entry, error)
	Delete(ctx context.Context, prefix string) error
	Close() error
}

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("kv: store closed")
