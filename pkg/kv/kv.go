// Package kv provides the key-value store behind the feature cache and
// experiment checkpoints. Keys are hierarchical string paths (e.g.
// ["feature", "utt-042", "speed=0.90", "fbank-v1"]) encoded with a ':'
// separator.
//
// Two implementations are provided: a BadgerDB-backed store for
// on-disk caches that survive across runs, and an in-memory store for
// single-run caches and tests.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// Key is a hierarchical path represented as a slice of string
// segments. Segments must not contain the separator character.
type Key []string

// String returns the key as a human-readable string.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Entry is a key-value pair yielded by List.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a key-value store with path-based keys. Implementations
// must be safe for concurrent use: the feature cache populates the
// store from many extraction workers at once.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if not
	// present.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair, overwriting any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. No error if the key does not exist.
	Delete(ctx context.Context, key Key) error

	// List iterates over all entries whose key starts with the given
	// prefix, in lexicographic order of the encoded key.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// Close releases any resources held by the store.
	Close() error
}

const separator byte = ':'

// encode converts a Key to its stored byte representation.
func encode(k Key) []byte {
	n := 0
	for i, seg := range k {
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	buf := make([]byte, 0, n)
	for i, seg := range k {
		if i > 0 {
			buf = append(buf, separator)
		}
		buf = append(buf, seg...)
	}
	return buf
}

// decode converts a stored byte representation back to a Key.
func decode(b []byte) Key {
	parts := strings.Split(string(b), string(separator))
	return Key(parts)
}
