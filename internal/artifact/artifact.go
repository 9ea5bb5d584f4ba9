// Copyright 2025 Lumenworks

// Package artifact abstracts the object store that holds generated cards,
// videos and print jobs. The store is more than a blob sink here: artifact
// names are the quota ledger, so listing by prefix is a first-class
// operation.
package artifact

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("artifact not found")

// Store is the object-store surface the service depends on.
type Store interface {
	// Put writes an object. Metadata carries correlation fields (session,
	// prompt excerpt, timestamps).
	Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error
	// Get returns an object's bytes, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes an object; deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Copy duplicates an object within the store, replacing its metadata.
	Copy(ctx context.Context, srcKey, dstKey string, metadata map[string]string) error
	// URL renders the public URL for a stored key.
	URL(key string) string
}
