package preferences

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Backend.Load for keys that hold no value.
var ErrNotFound = errors.New("preferences: not found")

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("preferences: backend closed")

// maxKeyLength keeps namespaced keys usable as file names.
const maxKeyLength = 127

// Backend is the durable key space behind a Store. Keys passed to a backend are
// already namespaced. Implementations must be safe for concurrent use.
type Backend interface {
	// Load returns the raw bytes for key or ErrNotFound.
	Load(key string) ([]byte, error)
	// Store replaces the value for key.
	Store(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Keys lists keys starting with prefix.
	Keys(prefix string) ([]string, error)
	// Watch calls fn with the key of every change made by another writer
	// (another process, tab or connection). Changes made through this backend
	// are not reported. The returned function stops watching.
	Watch(fn func(key string)) (func(), error)
	// Close releases resources.
	Close() error
}

// ValidateKey checks that key is usable by every backend.
// Keys must be alphanumeric, dash, underscore, period, or colon, and max 127 characters.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("key is empty")
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("key too long: %d bytes (max %d)", len(key), maxKeyLength)
	}
	for _, ch := range key {
		if (ch < 'a' || ch > 'z') && (ch < 'A' || ch > 'Z') &&
			(ch < '0' || ch > '9') && ch != '-' && ch != '_' && ch != '.' && ch != ':' {
			return fmt.Errorf("invalid character %q in key", ch)
		}
	}
	return nil
}
