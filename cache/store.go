// Package cache stores full messages locally so they stay readable offline.
// A Store holds the messages of one account; the Queue fills it in the
// background without competing with interactive traffic.
package cache

import "errors"

// ErrNotCached is returned when a message was never downloaded.
var ErrNotCached = errors.New("message not in local cache")

// Store persists raw messages per folder and UID.
type Store interface {
	// Put saves a raw message, replacing any previous copy of the same UID.
	Put(folder string, uid uint32, flags []string, raw []byte) error
	// Has reports whether a message is already cached.
	Has(folder string, uid uint32) (bool, error)
	// Get returns the raw message or ErrNotCached.
	Get(folder string, uid uint32) ([]byte, error)
	// Delete removes a cached message. Deleting a missing message is not
	// an error.
	Delete(folder string, uid uint32) error
	// UIDs lists the cached UIDs of a folder in ascending order.
	UIDs(folder string) ([]uint32, error)
	Close() error
}
