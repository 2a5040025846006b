// Package kv is the ordered key/value layer under the changelog. Keys in a
// bucket iterate in byte-lexicographic order.
package kv

import "errors"

var (
	// ErrClosed is returned by every operation on a closed store
	ErrClosed = errors.New("kv: store closed")
	// ErrBucketNotFound is returned when a bucket was dropped underneath a handle
	ErrBucketNotFound = errors.New("kv: bucket not found")
)

// Entry is a key/value pair read from a bucket. Both slices are owned by
// the caller.
type Entry struct {
	Key   []byte
	Value []byte
}

// Store holds named ordered buckets
type Store interface {
	// Bucket returns the named bucket, creating it if needed
	Bucket(name string) (Bucket, error)
	// BucketNames lists existing buckets
	BucketNames() ([]string, error)
	// DropBucket deletes a bucket and all its entries
	DropBucket(name string) error
	Close() error
}

// Bucket is one ordered keyspace
type Bucket interface {
	Name() string
	// Put stores a pair durably before returning
	Put(key, value []byte) error
	// Scan returns up to limit entries with key >= from, in key order.
	// A nil from starts at the first key.
	Scan(from []byte, limit int) ([]Entry, error)
	// First returns the smallest key, or nil when empty
	First() ([]byte, error)
	// Last returns the largest key, or nil when empty
	Last() ([]byte, error)
	Delete(key []byte) error
	// DeleteBefore removes every key strictly smaller than key
	DeleteBefore(key []byte) (int, error)
	Count() (int, error)
}
