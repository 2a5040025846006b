package kv

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// BoltOptions configures the bbolt-backed store
type BoltOptions struct {
	Timeout time.Duration
	NoSync  bool
}

// BoltStore is a durable Store with one bbolt bucket per changelog
type BoltStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

// OpenBolt opens (or creates) a bbolt database file
func OpenBolt(path string, opts *BoltOptions, logger *zap.Logger) (*BoltStore, error) {
	o := *bolt.DefaultOptions
	o.FreelistType = bolt.FreelistMapType
	if opts != nil {
		o.Timeout = opts.Timeout
		o.NoSync = opts.NoSync
	}

	db, err := bolt.Open(path, 0600, &o)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}

	logger.Info("Opened changelog database", zap.String("path", path))
	return &BoltStore{db: db, logger: logger}, nil
}

// Bucket implements Store
func (s *BoltStore) Bucket(name string) (Bucket, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, s.wrap(fmt.Sprintf("failed to create bucket %s", name), err)
	}
	return &boltBucket{db: s.db, name: []byte(name)}, nil
}

// BucketNames implements Store
func (s *BoltStore) BucketNames() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, s.wrap("failed to list buckets", err)
	}
	return names, nil
}

// DropBucket implements Store
func (s *BoltStore) DropBucket(name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.DeleteBucket([]byte(name))
	})
	if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return s.wrap(fmt.Sprintf("failed to drop bucket %s", name), err)
	}
	return nil
}

// Close implements Store
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) wrap(msg string, err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return fmt.Errorf("%s: %w", msg, err)
}

type boltBucket struct {
	db   *bolt.DB
	name []byte
}

func (b *boltBucket) Name() string { return string(b.name) }

func (b *boltBucket) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	bk := tx.Bucket(b.name)
	if bk == nil {
		return nil, ErrBucketNotFound
	}
	return bk, nil
}

// Put commits in its own transaction. Appends to one log are serialized by
// the caller, so DB.Batch would only add its MaxBatchDelay to each of them.
func (b *boltBucket) Put(key, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := b.bucket(tx)
		if err != nil {
			return err
		}
		return bk.Put(key, value)
	})
	return translate(err)
}

func (b *boltBucket) Scan(from []byte, limit int) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		bk, err := b.bucket(tx)
		if err != nil {
			return err
		}

		c := bk.Cursor()
		var k, v []byte
		if len(from) == 0 {
			k, v = c.First()
		} else {
			k, v = c.Seek(from)
		}
		for ; k != nil && len(out) < limit; k, v = c.Next() {
			out = append(out, Entry{Key: clone(k), Value: clone(v)})
		}
		return nil
	})
	return out, translate(err)
}

func (b *boltBucket) First() ([]byte, error) {
	return b.edge(func(c *bolt.Cursor) ([]byte, []byte) { return c.First() })
}

func (b *boltBucket) Last() ([]byte, error) {
	return b.edge(func(c *bolt.Cursor) ([]byte, []byte) { return c.Last() })
}

func (b *boltBucket) edge(move func(*bolt.Cursor) ([]byte, []byte)) ([]byte, error) {
	var key []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk, err := b.bucket(tx)
		if err != nil {
			return err
		}
		k, _ := move(bk.Cursor())
		key = clone(k)
		return nil
	})
	return key, translate(err)
}

func (b *boltBucket) Delete(key []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := b.bucket(tx)
		if err != nil {
			return err
		}
		return bk.Delete(key)
	})
	return translate(err)
}

func (b *boltBucket) DeleteBefore(key []byte) (int, error) {
	deleted := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := b.bucket(tx)
		if err != nil {
			return err
		}

		// collect first; deleting under a live cursor skips entries
		var doomed [][]byte
		c := bk.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, key) < 0; k, _ = c.Next() {
			doomed = append(doomed, clone(k))
		}
		for _, k := range doomed {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(doomed)
		return nil
	})
	if err != nil {
		return 0, translate(err)
	}
	return deleted, nil
}

func (b *boltBucket) Count() (int, error) {
	n := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		bk, err := b.bucket(tx)
		if err != nil {
			return err
		}
		n = bk.Stats().KeyN
		return nil
	})
	return n, translate(err)
}

func translate(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
