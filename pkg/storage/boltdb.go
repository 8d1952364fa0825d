package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// scanBatch bounds how many entries a single read transaction copies out
const scanBatch = 256

// boltOpenTimeout bounds the wait for the file lock
var boltOpenTimeout = 5 * time.Second

// ErrStoreLocked is returned when another process holds the bolt file open
var ErrStoreLocked = errors.New("bolt database is locked by another process")

// BoltStore implements Store on a local BoltDB file, one bucket per mapping.
// bbolt locks the file exclusively while it is open, so a single process owns
// the store: one worker, or one admin command at a time. Running admin
// commands against a live worker needs the redis or postgres driver.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: boltOpenTimeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("failed to open database %s: %w", path, ErrStoreLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, m := range AllMappings {
			if _, err := tx.CreateBucketIfNotExists([]byte(m)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", m, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *BoltStore) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func bucket(tx *bolt.Tx, m Mapping) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(m))
	if b == nil {
		return nil, fmt.Errorf("bucket not found: %s", m)
	}
	return b, nil
}

func (s *BoltStore) Set(ctx context.Context, m Mapping, key, value string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		b, err := bucket(tx, m)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) SetIfAbsent(ctx context.Context, m Mapping, key, value string) (bool, error) {
	added := false
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b, err := bucket(tx, m)
		if err != nil {
			return err
		}
		if b.Get([]byte(key)) != nil {
			return nil
		}
		added = true
		return b.Put([]byte(key), []byte(value))
	})
	return added, err
}

func (s *BoltStore) Get(ctx context.Context, m Mapping, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		b, err := bucket(tx, m)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		value = string(data)
		return nil
	})
	return value, found, err
}

// Delete runs in a write transaction; bolt serializes writers so only one
// concurrent caller sees the key.
func (s *BoltStore) Delete(ctx context.Context, m Mapping, key string) (int64, error) {
	var removed int64
	err := s.update(ctx, func(tx *bolt.Tx) error {
		b, err := bucket(tx, m)
		if err != nil {
			return err
		}
		if b.Get([]byte(key)) == nil {
			return nil
		}
		removed = 1
		return b.Delete([]byte(key))
	})
	return removed, err
}

func (s *BoltStore) Len(ctx context.Context, m Mapping) (int64, error) {
	var n int64
	err := s.view(ctx, func(tx *bolt.Tx) error {
		b, err := bucket(tx, m)
		if err != nil {
			return err
		}
		n = int64(b.Stats().KeyN)
		return nil
	})
	return n, err
}

func (s *BoltStore) GetAll(ctx context.Context, m Mapping) (map[string]string, error) {
	entries := make(map[string]string)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		b, err := bucket(tx, m)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			entries[string(k)] = string(v)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) Keys(ctx context.Context, m Mapping) ([]string, error) {
	var keys []string
	err := s.view(ctx, func(tx *bolt.Tx) error {
		b, err := bucket(tx, m)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Scan copies entries out in batches so fn runs outside any transaction
func (s *BoltStore) Scan(ctx context.Context, m Mapping, fn func(key, value string) error) error {
	var after []byte
	for {
		type entry struct{ k, v string }
		batch := make([]entry, 0, scanBatch)

		err := s.view(ctx, func(tx *bolt.Tx) error {
			b, err := bucket(tx, m)
			if err != nil {
				return err
			}
			c := b.Cursor()
			var k, v []byte
			if after == nil {
				k, v = c.First()
			} else {
				k, v = c.Seek(after)
				if k != nil && bytes.Equal(k, after) {
					k, v = c.Next()
				}
			}
			for ; k != nil && len(batch) < scanBatch; k, v = c.Next() {
				batch = append(batch, entry{string(k), string(v)})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, e := range batch {
			if err := fn(e.k, e.v); err != nil {
				return err
			}
		}
		if len(batch) < scanBatch {
			return nil
		}
		after = []byte(batch[len(batch)-1].k)
	}
}

// Sample picks up to n entries with reservoir sampling
func (s *BoltStore) Sample(ctx context.Context, m Mapping, n int) (map[string]string, error) {
	if n <= 0 {
		return map[string]string{}, nil
	}

	type entry struct{ k, v string }
	reservoir := make([]entry, 0, n)
	err := s.view(ctx, func(tx *bolt.Tx) error {
		b, err := bucket(tx, m)
		if err != nil {
			return err
		}
		seen := 0
		return b.ForEach(func(k, v []byte) error {
			seen++
			if len(reservoir) < n {
				reservoir = append(reservoir, entry{string(k), string(v)})
				return nil
			}
			if j := rand.Intn(seen); j < n {
				reservoir[j] = entry{string(k), string(v)}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sample := make(map[string]string, len(reservoir))
	for _, e := range reservoir {
		sample[e.k] = e.v
	}
	return sample, nil
}

func (s *BoltStore) Claim(ctx context.Context, key, worker string) (bool, error) {
	claimed := false
	err := s.update(ctx, func(tx *bolt.Tx) error {
		todo, err := bucket(tx, Todo)
		if err != nil {
			return err
		}
		inProgress, err := bucket(tx, InProgress)
		if err != nil {
			return err
		}
		if todo.Get([]byte(key)) == nil {
			return nil
		}
		if err := todo.Delete([]byte(key)); err != nil {
			return err
		}
		claimed = true
		return inProgress.Put([]byte(key), []byte(worker))
	})
	return claimed, err
}

func (s *BoltStore) Clear(ctx context.Context, m Mapping) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(m)); err != nil && err != bolt.ErrBucketNotFound {
			return fmt.Errorf("failed to drop bucket %s: %w", m, err)
		}
		_, err := tx.CreateBucket([]byte(m))
		return err
	})
}
