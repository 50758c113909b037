package coredump

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for BoltDB.
var (
	// bucketDumps stores encoded dumps keyed by binary Key.
	bucketDumps = []byte("dumps")

	// bucketMeta stores gob-encoded Meta keyed by binary Key.
	bucketMeta = []byte("meta")
)

// BoltConfig holds BoltDB store configuration.
type BoltConfig struct {
	// Path is the database file.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// Timeout bounds the wait for the file lock.
	Timeout time.Duration
}

// DefaultBoltConfig returns the default BoltDB configuration.
func DefaultBoltConfig(path string) BoltConfig {
	return BoltConfig{
		Path:    path,
		NoSync:  false,
		Timeout: 5 * time.Second,
	}
}

// BoltStore is a Store backed by BoltDB.
type BoltStore struct {
	db *bolt.DB

	mu     sync.RWMutex
	closed bool
}

// OpenBolt creates or opens a BoltDB dump store.
func OpenBolt(config BoltConfig) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout: config.Timeout,
		NoSync:  config.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDumps, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Put implements Store.
func (s *BoltStore) Put(d *Dump) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Meta{}, ErrClosed
	}

	var m Meta
	err := s.db.Update(func(tx *bolt.Tx) error {
		dumps := tx.Bucket(bucketDumps)
		seq, err := dumps.NextSequence()
		if err != nil {
			return err
		}
		d.Seq = seq

		data, err := Encode(d)
		if err != nil {
			return err
		}
		m = metaOf(d, len(data))
		meta, err := encodeMeta(m)
		if err != nil {
			return err
		}

		key := d.Key().bytes()
		if err := dumps.Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(key, meta)
	})
	if err != nil {
		return Meta{}, fmt.Errorf("put dump: %w", err)
	}
	return m, nil
}

// Get implements Store.
func (s *BoltStore) Get(key Key) (*Dump, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDumps).Get(key.bytes())
		if v == nil {
			return fmt.Errorf("%w: %v", ErrNotFound, key)
		}
		// Only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// List implements Store.
func (s *BoltStore) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var metas []Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			m, err := decodeMeta(v)
			if err != nil {
				return err
			}
			metas = append(metas, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortMetas(metas)
	return metas, nil
}

// Delete implements Store.
func (s *BoltStore) Delete(key Key) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		k := key.bytes()
		dumps := tx.Bucket(bucketDumps)
		if dumps.Get(k) == nil {
			return fmt.Errorf("%w: %v", ErrNotFound, key)
		}
		if err := dumps.Delete(k); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete(k)
	})
}

// Close implements Store.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
