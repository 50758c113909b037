package coredump

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixDump is the prefix for encoded dumps.
	// Key format: prefixDump + binary Key
	prefixDump = []byte{0x01}

	// prefixMeta is the prefix for gob-encoded Meta.
	// Key format: prefixMeta + binary Key
	prefixMeta = []byte{0x02}

	// seqKey holds the dump sequence.
	seqKey = []byte{0x03, 's', 'e', 'q'}
)

// seqBandwidth is the number of sequence numbers leased at a time.
const seqBandwidth = 64

// BadgerConfig holds BadgerDB store configuration.
type BadgerConfig struct {
	// Path is the database directory.
	Path string

	// InMemory keeps everything in memory (for testing).
	InMemory bool

	// SyncWrites syncs every write to disk.
	SyncWrites bool

	// Logger is an optional logger. nil disables logging.
	Logger badger.Logger
}

// DefaultBadgerConfig returns the default BadgerDB configuration.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		InMemory:   false,
		SyncWrites: false,
		Logger:     nil,
	}
}

// BadgerStore is a Store backed by BadgerDB.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence

	mu     sync.RWMutex
	closed bool
}

// OpenBadger creates or opens a BadgerDB dump store.
func OpenBadger(config BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(config.SyncWrites).
		WithLogger(config.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	seq, err := db.GetSequence(seqKey, seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sequence: %w", err)
	}

	return &BadgerStore{db: db, seq: seq}, nil
}

func prefixed(prefix []byte, key Key) []byte {
	return append(append([]byte(nil), prefix...), key.bytes()...)
}

// Put implements Store.
func (s *BadgerStore) Put(d *Dump) (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Meta{}, ErrClosed
	}

	// Badger sequences start at 0; keep 0 for "unassigned".
	n, err := s.seq.Next()
	if err != nil {
		return Meta{}, fmt.Errorf("next sequence: %w", err)
	}
	d.Seq = n + 1

	data, err := Encode(d)
	if err != nil {
		return Meta{}, err
	}
	m := metaOf(d, len(data))
	meta, err := encodeMeta(m)
	if err != nil {
		return Meta{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(prefixed(prefixDump, d.Key()), data); err != nil {
			return err
		}
		return txn.Set(prefixed(prefixMeta, d.Key()), meta)
	})
	if err != nil {
		return Meta{}, fmt.Errorf("put dump: %w", err)
	}
	return m, nil
}

// Get implements Store.
func (s *BadgerStore) Get(key Key) (*Dump, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(prefixed(prefixDump, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %v", ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// List implements Store.
func (s *BadgerStore) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var metas []Meta
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefixMeta); it.ValidForPrefix(prefixMeta); it.Next() {
			item := it.Item()
			if _, err := keyFromBytes(item.Key()[len(prefixMeta):]); err != nil {
				return err
			}
			err := item.Value(func(val []byte) error {
				m, err := decodeMeta(val)
				if err != nil {
					return err
				}
				metas = append(metas, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortMetas(metas)
	return metas, nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(key Key) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		k := prefixed(prefixDump, key)
		if _, err := txn.Get(k); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %v", ErrNotFound, key)
		} else if err != nil {
			return err
		}
		if err := txn.Delete(k); err != nil {
			return err
		}
		return txn.Delete(prefixed(prefixMeta, key))
	})
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("release sequence: %w", err)
	}
	return s.db.Close()
}
