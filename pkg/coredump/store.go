package coredump

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fortiblox/bitmapvm/internal/types"
)

// Key identifies a stored dump: the address space and a store-wide sequence
// number.
type Key struct {
	ID  types.ASID
	Seq uint64
}

// keySize is the length of a binary key.
const keySize = types.ASIDSize + 8

func (k Key) String() string {
	return k.ID.String() + ":" + strconv.FormatUint(k.Seq, 10)
}

// ParseKey parses the text form of a key.
func ParseKey(s string) (Key, error) {
	id, seq, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	asid, err := types.ParseASID(id)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return Key{ID: asid, Seq: n}, nil
}

// bytes returns the binary key. Keys sort by address space, then sequence.
func (k Key) bytes() []byte {
	b := make([]byte, keySize)
	copy(b, k.ID[:])
	binary.BigEndian.PutUint64(b[types.ASIDSize:], k.Seq)
	return b
}

func keyFromBytes(b []byte) (Key, error) {
	if len(b) != keySize {
		return Key{}, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(b))
	}
	var k Key
	copy(k.ID[:], b)
	k.Seq = binary.BigEndian.Uint64(b[types.ASIDSize:])
	return k, nil
}

// Meta describes a stored dump without its contents.
type Meta struct {
	Key     string    `json:"key"`
	ID      string    `json:"id"`
	Seq     uint64    `json:"seq"`
	PID     int       `json:"pid"`
	Name    string    `json:"name"`
	Reason  string    `json:"reason"`
	Time    time.Time `json:"time"`
	Hash    Hash      `json:"hash"`
	Digest  string    `json:"digest"`
	Size    int       `json:"size"`
	Encoded int       `json:"encoded"`
}

func metaOf(d *Dump, encoded int) Meta {
	return Meta{
		Key:     d.Key().String(),
		ID:      d.ID.String(),
		Seq:     d.Seq,
		PID:     d.PID,
		Name:    d.Name,
		Reason:  d.Reason,
		Time:    d.Time,
		Hash:    d.Hash,
		Digest:  d.Digest,
		Size:    d.Size(),
		Encoded: encoded,
	}
}

func encodeMeta(m Meta) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeMeta(data []byte) (Meta, error) {
	var m Meta
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return Meta{}, fmt.Errorf("decode meta: %w", err)
	}
	return m, nil
}

// sortMetas orders metas by sequence number.
func sortMetas(metas []Meta) {
	sort.Slice(metas, func(i, j int) bool { return metas[i].Seq < metas[j].Seq })
}

// Store keeps encoded dumps.
type Store interface {
	// Put assigns the dump a sequence number and stores it.
	Put(d *Dump) (Meta, error)

	// Get returns a stored dump, verified against its digest.
	Get(key Key) (*Dump, error)

	// List returns every stored dump, oldest first.
	List() ([]Meta, error)

	// Delete removes a dump.
	Delete(key Key) error

	Close() error
}

// MemoryStore is a Store in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	seq    uint64
	data   map[Key][]byte
	metas  map[Key]Meta
	closed bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[Key][]byte),
		metas: make(map[Key]Meta),
	}
}

// Put implements Store.
func (s *MemoryStore) Put(d *Dump) (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Meta{}, ErrClosed
	}

	s.seq++
	d.Seq = s.seq
	data, err := Encode(d)
	if err != nil {
		return Meta{}, err
	}

	m := metaOf(d, len(data))
	s.data[d.Key()] = data
	s.metas[d.Key()] = m
	return m, nil
}

// Get implements Store.
func (s *MemoryStore) Get(key Key) (*Dump, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	return Decode(data)
}

// List implements Store.
func (s *MemoryStore) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	metas := make([]Meta, 0, len(s.metas))
	for _, m := range s.metas {
		metas = append(metas, m)
	}
	sortMetas(metas)
	return metas, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if _, ok := s.data[key]; !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	delete(s.data, key)
	delete(s.metas, key)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
