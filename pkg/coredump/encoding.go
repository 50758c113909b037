package coredump

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Hash selects the digest algorithm of a dump.
type Hash string

// Supported digests.
const (
	HashBLAKE3    Hash = "blake3"
	HashKeccak256 Hash = "keccak256"
)

func (h Hash) new() (hash.Hash, error) {
	switch h {
	case HashBLAKE3, "":
		return blake3.New(), nil
	case HashKeccak256:
		return sha3.NewLegacyKeccak256(), nil
	default:
		return nil, fmt.Errorf("unknown hash %q", string(h))
	}
}

// ComputeDigest returns the base58 digest of the dump contents.
func (d *Dump) ComputeDigest() (string, error) {
	h, err := d.Hash.new()
	if err != nil {
		return "", err
	}

	var hdr [8]byte
	for _, s := range d.Segments {
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(s.VBase))
		binary.LittleEndian.PutUint32(hdr[4:8], s.NPages)
		h.Write(hdr[:])
		h.Write(s.Data)
	}
	return base58.Encode(h.Sum(nil)), nil
}

// Seal computes and stores the digest.
func (d *Dump) Seal() error {
	if d.Hash == "" {
		d.Hash = HashBLAKE3
	}
	digest, err := d.ComputeDigest()
	if err != nil {
		return err
	}
	d.Digest = digest
	return nil
}

// Verify checks the contents against the stored digest.
func (d *Dump) Verify() error {
	digest, err := d.ComputeDigest()
	if err != nil {
		return err
	}
	if digest != d.Digest {
		return fmt.Errorf("%w: digest %s, want %s", ErrCorrupt, digest, d.Digest)
	}
	return nil
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil)
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

// Encode serializes a dump: gob, then zstd.
func Encode(d *Dump) ([]byte, error) {
	enc, _, err := codec()
	if err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return nil, fmt.Errorf("encode dump: %w", err)
	}
	return enc.EncodeAll(buf.Bytes(), nil), nil
}

// Decode reverses Encode and verifies the digest.
func Decode(data []byte) (*Dump, error) {
	_, dec, err := codec()
	if err != nil {
		return nil, fmt.Errorf("init zstd: %w", err)
	}

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}

	var d Dump
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCorrupt, err)
	}
	if err := d.Verify(); err != nil {
		return nil, err
	}
	return &d, nil
}
