// Package randkey implements the hash family and key-chaining primitives
// that the nonuniform and uniform builders share: a keyed hash producing
// block indices and per-block bit offsets, and a deterministic derivation
// of each phase's hash key from its parent.
package randkey

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// Key is the 128-bit hash key threaded through a chain of phases.
type Key [16]byte

// Random returns a fresh, unpredictable Key for seeding the first phase
// when the caller does not supply one.
func Random() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("randkey: generate random key: %w", err)
	}
	return k, nil
}

// Derive computes a candidate hash key from its parent and an attempt
// counter (spec: "choose_key(parent, salt_byte)"); a phase's key is its
// parent's derivation under that phase's own winning attempt index. Uses
// HKDF-SHA3-256 so the chain is one-way and reproducible from
// (initial key, salt) alone.
func Derive(parent Key, saltByte byte) (Key, error) {
	info := []byte{'c', 'n', 'm', saltByte}
	kdf := hkdf.New(sha3.New256, parent[:], nil, info)

	var next Key
	if _, err := io.ReadFull(kdf, next[:]); err != nil {
		return Key{}, fmt.Errorf("randkey: derive key: %w", err)
	}
	return next, nil
}

// Positions hashes item under key into three slot indices, one drawn
// from each third of the [0, nblocks*blockSize) slot space, so the three
// are always pairwise distinct. nblocks must be a positive multiple of
// three. Each retry of a uniform sub-build uses a distinct key (see
// Derive), rather than varying this function's inputs, so that the
// winning key alone is enough to reproduce the placement at query time.
func Positions(key Key, item []byte, nblocks, blockSize uint32) [3]uint32 {
	mac, err := blake2b.New256(key[:])
	if err != nil {
		// blake2b.New256 only rejects keys longer than blake2b.Size; a
		// 16-byte key is always accepted.
		panic(fmt.Sprintf("randkey: blake2b keyed hash rejected a 16-byte key: %v", err))
	}

	mac.Write(item)
	sum := mac.Sum(nil)

	seg := nblocks / 3
	var pos [3]uint32
	for i := uint32(0); i < 3; i++ {
		h := binary.LittleEndian.Uint64(sum[i*8 : i*8+8])
		block := i*seg + uint32(h%uint64(seg))
		offset := uint32(binary.LittleEndian.Uint16(sum[24+i*2:26+i*2])) % blockSize
		pos[i] = block*blockSize + offset
	}
	return pos
}

// Bytes canonically encodes an arbitrary comparable key so it can be fed to
// Positions. Canonical CBOR gives every hashable Go value a deterministic byte
// representation without requiring K to implement encoding.BinaryMarshaler.
func Bytes[K any](k K) []byte {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		// CanonicalEncOptions() is a fixed, valid configuration; EncMode()
		// only fails on invalid options.
		panic(fmt.Sprintf("randkey: canonical CBOR encoder options invalid: %v", err))
	}
	data, err := enc.Marshal(k)
	if err != nil {
		panic(fmt.Sprintf("randkey: key %v is not CBOR-encodable: %v", k, err))
	}
	return data
}
