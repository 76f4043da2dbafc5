// Package sentinel derives, caches and validates the resume state.
//
// The sentinel is a projection of the block set, never a source of truth.
// Derive computes it from block metadata alone; the persisted copy is a cache
// that Manager.Current replaces whenever it no longer matches the blocks.
package sentinel

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/genamethi/funbuns/pkg/funbuns/model"
)

// Version is the current sentinel format version.
const Version = 1

// Sentinel is the resume state handed to the search layer.
type Sentinel struct {
	Version int `json:"version"`

	// LastPrime is the largest prime covered by any block; 0 when empty.
	LastPrime uint64 `json:"last_prime"`
	// StartIndex is the number of distinct primes across all blocks,
	// sealed and open.
	StartIndex uint64 `json:"start_index"`
	// LastBlockIndex is the index of the open block, -1 when there are no blocks.
	LastBlockIndex int    `json:"last_block_index"`
	LastBlockMaxP  uint64 `json:"last_block_max_p"`

	// BlockDigest fingerprints the block metadata the sentinel was derived from.
	BlockDigest uint64 `json:"block_digest"`

	DerivedAt time.Time `json:"derived_at"`
}

// Derive computes the sentinel of a block set. blocks must be ordered by
// index; distinct is the number of distinct primes across their content.
func Derive(blocks []model.BlockMeta, distinct uint64, now time.Time) Sentinel {
	s := Sentinel{
		Version:        Version,
		StartIndex:     distinct,
		LastBlockIndex: -1,
		BlockDigest:    Digest(blocks),
		DerivedAt:      now.UTC(),
	}
	for _, b := range blocks {
		if b.MaxP > s.LastPrime {
			s.LastPrime = b.MaxP
		}
	}
	if n := len(blocks); n > 0 {
		last := blocks[n-1]
		s.LastBlockIndex = last.Index
		s.LastBlockMaxP = last.MaxP
	}
	return s
}

// Digest hashes block metadata in order.
func Digest(blocks []model.BlockMeta) uint64 {
	h := xxhash.New()
	var buf [40]byte
	for _, b := range blocks {
		binary.LittleEndian.PutUint64(buf[0:], uint64(b.Index))
		binary.LittleEndian.PutUint64(buf[8:], b.MinP)
		binary.LittleEndian.PutUint64(buf[16:], b.MaxP)
		binary.LittleEndian.PutUint64(buf[24:], uint64(b.RowCount))
		binary.LittleEndian.PutUint64(buf[32:], uint64(b.UniquePrimes))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// Matches reports whether two sentinels describe the same block set.
// DerivedAt is ignored.
func (s Sentinel) Matches(o Sentinel) bool {
	s.DerivedAt = time.Time{}
	o.DerivedAt = time.Time{}
	return s == o
}

// Marshal serializes a sentinel to JSON.
func (s Sentinel) Marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Unmarshal deserializes a sentinel from JSON.
func Unmarshal(data []byte) (Sentinel, error) {
	var s Sentinel
	if err := json.Unmarshal(data, &s); err != nil {
		return Sentinel{}, err
	}
	return s, nil
}
