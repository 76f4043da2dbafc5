package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunMeta describes a pending run file.
type RunMeta struct {
	ID              string    `msgpack:"id" json:"id"`
	CreatedAt       time.Time `msgpack:"created_at" json:"created_at"`
	PrimeRangeStart uint64    `msgpack:"prime_range_start" json:"prime_range_start"`
	PrimeRangeEnd   uint64    `msgpack:"prime_range_end" json:"prime_range_end"`
	Rows            int       `msgpack:"rows" json:"rows"`

	// Path is set by the run catalog and never persisted.
	Path string `msgpack:"-" json:"path,omitempty"`
}

// RunBatch is the output of one worker execution over a contiguous slice of
// the prime sequence.
type RunBatch struct {
	Meta    RunMeta
	Records []Record
}

// NewRunBatch creates a batch stamped with a fresh run ID. The prime range is
// taken from the records when not set explicitly.
func NewRunBatch(records []Record, now time.Time) RunBatch {
	b := RunBatch{
		Meta: RunMeta{
			ID:        NewRunID(now),
			CreatedAt: now.UTC(),
		},
		Records: records,
	}
	for i, r := range records {
		if i == 0 || r.P < b.Meta.PrimeRangeStart {
			b.Meta.PrimeRangeStart = r.P
		}
		if r.P > b.Meta.PrimeRangeEnd {
			b.Meta.PrimeRangeEnd = r.P
		}
	}
	return b
}

// NewRunID returns an identifier that sorts by creation time.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("%019d-%s", now.UnixNano(), uuid.New().String()[:8])
}

// BlockMeta is the content-derived summary of a block.
type BlockMeta struct {
	Index        int    `json:"block_index"`
	MinP         uint64 `json:"min_p"`
	MaxP         uint64 `json:"max_p"`
	RowCount     int    `json:"row_count"`
	UniquePrimes int    `json:"unique_prime_count"`
}

// SummarizeBlock computes block metadata from records sorted by p.
func SummarizeBlock(index int, records []Record) BlockMeta {
	meta := BlockMeta{Index: index, RowCount: len(records)}
	if len(records) == 0 {
		return meta
	}
	meta.MinP = records[0].P
	meta.MaxP = records[0].P
	var last uint64
	for i, r := range records {
		if r.P < meta.MinP {
			meta.MinP = r.P
		}
		if r.P > meta.MaxP {
			meta.MaxP = r.P
		}
		if i == 0 || r.P != last {
			meta.UniquePrimes++
		}
		last = r.P
	}
	return meta
}
