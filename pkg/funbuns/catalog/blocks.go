package catalog

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/genamethi/funbuns/pkg/funbuns/dirlock"
	fberrors "github.com/genamethi/funbuns/pkg/funbuns/errors"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
	"github.com/genamethi/funbuns/pkg/funbuns/observability"
	"github.com/genamethi/funbuns/pkg/funbuns/segment"
	"golang.org/x/sync/errgroup"
)

// Block file naming.
const (
	BlockExt      = ".blk"
	StagingPrefix = ".staging-"
)

var blockName = regexp.MustCompile(`^pp_b(\d{6,})_p(\d+)\.blk$`)

// BlockFileName returns the canonical file name of a block.
func BlockFileName(index int, maxP uint64) string {
	return fmt.Sprintf("pp_b%06d_p%d%s", index, maxP, BlockExt)
}

// ParseBlockFileName extracts the index and max prime declared by a block
// file name.
func ParseBlockFileName(name string) (index int, maxP uint64, ok bool) {
	m := blockName.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	p, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return idx, p, true
}

// BlockInfo describes one block file as found on disk. The file name,
// the header and the content each declare the block identity; the catalog
// records all three and leaves judging disagreements to the caller.
type BlockInfo struct {
	Path string `json:"path"`
	Name string `json:"name"`

	// FileIndex and FileMaxP are declared by the file name.
	FileIndex int    `json:"file_index"`
	FileMaxP  uint64 `json:"file_max_p"`

	// HeaderIndex is declared by the segment metadata.
	HeaderIndex int `json:"header_index"`

	// Meta is derived from the records themselves.
	Meta model.BlockMeta `json:"meta"`

	// Schema is the stored column layout; nil when the file could not be decoded.
	Schema []model.ColumnSpec `json:"schema,omitempty"`

	// ReadErr is set when the file or its records could not be decoded.
	ReadErr error `json:"-"`
}

// Listing is the content of a block directory.
type Listing struct {
	// Blocks ordered by file-declared index.
	Blocks []BlockInfo
	// Unparsed names entries that are neither blocks nor known artifacts.
	Unparsed []string
	// Staging names leftover staging directories and temporary files.
	Staging []string
}

// Tail returns the open (highest-index) block, or nil.
func (l Listing) Tail() *BlockInfo {
	if len(l.Blocks) == 0 {
		return nil
	}
	return &l.Blocks[len(l.Blocks)-1]
}

// Sealed returns every block but the tail.
func (l Listing) Sealed() []BlockInfo {
	if len(l.Blocks) == 0 {
		return nil
	}
	return l.Blocks[:len(l.Blocks)-1]
}

// Metas returns the content-derived metadata of every readable block.
func (l Listing) Metas() []model.BlockMeta {
	metas := make([]model.BlockMeta, 0, len(l.Blocks))
	for _, b := range l.Blocks {
		if b.ReadErr == nil {
			metas = append(metas, b.Meta)
		}
	}
	return metas
}

// Mismatches reports blocks whose file name disagrees with their header or
// content.
func (l Listing) Mismatches() []model.Violation {
	var out []model.Violation
	for _, b := range l.Blocks {
		if b.ReadErr != nil {
			continue
		}
		if b.HeaderIndex != b.FileIndex {
			out = append(out, model.Violation{
				Kind:    model.ViolationFilename,
				Message: fmt.Sprintf("file name declares index %d, header declares %d", b.FileIndex, b.HeaderIndex),
				Blocks:  []int{b.FileIndex},
				Path:    b.Path,
			})
		}
		if b.Meta.RowCount > 0 && b.FileMaxP != b.Meta.MaxP {
			out = append(out, model.Violation{
				Kind:    model.ViolationFilename,
				Message: fmt.Sprintf("file name declares max_p %d, content max_p is %d", b.FileMaxP, b.Meta.MaxP),
				Blocks:  []int{b.FileIndex},
				Primes:  []uint64{b.Meta.MaxP},
				Path:    b.Path,
			})
		}
	}
	return out
}

// BlockCatalog reads the block directory.
type BlockCatalog struct {
	dir    string
	opts   Options
	logger *slog.Logger
}

// NewBlockCatalog creates a catalog over dir.
func NewBlockCatalog(dir string, opts Options) *BlockCatalog {
	return &BlockCatalog{
		dir:    dir,
		opts:   opts,
		logger: observability.Component(opts.Logger, "block_catalog"),
	}
}

// Dir returns the block directory.
func (c *BlockCatalog) Dir() string {
	return c.dir
}

// ListBlocks reads every block file and returns them ordered by file-declared
// index. Undecodable files are reported through BlockInfo.ReadErr; an
// unreadable directory or file is a CatalogReadError.
func (c *BlockCatalog) ListBlocks(ctx context.Context) (Listing, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return Listing{}, &fberrors.CatalogReadError{Op: "list blocks", Path: c.dir, Err: err}
	}

	var listing Listing
	for _, e := range entries {
		name := e.Name()
		switch {
		case name == dirlock.FileName:
		case strings.HasPrefix(name, StagingPrefix), strings.HasPrefix(name, TempPrefix):
			listing.Staging = append(listing.Staging, filepath.Join(c.dir, name))
		case e.IsDir():
			listing.Unparsed = append(listing.Unparsed, name)
		default:
			idx, maxP, ok := ParseBlockFileName(name)
			if !ok {
				listing.Unparsed = append(listing.Unparsed, name)
				continue
			}
			listing.Blocks = append(listing.Blocks, BlockInfo{
				Path:      filepath.Join(c.dir, name),
				Name:      name,
				FileIndex: idx,
				FileMaxP:  maxP,
			})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.limit())
	for i := range listing.Blocks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return inspectBlock(&listing.Blocks[i])
		})
	}
	if err := g.Wait(); err != nil {
		return Listing{}, err
	}

	slices.SortFunc(listing.Blocks, func(a, b BlockInfo) int {
		if d := cmp.Compare(a.FileIndex, b.FileIndex); d != 0 {
			return d
		}
		return cmp.Compare(a.Name, b.Name)
	})
	c.logger.Debug("blocks listed",
		slog.Int("blocks", len(listing.Blocks)),
		slog.Int("staging", len(listing.Staging)),
		slog.Int("unparsed", len(listing.Unparsed)),
	)
	return listing, nil
}

func inspectBlock(info *BlockInfo) error {
	data, err := os.ReadFile(info.Path)
	if err != nil {
		return &fberrors.CatalogReadError{Op: "read block", Path: info.Path, Err: err}
	}
	f, err := segment.Decode(data, segment.TypeBlock)
	if err != nil {
		info.ReadErr = err
		return nil
	}
	info.HeaderIndex = f.Meta.BlockIndex
	info.Schema = f.StoredSchema()
	records, err := f.Records()
	if err != nil {
		info.ReadErr = err
		return nil
	}
	info.Meta = model.SummarizeBlock(info.FileIndex, records)
	return nil
}

// OpenBlock returns the tail block, or nil when there are no blocks.
func (c *BlockCatalog) OpenBlock(ctx context.Context) (*BlockInfo, error) {
	listing, err := c.ListBlocks(ctx)
	if err != nil {
		return nil, err
	}
	return listing.Tail(), nil
}

// LoadBlock reads the records of one block.
func (c *BlockCatalog) LoadBlock(ctx context.Context, info BlockInfo) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := segment.ReadFile(info.Path, segment.TypeBlock)
	if err != nil {
		return nil, &fberrors.CatalogReadError{Op: "read block", Path: info.Path, Err: err}
	}
	records, err := f.Records()
	if err != nil {
		return nil, &fberrors.CatalogReadError{Op: "decode block", Path: info.Path, Err: err}
	}
	return records, nil
}

// CoverageIn returns the sorted distinct primes within [lo, hi] stored in
// readable blocks. Only blocks whose range intersects the interval are read.
func (c *BlockCatalog) CoverageIn(ctx context.Context, lo, hi uint64) ([]uint64, error) {
	listing, err := c.ListBlocks(ctx)
	if err != nil {
		return nil, err
	}
	var sets [][]uint64
	for _, b := range listing.Blocks {
		if b.ReadErr != nil || b.Meta.RowCount == 0 || b.Meta.MaxP < lo || b.Meta.MinP > hi {
			continue
		}
		records, err := c.LoadBlock(ctx, b)
		if err != nil {
			return nil, err
		}
		var in []uint64
		for _, p := range model.Coverage(records) {
			if p >= lo && p <= hi {
				in = append(in, p)
			}
		}
		sets = append(sets, in)
	}
	return model.MergeCoverage(sets...), nil
}

// WriteBlock writes records as block index into dir and returns the file path.
// Records must already be sorted by p.
func WriteBlock(dir string, index int, records []model.Record, compress bool, now time.Time) (string, error) {
	if len(records) == 0 {
		return "", errors.New("write block: no records")
	}
	path := filepath.Join(dir, BlockFileName(index, records[len(records)-1].P))
	meta := segment.Meta{
		CreatedAt:  now.UTC(),
		Schema:     model.Schema,
		BlockIndex: index,
	}
	if err := segment.WriteFile(path, segment.TypeBlock, meta, segment.ColumnsFromRecords(records), compress, 0o644); err != nil {
		return "", fmt.Errorf("write block %d: %w", index, err)
	}
	return path, nil
}
