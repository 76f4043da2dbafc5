// Package segment implements the container format shared by run and block files.
//
// Layout:
//
//	header (8 bytes)    signature "FB", type, version, flags, 3 reserved
//	meta length (4)     little-endian uint32
//	meta                msgpack-encoded Meta
//	body                msgpack-encoded []Column, zstd-compressed when FlagCompressed
//	footer (32 bytes)   body length, row count, xxhash64(meta|body), magic
//
// Every decoding failure wraps ErrCorrupt.
package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/genamethi/funbuns/pkg/funbuns/model"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	HeaderSize = 8
	FooterSize = 32

	// FooterMagic marks a completely written file.
	FooterMagic = uint64(0xF0B5F0B5CAFED00D)

	Version = 1

	TypeRun   = 'r'
	TypeBlock = 'b'

	FlagCompressed = 0x01

	maxMetaSize = 1 << 20
)

var signature = [2]byte{'F', 'B'}

var (
	ErrCorrupt           = errors.New("corrupt segment file")
	ErrHeaderTooSmall    = errors.New("header too small")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrVersionMismatch   = errors.New("version mismatch")
)

// Header is the fixed-size file header.
type Header struct {
	Type    byte
	Version byte
	Flags   byte
}

// Encode writes the header into an 8-byte array.
func (h Header) Encode() [HeaderSize]byte {
	return [HeaderSize]byte{signature[0], signature[1], h.Type, h.Version, h.Flags}
}

// DecodeHeader parses and validates a header against the expected type.
func DecodeHeader(buf []byte, expectedType byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %w", ErrCorrupt, ErrHeaderTooSmall)
	}
	if buf[0] != signature[0] || buf[1] != signature[1] {
		return Header{}, fmt.Errorf("%w: %w", ErrCorrupt, ErrSignatureMismatch)
	}
	h := Header{Type: buf[2], Version: buf[3], Flags: buf[4]}
	if h.Type != expectedType {
		return Header{}, fmt.Errorf("%w: %w: got %q, want %q", ErrCorrupt, ErrTypeMismatch, h.Type, expectedType)
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %w: got %d", ErrCorrupt, ErrVersionMismatch, h.Version)
	}
	return h, nil
}

// Meta is the uncompressed metadata section.
type Meta struct {
	CreatedAt  time.Time          `msgpack:"created_at"`
	Schema     []model.ColumnSpec `msgpack:"schema"`
	BlockIndex int                `msgpack:"block_index"`
	Run        *model.RunMeta     `msgpack:"run,omitempty"`
}

// Column is one stored column. Values are widened to uint64 on disk; Type
// records the declared width.
type Column struct {
	Name   string   `msgpack:"name"`
	Type   string   `msgpack:"type"`
	Values []uint64 `msgpack:"values"`
}

// File is a fully decoded segment file.
type File struct {
	Header  Header
	Meta    Meta
	Columns []Column
	Rows    int
}

// footer is the trailing fixed-size record.
type footer struct {
	bodyLen  uint64
	rows     uint64
	checksum uint64
	magic    uint64
}

func (f footer) encode() []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.bodyLen)
	binary.LittleEndian.PutUint64(buf[8:16], f.rows)
	binary.LittleEndian.PutUint64(buf[16:24], f.checksum)
	binary.LittleEndian.PutUint64(buf[24:32], f.magic)
	return buf
}

func decodeFooter(buf []byte) footer {
	return footer{
		bodyLen:  binary.LittleEndian.Uint64(buf[0:8]),
		rows:     binary.LittleEndian.Uint64(buf[8:16]),
		checksum: binary.LittleEndian.Uint64(buf[16:24]),
		magic:    binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// zstd encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	var err error
	zstdEnc, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("zstd: init encoder: " + err.Error())
	}
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

// ColumnsFromRecords lays records out in Schema column order.
func ColumnsFromRecords(records []model.Record) []Column {
	cols := make([]Column, len(model.Schema))
	for i, spec := range model.Schema {
		cols[i] = Column{Name: spec.Name, Type: spec.Type, Values: make([]uint64, len(records))}
	}
	for i, r := range records {
		cols[0].Values[i] = r.P
		cols[1].Values[i] = r.M
		cols[2].Values[i] = r.N
		cols[3].Values[i] = r.Q
	}
	return cols
}

// Encode serializes a segment to w.
func Encode(w io.Writer, typ byte, meta Meta, cols []Column, compress bool) error {
	rows := 0
	if len(cols) > 0 {
		rows = len(cols[0].Values)
	}
	if meta.Schema == nil {
		meta.Schema = make([]model.ColumnSpec, len(cols))
		for i, c := range cols {
			meta.Schema[i] = model.ColumnSpec{Name: c.Name, Type: c.Type}
		}
	}

	metaBytes, err := msgpack.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	body, err := msgpack.Marshal(cols)
	if err != nil {
		return fmt.Errorf("encode columns: %w", err)
	}

	h := Header{Type: typ, Version: Version}
	if compress {
		h.Flags |= FlagCompressed
		body = zstdEnc.EncodeAll(body, nil)
	}

	digest := xxhash.New()
	_, _ = digest.Write(metaBytes)
	_, _ = digest.Write(body)

	var buf bytes.Buffer
	hdr := h.Encode()
	buf.Write(hdr[:])
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(metaBytes)))
	buf.Write(lenBuf[:])
	buf.Write(metaBytes)
	buf.Write(body)
	buf.Write(footer{
		bodyLen:  uint64(len(body)),
		rows:     uint64(rows),
		checksum: digest.Sum64(),
		magic:    FooterMagic,
	}.encode())

	_, err = w.Write(buf.Bytes())
	return err
}

// Decode parses a complete segment, verifying header, checksum and shape.
func Decode(data []byte, expectedType byte) (*File, error) {
	h, err := DecodeHeader(data, expectedType)
	if err != nil {
		return nil, err
	}
	if len(data) < HeaderSize+4+FooterSize {
		return nil, fmt.Errorf("%w: truncated file (%d bytes)", ErrCorrupt, len(data))
	}
	ft := decodeFooter(data[len(data)-FooterSize:])
	if ft.magic != FooterMagic {
		return nil, fmt.Errorf("%w: footer magic %x", ErrCorrupt, ft.magic)
	}

	metaLen := int(binary.LittleEndian.Uint32(data[HeaderSize : HeaderSize+4]))
	metaStart := HeaderSize + 4
	bodyStart := metaStart + metaLen
	bodyEnd := len(data) - FooterSize
	if metaLen > maxMetaSize || bodyStart > bodyEnd || uint64(bodyEnd-bodyStart) != ft.bodyLen {
		return nil, fmt.Errorf("%w: section lengths disagree", ErrCorrupt)
	}
	if sum := xxhash.Sum64(data[metaStart:bodyEnd]); sum != ft.checksum {
		return nil, fmt.Errorf("%w: checksum mismatch: file has %d, calculated %d", ErrCorrupt, ft.checksum, sum)
	}

	f := &File{Header: h, Rows: int(ft.rows)}
	if err := msgpack.Unmarshal(data[metaStart:bodyStart], &f.Meta); err != nil {
		return nil, fmt.Errorf("%w: meta: %v", ErrCorrupt, err)
	}

	body := data[bodyStart:bodyEnd]
	if h.Flags&FlagCompressed != 0 {
		body, err = zstdDec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
		}
	}
	if err := msgpack.Unmarshal(body, &f.Columns); err != nil {
		return nil, fmt.Errorf("%w: columns: %v", ErrCorrupt, err)
	}
	for _, c := range f.Columns {
		if len(c.Values) != f.Rows {
			return nil, fmt.Errorf("%w: column %q has %d values, footer says %d rows", ErrCorrupt, c.Name, len(c.Values), f.Rows)
		}
	}
	return f, nil
}

// Records converts the stored columns to records. Columns are looked up by
// name; a missing column or an out-of-range value is an error.
func (f *File) Records() ([]model.Record, error) {
	byName := make(map[string]Column, len(f.Columns))
	for _, c := range f.Columns {
		byName[c.Name] = c
	}
	cols := make([][]uint64, len(model.Schema))
	for i, spec := range model.Schema {
		c, ok := byName[spec.Name]
		if !ok {
			return nil, fmt.Errorf("missing column %q", spec.Name)
		}
		for _, v := range c.Values {
			if !model.FitsType(spec.Type, v) {
				return nil, fmt.Errorf("column %q value %d exceeds %s", spec.Name, v, spec.Type)
			}
		}
		cols[i] = c.Values
	}
	records := make([]model.Record, f.Rows)
	for i := range records {
		records[i] = model.Record{P: cols[0][i], M: cols[1][i], N: cols[2][i], Q: cols[3][i]}
	}
	return records, nil
}

// StoredSchema returns the column layout actually present in the body.
func (f *File) StoredSchema() []model.ColumnSpec {
	specs := make([]model.ColumnSpec, len(f.Columns))
	for i, c := range f.Columns {
		specs[i] = model.ColumnSpec{Name: c.Name, Type: c.Type}
	}
	return specs
}

// ReadFile reads and decodes a segment file.
func ReadFile(path string, expectedType byte) (*File, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	f, err := Decode(data, expectedType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// ReadMeta reads only the header and meta section of a segment file.
func ReadMeta(path string, expectedType byte) (Meta, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return Meta{}, err
	}
	defer func() { _ = file.Close() }()

	var prefix [HeaderSize + 4]byte
	if _, err := io.ReadFull(file, prefix[:]); err != nil {
		return Meta{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if _, err := DecodeHeader(prefix[:], expectedType); err != nil {
		return Meta{}, err
	}
	metaLen := binary.LittleEndian.Uint32(prefix[HeaderSize:])
	if metaLen > maxMetaSize {
		return Meta{}, fmt.Errorf("%w: meta length %d", ErrCorrupt, metaLen)
	}
	metaBytes := make([]byte, metaLen)
	if _, err := io.ReadFull(file, metaBytes); err != nil {
		return Meta{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var meta Meta
	if err := msgpack.Unmarshal(metaBytes, &meta); err != nil {
		return Meta{}, fmt.Errorf("%w: meta: %v", ErrCorrupt, err)
	}
	return meta, nil
}

// WriteFile atomically writes a segment: temp file in the destination
// directory, fsync, rename.
func WriteFile(path string, typ byte, meta Meta, cols []Column, compress bool, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := Encode(tmp, typ, meta, cols, compress); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
