// Package hashtable routes (key, value) entries to sections by key
// hash, appends entries within a section, and maintains per-chunk
// bloom filters to accelerate point lookups during scans.
package hashtable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"go.uber.org/zap"

	"github.com/bookkv/bookkv/internal/book"
	"github.com/bookkv/bookkv/internal/wal"
	"github.com/bookkv/bookkv/pkg/bitwise"
)

// ErrCorruptScan is returned when a scan's cursor runs past the
// section's recorded end_offset — the bloom-chunk skip must never
// land beyond section_end.
var ErrCorruptScan = errors.New("hashtable: scan position exceeded section end")

// ErrEntryTooLarge is returned when a key or value does not fit in a
// 32-bit length prefix.
var ErrEntryTooLarge = errors.New("hashtable: key or value size exceeds uint32")

// Config are the routing constants shared by every key.
type Config struct {
	SectionCount   uint32
	IndexChunkSize uint32
}

// Engine assembles the Book and the section/index registries into the
// insert/scan API described by the storage format.
type Engine struct {
	book     *book.Book
	sections *wal.SectionRegistry
	indexes  *wal.IndexRegistry
	hasher   Hasher
	cfg      Config
	logger   *zap.Logger
}

// New assembles an Engine over already-opened layers. logger may be nil,
// in which case corruption diagnostics are discarded.
func New(b *book.Book, sections *wal.SectionRegistry, indexes *wal.IndexRegistry, hasher Hasher, cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.SectionCount == 0 {
		return nil, fmt.Errorf("hashtable: section_count must be > 0")
	}
	if cfg.IndexChunkSize == 0 {
		return nil, fmt.Errorf("hashtable: index_chunk_size must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{book: b, sections: sections, indexes: indexes, hasher: hasher, cfg: cfg, logger: logger}, nil
}

type fingerprint struct {
	sectionIndex uint32
	bloomBit     uint64
}

// fingerprintOf derives (section_index, bloom_bit) from a key's hash.
// The high bits choose the bloom slot and the low bits choose the
// section, deliberately decorrelated so that all keys routed to one
// section don't cluster into a single bloom bit.
func (e *Engine) fingerprintOf(key []byte) fingerprint {
	hash := e.hasher.Sum32(key)
	sectionIndex := hash % e.cfg.SectionCount
	bloomIndex := (hash / e.cfg.SectionCount) % 64
	return fingerprint{sectionIndex: sectionIndex, bloomBit: bitwise.Set(0, int(bloomIndex))}
}

// Insert appends (key, value) to the section its hash routes to,
// advances that section's end_offset, and ORs its bloom bit into the
// owning index chunk. Every registry mutation records a WAL event
// before it is applied; the page bytes themselves are not journaled
// per entry — they become durable on Sync.
func (e *Engine) Insert(key, value []byte) error {
	if len(key) > math.MaxUint32 || len(value) > math.MaxUint32 {
		return ErrEntryTooLarge
	}

	fp := e.fingerprintOf(key)
	section := e.book.Section(fp.sectionIndex)

	sh, err := e.sections.Resolve(fp.sectionIndex)
	if err != nil {
		return err
	}
	entryOffset := sh.EndOffset

	if _, err := section.Seek(int64(entryOffset), io.SeekStart); err != nil {
		return err
	}

	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(value)))
	if err := writeAll(section, header); err != nil {
		return err
	}
	if err := writeAll(section, key); err != nil {
		return err
	}
	if err := writeAll(section, value); err != nil {
		return err
	}

	newEnd := section.StreamPosition()
	if err := e.sections.UpdateEndOffset(fp.sectionIndex, newEnd); err != nil {
		return err
	}

	chunk := uint32(entryOffset / uint64(e.cfg.IndexChunkSize))
	indexKey := wal.IndexKey{SectionIndex: fp.sectionIndex, IndexChunk: chunk}
	return e.indexes.UpdateBloomFilter(indexKey, entryOffset, fp.bloomBit)
}

func writeAll(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
