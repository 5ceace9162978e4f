package hashtable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"

	"go.uber.org/zap"

	"github.com/bookkv/bookkv/internal/book"
	"github.com/bookkv/bookkv/internal/wal"
	"github.com/bookkv/bookkv/pkg/bitwise"
)

// Filter selects which entries a Scanner yields.
type Filter struct {
	all bool
	key []byte
}

// All selects every entry ever inserted, across every section, in
// ascending section_index order and insertion order within a section.
func All() Filter {
	return Filter{all: true}
}

// Key selects only entries whose stored key equals k, emitted in
// insertion order.
func Key(k []byte) Filter {
	return Filter{key: k}
}

// Entry is a length-prefixed record found during a scan. Its key and
// value readers are independent and lazy: either may be read first,
// or only one at all.
type Entry struct {
	book         *book.Book
	sectionIndex uint32
	keyOffset    uint64
	keySize      uint32
	valueSize    uint32
}

// KeySize is the number of bytes Key()'s reader will yield.
func (e *Entry) KeySize() uint32 { return e.keySize }

// ValueSize is the number of bytes Value()'s reader will yield.
func (e *Entry) ValueSize() uint32 { return e.valueSize }

// Key returns a reader over exactly KeySize bytes, positioned at the
// start of this entry's key in a freshly cloned section handle.
func (e *Entry) Key() (io.Reader, error) {
	section := e.book.Section(e.sectionIndex)
	if _, err := section.Seek(int64(e.keyOffset), io.SeekStart); err != nil {
		return nil, err
	}
	return io.LimitReader(section, int64(e.keySize)), nil
}

// Value returns a reader over exactly ValueSize bytes, positioned
// past the key in its own cloned section handle.
func (e *Entry) Value() (io.Reader, error) {
	section := e.book.Section(e.sectionIndex)
	if _, err := section.Seek(int64(e.keyOffset)+int64(e.keySize), io.SeekStart); err != nil {
		return nil, err
	}
	return io.LimitReader(section, int64(e.valueSize)), nil
}

// Scanner yields entries one at a time. Next returns (nil, nil) once
// exhausted. An error leaves the Scanner in an unspecified state; the
// caller must discard it.
type Scanner struct {
	next func() (*Entry, error)
}

// Next advances the scanner and returns the next matching entry, or
// (nil, nil) when there are no more.
func (s *Scanner) Next() (*Entry, error) {
	return s.next()
}

// Scan picks sections per filter (all of them, or the single section
// the filtered key's hash routes to), then walks each with a
// SectionScanner, optionally narrowed further by a key-comparison
// filter stage.
func (e *Engine) Scan(filter Filter) (*Scanner, error) {
	if filter.all {
		as := &allSectionsScanner{engine: e}
		return &Scanner{next: as.next}, nil
	}

	fp := e.fingerprintOf(filter.key)
	bloomQuery := fp.bloomBit
	sc, err := newSectionScanner(e, fp.sectionIndex, &bloomQuery)
	if err != nil {
		return nil, err
	}
	kf := &keyFilterScanner{inner: sc, key: filter.key}
	return &Scanner{next: kf.next}, nil
}

// sectionScanner walks one section's chunks from offset 0, consulting
// the IndexRegistry to skip chunks that cannot contain a queried key.
type sectionScanner struct {
	engine       *Engine
	sectionIndex uint32
	position     uint64
	sectionEnd   uint64
	bloomQuery   *uint64
}

func newSectionScanner(e *Engine, sectionIndex uint32, bloomQuery *uint64) (*sectionScanner, error) {
	sh, err := e.sections.Resolve(sectionIndex)
	if err != nil {
		return nil, err
	}
	return &sectionScanner{
		engine:       e,
		sectionIndex: sectionIndex,
		sectionEnd:   sh.EndOffset,
		bloomQuery:   bloomQuery,
	}, nil
}

func (s *sectionScanner) next() (*Entry, error) {
	if s.bloomQuery != nil {
		chunk := uint32(s.position / uint64(s.engine.cfg.IndexChunkSize))
		ik := wal.IndexKey{SectionIndex: s.sectionIndex, IndexChunk: chunk}
		header, ok := s.engine.indexes.TryResolve(ik)
		if !ok {
			return nil, nil
		}
		if !bitwise.IsSet(header.BloomFilter, bits.TrailingZeros64(*s.bloomQuery)) {
			if next, ok := s.engine.indexes.TryResolveNext(ik); ok {
				s.position = next.FirstEntryOffset
			} else {
				s.position = s.sectionEnd
			}
		}
	}

	switch {
	case s.position > s.sectionEnd:
		s.engine.logger.Error("corrupt scan: position exceeded section end",
			zap.Uint32("section_index", s.sectionIndex),
			zap.Uint64("position", s.position),
			zap.Uint64("section_end", s.sectionEnd),
		)
		return nil, fmt.Errorf("%w: section %d", ErrCorruptScan, s.sectionIndex)
	case s.position == s.sectionEnd:
		return nil, nil
	}

	section := s.engine.book.Section(s.sectionIndex)
	if _, err := section.Seek(int64(s.position), io.SeekStart); err != nil {
		return nil, err
	}
	header := make([]byte, 8)
	if _, err := io.ReadFull(section, header); err != nil {
		return nil, err
	}
	keySize := binary.LittleEndian.Uint32(header[0:4])
	valueSize := binary.LittleEndian.Uint32(header[4:8])

	entry := &Entry{
		book:         s.engine.book,
		sectionIndex: s.sectionIndex,
		keyOffset:    s.position + 8,
		keySize:      keySize,
		valueSize:    valueSize,
	}
	s.position += 8 + uint64(keySize) + uint64(valueSize)
	return entry, nil
}

// allSectionsScanner iterates sections in ascending index order,
// eliding sections that have never been written to, and delegates to
// a plain (unfiltered) sectionScanner for each.
type allSectionsScanner struct {
	engine           *Engine
	nextSectionIndex uint32
	current          *sectionScanner
}

func (s *allSectionsScanner) next() (*Entry, error) {
	for {
		if s.current == nil {
			if err := s.advance(); err != nil {
				return nil, err
			}
			if s.current == nil {
				return nil, nil
			}
		}
		entry, err := s.current.next()
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
		s.current = nil
	}
}

func (s *allSectionsScanner) advance() error {
	for s.nextSectionIndex < s.engine.cfg.SectionCount {
		idx := s.nextSectionIndex
		s.nextSectionIndex++

		sh, err := s.engine.sections.Resolve(idx)
		if err != nil {
			return err
		}
		if sh.EndOffset == 0 {
			continue
		}
		sc, err := newSectionScanner(s.engine, idx, nil)
		if err != nil {
			return err
		}
		s.current = sc
		return nil
	}
	return nil
}

// keyFilterScanner narrows a single section's entries down to those
// whose stored key matches a target byte-for-byte.
type keyFilterScanner struct {
	inner *sectionScanner
	key   []byte
}

func (s *keyFilterScanner) next() (*Entry, error) {
	for {
		entry, err := s.inner.next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, nil
		}
		matched, err := entryKeyEquals(entry, s.key)
		if err != nil {
			return nil, err
		}
		if matched {
			return entry, nil
		}
	}
}

func entryKeyEquals(entry *Entry, key []byte) (bool, error) {
	if entry.keySize != uint32(len(key)) {
		return false, nil
	}
	reader, err := entry.Key()
	if err != nil {
		return false, err
	}
	buf := make([]byte, len(key))
	if _, err := io.ReadFull(reader, buf); err != nil {
		return false, err
	}
	return bytes.Equal(buf, key), nil
}
