package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

const sectionEntrySize = 8

// SectionHeader holds the logical end-of-stream for one section.
type SectionHeader struct {
	EndOffset uint64
}

// SectionRegistry tracks, per section, the first byte past the last
// entry ever appended. Growth is monotonic and WAL-recorded.
type SectionRegistry struct {
	mu     sync.RWMutex
	file   *os.File
	wal    *WAL
	logger *zap.Logger

	cache []SectionHeader
}

// LoadSectionRegistry reads (or initializes) the dense sections.reg
// snapshot: one 8-byte end_offset per section, length = section_count*8.
func LoadSectionRegistry(file *os.File, sectionCount uint32, wal *WAL, logger *zap.Logger) (*SectionRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := int64(sectionCount) * sectionEntrySize
	if err := file.Truncate(size); err != nil {
		return nil, fmt.Errorf("wal: truncate sections.reg: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	cache := make([]SectionHeader, sectionCount)
	for i := range cache {
		if err := binary.Read(file, binary.LittleEndian, &cache[i].EndOffset); err != nil {
			return nil, fmt.Errorf("wal: read sections.reg: %w", err)
		}
	}

	return &SectionRegistry{file: file, wal: wal, logger: logger, cache: cache}, nil
}

// Resolve returns the current header for sectionIndex. Fails only if
// sectionIndex is out of range.
func (r *SectionRegistry) Resolve(sectionIndex uint32) (SectionHeader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(sectionIndex) >= len(r.cache) {
		r.logger.Error("section index out of range", zap.Uint32("section_index", sectionIndex), zap.Int("section_count", len(r.cache)))
		return SectionHeader{}, fmt.Errorf("%w: section %d", ErrSectionOutOfRange, sectionIndex)
	}
	return r.cache[sectionIndex], nil
}

// UpdateEndOffset is monotonic: it is a no-op (and records no event)
// if the existing end_offset is already >= the proposed one.
func (r *SectionRegistry) UpdateEndOffset(sectionIndex uint32, endOffset uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(sectionIndex) >= len(r.cache) {
		r.logger.Error("section index out of range", zap.Uint32("section_index", sectionIndex), zap.Int("section_count", len(r.cache)))
		return fmt.Errorf("%w: section %d", ErrSectionOutOfRange, sectionIndex)
	}
	if r.cache[sectionIndex].EndOffset >= endOffset {
		return nil
	}
	if err := r.wal.record(sectionUpdatedEvent{SectionIndex: sectionIndex, EndOffset: endOffset}); err != nil {
		return fmt.Errorf("wal: record section update: %w", err)
	}
	r.cache[sectionIndex].EndOffset = endOffset
	return nil
}

// applyUpdated mutates the cache during WAL replay without recording.
// It is monotonic in the same way UpdateEndOffset is.
func (r *SectionRegistry) applyUpdated(sectionIndex uint32, endOffset uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(sectionIndex) >= len(r.cache) {
		return
	}
	if endOffset > r.cache[sectionIndex].EndOffset {
		r.cache[sectionIndex].EndOffset = endOffset
	}
}

// Save compacts the registry to its dense on-disk snapshot.
func (r *SectionRegistry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for _, header := range r.cache {
		if err := binary.Write(r.file, binary.LittleEndian, header.EndOffset); err != nil {
			return err
		}
	}
	return r.file.Sync()
}
