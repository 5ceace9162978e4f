package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

const pageEntrySize = 8

// PageKey addresses one page within one section. internal/book
// aliases it as book.PageKey; it is defined here so this package has
// no import-cycle dependency on internal/book.
type PageKey struct {
	SectionIndex     uint32
	SectionPageIndex uint32
}

// PageRegistry is the authoritative (section_index, section_page_index)
// -> pager_page_index map. Every assignment is WAL-recorded before it
// is applied to the in-memory cache and map.
type PageRegistry struct {
	mu     sync.RWMutex
	file   *os.File
	wal    *WAL
	logger *zap.Logger

	cache []PageKey
	index map[PageKey]uint32
}

// LoadPageRegistry reads the dense pages.reg snapshot (8 bytes per
// entry: section_index, section_page_index LE; the pager_page_index
// of the i-th record equals i).
func LoadPageRegistry(file *os.File, wal *WAL, logger *zap.Logger) (*PageRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("wal: stat pages.reg: %w", err)
	}
	count := int(info.Size()) / pageEntrySize

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	cache := make([]PageKey, count)
	index := make(map[PageKey]uint32, count)
	for i := 0; i < count; i++ {
		var key PageKey
		if err := binary.Read(file, binary.LittleEndian, &key.SectionIndex); err != nil {
			return nil, fmt.Errorf("wal: read pages.reg: %w", err)
		}
		if err := binary.Read(file, binary.LittleEndian, &key.SectionPageIndex); err != nil {
			return nil, fmt.Errorf("wal: read pages.reg: %w", err)
		}
		cache[i] = key
		index[key] = uint32(i)
	}

	return &PageRegistry{file: file, wal: wal, logger: logger, cache: cache, index: index}, nil
}

// TryResolve is a pure lookup; it never allocates or records.
func (r *PageRegistry) TryResolve(key PageKey) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.index[key]
	return idx, ok
}

// Resolve looks up key, allocating (and WAL-recording) a fresh, densely
// assigned pager page index on miss.
func (r *PageRegistry) Resolve(key PageKey) (uint32, error) {
	if idx, ok := r.TryResolve(key); ok {
		return idx, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.index[key]; ok {
		return idx, nil
	}

	pagerPageIndex := uint32(len(r.cache))
	if err := r.wal.record(pageAssignedEvent{Key: key, Index: pagerPageIndex}); err != nil {
		return 0, fmt.Errorf("wal: record page assignment: %w", err)
	}
	r.cache = append(r.cache, key)
	r.index[key] = pagerPageIndex
	return pagerPageIndex, nil
}

// applyAssigned mutates the cache/map directly during WAL replay,
// without recording a new event. pagerPageIndex must equal the current
// cache length — anything else means the log is corrupt.
func (r *PageRegistry) applyAssigned(key PageKey, pagerPageIndex uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pagerPageIndex != uint32(len(r.cache)) {
		r.logger.Error("corrupt replay: page assignment out of order",
			zap.Uint32("page_index", pagerPageIndex), zap.Int("expected", len(r.cache)))
		return fmt.Errorf("%w: page index %d, expected %d", ErrCorruptReplay, pagerPageIndex, len(r.cache))
	}
	r.cache = append(r.cache, key)
	r.index[key] = pagerPageIndex
	return nil
}

// Count returns the number of pager pages ever assigned.
func (r *PageRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// Save compacts the registry to its dense on-disk snapshot.
func (r *PageRegistry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := int64(len(r.cache)) * pageEntrySize
	if err := r.file.Truncate(size); err != nil {
		return err
	}
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for _, key := range r.cache {
		if err := binary.Write(r.file, binary.LittleEndian, key.SectionIndex); err != nil {
			return err
		}
		if err := binary.Write(r.file, binary.LittleEndian, key.SectionPageIndex); err != nil {
			return err
		}
	}
	return r.file.Sync()
}
