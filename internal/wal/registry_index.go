package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/bookkv/bookkv/pkg/bitwise"
)

const (
	indexKeySize    = 8
	indexHeaderSize = 16
	indexEntrySize  = indexKeySize + indexHeaderSize
)

// IndexKey names one index chunk: a fixed-size byte range within a
// section, identified by section_index and index_chunk =
// byte_offset / index_chunk_size.
type IndexKey struct {
	SectionIndex uint32
	IndexChunk   uint32
}

// Less reports whether ik sorts strictly before other, ordering first
// by SectionIndex, then by IndexChunk — the ordering try_resolve_next
// walks to find the next chunk within the same section.
func (ik IndexKey) Less(other IndexKey) bool {
	if ik.SectionIndex != other.SectionIndex {
		return ik.SectionIndex < other.SectionIndex
	}
	return ik.IndexChunk < other.IndexChunk
}

// IndexHeader is the per-chunk bloom filter plus a hint used to skip
// directly to the first entry materialized in the chunk.
type IndexHeader struct {
	BloomFilter      uint64
	FirstEntryOffset uint64
}

type indexEntry struct {
	Key    IndexKey
	Header IndexHeader
}

// IndexRegistry maintains the per-chunk bloom filters keyed by
// (section, chunk), in a dense append-only cache ordered by
// insertion (cache_idx), alongside an unordered map from IndexKey to
// cache_idx.
type IndexRegistry struct {
	mu     sync.RWMutex
	file   *os.File
	wal    *WAL
	logger *zap.Logger

	cache []indexEntry
	index map[IndexKey]int
}

// LoadIndexRegistry reads the dense indexes.reg snapshot: 24-byte
// records (IndexKey 8 bytes, IndexHeader 16 bytes); order defines
// cache_idx.
func LoadIndexRegistry(file *os.File, wal *WAL, logger *zap.Logger) (*IndexRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("wal: stat indexes.reg: %w", err)
	}
	count := int(info.Size()) / indexEntrySize

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	cache := make([]indexEntry, count)
	index := make(map[IndexKey]int, count)
	for i := 0; i < count; i++ {
		var e indexEntry
		if err := binary.Read(file, binary.LittleEndian, &e.Key.SectionIndex); err != nil {
			return nil, fmt.Errorf("wal: read indexes.reg: %w", err)
		}
		if err := binary.Read(file, binary.LittleEndian, &e.Key.IndexChunk); err != nil {
			return nil, fmt.Errorf("wal: read indexes.reg: %w", err)
		}
		if err := binary.Read(file, binary.LittleEndian, &e.Header.BloomFilter); err != nil {
			return nil, fmt.Errorf("wal: read indexes.reg: %w", err)
		}
		if err := binary.Read(file, binary.LittleEndian, &e.Header.FirstEntryOffset); err != nil {
			return nil, fmt.Errorf("wal: read indexes.reg: %w", err)
		}
		cache[i] = e
		index[e.Key] = i
	}

	return &IndexRegistry{file: file, wal: wal, logger: logger, cache: cache, index: index}, nil
}

// TryResolve is a pure lookup.
func (r *IndexRegistry) TryResolve(key IndexKey) (IndexHeader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[key]
	if !ok {
		return IndexHeader{}, false
	}
	return r.cache[i].Header, true
}

// TryResolveNext finds the chunk with the smallest IndexKey strictly
// greater than key, bounded by the same section_index (i.e. it never
// crosses into the next section).
func (r *IndexRegistry) TryResolveNext(key IndexKey) (IndexHeader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := -1
	for ik, i := range r.index {
		if ik.SectionIndex != key.SectionIndex {
			continue
		}
		if !key.Less(ik) {
			continue
		}
		if best == -1 || ik.Less(r.cache[best].Key) {
			best = i
		}
	}
	if best == -1 {
		return IndexHeader{}, false
	}
	return r.cache[best].Header, true
}

// UpdateBloomFilter inserts a new chunk header (if ik is absent),
// ORs bloom_bit into the existing one (if present and unset), or is a
// no-op (if present and already set). Only the insert and OR cases
// record a WAL event.
func (r *IndexRegistry) UpdateBloomFilter(key IndexKey, firstEntryOffset uint64, bloomBit uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bitIndex := bits.TrailingZeros64(bloomBit)

	if i, ok := r.index[key]; ok {
		if bitwise.IsSet(r.cache[i].Header.BloomFilter, bitIndex) {
			return nil
		}
		newBloom := bitwise.Set(r.cache[i].Header.BloomFilter, bitIndex)
		cacheIdx := uint32(i)
		if err := r.wal.record(indexUpdatedEvent{
			CacheIdx: cacheIdx,
			Key:      key,
			Header:   IndexHeader{BloomFilter: newBloom, FirstEntryOffset: r.cache[i].Header.FirstEntryOffset},
		}); err != nil {
			return fmt.Errorf("wal: record index update: %w", err)
		}
		r.cache[i].Header.BloomFilter = newBloom
		return nil
	}

	cacheIdx := uint32(len(r.cache))
	header := IndexHeader{BloomFilter: bloomBit, FirstEntryOffset: firstEntryOffset}
	if err := r.wal.record(indexUpdatedEvent{CacheIdx: cacheIdx, Key: key, Header: header}); err != nil {
		return fmt.Errorf("wal: record index update: %w", err)
	}
	r.cache = append(r.cache, indexEntry{Key: key, Header: header})
	r.index[key] = int(cacheIdx)
	return nil
}

// applyUpdated mutates the cache/map directly during WAL replay. A
// cacheIdx that does not match the append-only insertion order (an
// update to an existing chunk must carry that chunk's own cache_idx;
// a new chunk must carry the next dense index) is a corruption error.
func (r *IndexRegistry) applyUpdated(cacheIdx uint32, key IndexKey, header IndexHeader) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.index[key]; ok {
		if uint32(i) != cacheIdx {
			r.logger.Error("corrupt replay: index cache out of order",
				zap.Uint32("cache_idx", cacheIdx), zap.Int("expected", i))
			return fmt.Errorf("%w: index cache %d, expected %d", ErrCorruptReplay, cacheIdx, i)
		}
		r.cache[i].Header = header
		return nil
	}

	if cacheIdx != uint32(len(r.cache)) {
		r.logger.Error("corrupt replay: index cache out of order",
			zap.Uint32("cache_idx", cacheIdx), zap.Int("expected", len(r.cache)))
		return fmt.Errorf("%w: index cache %d, expected %d", ErrCorruptReplay, cacheIdx, len(r.cache))
	}
	r.cache = append(r.cache, indexEntry{Key: key, Header: header})
	r.index[key] = int(cacheIdx)
	return nil
}

// Count returns the number of index chunks ever materialized.
func (r *IndexRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// Save compacts the registry to its dense on-disk snapshot, in
// cache_idx order.
func (r *IndexRegistry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := int64(len(r.cache)) * indexEntrySize
	if err := r.file.Truncate(size); err != nil {
		return err
	}
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for _, e := range r.cache {
		if err := binary.Write(r.file, binary.LittleEndian, e.Key.SectionIndex); err != nil {
			return err
		}
		if err := binary.Write(r.file, binary.LittleEndian, e.Key.IndexChunk); err != nil {
			return err
		}
		if err := binary.Write(r.file, binary.LittleEndian, e.Header.BloomFilter); err != nil {
			return err
		}
		if err := binary.Write(r.file, binary.LittleEndian, e.Header.FirstEntryOffset); err != nil {
			return err
		}
	}
	return r.file.Sync()
}
