// Package wal implements the write-ahead log and the three durable
// registries (page, section, index) whose in-memory state it protects.
// Every mutation to a registry is recorded as an event here before the
// registry applies it, so that a crash between the two leaves the
// on-disk state recoverable by replay.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// ErrInvalidWAL is returned when a WAL's height header is out of the
// range [8, file_length] at load time.
var ErrInvalidWAL = errors.New("wal: invalid height")

// ErrCorruptReplay is returned when replaying an event would assign a
// cache index out of order — the dense append-only caches in the
// registries grow by exactly one per newly assigned page or index
// chunk, and an update to an existing chunk must carry its own index.
var ErrCorruptReplay = errors.New("wal: out-of-order cache index during replay")

// ErrSectionOutOfRange is returned when a section index is not less
// than the configured section_count.
var ErrSectionOutOfRange = errors.New("wal: section index out of range")

type eventTag uint8

const (
	tagPageAssigned    eventTag = 1
	tagSectionUpdated  eventTag = 2
	tagIndexUpdated    eventTag = 3
	heightHeaderSize            = 8
)

// Event is any of the three durable mutations a registry records.
type Event interface {
	tag() eventTag
}

type pageAssignedEvent struct {
	Key   PageKey
	Index uint32
}

func (pageAssignedEvent) tag() eventTag { return tagPageAssigned }

type sectionUpdatedEvent struct {
	SectionIndex uint32
	EndOffset    uint64
}

func (sectionUpdatedEvent) tag() eventTag { return tagSectionUpdated }

type indexUpdatedEvent struct {
	CacheIdx uint32
	Key      IndexKey
	Header   IndexHeader
}

func (indexUpdatedEvent) tag() eventTag { return tagIndexUpdated }

func writeEvent(w io.Writer, ev Event) error {
	if err := binary.Write(w, binary.LittleEndian, uint8(ev.tag())); err != nil {
		return err
	}
	switch e := ev.(type) {
	case pageAssignedEvent:
		if err := binary.Write(w, binary.LittleEndian, e.Key.SectionIndex); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, e.Key.SectionPageIndex); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, e.Index)
	case sectionUpdatedEvent:
		if err := binary.Write(w, binary.LittleEndian, e.SectionIndex); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, e.EndOffset)
	case indexUpdatedEvent:
		if err := binary.Write(w, binary.LittleEndian, e.CacheIdx); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, e.Key.SectionIndex); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, e.Key.IndexChunk); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, e.Header.BloomFilter); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, e.Header.FirstEntryOffset)
	default:
		return fmt.Errorf("wal: unknown event type %T", ev)
	}
}

func readEvent(r io.Reader) (Event, error) {
	var tag uint8
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return nil, err
	}
	switch eventTag(tag) {
	case tagPageAssigned:
		var e pageAssignedEvent
		if err := binary.Read(r, binary.LittleEndian, &e.Key.SectionIndex); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.Key.SectionPageIndex); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.Index); err != nil {
			return nil, err
		}
		return e, nil
	case tagSectionUpdated:
		var e sectionUpdatedEvent
		if err := binary.Read(r, binary.LittleEndian, &e.SectionIndex); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.EndOffset); err != nil {
			return nil, err
		}
		return e, nil
	case tagIndexUpdated:
		var e indexUpdatedEvent
		if err := binary.Read(r, binary.LittleEndian, &e.CacheIdx); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.Key.SectionIndex); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.Key.IndexChunk); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.Header.BloomFilter); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.Header.FirstEntryOffset); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("wal: unknown event tag %d", tag)
	}
}

// WAL is an append-only typed event log with a bounded, explicitly
// flushed height. Bytes [8, height) are valid events; record() does
// not persist height to byte 0 — only sync() does.
type WAL struct {
	mu     sync.Mutex
	file   *os.File
	height uint64
	logger *zap.Logger
}

// Load opens (or initializes) a WAL backed by file. An empty file is
// initialized with height = 8. A non-empty file's height header is
// validated against the file's length.
func Load(file *os.File, logger *zap.Logger) (*WAL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("wal: stat: %w", err)
	}
	length := uint64(info.Size())

	w := &WAL{file: file, logger: logger}

	if length == 0 {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		if err := binary.Write(file, binary.LittleEndian, uint64(heightHeaderSize)); err != nil {
			return nil, err
		}
		w.height = heightHeaderSize
		return w, nil
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var height uint64
	if err := binary.Read(file, binary.LittleEndian, &height); err != nil {
		logger.Error("failed to read WAL height", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidWAL, err)
	}
	if height < heightHeaderSize || height > length {
		logger.Error("WAL height out of range", zap.Uint64("height", height), zap.Uint64("length", length))
		return nil, ErrInvalidWAL
	}
	w.height = height
	return w, nil
}

// Height returns the current logical end of the log.
func (w *WAL) Height() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.height
}

// record appends event at the current height and advances height in
// memory only; the new height is durable only after Sync.
func (w *WAL) record(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(int64(w.height), io.SeekStart); err != nil {
		return err
	}
	buf := bufio.NewWriter(w.file)
	if err := writeEvent(buf, ev); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	pos, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	w.height = uint64(pos)
	return nil
}

// Sync flushes the height header to byte 0 and fsyncs the file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, w.height); err != nil {
		return err
	}
	return w.file.Sync()
}

// Clear resets height to 8 in memory and on disk. The file length is
// left unchanged as an amortization hint, not physically truncated.
func (w *WAL) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, uint64(heightHeaderSize)); err != nil {
		return err
	}
	w.height = heightHeaderSize
	return nil
}

// countingReader tracks how many bytes have been consumed from the
// underlying reader, so Replay can stop exactly at height.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Replay reads every event in [8, height) in order and applies it to
// the three registries. It is the caller's responsibility to call
// Replay exactly once, at open, before any new records are made.
func (w *WAL) Replay(pages *PageRegistry, sections *SectionRegistry, indexes *IndexRegistry) error {
	w.mu.Lock()
	height := w.height
	w.mu.Unlock()

	if _, err := w.file.Seek(heightHeaderSize, io.SeekStart); err != nil {
		return err
	}
	remaining := int64(height) - heightHeaderSize
	r := &countingReader{r: w.file}

	for remaining > 0 {
		ev, err := readEvent(r)
		if err != nil {
			return fmt.Errorf("wal: replay: %w", err)
		}
		remaining -= r.n
		r.n = 0

		switch e := ev.(type) {
		case pageAssignedEvent:
			if err := pages.applyAssigned(e.Key, e.Index); err != nil {
				w.logger.Error("corrupt replay: page assignment out of order", zap.Error(err))
				return err
			}
		case sectionUpdatedEvent:
			sections.applyUpdated(e.SectionIndex, e.EndOffset)
		case indexUpdatedEvent:
			if err := indexes.applyUpdated(e.CacheIdx, e.Key, e.Header); err != nil {
				w.logger.Error("corrupt replay: index cache out of order", zap.Error(err))
				return err
			}
		}
	}
	return nil
}
