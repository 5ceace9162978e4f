// Package pageio exposes a backing file, or an in-memory buffer, as a
// flat array of fixed-size pages. Each page is an independently
// seekable byte region; multiple handles to the same page share the
// underlying bytes but carry independent cursors.
package pageio

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/bookkv/bookkv/pkg/lrucache"
)

// filePagerCacheSize caps how many whole pages NewFilePager keeps
// in memory. The in-memory pager never wraps a cache: its backing
// store already lives in memory, so a second cache buys nothing.
const filePagerCacheSize = 256

// PageIndex identifies a page within a Pager, dense from 0.
type PageIndex = uint32

// Pager maps fixed-size logical pages onto a backing resource.
type Pager interface {
	// PageSize is constant for the lifetime of the pager.
	PageSize() uint32
	// Page returns a handle to page i. O(1); never touches the backing
	// resource until the handle is read from, written to, or seeked.
	Page(index PageIndex) (*PageHandle, error)
	// Sync durably flushes all buffered data.
	Sync() error
	// ReadCount returns the number of page reads served so far, cache
	// hits included. It exists so tests can assert that a bloom-filter
	// skip during a scan never touched a page at all.
	ReadCount() uint64
}

// store is the shared resource behind both the file- and memory-backed
// pagers: a flat byte space read/written at absolute offsets, with
// reads past the current extent returning zeros.
type store interface {
	readAt(buf []byte, offset int64) (int, error)
	writeAt(buf []byte, offset int64) (int, error)
	sync() error
}

type pagerImpl struct {
	pageSize uint32
	store    store
	cache    lrucache.Cache[PageIndex]
	reads    uint64
}

// readPage returns the full page_size bytes for index, preferring the
// cache over the backing store.
func (p *pagerImpl) readPage(index PageIndex) ([]byte, error) {
	if p.cache != nil {
		if v, ok := p.cache.Get(index); ok {
			return v.([]byte), nil
		}
	}
	page := make([]byte, p.pageSize)
	if _, err := p.store.readAt(page, int64(index)*int64(p.pageSize)); err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.Put(index, page, true)
	}
	return page, nil
}

// observeWrite keeps a cached page's bytes coherent with a write that
// already landed in the backing store. A page never cached is left
// alone; the next read fetches it fresh.
func (p *pagerImpl) observeWrite(index PageIndex, pageOffset uint32, written []byte) {
	if p.cache == nil {
		return
	}
	v, ok := p.cache.Get(index)
	if !ok {
		return
	}
	copy(v.([]byte)[pageOffset:], written)
}

func (p *pagerImpl) PageSize() uint32 {
	return p.pageSize
}

func (p *pagerImpl) ReadCount() uint64 {
	return atomic.LoadUint64(&p.reads)
}

func (p *pagerImpl) Page(index PageIndex) (*PageHandle, error) {
	fileOffset, err := fileOffsetOf(index, p.pageSize)
	if err != nil {
		return nil, err
	}
	return &PageHandle{
		index:      index,
		pager:      p,
		fileOffset: fileOffset,
	}, nil
}

func (p *pagerImpl) Sync() error {
	return p.store.sync()
}

func fileOffsetOf(index PageIndex, pageSize uint32) (int64, error) {
	offset := uint64(index) * uint64(pageSize)
	if offset > uint64(1)<<62 {
		return 0, fmt.Errorf("pageio: file offset overflow for page %d", index)
	}
	return int64(offset), nil
}

// PageHandle is a seekable cursor over a single page. It implements
// io.Reader, io.Writer and io.Seeker, all bounded to [0, page_size).
type PageHandle struct {
	index      PageIndex
	pager      *pagerImpl
	fileOffset int64
	pageOffset uint32
}

// Index returns the page index this handle addresses.
func (h *PageHandle) Index() PageIndex {
	return h.index
}

// Read fills buf from the current cursor, never reading past the end
// of the page. Reads past the current backing extent return zeros.
func (h *PageHandle) Read(buf []byte) (int, error) {
	pageSize := h.pager.pageSize
	if h.pageOffset >= pageSize {
		return 0, io.EOF
	}
	readSize := pageSize - h.pageOffset
	if uint32(len(buf)) < readSize {
		readSize = uint32(len(buf))
	}
	if readSize == 0 {
		return 0, nil
	}
	atomic.AddUint64(&h.pager.reads, 1)
	page, err := h.pager.readPage(h.index)
	if err != nil {
		return 0, err
	}
	n := copy(buf[:readSize], page[h.pageOffset:])
	h.advance(uint32(n))
	return n, nil
}

// Write writes buf at the current cursor, never writing past the end
// of the page. Writing past the current backing extent grows it.
func (h *PageHandle) Write(buf []byte) (int, error) {
	pageSize := h.pager.pageSize
	if h.pageOffset >= pageSize {
		if len(buf) == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("pageio: write out of bounds on page %d", h.index)
	}
	writeSize := pageSize - h.pageOffset
	if uint32(len(buf)) < writeSize {
		writeSize = uint32(len(buf))
	}
	n, err := h.pager.store.writeAt(buf[:writeSize], h.fileOffset)
	h.pager.observeWrite(h.index, h.pageOffset, buf[:n])
	h.advance(uint32(n))
	if err != nil {
		return n, err
	}
	if n < len(buf) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Seek repositions the cursor within [0, page_size]. Seek-from-end is
// anchored at page_size, not at the backing resource's length.
func (h *PageHandle) Seek(offset int64, whence int) (int64, error) {
	pageSize := int64(h.pager.pageSize)
	var anchor int64
	switch whence {
	case io.SeekStart:
		anchor = 0
	case io.SeekCurrent:
		anchor = int64(h.pageOffset)
	case io.SeekEnd:
		anchor = pageSize
	default:
		return 0, fmt.Errorf("pageio: invalid whence %d", whence)
	}
	newOffset := anchor + offset
	if newOffset < 0 || newOffset > pageSize {
		return 0, fmt.Errorf("pageio: seek out of bounds on page %d", h.index)
	}
	h.pageOffset = uint32(newOffset)
	h.fileOffset = (int64(h.index) * pageSize) + newOffset
	return newOffset, nil
}

func (h *PageHandle) advance(n uint32) {
	h.pageOffset += n
	h.fileOffset += int64(n)
}

// NewFilePager opens a page store backed by an *os.File. The file's
// current length need not be a multiple of pageSize; the pager treats
// bytes past the current length as logically zero until written.
func NewFilePager(file *os.File, pageSize uint32) (Pager, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("pageio: stat backing file: %w", err)
	}
	return &pagerImpl{
		pageSize: pageSize,
		store: &fileStore{
			file: file,
			size: info.Size(),
		},
		cache: lrucache.New[PageIndex](filePagerCacheSize),
	}, nil
}

// NewMemoryPager returns a page store backed by an in-memory buffer,
// for tests and ephemeral stores.
func NewMemoryPager(pageSize uint32) Pager {
	return &pagerImpl{
		pageSize: pageSize,
		store:    &memoryStore{},
	}
}

type fileStore struct {
	mu   sync.Mutex
	file *os.File
	size int64
}

func (s *fileStore) readAt(buf []byte, offset int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset >= s.size {
		for i := range buf {
			buf[i] = 0
		}
		return len(buf), nil
	}
	n, err := s.file.ReadAt(buf, offset)
	if err == io.EOF {
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return len(buf), nil
	}
	return n, err
}

func (s *fileStore) writeAt(buf []byte, offset int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.file.WriteAt(buf, offset)
	if end := offset + int64(n); end > s.size {
		s.size = end
	}
	return n, err
}

func (s *fileStore) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.file.Sync()
}

type memoryStore struct {
	mu  sync.Mutex
	buf []byte
}

func (s *memoryStore) readAt(buf []byte, offset int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset >= int64(len(s.buf)) {
		for i := range buf {
			buf[i] = 0
		}
		return len(buf), nil
	}
	n := copy(buf, s.buf[offset:])
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return len(buf), nil
}

func (s *memoryStore) writeAt(buf []byte, offset int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := offset + int64(len(buf))
	if end > int64(len(s.buf)) {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[offset:end], buf)
	return len(buf), nil
}

func (s *memoryStore) sync() error {
	return nil
}
