// Package book projects a sparse universe of numbered sections (logical
// byte streams) onto a flat pool of pager pages via an indirection map,
// allocating pages lazily on first write.
package book

import (
	"fmt"
	"io"

	"github.com/bookkv/bookkv/internal/pageio"
	"github.com/bookkv/bookkv/internal/wal"
)

// PageKey addresses one page within one section. It is an alias of
// wal.PageKey so that wal.PageRegistry satisfies PageRegistry below
// without an adapter layer.
type PageKey = wal.PageKey

// PageRegistry is the authoritative indirection (section_index,
// section_page_index) -> pager_page_index. Implemented by
// internal/wal so that every assignment is WAL-journaled before it is
// applied in memory.
type PageRegistry interface {
	// TryResolve is a pure lookup; it never allocates.
	TryResolve(key PageKey) (pageio.PageIndex, bool)
	// Resolve looks up key, allocating a fresh, densely-assigned
	// pager page index on miss.
	Resolve(key PageKey) (pageio.PageIndex, error)
}

// Book turns a Pager into a collection of sparse byte streams.
type Book struct {
	pager    pageio.Pager
	registry PageRegistry
}

// New assembles a Book over an existing pager and page registry.
func New(pager pageio.Pager, registry PageRegistry) *Book {
	return &Book{pager: pager, registry: registry}
}

// Section returns a handle onto the logical byte stream for
// sectionIndex. Handles are cheap; callers may hold many concurrently
// over the same section, each with its own cursor.
func (b *Book) Section(sectionIndex uint32) *Section {
	return &Section{book: b, sectionIndex: sectionIndex}
}

// Section is a sparse, logically contiguous byte stream addressed from
// offset 0. It caches the page mapped to its most recently touched
// section_page_index so that sequential reads/writes do not re-resolve
// the page map on every call.
type Section struct {
	book         *Book
	sectionIndex uint32
	offset       uint64

	hasCurrent    bool
	currentIdx    uint32
	currentHandle *pageio.PageHandle
}

// Read fills buf starting at the section's logical offset, never
// crossing a page boundary in one call — callers loop for longer
// reads. Reading an unmapped position yields zeros; it does not fail.
func (s *Section) Read(buf []byte) (int, error) {
	pageSize := uint64(s.book.pager.PageSize())
	sectionPageIndex := uint32(s.offset / pageSize)
	pageOffset := uint32(s.offset % pageSize)

	maxRead := uint32(pageSize) - pageOffset
	if uint32(len(buf)) < maxRead {
		maxRead = uint32(len(buf))
	}
	if maxRead == 0 {
		return 0, nil
	}

	page, ok, err := s.pageForRead(sectionPageIndex)
	if err != nil {
		return 0, err
	}
	if !ok {
		for i := uint32(0); i < maxRead; i++ {
			buf[i] = 0
		}
		s.offset += uint64(maxRead)
		return int(maxRead), nil
	}

	if _, err := page.Seek(int64(pageOffset), io.SeekStart); err != nil {
		return 0, err
	}
	n, err := page.Read(buf[:maxRead])
	s.offset += uint64(n)
	return n, err
}

// Write writes buf at the section's logical offset, never crossing a
// page boundary in one call. A write to an unmapped position allocates
// a fresh page via the PageRegistry.
func (s *Section) Write(buf []byte) (int, error) {
	pageSize := uint64(s.book.pager.PageSize())
	sectionPageIndex := uint32(s.offset / pageSize)
	pageOffset := uint32(s.offset % pageSize)

	maxWrite := uint32(pageSize) - pageOffset
	if uint32(len(buf)) < maxWrite {
		maxWrite = uint32(len(buf))
	}
	if maxWrite == 0 {
		return 0, nil
	}

	page, err := s.pageForWrite(sectionPageIndex)
	if err != nil {
		return 0, err
	}

	if _, err := page.Seek(int64(pageOffset), io.SeekStart); err != nil {
		return 0, err
	}
	n, err := page.Write(buf[:maxWrite])
	s.offset += uint64(n)
	return n, err
}

// Seek repositions the section's logical cursor. Seeking from the end
// always fails: sections have no fixed length.
func (s *Section) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		if offset < 0 {
			return 0, fmt.Errorf("book: negative seek offset %d", offset)
		}
		s.offset = uint64(offset)
	case io.SeekCurrent:
		newOffset := int64(s.offset) + offset
		if newOffset < 0 {
			return 0, fmt.Errorf("book: negative seek offset %d", newOffset)
		}
		s.offset = uint64(newOffset)
	case io.SeekEnd:
		return 0, fmt.Errorf("book: seek from end is not supported on a section")
	default:
		return 0, fmt.Errorf("book: invalid whence %d", whence)
	}
	return int64(s.offset), nil
}

// StreamPosition returns the section's current logical offset.
func (s *Section) StreamPosition() uint64 {
	return s.offset
}

// Flush flushes the section's currently cached page.
func (s *Section) Flush() error {
	if !s.hasCurrent {
		return nil
	}
	return s.book.pager.Sync()
}

func (s *Section) pageForRead(sectionPageIndex uint32) (*pageio.PageHandle, bool, error) {
	if s.hasCurrent && s.currentIdx == sectionPageIndex {
		return s.currentHandle, true, nil
	}
	key := PageKey{SectionIndex: s.sectionIndex, SectionPageIndex: sectionPageIndex}
	pagerIdx, ok := s.book.registry.TryResolve(key)
	if !ok {
		return nil, false, nil
	}
	handle, err := s.book.pager.Page(pagerIdx)
	if err != nil {
		return nil, false, err
	}
	s.hasCurrent = true
	s.currentIdx = sectionPageIndex
	s.currentHandle = handle
	return handle, true, nil
}

func (s *Section) pageForWrite(sectionPageIndex uint32) (*pageio.PageHandle, error) {
	if s.hasCurrent && s.currentIdx == sectionPageIndex {
		return s.currentHandle, nil
	}
	key := PageKey{SectionIndex: s.sectionIndex, SectionPageIndex: sectionPageIndex}
	pagerIdx, err := s.book.registry.Resolve(key)
	if err != nil {
		return nil, err
	}
	handle, err := s.book.pager.Page(pagerIdx)
	if err != nil {
		return nil, err
	}
	s.hasCurrent = true
	s.currentIdx = sectionPageIndex
	s.currentHandle = handle
	return handle, nil
}
