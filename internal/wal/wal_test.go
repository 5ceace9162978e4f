package wal_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookkv/bookkv/internal/wal"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "wal-*")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestLoadEmptyFileInitializesHeightToEight(t *testing.T) {
	w, err := wal.Load(tempFile(t), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 8, w.Height())
}

func TestRecordDoesNotPersistHeightUntilSync(t *testing.T) {
	file := tempFile(t)
	w, err := wal.Load(file, nil)
	require.NoError(t, err)

	pagesFile := tempFile(t)
	pages, err := wal.LoadPageRegistry(pagesFile, w, nil)
	require.NoError(t, err)

	_, err = pages.Resolve(wal.PageKey{SectionIndex: 0, SectionPageIndex: 0})
	require.NoError(t, err)
	heightAfterRecord := w.Height()
	assert.Greater(t, heightAfterRecord, uint64(8))

	// Reopen without a sync: height header on disk is still 8, so the
	// event just recorded is invisible.
	reopened, err := wal.Load(file, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 8, reopened.Height())
}

func TestSyncPersistsHeightAndClearResetsIt(t *testing.T) {
	file := tempFile(t)
	w, err := wal.Load(file, nil)
	require.NoError(t, err)

	pagesFile := tempFile(t)
	pages, err := wal.LoadPageRegistry(pagesFile, w, nil)
	require.NoError(t, err)

	_, err = pages.Resolve(wal.PageKey{SectionIndex: 1, SectionPageIndex: 0})
	require.NoError(t, err)
	require.NoError(t, w.Sync())

	reopened, err := wal.Load(file, nil)
	require.NoError(t, err)
	assert.Equal(t, w.Height(), reopened.Height())

	require.NoError(t, w.Clear())
	assert.EqualValues(t, 8, w.Height())
}

func TestPageRegistryResolveAssignsDenseIndexes(t *testing.T) {
	file := tempFile(t)
	w, err := wal.Load(file, nil)
	require.NoError(t, err)

	pagesFile := tempFile(t)
	pages, err := wal.LoadPageRegistry(pagesFile, w, nil)
	require.NoError(t, err)

	a, err := pages.Resolve(wal.PageKey{SectionIndex: 0, SectionPageIndex: 0})
	require.NoError(t, err)
	b, err := pages.Resolve(wal.PageKey{SectionIndex: 0, SectionPageIndex: 1})
	require.NoError(t, err)
	again, err := pages.Resolve(wal.PageKey{SectionIndex: 0, SectionPageIndex: 0})
	require.NoError(t, err)

	assert.EqualValues(t, 0, a)
	assert.EqualValues(t, 1, b)
	assert.Equal(t, a, again, "resolving the same key twice must not allocate again")
}

func TestSectionRegistryUpdateIsMonotonic(t *testing.T) {
	file := tempFile(t)
	w, err := wal.Load(file, nil)
	require.NoError(t, err)

	sectionsFile := tempFile(t)
	sections, err := wal.LoadSectionRegistry(sectionsFile, 4, w, nil)
	require.NoError(t, err)

	require.NoError(t, sections.UpdateEndOffset(0, 100))
	require.NoError(t, sections.UpdateEndOffset(0, 50))

	header, err := sections.Resolve(0)
	require.NoError(t, err)
	assert.EqualValues(t, 100, header.EndOffset, "a lower end_offset must never regress the stored value")
}

func TestSectionRegistryOutOfRangeFails(t *testing.T) {
	file := tempFile(t)
	w, err := wal.Load(file, nil)
	require.NoError(t, err)

	sectionsFile := tempFile(t)
	sections, err := wal.LoadSectionRegistry(sectionsFile, 2, w, nil)
	require.NoError(t, err)

	_, err = sections.Resolve(5)
	assert.ErrorIs(t, err, wal.ErrSectionOutOfRange)
}

func TestIndexRegistryUpdateBloomFilterInsertsThenOrs(t *testing.T) {
	file := tempFile(t)
	w, err := wal.Load(file, nil)
	require.NoError(t, err)

	indexesFile := tempFile(t)
	indexes, err := wal.LoadIndexRegistry(indexesFile, w, nil)
	require.NoError(t, err)

	key := wal.IndexKey{SectionIndex: 0, IndexChunk: 0}
	require.NoError(t, indexes.UpdateBloomFilter(key, 0, 1<<3))

	header, ok := indexes.TryResolve(key)
	require.True(t, ok)
	assert.EqualValues(t, 1<<3, header.BloomFilter)
	assert.EqualValues(t, 0, header.FirstEntryOffset)

	require.NoError(t, indexes.UpdateBloomFilter(key, 999, 1<<5))
	header, ok = indexes.TryResolve(key)
	require.True(t, ok)
	assert.EqualValues(t, (1<<3)|(1<<5), header.BloomFilter)
	assert.EqualValues(t, 0, header.FirstEntryOffset, "first_entry_offset must not change once set")
}

func TestIndexRegistryTryResolveNextBoundedBySection(t *testing.T) {
	file := tempFile(t)
	w, err := wal.Load(file, nil)
	require.NoError(t, err)

	indexesFile := tempFile(t)
	indexes, err := wal.LoadIndexRegistry(indexesFile, w, nil)
	require.NoError(t, err)

	require.NoError(t, indexes.UpdateBloomFilter(wal.IndexKey{SectionIndex: 0, IndexChunk: 0}, 0, 1))
	require.NoError(t, indexes.UpdateBloomFilter(wal.IndexKey{SectionIndex: 0, IndexChunk: 2}, 128, 1))
	require.NoError(t, indexes.UpdateBloomFilter(wal.IndexKey{SectionIndex: 1, IndexChunk: 0}, 0, 1))

	next, ok := indexes.TryResolveNext(wal.IndexKey{SectionIndex: 0, IndexChunk: 0})
	require.True(t, ok)
	assert.EqualValues(t, 128, next.FirstEntryOffset)

	_, ok = indexes.TryResolveNext(wal.IndexKey{SectionIndex: 0, IndexChunk: 2})
	assert.False(t, ok, "must not cross into the next section's chunks")
}

func TestPageRegistrySaveAndReloadRoundTrips(t *testing.T) {
	file := tempFile(t)
	w, err := wal.Load(file, nil)
	require.NoError(t, err)

	pagesPath := t.TempDir() + "/pages.reg"
	pagesFile, err := os.OpenFile(pagesPath, os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	pages, err := wal.LoadPageRegistry(pagesFile, w, nil)
	require.NoError(t, err)

	_, err = pages.Resolve(wal.PageKey{SectionIndex: 2, SectionPageIndex: 7})
	require.NoError(t, err)
	require.NoError(t, pages.Save())
	require.NoError(t, pagesFile.Close())

	reopened, err := os.OpenFile(pagesPath, os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer reopened.Close()

	reloaded, err := wal.LoadPageRegistry(reopened, w, nil)
	require.NoError(t, err)
	idx, ok := reloaded.TryResolve(wal.PageKey{SectionIndex: 2, SectionPageIndex: 7})
	require.True(t, ok)
	assert.EqualValues(t, 0, idx)
}
