package hashtable_test

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookkv/bookkv/internal/book"
	"github.com/bookkv/bookkv/internal/hashtable"
	"github.com/bookkv/bookkv/internal/pageio"
	"github.com/bookkv/bookkv/internal/wal"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "reg-*")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func newTestEngine(t *testing.T, pageSize uint32, sectionCount uint32, indexChunkSize uint32) *hashtable.Engine {
	t.Helper()
	engine, _ := newTestEngineWithPager(t, pageSize, sectionCount, indexChunkSize)
	return engine
}

// newTestEngineWithPager is like newTestEngine but also returns the
// backing pager, so a test can inspect its ReadCount.
func newTestEngineWithPager(t *testing.T, pageSize uint32, sectionCount uint32, indexChunkSize uint32) (*hashtable.Engine, pageio.Pager) {
	t.Helper()

	w, err := wal.Load(tempFile(t), nil)
	require.NoError(t, err)

	pages, err := wal.LoadPageRegistry(tempFile(t), w, nil)
	require.NoError(t, err)
	sections, err := wal.LoadSectionRegistry(tempFile(t), sectionCount, w, nil)
	require.NoError(t, err)
	indexes, err := wal.LoadIndexRegistry(tempFile(t), w, nil)
	require.NoError(t, err)

	pager := pageio.NewMemoryPager(pageSize)
	b := book.New(pager, pages)

	engine, err := hashtable.New(b, sections, indexes, hashtable.NewXXHasher(), hashtable.Config{
		SectionCount:   sectionCount,
		IndexChunkSize: indexChunkSize,
	}, nil)
	require.NoError(t, err)
	return engine, pager
}

func readAll(t *testing.T, r io.Reader) []byte {
	t.Helper()
	buf, err := io.ReadAll(r)
	require.NoError(t, err)
	return buf
}

func collectValues(t *testing.T, engine *hashtable.Engine, filter hashtable.Filter) []string {
	t.Helper()
	scanner, err := engine.Scan(filter)
	require.NoError(t, err)

	var values []string
	for {
		entry, err := scanner.Next()
		require.NoError(t, err)
		if entry == nil {
			break
		}
		v, err := entry.Value()
		require.NoError(t, err)
		values = append(values, string(readAll(t, v)))
	}
	return values
}

// Scenario 1 from the end-to-end storage properties: duplicate keys,
// scan(Key) and scan(All).
func TestDuplicateKeyInsertAndScan(t *testing.T) {
	engine := newTestEngine(t, 64, 4, 64)

	require.NoError(t, engine.Insert([]byte("a"), []byte("1")))
	require.NoError(t, engine.Insert([]byte("b"), []byte("2")))
	require.NoError(t, engine.Insert([]byte("a"), []byte("3")))

	values := collectValues(t, engine, hashtable.Key([]byte("a")))
	assert.Equal(t, []string{"1", "3"}, values)

	all := collectValues(t, engine, hashtable.All())
	assert.ElementsMatch(t, []string{"1", "2", "3"}, all)
}

// Scenario 3: an entry larger than page_size is striped across pages
// transparently and reads back whole.
func TestEntrySpanningMultiplePages(t *testing.T) {
	engine := newTestEngine(t, 64, 4, 64)

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte('A' + i%26)
	}
	require.NoError(t, engine.Insert([]byte("x"), payload))

	values := collectValues(t, engine, hashtable.Key([]byte("x")))
	require.Len(t, values, 1)
	assert.Equal(t, string(payload), values[0])
}

func TestNeverInsertedKeyYieldsNoEntries(t *testing.T) {
	engine := newTestEngine(t, 64, 4, 64)

	for i := 0; i < 10; i++ {
		require.NoError(t, engine.Insert([]byte{byte(i)}, []byte{byte(i)}))
	}

	values := collectValues(t, engine, hashtable.Key([]byte("never-inserted")))
	assert.Empty(t, values)
}

func TestZeroSizeKeyAndValueAccepted(t *testing.T) {
	engine := newTestEngine(t, 64, 4, 64)

	require.NoError(t, engine.Insert([]byte{}, []byte{}))

	values := collectValues(t, engine, hashtable.Key([]byte{}))
	assert.Equal(t, []string{""}, values)
}

func TestScanAllOrdersBySectionThenInsertion(t *testing.T) {
	engine := newTestEngine(t, 64, 4, 64)

	for i := 0; i < 20; i++ {
		key := []byte{byte('k'), byte(i)}
		require.NoError(t, engine.Insert(key, []byte{byte(i)}))
	}

	all := collectValues(t, engine, hashtable.All())
	assert.Len(t, all, 20)

	hasher := hashtable.NewXXHasher()
	var want []string
	for section := uint32(0); section < 4; section++ {
		for i := 0; i < 20; i++ {
			key := []byte{byte('k'), byte(i)}
			if hasher.Sum32(key)%4 == section {
				want = append(want, string([]byte{byte(i)}))
			}
		}
	}
	assert.Equal(t, want, all)
}
