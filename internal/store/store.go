// Package store assembles the pager, book, hash table engine, and WAL
// + registries into a single managed, directory-backed key-value
// store: open/insert/scan/sync/full_sync.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/bookkv/bookkv/internal/book"
	"github.com/bookkv/bookkv/internal/hashtable"
	"github.com/bookkv/bookkv/internal/pageio"
	"github.com/bookkv/bookkv/internal/wal"
)

// Config is the store's on-disk configuration, persisted in
// header.json. Reopening a directory with a different Config fails.
type Config struct {
	PageSize       uint32 `json:"page_size"`
	SectionCount   uint32 `json:"section_count"`
	IndexChunkSize uint32 `json:"index_chunk_size"`
}

// ErrConfigMismatch is returned by Open when header.json disagrees
// with the caller-provided Config. The caller recovers by opening
// with the stored config instead.
var ErrConfigMismatch = errors.New("store: configuration mismatch with stored header.json")

// ErrIO wraps a recovered panic from inside a critical section,
// treating lock poisoning the same way an ordinary I/O failure is
// treated: fatal to the current call, not to the process.
var ErrIO = errors.New("store: i/o failure")

const (
	headerFileName   = "header.json"
	pagesFileName    = "pages.dat"
	pagesRegFileName = "pages.reg"
	sectionsRegName  = "sections.reg"
	indexesRegName   = "indexes.reg"
	eventsLogName    = "events.log"
)

// Store is the top-level assembly: directory, header, pager, book,
// hash table engine, WAL and registries. insert/scan/sync take
// exclusive access to the handle; the components underneath hold
// their own locks. Each Open builds its own in-memory registries and
// WAL height, so two Store handles opened on the same directory do
// not share state.
type Store struct {
	mu sync.Mutex

	cfg    Config
	logger *zap.Logger

	pagesFile       *os.File
	walFile         *os.File
	pagesRegFile    *os.File
	sectionsRegFile *os.File
	indexesRegFile  *os.File

	pager    pageio.Pager
	log      *wal.WAL
	pages    *wal.PageRegistry
	sections *wal.SectionRegistry
	indexes  *wal.IndexRegistry
	book     *book.Book
	engine   *hashtable.Engine
}

// Open creates dir if needed, reads or writes header.json, opens the
// pager file, the three registry snapshots and the WAL, replays the
// WAL tail over the loaded registries, and assembles the engine.
func Open(dir string, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	if err := reconcileHeader(filepath.Join(dir, headerFileName), cfg); err != nil {
		return nil, err
	}

	pagesFile, err := openRW(filepath.Join(dir, pagesFileName))
	if err != nil {
		return nil, err
	}
	pager, err := pageio.NewFilePager(pagesFile, cfg.PageSize)
	if err != nil {
		return nil, err
	}

	walFile, err := openRW(filepath.Join(dir, eventsLogName))
	if err != nil {
		return nil, err
	}
	log, err := wal.Load(walFile, logger)
	if err != nil {
		return nil, err
	}

	pagesRegFile, err := openRW(filepath.Join(dir, pagesRegFileName))
	if err != nil {
		return nil, err
	}
	pages, err := wal.LoadPageRegistry(pagesRegFile, log, logger)
	if err != nil {
		return nil, err
	}

	sectionsRegFile, err := openRW(filepath.Join(dir, sectionsRegName))
	if err != nil {
		return nil, err
	}
	sections, err := wal.LoadSectionRegistry(sectionsRegFile, cfg.SectionCount, log, logger)
	if err != nil {
		return nil, err
	}

	indexesRegFile, err := openRW(filepath.Join(dir, indexesRegName))
	if err != nil {
		return nil, err
	}
	indexes, err := wal.LoadIndexRegistry(indexesRegFile, log, logger)
	if err != nil {
		return nil, err
	}

	if err := log.Replay(pages, sections, indexes); err != nil {
		return nil, fmt.Errorf("store: replay WAL: %w", err)
	}

	b := book.New(pager, pages)
	engine, err := hashtable.New(b, sections, indexes, hashtable.NewXXHasher(), hashtable.Config{
		SectionCount:   cfg.SectionCount,
		IndexChunkSize: cfg.IndexChunkSize,
	}, logger)
	if err != nil {
		return nil, err
	}

	logger.Debug("opened store",
		zap.String("dir", dir),
		zap.Uint32("page_size", cfg.PageSize),
		zap.Uint32("section_count", cfg.SectionCount),
		zap.Uint32("index_chunk_size", cfg.IndexChunkSize),
	)

	return &Store{
		cfg:             cfg,
		logger:          logger,
		pagesFile:       pagesFile,
		walFile:         walFile,
		pagesRegFile:    pagesRegFile,
		sectionsRegFile: sectionsRegFile,
		indexesRegFile:  indexesRegFile,
		pager:           pager,
		log:             log,
		pages:           pages,
		sections:        sections,
		indexes:         indexes,
		book:            b,
		engine:          engine,
	}, nil
}

func openRW(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

func reconcileHeader(path string, cfg Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return writeHeader(path, cfg)
	}
	if err != nil {
		return fmt.Errorf("store: read header.json: %w", err)
	}
	var stored Config
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("store: parse header.json: %w", err)
	}
	if stored != cfg {
		return fmt.Errorf("%w: stored %+v, requested %+v", ErrConfigMismatch, stored, cfg)
	}
	return nil
}

func writeHeader(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write header.json.tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename header.json.tmp: %w", err)
	}
	return nil
}

// Insert appends (key, value). Key and value sizes must fit a uint32.
func (s *Store) Insert(key, value []byte) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recoverIO(&err)

	return s.engine.Insert(key, value)
}

// Scan opens a Scanner over filter. Only constructing the scanner
// takes the store's lock; iterating it with Next does not.
func (s *Store) Scan(filter hashtable.Filter) (scanner *hashtable.Scanner, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recoverIO(&err)

	return s.engine.Scan(filter)
}

// Sync durably flushes the pager and the WAL height header. Registry
// mutations recorded since the last Sync become durable; the pager's
// page bytes become durable.
func (s *Store) Sync() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recoverIO(&err)

	if err := s.pager.Sync(); err != nil {
		return err
	}
	return s.log.Sync()
}

// FullSync syncs, then compacts each registry to its dense on-disk
// table and clears the WAL. Locks are acquired in the fixed order
// page -> section -> index to avoid deadlock, matching the order
// Save is called in below.
func (s *Store) FullSync() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recoverIO(&err)

	if err := s.pager.Sync(); err != nil {
		return err
	}
	if err := s.log.Sync(); err != nil {
		return err
	}
	if err := s.pages.Save(); err != nil {
		return err
	}
	if err := s.sections.Save(); err != nil {
		return err
	}
	if err := s.indexes.Save(); err != nil {
		return err
	}
	return s.log.Clear()
}

// Close releases the store's open file descriptors. It does not sync.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, f := range []*os.File{s.pagesFile, s.walFile, s.pagesRegFile, s.sectionsRegFile, s.indexesRegFile} {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats reports the current size of the page and index registries, a
// rough proxy for on-disk footprint and bloom-filter fan-out.
type Stats struct {
	PagesAssigned int
	IndexChunks   int
}

// Stats snapshots the registry sizes under the store's lock.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		PagesAssigned: s.pages.Count(),
		IndexChunks:   s.indexes.Count(),
	}
}

func (s *Store) recoverIO(err *error) {
	if r := recover(); r != nil {
		s.logger.Error("recovered panic in store critical section", zap.Any("panic", r))
		*err = fmt.Errorf("%w: %v", ErrIO, r)
	}
}
