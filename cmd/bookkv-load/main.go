package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"go.uber.org/zap"

	"github.com/bookkv/bookkv/internal/pkg/logging"
	"github.com/bookkv/bookkv/internal/store"
)

const defaultDir = "db"

func main() {
	count := flag.Int("n", 10000, "number of synthetic key/value pairs to insert")
	dir := flag.String("dir", defaultDir, "store directory")
	flag.Parse()

	logConf := logging.DefaultConfig()

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	l, err := logging.ParseLevel(level)
	if err != nil {
		panic(err)
	}
	logConf.Level = zap.NewAtomicLevelAt(l)

	logger, err := logConf.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() // flushes buffer, if any

	s, err := store.Open(*dir, store.Config{
		PageSize:       4096,
		SectionCount:   64,
		IndexChunkSize: 4096,
	}, logger)
	if err != nil {
		panic(err)
	}
	defer s.Close()

	start := time.Now()
	for i := 0; i < *count; i++ {
		key := []byte(gofakeit.UUID())
		value := []byte(gofakeit.Sentence(8))
		if err := s.Insert(key, value); err != nil {
			logger.Fatal("insert failed", zap.Int("i", i), zap.Error(err))
		}
	}

	if err := s.FullSync(); err != nil {
		logger.Fatal("full sync failed", zap.Error(err))
	}

	stats := s.Stats()
	logger.Info("seeded store",
		zap.Int("count", *count),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("pages_assigned", stats.PagesAssigned),
		zap.Int("index_chunks", stats.IndexChunks),
	)
	fmt.Printf("inserted %d entries into %s in %s (%d pages, %d index chunks)\n",
		*count, *dir, time.Since(start), stats.PagesAssigned, stats.IndexChunks)
}
