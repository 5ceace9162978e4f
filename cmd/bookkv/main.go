package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/bookkv/bookkv/internal/hashtable"
	"github.com/bookkv/bookkv/internal/pkg/logging"
	"github.com/bookkv/bookkv/internal/store"
)

const cliName string = "bookkv"

func printPrompt() {
	fmt.Print(cliName, "> ")
}

func sanitizeReplInput(input string) string {
	return strings.TrimSpace(input)
}

type metaCommand int

const (
	Unknown metaCommand = iota + 1
	Help
	Exit
)

func isMetaCommand(inputBuffer string) bool {
	return len(inputBuffer) > 0 && inputBuffer[:1] == "."
}

func doMetaCommand(inputBuffer string) metaCommand {
	switch inputBuffer {
	case "help":
		return Help
	case "exit":
		return Exit
	default:
		return Unknown
	}
}

const defaultDir = "db"

func main() {
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

	// TODO - hardcoded directory and layout for now
	s, err := store.Open(defaultDir, store.Config{
		PageSize:       4096,
		SectionCount:   64,
		IndexChunkSize: 4096,
	}, logger)
	if err != nil {
		panic(err)
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	done := make(chan struct{})

	go func() {
		defer wg.Done()
		defer close(done)
		reader := bufio.NewScanner(os.Stdin)
		printPrompt()

		for reader.Scan() {
			inputBuffer := sanitizeReplInput(reader.Text())
			if isMetaCommand(inputBuffer) {
				switch doMetaCommand(inputBuffer[1:]) {
				case Help:
					fmt.Println(".help  - Show available commands")
					fmt.Println(".exit  - Closes program")
				case Exit:
					return
				case Unknown:
					fmt.Printf("Unrecognized meta command: %s\n", inputBuffer)
				}
			} else {
				runCommand(s, inputBuffer)
			}
			printPrompt()
		}
		fmt.Println()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-done:
	}

	if err := s.FullSync(); err != nil {
		fmt.Printf("error syncing store: %s\n", err)
	}
	if err := s.Close(); err != nil {
		fmt.Printf("error closing store: %s\n", err)
	}

	wg.Wait()
}

// runCommand parses and executes one of: insert <key> <value>,
// scan-key <key>, scan.
func runCommand(s *store.Store, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "insert":
		if len(fields) != 3 {
			fmt.Println("usage: insert <key> <value>")
			return
		}
		if err := s.Insert([]byte(fields[1]), []byte(fields[2])); err != nil {
			fmt.Printf("error: %s\n", err)
			return
		}
		fmt.Println("OK")
	case "scan-key":
		if len(fields) != 2 {
			fmt.Println("usage: scan-key <key>")
			return
		}
		printEntries(s, hashtable.Key([]byte(fields[1])))
	case "scan":
		printEntries(s, hashtable.All())
	default:
		fmt.Printf("Unrecognized command: %s\n", fields[0])
	}
}

func printEntries(s *store.Store, filter hashtable.Filter) {
	scanner, err := s.Scan(filter)
	if err != nil {
		fmt.Printf("error: %s\n", err)
		return
	}

	printColumnHeader(os.Stdout)
	for {
		entry, err := scanner.Next()
		if err != nil {
			fmt.Printf("error: %s\n", err)
			return
		}
		if entry == nil {
			return
		}
		keyReader, err := entry.Key()
		if err != nil {
			fmt.Printf("error: %s\n", err)
			return
		}
		valueReader, err := entry.Value()
		if err != nil {
			fmt.Printf("error: %s\n", err)
			return
		}
		key, err := io.ReadAll(keyReader)
		if err != nil {
			fmt.Printf("error: %s\n", err)
			return
		}
		value, err := io.ReadAll(valueReader)
		if err != nil {
			fmt.Printf("error: %s\n", err)
			return
		}
		printColumnRow(os.Stdout, string(key), string(value))
	}
}

func printColumnHeader(w io.Writer) {
	fmt.Fprintf(w, "%-24s | %-24s\n", "key", "value")
	fmt.Fprintln(w, strings.Repeat("-", 51))
}

func printColumnRow(w io.Writer, key, value string) {
	fmt.Fprintf(w, "%-24s | %-24s\n", key, value)
}
