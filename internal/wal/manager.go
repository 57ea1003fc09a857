package wal

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sajjad-MoBe/corecache/internal/shared"
)

// Entry is a single buffered write as persisted in the log
type Entry struct {
	Key       string
	Value     string
	Timestamp int64
	Deleted   bool
}

// Config contains configuration for WAL management
type Config struct {
	// SyncWrites fsyncs the active file after every append.
	SyncWrites bool
}

// Metrics tracks operational metrics for the WAL
type Metrics struct {
	TotalEntries     int64
	CurrentEntries   int64
	RotationCount    int64
	LastRotationTime time.Time
	ErrorCount       int64
}

// Manager owns the WAL files of one write buffer. Appends go to the active
// file; Seal starts a new active file and hands back the older ones so they
// can be removed once their contents are durable elsewhere.
type Manager struct {
	config  Config
	dir     string
	logger  *shared.Logger
	current *os.File
	encoder *gob.Encoder
	seq     uint64
	metrics Metrics
	mutex   sync.Mutex
	closed  bool
}

const (
	filePrefix = "wal-"
	fileSuffix = ".log"
)

// NewManager opens the WAL directory, creating it if needed, and starts a
// fresh active file after any existing ones.
func NewManager(dir string, config Config, logger *shared.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	if logger == nil {
		logger = shared.DefaultLogger
	}

	m := &Manager{
		config: config,
		dir:    dir,
		logger: logger.WithComponent("wal"),
	}

	files, err := m.files()
	if err != nil {
		return nil, err
	}
	if len(files) > 0 {
		last, _ := parseSeq(files[len(files)-1])
		m.seq = last
	}

	if err := m.rotate(); err != nil {
		return nil, fmt.Errorf("failed to create initial WAL file: %w", err)
	}
	return m, nil
}

// Append writes an entry to the active file
func (m *Manager) Append(entry *Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return errors.New("wal is closed")
	}

	if err := m.encoder.Encode(entry); err != nil {
		m.metrics.ErrorCount++
		return fmt.Errorf("failed to encode WAL entry: %w", err)
	}
	if m.config.SyncWrites {
		if err := m.current.Sync(); err != nil {
			m.metrics.ErrorCount++
			return fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	m.metrics.TotalEntries++
	m.metrics.CurrentEntries++
	return nil
}

// Seal closes the active file, opens a new one and returns the paths of every
// file that precedes the new active file.
func (m *Manager) Seal() ([]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil, errors.New("wal is closed")
	}
	if err := m.rotate(); err != nil {
		m.metrics.ErrorCount++
		return nil, err
	}

	files, err := m.files()
	if err != nil {
		return nil, err
	}
	// the last file is the new active one
	return files[:len(files)-1], nil
}

// Remove deletes sealed files
func (m *Manager) Remove(paths []string) error {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove WAL file %s: %w", path, err)
		}
	}
	return nil
}

func (m *Manager) rotate() error {
	if m.current != nil {
		if err := m.current.Sync(); err != nil {
			return fmt.Errorf("failed to sync current WAL file: %w", err)
		}
		if err := m.current.Close(); err != nil {
			return fmt.Errorf("failed to close current WAL file: %w", err)
		}
	}

	m.seq++
	filename := filepath.Join(m.dir, fmt.Sprintf("%s%020d%s", filePrefix, m.seq, fileSuffix))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create new WAL file: %w", err)
	}

	m.current = file
	m.encoder = gob.NewEncoder(file)
	m.metrics.CurrentEntries = 0
	m.metrics.RotationCount++
	m.metrics.LastRotationTime = time.Now()
	return nil
}

func (m *Manager) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(m.dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func parseSeq(path string) (uint64, error) {
	name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), filePrefix), fileSuffix)
	return strconv.ParseUint(name, 10, 64)
}

// Recover replays every entry of every WAL file in write order. A truncated
// final entry, left by a crash mid-append, ends replay of that file.
func (m *Manager) Recover(handler func(*Entry) error) (int, error) {
	m.mutex.Lock()
	files, err := m.files()
	m.mutex.Unlock()
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, file := range files {
		n, err := m.replayFile(file, handler)
		replayed += n
		if err != nil {
			return replayed, fmt.Errorf("failed to replay WAL file %s: %w", file, err)
		}
	}
	return replayed, nil
}

func (m *Manager) replayFile(path string, handler func(*Entry) error) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open WAL file: %w", err)
	}
	defer file.Close()

	decoder := gob.NewDecoder(file)
	n := 0
	for {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				m.logger.Warn("truncated entry at the end of %s, ignoring it", filepath.Base(path))
				return n, nil
			}
			return n, fmt.Errorf("failed to decode WAL entry: %w", err)
		}

		if err := handler(&entry); err != nil {
			return n, fmt.Errorf("failed to handle WAL entry: %w", err)
		}
		n++
	}
}

// GetMetrics returns the current WAL metrics
func (m *Manager) GetMetrics() *Metrics {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	snapshot := m.metrics
	return &snapshot
}

// Close closes the active file
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.current.Sync(); err != nil {
		m.current.Close()
		return fmt.Errorf("failed to sync WAL file: %w", err)
	}
	return m.current.Close()
}
