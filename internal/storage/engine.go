package storage

import (
	"path/filepath"
	"sync/atomic"

	kvErr "github.com/sajjad-MoBe/corecache/internal/errors"
	"github.com/sajjad-MoBe/corecache/internal/shared"
	"github.com/sajjad-MoBe/corecache/internal/wal"
)

// Options configures an Engine
type Options struct {
	Dir     string
	SyncWAL bool
	Logger  *shared.Logger
}

// Stats tracks storage engine counters
type Stats struct {
	BufferHits  int64
	SegmentHits int64
	Misses      int64
	WriteCount  int64
	DeleteCount int64
	FlushCount  int64
	ErrorCount  int64
}

// Engine is the per-node read/write API: a WriteBuffer in front of a
// SegmentStore.
type Engine struct {
	buffer   *WriteBuffer
	segments *SegmentStore
	wal      *wal.Manager
	clock    *Clock
	logger   *shared.Logger
	stats    Stats
	closed   atomic.Bool
}

// Open loads existing segments from opts.Dir and replays the WAL into the
// write buffer.
func Open(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = shared.DefaultLogger
	}
	clock := NewClock()

	segments, err := OpenSegmentStore(opts.Dir, clock, logger)
	if err != nil {
		return nil, err
	}

	log, err := wal.NewManager(filepath.Join(opts.Dir, "wal"), wal.Config{SyncWrites: opts.SyncWAL}, logger)
	if err != nil {
		segments.Close()
		return nil, kvErr.Storage("failed to open WAL", err)
	}

	e := &Engine{
		buffer:   NewWriteBuffer(log, logger),
		segments: segments,
		wal:      log,
		clock:    clock,
		logger:   logger.WithComponent("engine"),
	}

	replayed, err := log.Recover(func(entry *wal.Entry) error {
		clock.Observe(entry.Timestamp)
		e.buffer.restore(Record{
			Key:       entry.Key,
			Value:     entry.Value,
			Timestamp: entry.Timestamp,
			Deleted:   entry.Deleted,
		})
		return nil
	})
	if err != nil {
		log.Close()
		segments.Close()
		return nil, kvErr.Storage("failed to replay WAL", err)
	}
	if replayed > 0 {
		e.logger.Info("replayed %d WAL entries into the write buffer", replayed)
	}
	return e, nil
}

// Get returns the newest live version of key from the buffer, falling back
// to segments. A segment hit is cached in the buffer.
func (e *Engine) Get(key string) (Record, error) {
	gen := e.buffer.flushGeneration()
	if r, ok := e.buffer.Lookup(key); ok {
		if r.Deleted {
			atomic.AddInt64(&e.stats.Misses, 1)
			return Record{}, kvErr.NotFound(key)
		}
		atomic.AddInt64(&e.stats.BufferHits, 1)
		return r, nil
	}

	r, err := e.segments.Get(key)
	if err != nil {
		if kvErr.IsNotFound(err) {
			atomic.AddInt64(&e.stats.Misses, 1)
		} else {
			atomic.AddInt64(&e.stats.ErrorCount, 1)
			e.logger.Error("segment read for %q failed: %v", key, err)
		}
		return Record{}, err
	}

	e.buffer.warm(r, gen)
	atomic.AddInt64(&e.stats.SegmentHits, 1)
	if r.Deleted {
		return Record{}, kvErr.NotFound(key)
	}
	return r, nil
}

// Put writes r into the buffer, stamping it when it carries no timestamp.
// The stored record is returned.
func (e *Engine) Put(r Record) (Record, error) {
	if r.Key == "" {
		return Record{}, kvErr.New(kvErr.ErrorTypeInvalidInput, "key cannot be empty", nil)
	}
	if r.Timestamp == 0 {
		r.Timestamp = e.clock.Next()
	} else {
		e.clock.Observe(r.Timestamp)
	}

	if err := e.buffer.Put(r); err != nil {
		atomic.AddInt64(&e.stats.ErrorCount, 1)
		return Record{}, err
	}
	if r.Deleted {
		atomic.AddInt64(&e.stats.DeleteCount, 1)
	} else {
		atomic.AddInt64(&e.stats.WriteCount, 1)
	}
	return r, nil
}

// Delete writes a tombstone for key. It fails with NOT_FOUND when there is
// no live version to delete.
func (e *Engine) Delete(key string) (Record, error) {
	if _, err := e.Get(key); err != nil {
		return Record{}, err
	}
	return e.Put(Tombstone(key, e.clock.Next()))
}

// Flush drains the write buffer into a new segment. It returns nil when the
// buffer was empty.
func (e *Engine) Flush() (*Segment, error) {
	seg, err := e.buffer.Flush(e.segments)
	if err != nil {
		atomic.AddInt64(&e.stats.ErrorCount, 1)
		return nil, err
	}
	if seg != nil {
		atomic.AddInt64(&e.stats.FlushCount, 1)
	}
	return seg, nil
}

// BufferSize returns the number of keys awaiting flush
func (e *Engine) BufferSize() int {
	return e.buffer.Size()
}

// SegmentCount returns the number of live segments
func (e *Engine) SegmentCount() int {
	return e.segments.Count()
}

// Segments exposes the segment store to the compactor
func (e *Engine) Segments() *SegmentStore {
	return e.segments
}

// Clock returns the engine's timestamp source
func (e *Engine) Clock() *Clock {
	return e.clock
}

// Stats returns a snapshot of the engine counters
func (e *Engine) Stats() Stats {
	return Stats{
		BufferHits:  atomic.LoadInt64(&e.stats.BufferHits),
		SegmentHits: atomic.LoadInt64(&e.stats.SegmentHits),
		Misses:      atomic.LoadInt64(&e.stats.Misses),
		WriteCount:  atomic.LoadInt64(&e.stats.WriteCount),
		DeleteCount: atomic.LoadInt64(&e.stats.DeleteCount),
		FlushCount:  atomic.LoadInt64(&e.stats.FlushCount),
		ErrorCount:  atomic.LoadInt64(&e.stats.ErrorCount),
	}
}

// Close flushes the buffer and releases files. The WAL keeps anything a
// failed final flush could not write.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	_, flushErr := e.Flush()
	if flushErr != nil {
		e.logger.Error("final flush failed, buffered writes remain in the WAL: %v", flushErr)
	}
	walErr := e.wal.Close()
	segErr := e.segments.Close()

	switch {
	case flushErr != nil:
		return flushErr
	case walErr != nil:
		return kvErr.Storage("failed to close WAL", walErr)
	case segErr != nil:
		return kvErr.Storage("failed to close segments", segErr)
	}
	return nil
}
