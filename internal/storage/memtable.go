package storage

import (
	"sort"
	"sync"

	kvErr "github.com/sajjad-MoBe/corecache/internal/errors"
	"github.com/sajjad-MoBe/corecache/internal/shared"
	"github.com/sajjad-MoBe/corecache/internal/wal"
)

// SegmentSink persists a sorted batch of records as a new segment
type SegmentSink interface {
	WriteSegment(records []Record) (*Segment, error)
}

// WriteBuffer holds the most recent unflushed records keyed by record key.
// While a flush is writing, its snapshot stays readable until the new
// segment is visible.
type WriteBuffer struct {
	mutex    sync.RWMutex
	active   map[string]Record
	flushing map[string]Record
	// flushGen counts flushes whose segment became visible
	flushGen uint64

	flushMu sync.Mutex
	wal     *wal.Manager
	logger  *shared.Logger
}

// NewWriteBuffer creates an empty buffer. log may be nil to run without a WAL.
func NewWriteBuffer(log *wal.Manager, logger *shared.Logger) *WriteBuffer {
	if logger == nil {
		logger = shared.DefaultLogger
	}
	return &WriteBuffer{
		active: make(map[string]Record),
		wal:    log,
		logger: logger.WithComponent("memtable"),
	}
}

// Put upserts r. The last write into the buffer wins for its key.
func (b *WriteBuffer) Put(r Record) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.wal != nil {
		entry := &wal.Entry{Key: r.Key, Value: r.Value, Timestamp: r.Timestamp, Deleted: r.Deleted}
		if err := b.wal.Append(entry); err != nil {
			return kvErr.Storage("failed to append to WAL", err)
		}
	}
	b.active[r.Key] = r
	return nil
}

// restore inserts a replayed record without logging it again
func (b *WriteBuffer) restore(r Record) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if cur, ok := b.active[r.Key]; ok && cur.NewerThan(r) {
		return
	}
	b.active[r.Key] = r
}

// flushGeneration returns the current flush generation. A reader takes it
// before consulting the buffer and hands it to warm.
func (b *WriteBuffer) flushGeneration() uint64 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.flushGen
}

// warm caches a record read from a segment unless the buffer already has a
// version of that key, or a flush completed since gen was taken and r may
// be older than the segment it produced.
func (b *WriteBuffer) warm(r Record, gen uint64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.flushGen != gen {
		return
	}
	if _, ok := b.active[r.Key]; ok {
		return
	}
	if _, ok := b.flushing[r.Key]; ok {
		return
	}
	b.active[r.Key] = r
}

// Lookup returns the buffered version of key, tombstones included
func (b *WriteBuffer) Lookup(key string) (Record, bool) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if r, ok := b.active[key]; ok {
		return r, true
	}
	r, ok := b.flushing[key]
	return r, ok
}

// Get returns the buffered record for key. An absent or tombstoned key is
// NOT_FOUND.
func (b *WriteBuffer) Get(key string) (Record, error) {
	r, ok := b.Lookup(key)
	if !ok || r.Deleted {
		return Record{}, kvErr.NotFound(key)
	}
	return r, nil
}

// Size returns the number of distinct keys awaiting flush
func (b *WriteBuffer) Size() int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return len(b.active)
}

// Flush snapshots and clears the buffer, then writes the snapshot to dest
// sorted by key. An empty buffer produces no segment. If writing fails the
// snapshot is merged back for every key not rewritten in the meantime.
func (b *WriteBuffer) Flush(dest SegmentSink) (*Segment, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mutex.Lock()
	if len(b.active) == 0 {
		b.mutex.Unlock()
		return nil, nil
	}
	var sealed []string
	if b.wal != nil {
		var err error
		if sealed, err = b.wal.Seal(); err != nil {
			b.mutex.Unlock()
			return nil, kvErr.Storage("failed to seal WAL", err)
		}
	}
	snapshot := b.active
	b.active = make(map[string]Record)
	b.flushing = snapshot
	b.mutex.Unlock()

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		records = append(records, snapshot[k])
	}

	seg, err := dest.WriteSegment(records)

	b.mutex.Lock()
	if err != nil {
		for k, r := range snapshot {
			if _, ok := b.active[k]; !ok {
				b.active[k] = r
			}
		}
	} else {
		b.flushGen++
	}
	b.flushing = nil
	b.mutex.Unlock()

	if err != nil {
		b.logger.Error("flush of %d record(s) failed: %v", len(records), err)
		return nil, err
	}

	if b.wal != nil {
		if err := b.wal.Remove(sealed); err != nil {
			// the segment is durable; stale WAL files only replay duplicates
			b.logger.Warn("failed to remove flushed WAL files: %v", err)
		}
	}
	b.logger.Info("flushed %d record(s) to segment %s", len(records), seg.ID)
	return seg, nil
}
