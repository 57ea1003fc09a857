package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	kvErr "github.com/sajjad-MoBe/corecache/internal/errors"
	"github.com/sajjad-MoBe/corecache/internal/shared"
)

const (
	dataSuffix    = ".data"
	indexSuffix   = ".index"
	tmpSuffix     = ".tmp"
	retiredSuffix = ".compacted"
)

// IndexEntry locates one record inside a segment data file
type IndexEntry struct {
	Start     int64 `json:"start"`
	End       int64 `json:"end"`
	Timestamp int64 `json:"timestamp"`
	Deleted   bool  `json:"deleted"`
}

// SegmentID orders segments by recency. Flushes take a fresh Seq from the
// clock; a compaction output reuses the newest input's Seq with the next Gen
// so it sorts after its inputs and before any later flush.
type SegmentID struct {
	Seq uint64
	Gen uint32
}

func (id SegmentID) String() string {
	return fmt.Sprintf("%020d-%04d", id.Seq, id.Gen)
}

// Less reports whether id is older than other
func (id SegmentID) Less(other SegmentID) bool {
	if id.Seq != other.Seq {
		return id.Seq < other.Seq
	}
	return id.Gen < other.Gen
}

func parseSegmentID(base string) (SegmentID, error) {
	seqPart, genPart, ok := strings.Cut(base, "-")
	if !ok {
		return SegmentID{}, fmt.Errorf("invalid segment name %q", base)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return SegmentID{}, fmt.Errorf("invalid segment name %q: %w", base, err)
	}
	gen, err := strconv.ParseUint(genPart, 10, 32)
	if err != nil {
		return SegmentID{}, fmt.Errorf("invalid segment name %q: %w", base, err)
	}
	return SegmentID{Seq: seq, Gen: uint32(gen)}, nil
}

// Segment is an immutable data/index file pair
type Segment struct {
	ID        SegmentID
	DataPath  string
	IndexPath string

	index map[string]IndexEntry
	data  *os.File
	size  int64
}

// Len returns the number of keys in the segment, tombstones included
func (s *Segment) Len() int {
	return len(s.index)
}

// Index returns a copy of the segment index
func (s *Segment) Index() map[string]IndexEntry {
	out := make(map[string]IndexEntry, len(s.index))
	for k, v := range s.index {
		out[k] = v
	}
	return out
}

// Entry returns the index entry for key
func (s *Segment) Entry(key string) (IndexEntry, bool) {
	e, ok := s.index[key]
	return e, ok
}

// ReadRecord reads and decodes the record at entry
func (s *Segment) ReadRecord(entry IndexEntry) (Record, error) {
	if entry.Start < 0 || entry.End < entry.Start || entry.End > s.size {
		return Record{}, kvErr.Storage(fmt.Sprintf("invalid range [%d,%d) in %s of %d bytes", entry.Start, entry.End, s.ID, s.size), nil)
	}
	buf := make([]byte, entry.End-entry.Start)
	if _, err := s.data.ReadAt(buf, entry.Start); err != nil {
		return Record{}, kvErr.Storage("failed to read segment "+s.ID.String(), err)
	}
	rec, err := DecodeRecord(buf)
	if err != nil {
		return Record{}, kvErr.Storage("failed to decode record in segment "+s.ID.String(), err)
	}
	return rec, nil
}

func (s *Segment) close() error {
	if s.data == nil {
		return nil
	}
	err := s.data.Close()
	s.data = nil
	return err
}

func (s *Segment) retire() error {
	if err := s.close(); err != nil {
		return err
	}
	if err := os.Rename(s.DataPath, s.DataPath+retiredSuffix); err != nil {
		return err
	}
	return os.Rename(s.IndexPath, s.IndexPath+retiredSuffix)
}

// SegmentStore is the read path over all live segments. Segment files never
// change; only the set of known segments is guarded.
type SegmentStore struct {
	dir      string
	clock    *Clock
	logger   *shared.Logger
	mu       sync.RWMutex
	segments []*Segment // oldest first
}

// OpenSegmentStore loads every segment found in dir
func OpenSegmentStore(dir string, clock *Clock, logger *shared.Logger) (*SegmentStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, kvErr.Storage("failed to create data directory", err)
	}
	if logger == nil {
		logger = shared.DefaultLogger
	}

	s := &SegmentStore{
		dir:    dir,
		clock:  clock,
		logger: logger.WithComponent("segments"),
	}

	indexes, err := filepath.Glob(filepath.Join(dir, "*"+indexSuffix))
	if err != nil {
		return nil, kvErr.Storage("failed to list index files", err)
	}
	if err := s.removeIncomplete(indexes); err != nil {
		return nil, err
	}
	for _, indexPath := range indexes {
		base := strings.TrimSuffix(filepath.Base(indexPath), indexSuffix)
		id, err := parseSegmentID(base)
		if err != nil {
			s.logger.Warn("skipping unrecognised index file %s", filepath.Base(indexPath))
			continue
		}
		seg, err := openSegment(dir, id)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.segments = append(s.segments, seg)
		clock.Observe(int64(id.Seq))
		for _, e := range seg.index {
			clock.Observe(e.Timestamp)
		}
	}
	sort.Slice(s.segments, func(i, j int) bool {
		return s.segments[i].ID.Less(s.segments[j].ID)
	})

	s.logger.Info("loaded %d segment(s) from %s", len(s.segments), dir)
	return s, nil
}

// removeIncomplete deletes leftovers of a segment write that never finished:
// temporary files, and data files whose index was never written.
func (s *SegmentStore) removeIncomplete(indexes []string) error {
	tmps, err := filepath.Glob(filepath.Join(s.dir, "*"+tmpSuffix))
	if err != nil {
		return kvErr.Storage("failed to list temporary files", err)
	}
	datas, err := filepath.Glob(filepath.Join(s.dir, "*"+dataSuffix))
	if err != nil {
		return kvErr.Storage("failed to list data files", err)
	}

	indexed := make(map[string]bool, len(indexes))
	for _, indexPath := range indexes {
		indexed[strings.TrimSuffix(indexPath, indexSuffix)] = true
	}
	orphans := tmps
	for _, dataPath := range datas {
		if !indexed[strings.TrimSuffix(dataPath, dataSuffix)] {
			orphans = append(orphans, dataPath)
		}
	}

	for _, orphan := range orphans {
		s.logger.Warn("removing incomplete segment file %s", filepath.Base(orphan))
		if err := os.Remove(orphan); err != nil && !os.IsNotExist(err) {
			s.logger.Error("failed to remove %s: %v", filepath.Base(orphan), err)
		}
	}
	return nil
}

func segmentPaths(dir string, id SegmentID) (string, string) {
	base := filepath.Join(dir, id.String())
	return base + dataSuffix, base + indexSuffix
}

func openSegment(dir string, id SegmentID) (*Segment, error) {
	dataPath, indexPath := segmentPaths(dir, id)

	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, kvErr.Storage("failed to read index "+filepath.Base(indexPath), err)
	}
	var index map[string]IndexEntry
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, kvErr.Storage("malformed index "+filepath.Base(indexPath), err)
	}
	if index == nil {
		index = make(map[string]IndexEntry)
	}

	data, err := os.Open(dataPath)
	if err != nil {
		return nil, kvErr.Storage("failed to open data file "+filepath.Base(dataPath), err)
	}
	info, err := data.Stat()
	if err != nil {
		data.Close()
		return nil, kvErr.Storage("failed to stat data file "+filepath.Base(dataPath), err)
	}

	return &Segment{
		ID:        id,
		DataPath:  dataPath,
		IndexPath: indexPath,
		index:     index,
		data:      data,
		size:      info.Size(),
	}, nil
}

// createSegment writes a segment durably: the data file, then the index,
// each through a synced temporary file renamed into place. The index is what
// makes a segment visible on reload, so it lands last.
func createSegment(dir string, id SegmentID, fill func(w io.Writer) (map[string]IndexEntry, error)) (*Segment, error) {
	dataPath, indexPath := segmentPaths(dir, id)

	index, err := writeFileAtomic(dataPath, func(f *os.File) (map[string]IndexEntry, error) {
		w := bufio.NewWriter(f)
		idx, err := fill(w)
		if err != nil {
			return nil, err
		}
		return idx, w.Flush()
	})
	if err != nil {
		return nil, kvErr.Storage("failed to write data file for segment "+id.String(), err)
	}

	raw, err := json.Marshal(index)
	if err != nil {
		os.Remove(dataPath)
		return nil, kvErr.Storage("failed to encode index for segment "+id.String(), err)
	}
	if _, err := writeFileAtomic(indexPath, func(f *os.File) (map[string]IndexEntry, error) {
		_, err := f.Write(raw)
		return nil, err
	}); err != nil {
		os.Remove(dataPath)
		return nil, kvErr.Storage("failed to write index file for segment "+id.String(), err)
	}
	syncDir(dir)

	return openSegment(dir, id)
}

func writeFileAtomic(path string, write func(f *os.File) (map[string]IndexEntry, error)) (map[string]IndexEntry, error) {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	out, err := write(f)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	return out, nil
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
}

// Get scans segments newest first and stops at the first one indexing key.
// A tombstone there is authoritative.
func (s *SegmentStore) Get(key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.segments) - 1; i >= 0; i-- {
		seg := s.segments[i]
		entry, ok := seg.index[key]
		if !ok {
			continue
		}
		if entry.Deleted {
			return Record{}, kvErr.NotFound(key)
		}
		rec, err := seg.ReadRecord(entry)
		if err != nil {
			return Record{}, err
		}
		if rec.Key != key {
			return Record{}, kvErr.Storage(fmt.Sprintf("index of %s points %q at a record for %q", seg.ID, key, rec.Key), nil)
		}
		return rec, nil
	}
	return Record{}, kvErr.NotFound(key)
}

// WriteSegment persists records, which must be sorted by key, as a new
// segment and makes it visible to readers.
func (s *SegmentStore) WriteSegment(records []Record) (*Segment, error) {
	id := SegmentID{Seq: uint64(s.clock.Next())}

	seg, err := createSegment(s.dir, id, func(w io.Writer) (map[string]IndexEntry, error) {
		index := make(map[string]IndexEntry, len(records))
		var offset int64
		for _, rec := range records {
			encoded := EncodeRecord(rec)
			if _, err := w.Write(encoded); err != nil {
				return nil, err
			}
			index[rec.Key] = IndexEntry{
				Start:     offset,
				End:       offset + int64(len(encoded)),
				Timestamp: rec.Timestamp,
				Deleted:   rec.Deleted,
			}
			offset += int64(len(encoded))
		}
		return index, nil
	})
	if err != nil {
		return nil, err
	}

	s.add(seg)
	return seg, nil
}

func (s *SegmentStore) add(seg *Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.segments = append(s.segments, seg)
	sort.Slice(s.segments, func(i, j int) bool {
		return s.segments[i].ID.Less(s.segments[j].ID)
	})
}

// Replace swaps inputs for merged in the live set. Once it returns no reader
// can still hold one of the inputs.
func (s *SegmentStore) Replace(inputs []*Segment, merged *Segment) {
	retired := make(map[SegmentID]bool, len(inputs))
	for _, in := range inputs {
		retired[in.ID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]*Segment, 0, len(s.segments)-len(inputs)+1)
	for _, seg := range s.segments {
		if !retired[seg.ID] {
			kept = append(kept, seg)
		}
	}
	kept = append(kept, merged)
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].ID.Less(kept[j].ID)
	})
	s.segments = kept
}

// Segments returns the live segments, oldest first
func (s *SegmentStore) Segments() []*Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Count returns the number of live segments
func (s *SegmentStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

// Dir returns the data directory
func (s *SegmentStore) Dir() string {
	return s.dir
}

// Close releases every open data file
func (s *SegmentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, seg := range s.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
