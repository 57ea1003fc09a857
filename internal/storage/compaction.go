package storage

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	kvErr "github.com/sajjad-MoBe/corecache/internal/errors"
	"github.com/sajjad-MoBe/corecache/internal/shared"
)

// CompactionState is the phase a compaction cycle is in
type CompactionState int32

const (
	CompactionIdle CompactionState = iota
	CompactionPreparing
	CompactionMerging
	CompactionFinalizing
)

func (s CompactionState) String() string {
	switch s {
	case CompactionIdle:
		return "idle"
	case CompactionPreparing:
		return "preparing"
	case CompactionMerging:
		return "merging"
	case CompactionFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CompactionResult describes one finished compaction
type CompactionResult struct {
	Inputs            []SegmentID
	Output            SegmentID
	LiveKeys          int
	DroppedTombstones int
	Duration          time.Duration
}

// CompactionEngine merges all live segments into one once their number
// reaches a threshold.
type CompactionEngine struct {
	store     *SegmentStore
	threshold int
	logger    *shared.Logger

	state          atomic.Int32
	mu             sync.RWMutex
	lastCompaction time.Time
	runs           int64
}

// NewCompactionEngine creates a compactor over store
func NewCompactionEngine(store *SegmentStore, threshold int, logger *shared.Logger) *CompactionEngine {
	if logger == nil {
		logger = shared.DefaultLogger
	}
	return &CompactionEngine{
		store:     store,
		threshold: threshold,
		logger:    logger.WithComponent("compaction"),
	}
}

// CanCompact reports whether enough segments exist
func (c *CompactionEngine) CanCompact() bool {
	return c.store.Count() >= c.threshold
}

// State returns the current phase
func (c *CompactionEngine) State() CompactionState {
	return CompactionState(c.state.Load())
}

func (c *CompactionEngine) setState(s CompactionState) {
	c.state.Store(int32(s))
}

// Compact runs one cycle. It returns a nil result when there is nothing to
// compact. Any failure leaves the input segments live and untouched.
func (c *CompactionEngine) Compact() (*CompactionResult, error) {
	if !c.state.CompareAndSwap(int32(CompactionIdle), int32(CompactionPreparing)) {
		return nil, kvErr.New(kvErr.ErrorTypeInternal, "compaction already running", nil)
	}
	defer c.setState(CompactionIdle)

	inputs := c.store.Segments()
	if len(inputs) < c.threshold {
		return nil, nil
	}
	start := time.Now()
	c.logger.Info("compacting %d segment(s)", len(inputs))

	kept, dropped := prepareData(inputs)

	c.setState(CompactionMerging)
	merged, err := c.createCompactedFiles(inputs, kept)
	if err != nil {
		c.logger.Error("compaction aborted: %v", err)
		return nil, err
	}

	c.setState(CompactionFinalizing)
	c.store.Replace(inputs, merged)
	var retireErr error
	for _, in := range inputs {
		if err := in.retire(); err != nil && retireErr == nil {
			retireErr = kvErr.Storage("failed to retire segment "+in.ID.String(), err)
		}
	}
	if retireErr != nil {
		// merged already shadows the inputs, so reads stay correct
		c.logger.Error("%v", retireErr)
		return nil, retireErr
	}

	result := &CompactionResult{
		Output:            merged.ID,
		LiveKeys:          merged.Len(),
		DroppedTombstones: dropped,
		Duration:          time.Since(start),
	}
	for _, in := range inputs {
		result.Inputs = append(result.Inputs, in.ID)
	}

	c.mu.Lock()
	c.lastCompaction = time.Now()
	c.runs++
	c.mu.Unlock()

	c.logger.Info("compacted %d segment(s) into %s: %d live key(s), %d tombstone(s) dropped in %s",
		len(inputs), merged.ID, result.LiveKeys, dropped, result.Duration)
	return result, nil
}

// keptEntry is the surviving version of a key and the segment holding its bytes
type keptEntry struct {
	entry  IndexEntry
	source *Segment
}

// prepareData scans the input indexes oldest to newest and keeps, per key,
// the version with the greatest timestamp; on equal timestamps the newer
// segment wins. Keys whose surviving version is a tombstone are dropped, which
// is safe because every live segment is an input.
func prepareData(inputs []*Segment) (map[string]keptEntry, int) {
	newest := make(map[string]keptEntry)
	for _, seg := range inputs {
		for key, entry := range seg.index {
			cur, seen := newest[key]
			if !seen || entry.Timestamp >= cur.entry.Timestamp {
				newest[key] = keptEntry{entry: entry, source: seg}
			}
		}
	}

	dropped := 0
	for key, k := range newest {
		if k.entry.Deleted {
			delete(newest, key)
			dropped++
		}
	}
	return newest, dropped
}

// createCompactedFiles opens each referenced source data file once and
// copies the kept byte ranges into one new segment, recomputing offsets.
func (c *CompactionEngine) createCompactedFiles(inputs []*Segment, kept map[string]keptEntry) (*Segment, error) {
	bySource := make(map[SegmentID][]string)
	for key, k := range kept {
		bySource[k.source.ID] = append(bySource[k.source.ID], key)
	}

	newestInput := inputs[len(inputs)-1].ID
	id := SegmentID{Seq: newestInput.Seq, Gen: newestInput.Gen + 1}

	return createSegment(c.store.Dir(), id, func(w io.Writer) (map[string]IndexEntry, error) {
		index := make(map[string]IndexEntry, len(kept))
		var offset int64

		for _, seg := range inputs {
			keys := bySource[seg.ID]
			if len(keys) == 0 {
				continue
			}
			sort.Slice(keys, func(i, j int) bool {
				return kept[keys[i]].entry.Start < kept[keys[j]].entry.Start
			})

			n, err := copyRanges(w, seg.DataPath, keys, kept, offset, index)
			if err != nil {
				return nil, fmt.Errorf("failed to copy records from %s: %w", seg.ID, err)
			}
			offset += n
		}
		return index, nil
	})
}

func copyRanges(w io.Writer, path string, keys []string, kept map[string]keptEntry, offset int64, index map[string]IndexEntry) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var written int64
	for _, key := range keys {
		src := kept[key].entry
		size := src.End - src.Start
		n, err := io.Copy(w, io.NewSectionReader(f, src.Start, size))
		if err != nil {
			return written, err
		}
		if n != size {
			return written, fmt.Errorf("short read for %q: %d of %d bytes", key, n, size)
		}
		index[key] = IndexEntry{
			Start:     offset + written,
			End:       offset + written + size,
			Timestamp: src.Timestamp,
			Deleted:   false,
		}
		written += size
	}
	return written, nil
}

// GetLastCompactionTime returns the time of the last successful compaction
func (c *CompactionEngine) GetLastCompactionTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCompaction
}

// Runs returns the number of successful compactions
func (c *CompactionEngine) Runs() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runs
}
