package scheduler

import (
	"sync"
	"time"

	"github.com/sajjad-MoBe/corecache/internal/shared"
	"github.com/sajjad-MoBe/corecache/internal/storage"
)

// Observer receives the outcome of each background task. It may be nil.
type Observer interface {
	ObserveFlush(d time.Duration, err error)
	ObserveCompaction(d time.Duration, err error)
	SetSegments(n int)
}

// Config holds the scheduling policy
type Config struct {
	FlushThreshold     int
	FlushInterval      time.Duration
	CompactionInterval time.Duration
}

// Scheduler runs the flush-check and compaction-check tasks. Both share one
// lane so a flush never writes a segment while a compaction is merging.
type Scheduler struct {
	engine    *storage.Engine
	compactor *storage.CompactionEngine
	config    Config
	observer  Observer
	logger    *shared.Logger

	lane     sync.Mutex
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler over engine and compactor
func New(engine *storage.Engine, compactor *storage.CompactionEngine, config Config, observer Observer, logger *shared.Logger) *Scheduler {
	if logger == nil {
		logger = shared.DefaultLogger
	}
	return &Scheduler{
		engine:    engine,
		compactor: compactor,
		config:    config,
		observer:  observer,
		logger:    logger.WithComponent("scheduler"),
		stopChan:  make(chan struct{}),
	}
}

// Start launches one loop per task
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.loop(s.config.FlushInterval, s.runFlushCheck)
	go s.loop(s.config.CompactionInterval, s.runCompactionCheck)
	s.logger.Info("scheduler started: flush every %s at %d key(s), compaction check every %s",
		s.config.FlushInterval, s.config.FlushThreshold, s.config.CompactionInterval)
}

// Stop ends both loops and waits for a running task to finish
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *Scheduler) loop(interval time.Duration, task func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			task()
		}
	}
}

func (s *Scheduler) runFlushCheck() {
	if _, err := s.FlushCheck(); err != nil {
		s.logger.Error("flush failed: %v", err)
	}
}

func (s *Scheduler) runCompactionCheck() {
	if _, err := s.CompactionCheck(); err != nil {
		s.logger.Error("compaction failed: %v", err)
	}
}

// FlushCheck flushes the buffer when it holds at least FlushThreshold keys.
// It reports whether a segment was written.
func (s *Scheduler) FlushCheck() (bool, error) {
	if s.engine.BufferSize() < s.config.FlushThreshold {
		return false, nil
	}

	s.lane.Lock()
	defer s.lane.Unlock()

	// another caller may have drained the buffer while we waited
	if s.engine.BufferSize() < s.config.FlushThreshold {
		return false, nil
	}

	start := time.Now()
	seg, err := s.engine.Flush()
	if s.observer != nil {
		s.observer.ObserveFlush(time.Since(start), err)
		s.observer.SetSegments(s.engine.SegmentCount())
	}
	if err != nil {
		return false, err
	}
	return seg != nil, nil
}

// CompactionCheck compacts when the segment count reached the threshold.
// It reports whether a compaction ran.
func (s *Scheduler) CompactionCheck() (bool, error) {
	if !s.compactor.CanCompact() {
		return false, nil
	}

	s.lane.Lock()
	defer s.lane.Unlock()

	start := time.Now()
	result, err := s.compactor.Compact()
	if s.observer != nil {
		s.observer.ObserveCompaction(time.Since(start), err)
		s.observer.SetSegments(s.engine.SegmentCount())
	}
	if err != nil {
		return false, err
	}
	return result != nil, nil
}
