package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/sajjad-MoBe/corecache/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu          sync.Mutex
	flushes     int
	compactions int
	segments    int
}

func (o *recordingObserver) ObserveFlush(time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushes++
}

func (o *recordingObserver) ObserveCompaction(time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.compactions++
}

func (o *recordingObserver) SetSegments(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.segments = n
}

func (o *recordingObserver) counts() (int, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushes, o.compactions, o.segments
}

func setupScheduler(t *testing.T, config Config, compactionThreshold int) (*Scheduler, *storage.Engine, *recordingObserver) {
	t.Helper()
	engine, err := storage.Open(storage.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	compactor := storage.NewCompactionEngine(engine.Segments(), compactionThreshold, nil)
	observer := &recordingObserver{}
	return New(engine, compactor, config, observer, nil), engine, observer
}

func TestFlushCheckHonoursThreshold(t *testing.T) {
	s, engine, observer := setupScheduler(t, Config{FlushThreshold: 2, FlushInterval: time.Hour, CompactionInterval: time.Hour}, 4)

	_, err := engine.Put(storage.Record{Key: "a", Value: "1"})
	require.NoError(t, err)

	flushed, err := s.FlushCheck()
	require.NoError(t, err)
	assert.False(t, flushed)

	_, err = engine.Put(storage.Record{Key: "b", Value: "2"})
	require.NoError(t, err)

	flushed, err = s.FlushCheck()
	require.NoError(t, err)
	assert.True(t, flushed)
	assert.Equal(t, 1, engine.SegmentCount())
	assert.Equal(t, 2, engine.Segments().Segments()[0].Len())

	got, err := engine.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Value)
	got, err = engine.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Value)
	assert.Equal(t, int64(1), engine.Stats().SegmentHits)
	assert.Equal(t, int64(1), engine.Stats().BufferHits)

	flushes, _, segments := observer.counts()
	assert.Equal(t, 1, flushes)
	assert.Equal(t, 1, segments)
}

func TestCompactionCheckHonoursThreshold(t *testing.T) {
	s, engine, observer := setupScheduler(t, Config{FlushThreshold: 1, FlushInterval: time.Hour, CompactionInterval: time.Hour}, 2)

	ran, err := s.CompactionCheck()
	require.NoError(t, err)
	assert.False(t, ran)

	for _, v := range []string{"1", "2"} {
		_, err := engine.Put(storage.Record{Key: "a", Value: v})
		require.NoError(t, err)
		_, err = s.FlushCheck()
		require.NoError(t, err)
	}
	require.Equal(t, 2, engine.SegmentCount())

	ran, err = s.CompactionCheck()
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, engine.SegmentCount())

	_, compactions, segments := observer.counts()
	assert.Equal(t, 1, compactions)
	assert.Equal(t, 1, segments)
}

func TestFlushWaitsForCompactionLane(t *testing.T) {
	s, engine, _ := setupScheduler(t, Config{FlushThreshold: 1, FlushInterval: time.Hour, CompactionInterval: time.Hour}, 2)

	_, err := engine.Put(storage.Record{Key: "a", Value: "1"})
	require.NoError(t, err)

	// hold the lane the way a running compaction does
	s.lane.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.FlushCheck()
		assert.NoError(t, err)
	}()

	select {
	case <-done:
		t.Fatal("flush ran while the lane was held")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, engine.SegmentCount())

	s.lane.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush never ran after the lane was released")
	}
	assert.Equal(t, 1, engine.SegmentCount())
}

func TestSchedulerLoopsFlushAndCompact(t *testing.T) {
	s, engine, _ := setupScheduler(t, Config{
		FlushThreshold:     1,
		FlushInterval:      10 * time.Millisecond,
		CompactionInterval: 15 * time.Millisecond,
	}, 2)

	s.Start()
	defer s.Stop()

	for i, v := range []string{"1", "2", "3"} {
		_, err := engine.Put(storage.Record{Key: "a", Value: v})
		require.NoError(t, err)
		want := int64(i + 1)
		assert.Eventually(t, func() bool {
			return engine.Stats().FlushCount >= want
		}, 2*time.Second, 5*time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		return engine.SegmentCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	got, err := engine.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "3", got.Value)
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	s, _, _ := setupScheduler(t, Config{FlushThreshold: 1, FlushInterval: time.Hour, CompactionInterval: time.Hour}, 2)
	s.Start()
	s.Stop()
	s.Stop()
}
