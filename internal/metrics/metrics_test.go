package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sajjad-MoBe/corecache/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	stats  storage.Stats
	buffer int
}

func (f *fakeStats) Stats() storage.Stats { return f.stats }
func (f *fakeStats) BufferSize() int      { return f.buffer }

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollectorBackgroundTasks(t *testing.T) {
	c := NewCollector(nil)

	c.ObserveFlush(time.Millisecond, nil)
	c.ObserveFlush(time.Millisecond, errors.New("disk full"))
	c.ObserveCompaction(time.Millisecond, nil)
	c.SetSegments(3)
	c.SetLeader(true)

	text := scrape(t, c)
	assert.Contains(t, text, "corecache_flush_errors_total 1")
	assert.Contains(t, text, "corecache_flush_duration_seconds_count 2")
	assert.Contains(t, text, "corecache_compaction_errors_total 0")
	assert.Contains(t, text, "corecache_compaction_duration_seconds_count 1")
	assert.Contains(t, text, "corecache_segments 3")
	assert.Contains(t, text, "corecache_leader 1")

	c.SetLeader(false)
	assert.Contains(t, scrape(t, c), "corecache_leader 0")
}

func TestCollectorRequestsAndForwards(t *testing.T) {
	c := NewCollector(nil)

	c.ObserveRequest("GET", "/kv/{key}", "200", time.Millisecond)
	c.ObserveRequest("GET", "/kv/{key}", "200", time.Millisecond)
	c.ForwardFailed("add", "FORWARDING")

	text := scrape(t, c)
	assert.Contains(t, text, `corecache_http_requests_total{method="GET",route="/kv/{key}",status="200"} 2`)
	assert.Contains(t, text, `corecache_forward_failures_total{error_type="FORWARDING",operation="add"} 1`)
}

func TestCollectorExposesEngineStats(t *testing.T) {
	source := &fakeStats{stats: storage.Stats{BufferHits: 4, SegmentHits: 2, WriteCount: 9}, buffer: 5}
	c := NewCollector(source)

	text := scrape(t, c)
	assert.Contains(t, text, "corecache_storage_buffer_hits_total 4")
	assert.Contains(t, text, "corecache_storage_segment_hits_total 2")
	assert.Contains(t, text, "corecache_storage_writes_total 9")
	assert.Contains(t, text, "corecache_buffer_keys 5")

	source.stats.BufferHits = 7
	assert.Contains(t, scrape(t, c), "corecache_storage_buffer_hits_total 7")
}
