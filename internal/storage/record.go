package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Record is the versioned key/value unit. A record with Deleted set is a
// tombstone.
type Record struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
	Deleted   bool   `json:"deleted"`
}

// Tombstone returns a deletion marker for key at ts
func Tombstone(key string, ts int64) Record {
	return Record{Key: key, Timestamp: ts, Deleted: true}
}

// NewerThan reports whether r supersedes other
func (r Record) NewerThan(other Record) bool {
	return r.Timestamp > other.Timestamp
}

// Records are stored as
//
//	uvarint(len(key)) key uvarint(len(value)) value varint(timestamp) deleted(1 byte)
//
// so keys and values may contain any byte.

// EncodeRecord serializes r
func EncodeRecord(r Record) []byte {
	buf := make([]byte, 0, len(r.Key)+len(r.Value)+2*binary.MaxVarintLen64+binary.MaxVarintLen64+1)
	buf = binary.AppendUvarint(buf, uint64(len(r.Key)))
	buf = append(buf, r.Key...)
	buf = binary.AppendUvarint(buf, uint64(len(r.Value)))
	buf = append(buf, r.Value...)
	buf = binary.AppendVarint(buf, r.Timestamp)
	if r.Deleted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// DecodeRecord is the exact inverse of EncodeRecord
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	off := 0

	readBytes := func(field string) (string, error) {
		n, sz := binary.Uvarint(data[off:])
		if sz <= 0 {
			return "", fmt.Errorf("malformed record: bad %s length", field)
		}
		off += sz
		if uint64(len(data)-off) < n {
			return "", fmt.Errorf("malformed record: %s truncated", field)
		}
		s := string(data[off : off+int(n)])
		off += int(n)
		return s, nil
	}

	var err error
	if r.Key, err = readBytes("key"); err != nil {
		return Record{}, err
	}
	if r.Value, err = readBytes("value"); err != nil {
		return Record{}, err
	}

	ts, sz := binary.Varint(data[off:])
	if sz <= 0 {
		return Record{}, fmt.Errorf("malformed record: bad timestamp")
	}
	off += sz
	r.Timestamp = ts

	if len(data)-off != 1 {
		return Record{}, fmt.Errorf("malformed record: expected 1 trailing byte, got %d", len(data)-off)
	}
	switch data[off] {
	case 0:
	case 1:
		r.Deleted = true
	default:
		return Record{}, fmt.Errorf("malformed record: bad deleted flag %d", data[off])
	}
	return r, nil
}

// Clock issues strictly increasing write timestamps. It follows wall time at
// nanosecond resolution but never repeats or goes backwards, so two writes to
// the same key always order.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() int64
}

// NewClock creates a clock reading the system time
func NewClock() *Clock {
	return &Clock{now: func() int64 { return time.Now().UnixNano() }}
}

// Next returns a timestamp greater than any previously issued or observed
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Observe advances the clock past ts
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last {
		c.last = ts
	}
}
