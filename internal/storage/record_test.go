package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCodecRoundTrip(t *testing.T) {
	records := []Record{
		{Key: "name", Value: "somename", Timestamp: 123456},
		{Key: "with:colons", Value: "a:b:c", Timestamp: 1},
		{Key: "empty-value", Value: "", Timestamp: 2},
		{Key: "gone", Timestamp: 3, Deleted: true},
		{Key: "unicode-ключ", Value: "значение\n\x00", Timestamp: -5},
	}

	for _, r := range records {
		got, err := DecodeRecord(EncodeRecord(r))
		require.NoError(t, err, r.Key)
		assert.Equal(t, r, got)
	}
}

func TestDecodeRecordRejectsMalformedInput(t *testing.T) {
	good := EncodeRecord(Record{Key: "k", Value: "v", Timestamp: 9})

	tests := map[string][]byte{
		"empty":          {},
		"truncated":      good[:len(good)-2],
		"trailing bytes": append(append([]byte{}, good...), 0),
		"bad flag":       append(append([]byte{}, good[:len(good)-1]...), 7),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRecord(data)
			assert.Error(t, err)
		})
	}
}

func TestClockIsStrictlyIncreasing(t *testing.T) {
	c := &Clock{now: func() int64 { return 100 }}

	first := c.Next()
	second := c.Next()
	assert.Equal(t, int64(100), first)
	assert.Equal(t, int64(101), second)

	c.Observe(500)
	assert.Equal(t, int64(501), c.Next())

	c.Observe(10)
	assert.Equal(t, int64(502), c.Next())
}
