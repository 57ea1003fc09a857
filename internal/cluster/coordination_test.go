package cluster

import (
	"context"
	"testing"
	"time"

	kvErr "github.com/sajjad-MoBe/corecache/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLowestSequenceIsLeader(t *testing.T) {
	leader, ok := lowestSequence([]string{"n_0000000003", "n_0000000001", "n_0000000005"})
	require.True(t, ok)
	assert.Equal(t, "n_0000000001", leader)

	leader, ok = lowestSequence([]string{"lock", "n_0000000010", "n_0000000002"})
	require.True(t, ok)
	assert.Equal(t, "n_0000000002", leader)

	_, ok = lowestSequence([]string{"lock"})
	assert.False(t, ok)
}

func TestMemorySessionSequentialEphemeral(t *testing.T) {
	ctx := context.Background()
	ensemble := NewMemoryEnsemble()
	s1 := ensemble.Session()
	s2 := ensemble.Session()

	p1, err := s1.CreateEphemeralSequential(ctx, "/election/n_", []byte("a:1"))
	require.NoError(t, err)
	p2, err := s2.CreateEphemeralSequential(ctx, "/election/n_", []byte("b:1"))
	require.NoError(t, err)
	assert.Equal(t, "/election/n_0000000000", p1)
	assert.Equal(t, "/election/n_0000000001", p2)

	value, err := s2.Get(ctx, p1)
	require.NoError(t, err)
	assert.Equal(t, "a:1", string(value))

	children, changed, err := s2.WatchChildren(ctx, "/election")
	require.NoError(t, err)
	assert.Equal(t, []string{"n_0000000000", "n_0000000001"}, children)

	require.NoError(t, s1.Close())
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("closing a session did not notify watchers")
	}

	children, err = s2.Children(ctx, "/election")
	require.NoError(t, err)
	assert.Equal(t, []string{"n_0000000001"}, children)

	_, err = s2.Get(ctx, p1)
	assert.True(t, kvErr.IsNotFound(err))

	_, err = s1.CreateEphemeralSequential(ctx, "/election/n_", nil)
	assert.Error(t, err)
}

func TestMemoryWatchFiresOnce(t *testing.T) {
	ctx := context.Background()
	ensemble := NewMemoryEnsemble()
	s := ensemble.Session()

	_, first, err := s.WatchChildren(ctx, "/g")
	require.NoError(t, err)
	ensemble.Put("/g/n_0000000007", []byte("x"))
	<-first

	_, second, err := s.WatchChildren(ctx, "/g")
	require.NoError(t, err)
	select {
	case <-second:
		t.Fatal("a new watch fired without a change")
	default:
	}

	ensemble.Delete("/g/n_0000000007")
	<-second
}
