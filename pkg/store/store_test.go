package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/member"
	"github.com/streamkit/coordinator/pkg/stream"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testStream(id ids.StreamId) *stream.Stream {
	pid := ids.Pid{Node: "n1", Token: "tok"}
	return &stream.Stream{
		ID:    id,
		Epoch: 2,
		Members: map[ids.Node]member.Member{
			"n1": {
				Node:  "n1",
				Role:  member.Role{Kind: member.Writer, Epoch: 2},
				State: member.RunningState(2, pid),
			},
		},
	}
}

func TestStoreProjectThenGet(t *testing.T) {
	s := openTestStore(t)
	st := testStream("s1")

	require.NoError(t, s.Project(st))

	snap, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, ids.StreamId("s1"), snap.ID)
	assert.Equal(t, ids.Epoch(2), snap.Epoch)
	require.Contains(t, snap.Members, ids.Node("n1"))
	assert.Equal(t, member.Writer, snap.Members["n1"].Kind)
	assert.Equal(t, "n1/tok", snap.Members["n1"].Pid.String())
}

func TestStoreGetMissingReturnsErrNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRemoveDropsProjection(t *testing.T) {
	s := openTestStore(t)
	st := testStream("s1")
	require.NoError(t, s.Project(st))

	require.NoError(t, s.Remove("s1"))

	_, err := s.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRebuildAllReplacesEverything(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Project(testStream("stale")))

	require.NoError(t, s.RebuildAll(map[ids.StreamId]*stream.Stream{
		"s1": testStream("s1"),
		"s2": testStream("s2"),
	}))

	_, err := s.Get("stale")
	assert.ErrorIs(t, err, ErrNotFound)

	snap, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, ids.StreamId("s1"), snap.ID)

	snap2, err := s.Get("s2")
	require.NoError(t, err)
	assert.Equal(t, ids.StreamId("s2"), snap2.ID)
}
