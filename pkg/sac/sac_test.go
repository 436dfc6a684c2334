package sac

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamkit/coordinator/pkg/ids"
)

func TestStateJoinCreatesGroupAndAddsMember(t *testing.T) {
	s := NewState()
	pid := ids.Pid{Node: "n1", Token: "p1"}
	s.Join("s1", "g1", pid)

	require.Contains(t, s, ids.StreamId("s1"))
	g := s["s1"]["g1"]
	require.NotNil(t, g)
	assert.True(t, g.Members[pid])
}

func TestStateLeaveRemovesPidFromEveryGroupInStream(t *testing.T) {
	s := NewState()
	pid := ids.Pid{Node: "n1", Token: "p1"}
	s.Join("s1", "g1", pid)
	s.Join("s1", "g2", pid)
	s.Join("s1", "g1", ids.Pid{Node: "n2", Token: "p2"})

	s.Leave("s1", pid)

	assert.False(t, s["s1"]["g1"].Members[pid])
	assert.False(t, s["s1"]["g2"].Members[pid])
	assert.True(t, s["s1"]["g1"].Members[ids.Pid{Node: "n2", Token: "p2"}])
}

func TestStateDropRemovesWholeStream(t *testing.T) {
	s := NewState()
	s.Join("s1", "g1", ids.Pid{Node: "n1", Token: "p1"})
	s.Drop("s1")
	assert.NotContains(t, s, ids.StreamId("s1"))
}

func TestGroupMarshalUnmarshalRoundTrip(t *testing.T) {
	g := Group{StreamID: "s1", ID: "g1", Members: map[ids.Pid]bool{
		{Node: "n1", Token: "p1"}: true,
		{Node: "n2", Token: "p2"}: true,
	}}

	data, err := json.Marshal(g)
	require.NoError(t, err)

	var got Group
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, g, got)
}
