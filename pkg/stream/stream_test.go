package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/member"
)

func testConf() Conf {
	return Conf{
		LeaderNode:   "n1",
		ReplicaNodes: []ids.Node{"n2", "n3"},
	}
}

func TestNewStreamStartsAtEpochOneAllReady(t *testing.T) {
	s := New("s1", "q-s1", testConf(), nil)
	assert.Equal(t, ids.Epoch(1), s.Epoch)
	assert.Len(t, s.Members, 3)
	assert.Equal(t, member.Writer, s.Members["n1"].Role.Kind)
	assert.Equal(t, member.Replica, s.Members["n2"].Role.Kind)
	for _, m := range s.Members {
		assert.Equal(t, member.Ready, m.State.Kind)
		assert.Equal(t, member.TargetRunning, m.Target)
	}
}

func TestAddReplicaForceCyclesRunningMembers(t *testing.T) {
	s := New("s1", "q-s1", testConf(), nil)
	for n, m := range s.Members {
		m.State = member.RunningState(1, ids.Pid{Node: n, Token: "t"})
		s.Members[n] = m
	}
	require.NoError(t, s.AddReplica("n4"))
	assert.Equal(t, member.TargetStopped, s.Members["n4"].Target)
	assert.Equal(t, member.TargetStopped, s.Members["n1"].Target)
	assert.Equal(t, member.TargetStopped, s.Members["n2"].Target)
}

func TestAddReplicaRejectsDuplicate(t *testing.T) {
	s := New("s1", "q-s1", testConf(), nil)
	assert.ErrorIs(t, s.AddReplica("n1"), ErrAlreadyMember)
}

func TestDeleteReplicaRefusesBelowTwoMembers(t *testing.T) {
	conf := Conf{LeaderNode: "n1", ReplicaNodes: []ids.Node{"n2"}}
	s := New("s1", "q-s1", conf, nil)
	assert.ErrorIs(t, s.DeleteReplica("n2"), ErrLastStreamMember)
}

func TestDeleteReplicaMarksDeletedAndCycles(t *testing.T) {
	s := New("s1", "q-s1", testConf(), nil)
	for n, m := range s.Members {
		m.State = member.RunningState(1, ids.Pid{Node: n, Token: "t"})
		s.Members[n] = m
	}
	require.NoError(t, s.DeleteReplica("n3"))
	assert.Equal(t, member.TargetDeleted, s.Members["n3"].Target)
	assert.Equal(t, member.TargetStopped, s.Members["n1"].Target)
	assert.Equal(t, member.TargetStopped, s.Members["n2"].Target)
}

// TestElectionOnQuorumStopped exercises the central scenario: writer and
// one replica stop and report tails; a quorum of 2 out of 3 is enough to
// elect, and the candidate with the longer tail wins.
func TestElectionOnQuorumStopped(t *testing.T) {
	s := New("s1", "q-s1", testConf(), nil)
	startAllForStop(s)

	elected, err := s.MemberStopped("n1", 1, 10, ids.Tail{Epoch: 1, Offset: 5})
	require.NoError(t, err)
	assert.False(t, elected)

	elected, err = s.MemberStopped("n2", 1, 11, ids.Tail{Epoch: 1, Offset: 9})
	require.NoError(t, err)
	assert.True(t, elected)

	assert.Equal(t, ids.Epoch(2), s.Epoch)
	assert.Equal(t, member.Writer, s.Members["n2"].Role.Kind)
	assert.Equal(t, ids.Epoch(2), s.Members["n2"].Role.Epoch)
	assert.Equal(t, member.Ready, s.Members["n2"].State.Kind)
	// n3 never stopped, but still rolls forward to the new epoch as a
	// ready replica so it can be started there.
	assert.Equal(t, ids.Epoch(2), s.Members["n3"].Role.Epoch)
}

func TestLateReplicaStopSkipsElectionWhenWriterAlreadyRunning(t *testing.T) {
	s := New("s1", "q-s1", testConf(), nil)
	startAllForStop(s)
	_, err := s.MemberStopped("n1", 1, 10, ids.Tail{Epoch: 1, Offset: 5})
	require.NoError(t, err)
	_, err = s.MemberStopped("n2", 1, 11, ids.Tail{Epoch: 1, Offset: 9})
	require.NoError(t, err)
	m2 := s.Members["n2"]
	m2.Current = member.Current{Set: true, Tag: member.ActionStarting, Index: 20}
	s.Members["n2"] = m2
	require.NoError(t, s.MemberStarted("n2", 2, 20, ids.Pid{Node: "n2", Token: "x"}))

	m := s.Members["n3"]
	m.Current = member.Current{Set: true, Tag: member.ActionStopping, Index: 12}
	s.Members["n3"] = m
	elected, err := s.MemberStopped("n3", 1, 12, ids.Tail{Epoch: 1, Offset: 1})
	require.NoError(t, err)
	assert.False(t, elected)
	assert.Equal(t, member.Ready, s.Members["n3"].State.Kind)
	assert.Equal(t, ids.Epoch(2), s.Members["n3"].State.Epoch)
}

func TestActionFailedOnWriterStartRevertsToStopped(t *testing.T) {
	s := New("s1", "q-s1", testConf(), nil)
	m := s.Members["n1"]
	m.Current = member.Current{Set: true, Tag: member.ActionStarting, Index: 5}
	s.Members["n1"] = m

	require.NoError(t, s.ActionFailed("n1", 5))
	assert.Equal(t, member.TargetStopped, s.Members["n1"].Target)
	assert.Equal(t, member.TargetStopped, s.Members["n2"].Target)
	assert.Equal(t, member.TargetStopped, s.Members["n3"].Target)
	assert.False(t, s.Members["n1"].Current.Set)
}

func TestDownOnWriterForceCyclesReplicas(t *testing.T) {
	s := New("s1", "q-s1", testConf(), nil)
	for n, m := range s.Members {
		m.State = member.RunningState(1, ids.Pid{Node: n, Token: "t"})
		s.Members[n] = m
	}
	require.NoError(t, s.Down("n1", "killed"))
	assert.Equal(t, member.Down, s.Members["n1"].State.Kind)
	assert.Equal(t, member.TargetStopped, s.Members["n2"].Target)
	assert.Equal(t, member.TargetStopped, s.Members["n3"].Target)
}

func TestDownReplicaNoConnectionMarksDisconnected(t *testing.T) {
	s := New("s1", "q-s1", testConf(), nil)
	m := s.Members["n2"]
	m.State = member.RunningState(1, ids.Pid{Node: "n2", Token: "t"})
	s.Members["n2"] = m
	require.NoError(t, s.Down("n2", "noconnection"))
	assert.Equal(t, member.Disconnected, s.Members["n2"].State.Kind)
}

func TestSelectLeaderPrefersHigherOffsetThenNodeName(t *testing.T) {
	cands := []Candidate{
		{Node: "n3", Tail: ids.Tail{Epoch: 2, Offset: 5}},
		{Node: "n1", Tail: ids.Tail{Epoch: 2, Offset: 9}},
		{Node: "n2", Tail: ids.Tail{Epoch: 2, Offset: 9}},
	}
	assert.Equal(t, ids.Node("n1"), SelectLeader(cands, 1))
	ranked := rankedNodes(cands)
	assert.Equal(t, ids.Node("n1"), ranked[0])
}

func TestSelectLeaderLegacyV0IgnoresOffset(t *testing.T) {
	cands := []Candidate{
		{Node: "n2", Tail: ids.Tail{Epoch: 2, Offset: 1}},
		{Node: "n1", Tail: ids.Tail{Epoch: 2, Offset: 99}},
	}
	assert.Equal(t, ids.Node("n1"), SelectLeader(cands, 0))
}

func TestMemberDeletedDestroysStreamWhenEmpty(t *testing.T) {
	conf := Conf{LeaderNode: "n1", ReplicaNodes: []ids.Node{"n2"}}
	s := New("s1", "q-s1", conf, nil)
	s.Delete()
	assert.False(t, s.MemberDeleted("n1", 0))
	assert.True(t, s.MemberDeleted("n2", 0))
}

func startAllForStop(s *Stream) {
	idx := ids.Index(100)
	for n, m := range s.Members {
		m.Target = member.TargetRunning
		m.Current = member.Current{Set: true, Tag: member.ActionStopping, Index: idx}
		s.Members[n] = m
		idx++
	}
	// Fix indices to the values the tests expect explicitly for n1/n2.
	m1 := s.Members["n1"]
	m1.Current = member.Current{Set: true, Tag: member.ActionStopping, Index: 10}
	s.Members["n1"] = m1
	m2 := s.Members["n2"]
	m2.Current = member.Current{Set: true, Tag: member.ActionStopping, Index: 11}
	s.Members["n2"] = m2
}
