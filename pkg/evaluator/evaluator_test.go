package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamkit/coordinator/pkg/aux"
	"github.com/streamkit/coordinator/pkg/effect"
	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/member"
	"github.com/streamkit/coordinator/pkg/monitor"
	"github.com/streamkit/coordinator/pkg/stream"
)

func newTestStream() *stream.Stream {
	conf := stream.Conf{LeaderNode: "n1", ReplicaNodes: []ids.Node{"n2", "n3"}}
	return stream.New("s1", "q-s1", conf, nil)
}

func auxActions(effects []effect.Effect) []aux.Action {
	var out []aux.Action
	for _, e := range effects {
		if a, ok := e.(effect.AuxAction); ok {
			out = append(out, a.Action)
		}
	}
	return out
}

func TestEvaluateSchedulesWriterStartFirst(t *testing.T) {
	s := newTestStream()
	effects := Evaluate(Meta{Index: 1}, s, monitor.NewRegistry())

	actions := auxActions(effects)
	require.Len(t, actions, 1)
	assert.Equal(t, aux.StartWriter, actions[0].Kind)
	assert.Equal(t, ids.Node("n1"), actions[0].Node)
	assert.True(t, s.Members["n1"].Current.Set)
}

func TestEvaluateIsIdempotentOnUnchangedInput(t *testing.T) {
	s := newTestStream()
	Evaluate(Meta{Index: 1}, s, monitor.NewRegistry())
	// Second pass with members still Current-set: nothing new to schedule.
	effects := Evaluate(Meta{Index: 2}, s, monitor.NewRegistry())
	assert.Empty(t, auxActions(effects))
}

func TestEvaluateWaitsForWriterBeforeStartingReplicas(t *testing.T) {
	s := newTestStream()
	effects := Evaluate(Meta{Index: 1}, s, monitor.NewRegistry())
	require.Len(t, auxActions(effects), 1)

	// Writer completes its start.
	require.NoError(t, s.MemberStarted("n1", 1, 1, ids.Pid{Node: "n1", Token: "t1"}))
	effects = Evaluate(Meta{Index: 2}, s, monitor.NewRegistry())
	actions := auxActions(effects)
	// The now-running writer also gets its catalog update in this pass.
	require.Len(t, actions, 3)
	replicaStarts := 0
	for _, a := range actions {
		if a.Kind == aux.UpdateCatalog {
			assert.Equal(t, ids.Node("n1"), a.Node)
			continue
		}
		assert.Equal(t, aux.StartReplica, a.Kind)
		assert.Equal(t, ids.Pid{Node: "n1", Token: "t1"}, a.LeaderPid)
		replicaStarts++
	}
	assert.Equal(t, 2, replicaStarts)
}

func TestEvaluateEmitsReplyAndCatalogUpdateOnceWriterRunning(t *testing.T) {
	addr := stream.ReplyAddress("caller-1")
	conf := stream.Conf{LeaderNode: "n1", ReplicaNodes: []ids.Node{"n2", "n3"}}
	s := stream.New("s1", "q-s1", conf, &addr)

	Evaluate(Meta{Index: 1}, s, monitor.NewRegistry())
	require.NoError(t, s.MemberStarted("n1", 1, 1, ids.Pid{Node: "n1", Token: "t1"}))

	effects := Evaluate(Meta{Index: 2}, s, monitor.NewRegistry())
	var gotReply, gotCatalog bool
	for _, e := range effects {
		switch v := e.(type) {
		case effect.Reply:
			gotReply = true
			assert.Equal(t, addr, v.To)
			assert.Equal(t, ids.Pid{Node: "n1", Token: "t1"}, v.Value)
		case effect.AuxAction:
			if v.Action.Kind == aux.UpdateCatalog {
				gotCatalog = true
			}
		}
	}
	assert.True(t, gotReply)
	assert.True(t, gotCatalog)
	assert.Nil(t, s.ReplyTo)
}

func TestEvaluateSchedulesRetentionUpdateOnPolicyChange(t *testing.T) {
	s := newTestStream()
	Evaluate(Meta{Index: 1}, s, monitor.NewRegistry())
	require.NoError(t, s.MemberStarted("n1", 1, 1, ids.Pid{Node: "n1", Token: "t1"}))
	Evaluate(Meta{Index: 2}, s, monitor.NewRegistry()) // schedules the catalog update and the replica starts

	require.NoError(t, s.MemberStarted("n1", 1, 1, ids.Pid{Node: "n1", Token: "t1"}))
	newConf := s.Conf
	newConf.Retention = 42
	s.PolicyChanged(newConf)
	m := s.Members["n1"]
	m.Current = member.NoCurrent
	s.Members["n1"] = m

	effects := Evaluate(Meta{Index: 3}, s, monitor.NewRegistry())
	actions := auxActions(effects)
	require.Len(t, actions, 1)
	assert.Equal(t, aux.UpdateRetention, actions[0].Kind)
}

func TestEvaluateSchedulesDeleteMemberForDeletedTarget(t *testing.T) {
	s := newTestStream()
	m := s.Members["n2"]
	m.Target = member.TargetDeleted
	s.Members["n2"] = m

	effects := Evaluate(Meta{Index: 1}, s, monitor.NewRegistry())
	var found bool
	for _, a := range auxActions(effects) {
		if a.Node == "n2" && a.Kind == aux.DeleteMember {
			found = true
		}
	}
	assert.True(t, found)
}
