package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/member"
	"github.com/streamkit/coordinator/pkg/store"
	"github.com/streamkit/coordinator/pkg/stream"
)

type fakeQuorum struct {
	snap  store.Snapshot
	err   error
	delay time.Duration
}

func (f *fakeQuorum) QuorumSnapshot(ctx context.Context, id ids.StreamId) (store.Snapshot, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return store.Snapshot{}, ctx.Err()
		}
	}
	return f.snap, f.err
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func oneMemberStream(id ids.StreamId, node ids.Node, kind member.Kind, pid ids.Pid) *stream.Stream {
	return &stream.Stream{
		ID:    id,
		Epoch: 1,
		Members: map[ids.Node]member.Member{
			node: {
				Node:  node,
				Role:  member.Role{Kind: kind, Epoch: 1},
				State: member.RunningState(1, pid),
			},
		},
	}
}

func TestServiceWriterPidLocalHit(t *testing.T) {
	s := openTestStore(t)
	pid := ids.Pid{Node: "n1", Token: "t"}
	require.NoError(t, s.Project(oneMemberStream("s1", "n1", member.Writer, pid)))

	svc := New(s, nil)
	got, err := svc.WriterPid(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, pid, got)
}

func TestServiceWriterPidFallsBackToQuorum(t *testing.T) {
	s := openTestStore(t)
	pid := ids.Pid{Node: "n2", Token: "t2"}
	quorum := &fakeQuorum{snap: store.Snapshot{
		ID: "s1",
		Members: map[ids.Node]store.MemberView{
			"n2": {Pid: pid, Kind: member.Writer},
		},
	}}

	svc := New(s, quorum)
	got, err := svc.WriterPid(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, pid, got)
}

func TestServiceWriterPidQuorumTimeout(t *testing.T) {
	s := openTestStore(t)
	quorum := &fakeQuorum{err: context.DeadlineExceeded}

	svc := New(s, quorum)
	_, err := svc.WriterPid(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestServiceWriterPidNoWriterReturnsErrWriterNotFound(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Project(oneMemberStream("s1", "n1", member.Replica, ids.Pid{Node: "n1", Token: "t"})))

	svc := New(s, nil)
	_, err := svc.WriterPid(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrWriterNotFound)
}

func TestServiceLocalPidFallsBackWhenNotAlive(t *testing.T) {
	s := openTestStore(t)
	st := &stream.Stream{
		ID:    "s1",
		Epoch: 1,
		Members: map[ids.Node]member.Member{
			"n1": {Node: "n1", Role: member.Role{Kind: member.Replica, Epoch: 1}, State: member.DownState(1)},
		},
	}
	require.NoError(t, s.Project(st))

	pid := ids.Pid{Node: "n1", Token: "fresh"}
	quorum := &fakeQuorum{snap: store.Snapshot{
		ID: "s1",
		Members: map[ids.Node]store.MemberView{
			"n1": {Pid: pid, Kind: member.Replica},
		},
	}}

	svc := New(s, quorum)
	got, err := svc.LocalPid(context.Background(), "s1", "n1")
	require.NoError(t, err)
	assert.Equal(t, pid, got)
}

func TestServiceMembersReturnsAllMembers(t *testing.T) {
	s := openTestStore(t)
	st := &stream.Stream{
		ID:    "s1",
		Epoch: 1,
		Members: map[ids.Node]member.Member{
			"n1": {Node: "n1", Role: member.Role{Kind: member.Writer, Epoch: 1}, State: member.RunningState(1, ids.Pid{Node: "n1", Token: "a"})},
			"n2": {Node: "n2", Role: member.Role{Kind: member.Replica, Epoch: 1}, State: member.RunningState(1, ids.Pid{Node: "n2", Token: "b"})},
		},
	}
	require.NoError(t, s.Project(st))

	svc := New(s, nil)
	members, err := svc.Members(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestServiceNoQuorumReaderReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	svc := New(s, nil)
	_, err := svc.WriterPid(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrStreamNotFound))
}
