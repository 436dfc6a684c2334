package coordinator

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamkit/coordinator/pkg/aux"
	"github.com/streamkit/coordinator/pkg/dispatcher"
	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/listener"
	"github.com/streamkit/coordinator/pkg/store"
	"github.com/streamkit/coordinator/pkg/stream"
)

type memorySink struct {
	buf bytes.Buffer
}

func (s *memorySink) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memorySink) Close() error                { return nil }
func (s *memorySink) ID() string                   { return "test-snapshot" }
func (s *memorySink) Cancel() error                { return nil }
func (s *memorySink) reader() io.ReadCloser        { return io.NopCloser(bytes.NewReader(s.buf.Bytes())) }

func newMemorySnapshotSink() *memorySink { return &memorySink{} }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeAux struct {
	mu       sync.Mutex
	actions  []aux.Action
	excludes []map[ids.StreamId]bool
}

func (f *fakeAux) Submit(a aux.Action) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
}
func (f *fakeAux) OnResult(fn func(aux.Result)) {}
func (f *fakeAux) FailActiveActions(exclude map[ids.StreamId]bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.excludes = append(f.excludes, exclude)
}

type fakeSink struct {
	mu            sync.Mutex
	notifications []listener.Notification
}

func (f *fakeSink) Deliver(n listener.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
}

type fakeMonitorRuntime struct {
	mu            sync.Mutex
	monitoredPids []ids.Pid
}

func (f *fakeMonitorRuntime) MonitorPid(p ids.Pid) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitoredPids = append(f.monitoredPids, p)
}
func (f *fakeMonitorRuntime) DemonitorPid(p ids.Pid) {}
func (f *fakeMonitorRuntime) MonitorNode(n ids.Node) {}
func (f *fakeMonitorRuntime) DemonitorNode(n ids.Node) {}

type fakeReplySink struct {
	mu       sync.Mutex
	replies  map[stream.ReplyAddress]interface{}
}

func (f *fakeReplySink) Deliver(to stream.ReplyAddress, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replies == nil {
		f.replies = map[stream.ReplyAddress]interface{}{}
	}
	f.replies[to] = value
}

func testConf() stream.Conf {
	return stream.Conf{Nodes: []ids.Node{"n1", "n2"}, LeaderNode: "n1", ReplicaNodes: []ids.Node{"n2"}, Epoch: 1}
}

func applyCommand(t *testing.T, m *Machine, index uint64, cmd dispatcher.Command) interface{} {
	t.Helper()
	env, err := dispatcher.Encode(cmd)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return m.Apply(&raft.Log{Index: index, Data: data})
}

func TestMachineApplyNewStreamProjectsToStore(t *testing.T) {
	st := openTestStore(t)
	a := &fakeAux{}
	m := New(a, &fakeSink{}, &fakeMonitorRuntime{}, &fakeReplySink{}, st)

	reply := applyCommand(t, m, 1, dispatcher.NewStream{ID: "s1", QueueRef: "q1", Conf: testConf()})
	r, ok := reply.(dispatcher.Reply)
	require.True(t, ok)
	assert.Equal(t, dispatcher.ReplyOK, r.Kind)

	snap, err := st.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, ids.StreamId("s1"), snap.ID)

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.NotEmpty(t, a.actions)
}

func TestMachineApplyDeleteStreamRemovesProjection(t *testing.T) {
	st := openTestStore(t)
	m := New(&fakeAux{}, &fakeSink{}, &fakeMonitorRuntime{}, &fakeReplySink{}, st)

	applyCommand(t, m, 1, dispatcher.NewStream{ID: "s1", QueueRef: "q1", Conf: testConf()})
	applyCommand(t, m, 2, dispatcher.DeleteStream{ID: "s1"})
	// The stream is dropped once every member has confirmed its deletion.
	applyCommand(t, m, 3, dispatcher.MemberDeleted{ID: "s1", Node: "n1", Index: 2})
	applyCommand(t, m, 4, dispatcher.MemberDeleted{ID: "s1", Node: "n2", Index: 2})

	_, err := st.Get("s1")
	assert.Error(t, err)
}

func TestMachineSnapshotRestoreRoundTrip(t *testing.T) {
	st := openTestStore(t)
	m := New(&fakeAux{}, &fakeSink{}, &fakeMonitorRuntime{}, &fakeReplySink{}, st)
	applyCommand(t, m, 1, dispatcher.NewStream{ID: "s1", QueueRef: "q1", Conf: testConf()})

	snap, err := m.Snapshot()
	require.NoError(t, err)
	sink := newMemorySnapshotSink()
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	st2 := openTestStore(t)
	m2 := New(&fakeAux{}, &fakeSink{}, &fakeMonitorRuntime{}, &fakeReplySink{}, st2)
	require.NoError(t, m2.Restore(sink.reader()))

	got := m2.State()
	require.Contains(t, got.Streams, ids.StreamId("s1"))

	snap2, err := st2.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, ids.StreamId("s1"), snap2.ID)
}

func TestMachineNotifyLeaderChangeFailsActiveActionsOnce(t *testing.T) {
	a := &fakeAux{}
	m := New(a, &fakeSink{}, &fakeMonitorRuntime{}, &fakeReplySink{}, nil)

	m.NotifyLeaderChange(true)
	m.NotifyLeaderChange(true) // no-op: no transition

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Len(t, a.excludes, 1)
}

func TestMachineNotifyLeaderChangeLostResetsWasLeader(t *testing.T) {
	a := &fakeAux{}
	m := New(a, &fakeSink{}, &fakeMonitorRuntime{}, &fakeReplySink{}, nil)

	m.NotifyLeaderChange(true)
	m.NotifyLeaderChange(false)
	m.NotifyLeaderChange(true)

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Len(t, a.excludes, 2)
}
