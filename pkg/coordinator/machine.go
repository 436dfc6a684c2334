/*
Package coordinator wires the deterministic dispatcher core into
hashicorp/raft: Machine implements raft.FSM, translating each committed log
entry into a dispatcher.Dispatch call and executing the effects it returns
against the runtime interfaces supplied at construction (aux submission,
monitor/demonitor, listener delivery, deferred replies).

This is the generalization of manager.WarrenFSM: the teacher's Apply
type-switched directly into storage.Store calls; here it decodes a
dispatcher.Envelope, calls dispatcher.Dispatch, and fans the resulting
effects out to injected collaborators instead of calling a store method per
case. Snapshot/Restore follow WarrenFSM/WarrenSnapshot's
Persist/Release/Restore shape, with machine-version migration (package
migrate) run on the raw bytes before they are decoded into a
dispatcher.State.
*/
package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/streamkit/coordinator/internal/corelog"
	"github.com/streamkit/coordinator/pkg/aux"
	"github.com/streamkit/coordinator/pkg/dispatcher"
	"github.com/streamkit/coordinator/pkg/effect"
	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/listener"
	"github.com/streamkit/coordinator/pkg/metrics"
	"github.com/streamkit/coordinator/pkg/migrate"
	"github.com/streamkit/coordinator/pkg/monitor"
	"github.com/streamkit/coordinator/pkg/sac"
	"github.com/streamkit/coordinator/pkg/store"
	"github.com/streamkit/coordinator/pkg/stream"
)

// CurrentMachineVersion is the schema version this build of the coordinator
// produces. package migrate upgrades any older persisted snapshot up to it
// at Restore time.
const CurrentMachineVersion = stream.CurrentMachineVersion

// MonitorRuntime performs the monitor/demonitor link changes the monitor
// registry decides are needed. cmd/streamcoordinatord wires in a no-op
// implementation; tests use a recording fake.
type MonitorRuntime interface {
	MonitorPid(ids.Pid)
	DemonitorPid(ids.Pid)
	MonitorNode(ids.Node)
	DemonitorNode(ids.Node)
}

// ReplySink fulfils a deferred reply registered via stream.ReplyAddress.
type ReplySink interface {
	Deliver(to stream.ReplyAddress, value interface{})
}

// Machine is the raft.FSM wrapping the coordinator's replicated state.
type Machine struct {
	mu    sync.Mutex
	state *dispatcher.State

	Aux     aux.Aux
	Sink    listener.Sink
	Monitor MonitorRuntime
	Reply   ReplySink
	Store   *store.Store // optional; nil disables read-model projection

	// wasLeader tracks the previous value passed to NotifyLeaderChange so a
	// transition is only actioned once, not on every call.
	wasLeader bool
}

// New constructs a Machine over a freshly-initialized empty state.
func New(a aux.Aux, sink listener.Sink, mon MonitorRuntime, reply ReplySink, st *store.Store) *Machine {
	return &Machine{
		state:   dispatcher.NewState(),
		Aux:     a,
		Sink:    sink,
		Monitor: mon,
		Reply:   reply,
		Store:   st,
	}
}

// State returns the current state for read-only inspection (e.g. by
// tests). Callers must not mutate it.
func (m *Machine) State() *dispatcher.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply decodes and applies one committed raft log entry.
func (m *Machine) Apply(log *raft.Log) interface{} {
	var env dispatcher.Envelope
	if err := json.Unmarshal(log.Data, &env); err != nil {
		return fmt.Errorf("coordinator: decode envelope: %w", err)
	}
	cmd, err := dispatcher.Decode(env)
	if err != nil {
		return fmt.Errorf("coordinator: decode command: %w", err)
	}

	m.mu.Lock()
	reply, effects := dispatcher.Dispatch(m.state, dispatcher.Meta{Index: ids.Index(log.Index)}, cmd)
	touched := touchedStreams(cmd)
	if touched == nil {
		// Down/NodeUp/Sac*/machine_version can touch an arbitrary subset of
		// streams without naming them in the command; re-project everything
		// rather than tracking a precise touched-set for these rare ops.
		touched = make([]ids.StreamId, 0, len(m.state.Streams))
		for id := range m.state.Streams {
			touched = append(touched, id)
		}
	}
	m.mu.Unlock()

	m.project(touched)
	m.execute(effects)
	return reply
}

// touchedStreams best-effort-names the stream(s) a command may have
// affected, used only to keep the store.Store projection narrowly scoped
// instead of re-projecting every stream after every command.
func touchedStreams(cmd dispatcher.Command) []ids.StreamId {
	switch c := cmd.(type) {
	case dispatcher.NewStream:
		return []ids.StreamId{c.ID}
	case dispatcher.DeleteStream:
		return []ids.StreamId{c.ID}
	case dispatcher.AddReplica:
		return []ids.StreamId{c.ID}
	case dispatcher.DeleteReplica:
		return []ids.StreamId{c.ID}
	case dispatcher.PolicyChanged:
		return []ids.StreamId{c.ID}
	case dispatcher.MemberStarted:
		return []ids.StreamId{c.ID}
	case dispatcher.MemberStopped:
		return []ids.StreamId{c.ID}
	case dispatcher.MemberDeleted:
		return []ids.StreamId{c.ID}
	case dispatcher.ActionCompleted:
		return []ids.StreamId{c.ID}
	case dispatcher.ActionFailed:
		return []ids.StreamId{c.ID}
	case dispatcher.RegisterListener:
		return []ids.StreamId{c.ID}
	default:
		return nil // Down/NodeUp/Sac*/MachineVersion may touch many streams; caller re-projects every stream
	}
}

func (m *Machine) project(streamIDs []ids.StreamId) {
	if m.Store == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range streamIDs {
		s, ok := m.state.Streams[id]
		if !ok {
			if err := m.Store.Remove(id); err != nil {
				corelog.WithComponent("coordinator").Warn().Err(err).Str("stream", string(id)).Msg("failed to remove stale projection")
			}
			continue
		}
		if err := m.Store.Project(s); err != nil {
			corelog.WithComponent("coordinator").Warn().Err(err).Str("stream", string(id)).Msg("failed to project stream")
		}
	}
}

// execute fans effects out to the runtime collaborators. It never mutates
// m.state; every effect is a pure consequence of the Apply that produced it.
func (m *Machine) execute(effects []effect.Effect) {
	for _, e := range effects {
		switch v := e.(type) {
		case effect.AuxAction:
			if m.Aux != nil {
				m.Aux.Submit(v.Action)
			}
			metrics.AuxActionsTotal.WithLabelValues(v.Action.Kind.String()).Inc()
		case effect.Monitor:
			m.executeMonitor(v)
		case effect.Notify:
			if m.Sink != nil {
				m.Sink.Deliver(v.Notification)
			}
			metrics.ListenerNotificationsTotal.WithLabelValues(notificationLabel(v.Notification)).Inc()
		case effect.Reply:
			if m.Reply != nil {
				m.Reply.Deliver(v.To, v.Value)
			}
		case effect.ReleaseCursor:
			// Not acted on: Machine has no raft handle, and no other package
			// in this module consumes this effect.
		}
	}
}

func (m *Machine) executeMonitor(v effect.Monitor) {
	if m.Monitor == nil {
		return
	}
	switch v.Effect.Kind {
	case monitor.MonitorPid:
		m.Monitor.MonitorPid(v.Effect.Pid)
	case monitor.DemonitorPid:
		m.Monitor.DemonitorPid(v.Effect.Pid)
	case monitor.MonitorNode:
		m.Monitor.MonitorNode(v.Effect.Node)
	case monitor.DemonitorNode:
		m.Monitor.DemonitorNode(v.Effect.Node)
	}
}

func notificationLabel(n listener.Notification) string {
	switch n.Event {
	case listener.LeaderChange:
		return "leader_change"
	case listener.LocalMemberChange:
		return "local_member_change"
	case listener.EndOfLife:
		return "eol"
	default:
		return "unknown"
	}
}

// NotifyLeaderChange must be called by package cluster whenever
// raft.Raft's own leadership state changes. Gaining leadership re-issues
// every tracked monitor link (§4.5) and calls Aux.FailActiveActions with an
// empty exclude set, so every action the executor still tracks as in-flight
// is reported as failed; no stream is exempted.
func (m *Machine) NotifyLeaderChange(isLeader bool) {
	if isLeader == m.wasLeader {
		return
	}
	m.wasLeader = isLeader
	if !isLeader {
		metrics.RaftLeader.Set(0)
		return
	}

	m.mu.Lock()
	monEffects := m.state.Monitors.Reissue()
	exclude := map[ids.StreamId]bool{}
	m.mu.Unlock()

	for _, me := range monEffects {
		m.executeMonitor(effect.Monitor{Effect: me})
	}
	if m.Aux != nil {
		m.Aux.FailActiveActions(exclude)
	}
	metrics.RaftLeader.Set(1)
}

// Snapshot implements raft.FSM: it serializes the full replicated state.
func (m *Machine) Snapshot() (raft.FSMSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(m.state)
	if err != nil {
		return nil, fmt.Errorf("coordinator: marshal snapshot: %w", err)
	}
	return &Snapshot{data: data}, nil
}

// Restore implements raft.FSM: it decodes a snapshot, migrating it forward
// from whatever machine_version it was written at, and replaces the
// in-memory state wholesale.
func (m *Machine) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("coordinator: read snapshot: %w", err)
	}

	var probe struct {
		MachineVersion int
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("coordinator: probe snapshot version: %w", err)
	}

	var newlyMonitored []migrate.ListenerPid
	if probe.MachineVersion > 0 && probe.MachineVersion < CurrentMachineVersion {
		raw, newlyMonitored, err = migrate.Migrate(probe.MachineVersion, CurrentMachineVersion, raw)
		if err != nil {
			return fmt.Errorf("coordinator: migrate snapshot: %w", err)
		}
	}

	var state dispatcher.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("coordinator: decode snapshot: %w", err)
	}
	if state.Streams == nil {
		state.Streams = map[ids.StreamId]*stream.Stream{}
	}
	if state.Monitors == nil {
		state.Monitors = monitor.NewRegistry()
	}
	if state.Sac == nil {
		state.Sac = sac.NewState()
	}

	m.mu.Lock()
	m.state = &state
	m.mu.Unlock()

	if m.Store != nil {
		if err := m.Store.RebuildAll(state.Streams); err != nil {
			return fmt.Errorf("coordinator: rebuild store projection: %w", err)
		}
	}
	for _, lp := range newlyMonitored {
		if m.Monitor != nil {
			m.Monitor.MonitorPid(lp.Pid)
		}
	}
	return nil
}

// Snapshot is the raft.FSMSnapshot wrapping the already-marshaled state, so
// Persist does no further work beyond writing the bytes out.
type Snapshot struct {
	data []byte
}

func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *Snapshot) Release() {}
