/*
Package monitor tracks which pids and nodes the coordinator currently has a
supervision link on, and reconciles that set against what the stream data
actually requires after every evaluation.

This mirrors worker.HealthMonitor's watch-list diffing, reshaped around
pids/nodes instead of container ids: rather than polling, the coordinator
asks the runtime to push process-down and node-up events for exactly the
set of things it still cares about.
*/
package monitor

import (
	"encoding/json"

	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/member"
)

// Reason classifies why a registry entry exists, so that when a down event
// arrives the dispatcher knows which stream(s) (or the sac machine, or a
// listener) to route it to without a reverse index.
type Reason int

const (
	// ReasonMember: watching a member's own pid (running or disconnected).
	ReasonMember Reason = iota
	// ReasonListener: watching a listener's pid on behalf of one or more
	// streams it subscribed to.
	ReasonListener
	// ReasonSac: watching a pid on behalf of the single-active-consumer
	// sub-machine.
	ReasonSac
)

// Owner names the stream (if any) that registered a watch, so effects can
// be routed back without a reverse index.
type Owner struct {
	Reason   Reason
	StreamID ids.StreamId // zero for ReasonSac, zero for multi-stream listener watches
	Node     ids.Node     // set for ReasonMember
}

// Registry is the global pid/node watch table, keyed by what is being
// watched. Every replica computes the same watches deterministically from
// the same stream data; the table is a field of dispatcher.State and is
// written into snapshots through MarshalJSON below, while the watch links
// themselves are local runtime effects.
type Registry struct {
	Pids  map[ids.Pid]map[Owner]bool
	Nodes map[ids.Node]map[Owner]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{Pids: map[ids.Pid]map[Owner]bool{}, Nodes: map[ids.Node]map[Owner]bool{}}
}

// registryWire is Registry's wire shape: encoding/json cannot use a struct
// (ids.Pid) as a map key, so both watch tables marshal as flat entry slices.
type registryWire struct {
	Pids  []pidEntry
	Nodes []nodeEntry
}

type pidEntry struct {
	Pid    ids.Pid
	Owners []Owner
}

type nodeEntry struct {
	Node   ids.Node
	Owners []Owner
}

func (r Registry) MarshalJSON() ([]byte, error) {
	w := registryWire{
		Pids:  make([]pidEntry, 0, len(r.Pids)),
		Nodes: make([]nodeEntry, 0, len(r.Nodes)),
	}
	for pid, owners := range r.Pids {
		e := pidEntry{Pid: pid, Owners: make([]Owner, 0, len(owners))}
		for o := range owners {
			e.Owners = append(e.Owners, o)
		}
		w.Pids = append(w.Pids, e)
	}
	for node, owners := range r.Nodes {
		e := nodeEntry{Node: node, Owners: make([]Owner, 0, len(owners))}
		for o := range owners {
			e.Owners = append(e.Owners, o)
		}
		w.Nodes = append(w.Nodes, e)
	}
	return json.Marshal(w)
}

func (r *Registry) UnmarshalJSON(data []byte) error {
	var w registryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Pids = make(map[ids.Pid]map[Owner]bool, len(w.Pids))
	for _, e := range w.Pids {
		owners := make(map[Owner]bool, len(e.Owners))
		for _, o := range e.Owners {
			owners[o] = true
		}
		r.Pids[e.Pid] = owners
	}
	r.Nodes = make(map[ids.Node]map[Owner]bool, len(w.Nodes))
	for _, e := range w.Nodes {
		owners := make(map[Owner]bool, len(e.Owners))
		for _, o := range e.Owners {
			owners[o] = true
		}
		r.Nodes[e.Node] = owners
	}
	return nil
}

// EffectKind is the runtime action a Sync call asks the caller to perform.
type EffectKind int

const (
	MonitorPid EffectKind = iota
	DemonitorPid
	MonitorNode
	DemonitorNode
)

// Effect is one monitor/demonitor side effect the runtime must perform.
type Effect struct {
	Kind EffectKind
	Pid  ids.Pid
	Node ids.Node
}

func (r *Registry) want(pid ids.Pid, owner Owner) {
	if r.Pids[pid] == nil {
		r.Pids[pid] = map[Owner]bool{}
	}
	r.Pids[pid][owner] = true
}

func (r *Registry) wantNode(node ids.Node, owner Owner) {
	if r.Nodes[node] == nil {
		r.Nodes[node] = map[Owner]bool{}
	}
	r.Nodes[node][owner] = true
}

// SyncStream recomputes the member-pid watches required by one stream's
// current member set and returns the monitor/demonitor effects needed to
// move from the previous watch set to the new one.
func (r *Registry) SyncStream(streamID ids.StreamId, members map[ids.Node]member.Member) []Effect {
	wanted := map[ids.Pid]ids.Node{}
	for node, m := range members {
		if m.State.Kind == member.Running && !m.State.Pid.IsZero() {
			wanted[m.State.Pid] = node
		}
	}

	var effects []Effect
	owner := func(node ids.Node) Owner { return Owner{Reason: ReasonMember, StreamID: streamID, Node: node} }

	// Drop watches this stream no longer needs.
	for pid, owners := range r.Pids {
		for o := range owners {
			if o.Reason != ReasonMember || o.StreamID != streamID {
				continue
			}
			if _, ok := wanted[pid]; ok && wanted[pid] == o.Node {
				continue
			}
			delete(owners, o)
			if len(owners) == 0 {
				delete(r.Pids, pid)
				effects = append(effects, Effect{Kind: DemonitorPid, Pid: pid})
			}
		}
	}
	// Add watches this stream newly needs.
	for pid, node := range wanted {
		o := owner(node)
		if r.Pids[pid][o] {
			continue
		}
		first := len(r.Pids[pid]) == 0
		r.want(pid, o)
		if first {
			effects = append(effects, Effect{Kind: MonitorPid, Pid: pid})
		}
	}
	return effects
}

// RegisterListener records a watch on a listener pid and returns a
// MonitorPid effect if this is the first reason to watch it.
func (r *Registry) RegisterListener(pid ids.Pid) []Effect {
	o := Owner{Reason: ReasonListener}
	if r.Pids[pid][o] {
		return nil
	}
	first := len(r.Pids[pid]) == 0
	r.want(pid, o)
	if first {
		return []Effect{{Kind: MonitorPid, Pid: pid}}
	}
	return nil
}

// WatchNode ensures a node-up watch exists for node, e.g. after a member is
// put to sleep waiting for its node to rejoin the cluster.
func (r *Registry) WatchNode(node ids.Node, streamID ids.StreamId) []Effect {
	o := Owner{Reason: ReasonMember, StreamID: streamID, Node: node}
	if r.Nodes[node][o] {
		return nil
	}
	first := len(r.Nodes[node]) == 0
	r.wantNode(node, o)
	if first {
		return []Effect{{Kind: MonitorNode, Node: node}}
	}
	return nil
}

// Down removes every watch entry for pid (it has fired) and returns the
// owners that were watching it, so the dispatcher can route the down event.
func (r *Registry) Down(pid ids.Pid) []Owner {
	owners := r.Pids[pid]
	delete(r.Pids, pid)
	out := make([]Owner, 0, len(owners))
	for o := range owners {
		out = append(out, o)
	}
	return out
}

// NodeUp removes every watch entry for node (it has fired) and returns the
// owning streams to replay nodeup into.
func (r *Registry) NodeUp(node ids.Node) []Owner {
	owners := r.Nodes[node]
	delete(r.Nodes, node)
	out := make([]Owner, 0, len(owners))
	for o := range owners {
		out = append(out, o)
	}
	return out
}

// Reissue returns a MonitorPid effect for every pid and a MonitorNode
// effect for every node currently tracked, without altering the registry.
// It is used when the replicated machine itself gains raft leadership:
// whatever monitor links the previous leader held are gone, so the new
// leader must ask the runtime to re-establish every one of them (§4.5).
func (r *Registry) Reissue() []Effect {
	effects := make([]Effect, 0, len(r.Pids)+len(r.Nodes))
	for pid := range r.Pids {
		effects = append(effects, Effect{Kind: MonitorPid, Pid: pid})
	}
	for node := range r.Nodes {
		effects = append(effects, Effect{Kind: MonitorNode, Node: node})
	}
	return effects
}
