/*
Package listener tracks external parties interested in a stream's leader or
local-replica endpoint, and decides when to notify them.

It is the Go-idiomatic reshape of events.Broker's subscriber map: instead of
broadcasting every event to every subscriber, each listener is addressed
individually and only notified when the specific endpoint it asked about
actually changes.
*/
package listener

import (
	"encoding/json"

	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/member"
)

// Kind distinguishes the two things a listener can watch.
type Kind int

const (
	// Leader listeners want to know the current writer pid for a stream.
	Leader Kind = iota
	// LocalMember listeners want to know the current running member pid on
	// one specific node.
	LocalMember
)

// Key identifies one listener's subscription: a pid, the kind of thing it
// watches, and (for LocalMember) the node it cares about.
type Key struct {
	Pid  ids.Pid
	Kind Kind
	Node ids.Node // only meaningful when Kind == LocalMember
}

// Registry is the per-stream map of active listener subscriptions to the
// last pid they were notified about (§3.3's listeners field).
type Registry map[Key]ids.Pid

// entry is Registry's wire shape: encoding/json cannot use a struct as a
// map key, so a snapshot marshals Registry as a flat slice of entries
// instead of the in-memory map.
type entry struct {
	Pid     ids.Pid
	Kind    Kind
	Node    ids.Node
	LastPid ids.Pid
}

// MarshalJSON encodes the registry as a slice of entries.
func (r Registry) MarshalJSON() ([]byte, error) {
	entries := make([]entry, 0, len(r))
	for k, last := range r {
		entries = append(entries, entry{Pid: k.Pid, Kind: k.Kind, Node: k.Node, LastPid: last})
	}
	return json.Marshal(entries)
}

// UnmarshalJSON decodes a slice of entries back into the registry map.
func (r *Registry) UnmarshalJSON(data []byte) error {
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	reg := make(Registry, len(entries))
	for _, e := range entries {
		reg[Key{Pid: e.Pid, Kind: e.Kind, Node: e.Node}] = e.LastPid
	}
	*r = reg
	return nil
}

// Sink delivers a Notification to its destination pid over whatever
// transport the runtime uses. The deterministic core never depends on a
// concrete transport — package coordinator wires a real Sink in, tests use
// a recording one.
type Sink interface {
	Deliver(Notification)
}

// Event is the shape delivered to a listener pid, mirroring §6.3.
type Event int

const (
	LeaderChange Event = iota
	LocalMemberChange
	EndOfLife
)

// Notification is one outbound message: queue_ref identifies the stream,
// Pid is at last-known notified pid (zero for EOL).
type Notification struct {
	To       ids.Pid
	QueueRef string
	Event    Event
	Pid      ids.Pid
}

// Register adds or replaces a listener's subscription. The caller is
// responsible for also recording a monitor on pid (package monitor).
func Register(reg Registry, pid ids.Pid, kind Kind, node ids.Node) Registry {
	if reg == nil {
		reg = Registry{}
	}
	reg[Key{Pid: pid, Kind: kind, Node: node}] = ids.Pid{}
	return reg
}

// Unregister drops every subscription held by pid, e.g. on down(pid).
func Unregister(reg Registry, pid ids.Pid) {
	for k := range reg {
		if k.Pid == pid {
			delete(reg, k)
		}
	}
}

// currentWriterPid returns the pid of the member holding the writer role at
// the stream's current epoch, if it is running, else the zero Pid.
func currentWriterPid(members map[ids.Node]member.Member, epoch ids.Epoch) ids.Pid {
	for _, m := range members {
		if m.Role.Kind != member.Writer || m.Role.Epoch != epoch {
			continue
		}
		if m.State.Kind == member.Running {
			return m.State.Pid
		}
	}
	return ids.Pid{}
}

// currentNodePid returns the pid of the running member on node n, if any.
func currentNodePid(members map[ids.Node]member.Member, n ids.Node) ids.Pid {
	m, ok := members[n]
	if !ok || m.State.Kind != member.Running {
		return ids.Pid{}
	}
	return m.State.Pid
}

// Evaluate walks reg against the current members and emits a notification
// for every subscription whose observed endpoint changed, skipping members
// whose owning member has target=deleted per §4.4. It returns the updated
// registry (last-notified pids refreshed) and the notifications to send.
func Evaluate(reg Registry, members map[ids.Node]member.Member, epoch ids.Epoch, queueRef string) (Registry, []Notification) {
	if reg == nil {
		return reg, nil
	}
	var notes []Notification
	for k, lastPid := range reg {
		var newPid ids.Pid
		switch k.Kind {
		case Leader:
			newPid = currentWriterPid(members, epoch)
		case LocalMember:
			newPid = currentNodePid(members, k.Node)
		}
		if newPid == lastPid {
			continue
		}
		if m, ok := memberFor(members, k, epoch); ok && m.Target == member.TargetDeleted {
			continue
		}
		event := LeaderChange
		if k.Kind == LocalMember {
			event = LocalMemberChange
		}
		notes = append(notes, Notification{To: k.Pid, QueueRef: queueRef, Event: event, Pid: newPid})
		reg[k] = newPid
	}
	return reg, notes
}

// memberFor resolves the member a listener key is about: the node it names
// for LocalMember, the current epoch's writer for Leader. It is what lets
// §4.4's target=deleted suppression apply to both listener kinds.
func memberFor(members map[ids.Node]member.Member, k Key, epoch ids.Epoch) (member.Member, bool) {
	if k.Kind == LocalMember {
		m, ok := members[k.Node]
		return m, ok
	}
	for _, m := range members {
		if m.Role.Kind == member.Writer && m.Role.Epoch == epoch {
			return m, true
		}
	}
	return member.Member{}, false
}

// EOL emits an end-of-life notification to every distinct listener pid in
// reg. The caller drops reg afterwards (the stream is being destroyed).
func EOL(reg Registry, queueRef string) []Notification {
	seen := map[ids.Pid]bool{}
	var notes []Notification
	for k := range reg {
		if seen[k.Pid] {
			continue
		}
		seen[k.Pid] = true
		notes = append(notes, Notification{To: k.Pid, QueueRef: queueRef, Event: EndOfLife})
	}
	return notes
}
