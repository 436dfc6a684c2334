/*
Package member implements the per-node, per-stream Member state described
in the coordinator's data model: one replica's desired and observed state
on one node for one stream.

A Member never talks to the network itself; it is a plain value mutated
only by package stream's update_stream and read by package evaluator to
decide what aux action, if any, is outstanding or due.
*/
package member

import (
	"github.com/streamkit/coordinator/pkg/ids"
)

// Role pairs a member's kind (writer or replica) with the epoch it was
// assigned that kind in.
type Role struct {
	Kind  Kind
	Epoch ids.Epoch
}

// Kind distinguishes a writer member from a replica member.
type Kind int

const (
	Replica Kind = iota
	Writer
)

func (k Kind) String() string {
	if k == Writer {
		return "writer"
	}
	return "replica"
}

// StateKind enumerates the observed-state variants a Member can be in.
type StateKind int

const (
	// Ready means the member is constructed but not yet started in its
	// current epoch.
	Ready StateKind = iota
	// Running means the process is alive and serving.
	Running
	// Stopped means the member gracefully stopped and reported a tail.
	Stopped
	// Disconnected means the last-known pid is unreachable (node down).
	Disconnected
	// Down means the pid is known-dead.
	Down
	// Deleted is terminal.
	Deleted
)

func (s StateKind) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Disconnected:
		return "disconnected"
	case Down:
		return "down"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// State is the observed state of a member: a StateKind tagged with the
// epoch it was observed in, plus whichever of {Pid, Tail} that variant
// carries.
type State struct {
	Kind  StateKind
	Epoch ids.Epoch
	Pid   ids.Pid  // set for Running, Disconnected
	Tail  ids.Tail // set for Stopped
}

func ReadyState(epoch ids.Epoch) State { return State{Kind: Ready, Epoch: epoch} }
func RunningState(epoch ids.Epoch, pid ids.Pid) State {
	return State{Kind: Running, Epoch: epoch, Pid: pid}
}
func StoppedState(epoch ids.Epoch, tail ids.Tail) State {
	return State{Kind: Stopped, Epoch: epoch, Tail: tail}
}
func DisconnectedState(epoch ids.Epoch, pid ids.Pid) State {
	return State{Kind: Disconnected, Epoch: epoch, Pid: pid}
}
func DownState(epoch ids.Epoch) State { return State{Kind: Down, Epoch: epoch} }
func DeletedState() State             { return State{Kind: Deleted} }

// Target is the desired state a member is being driven towards.
type Target int

const (
	TargetRunning Target = iota
	TargetStopped
	TargetDeleted
)

func (t Target) String() string {
	switch t {
	case TargetRunning:
		return "running"
	case TargetStopped:
		return "stopped"
	case TargetDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ActionTag names the aux action kind currently in flight for a member.
type ActionTag string

const (
	ActionStarting ActionTag = "starting"
	ActionStopping ActionTag = "stopping"
	ActionDeleting ActionTag = "deleting"
	ActionUpdating ActionTag = "updating"
	ActionSleeping ActionTag = "sleeping" // nodeup wait, tag "nodeup"
)

// Current identifies the single in-flight aux action for a member, if any.
type Current struct {
	Set   bool
	Tag   ActionTag
	Index ids.Index
}

// NoCurrent is the empty (no in-flight action) Current value.
var NoCurrent = Current{}

// Member is one replica's desired and observed state on one node.
type Member struct {
	Node    ids.Node
	Role    Role
	State   State
	Target  Target
	Current Current
	// Conf is the configuration snapshot last shipped to this member. It is
	// an opaque comparable value (stream.Conf) stored by the owning Stream;
	// member itself never inspects its contents.
	Conf interface{}
}

// New constructs a freshly-created member for epoch 1, per new_stream and
// add_replica semantics: ready, with its role and target supplied by the
// caller.
func New(node ids.Node, role Role, target Target) Member {
	return Member{
		Node:    node,
		Role:    role,
		State:   ReadyState(role.Epoch),
		Target:  target,
		Current: NoCurrent,
	}
}

// IsDeleted reports whether the member has reached its terminal state.
func (m Member) IsDeleted() bool {
	return m.Target == TargetDeleted && m.State.Kind == Deleted
}

// CheckInvariants validates invariants 1-3 of §3.2 for this member against
// its owning stream's epoch. It never mutates m; callers use it in tests
// and defensive assertions.
func (m Member) CheckInvariants(streamEpoch ids.Epoch) []string {
	var violations []string
	if m.Current.Set && m.Current.Tag == "" {
		violations = append(violations, "current set but no action tag")
	}
	if m.Role.Epoch > streamEpoch {
		violations = append(violations, "role.epoch exceeds stream.epoch")
	}
	if m.State.Epoch > streamEpoch {
		violations = append(violations, "state.epoch exceeds stream.epoch")
	}
	return violations
}
