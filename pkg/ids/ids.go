/*
Package ids defines the opaque identifiers shared across the coordinator:
stream identities, cluster node identities, per-stream epochs, process
identities, command indices, and stopped-member tails.

Every type here is a thin, comparable value so that the deterministic core
(packages member, stream, coordinator, dispatcher, evaluator) never depends
on a concrete cluster runtime's pid format — only equality, ordering, and
node-of-pid are required.
*/
package ids

import "fmt"

// StreamId uniquely identifies a stream cluster-wide.
type StreamId string

// Node identifies a cluster node that can host a stream member.
type Node string

// Epoch is a monotonic, non-negative, per-stream term counter. It strictly
// increases on every leader election.
type Epoch uint64

// Index is the runtime-assigned command index, used to correlate a
// scheduled aux action with the command that scheduled it.
type Index uint64

// Pid is the opaque identity of a log process running on a Node. Two Pids
// are equal only if they were produced by the same start.
type Pid struct {
	Node  Node
	Token string
}

// IsZero reports whether p is the zero-value Pid (no process).
func (p Pid) IsZero() bool {
	return p.Node == "" && p.Token == ""
}

func (p Pid) String() string {
	if p.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s/%s", p.Node, p.Token)
}

// Tail is the highest durable log position reported by a stopped member.
// The zero value is Empty (no tail reported yet).
type Tail struct {
	Empty  bool
	Epoch  Epoch
	Offset uint64
}

// EmptyTail is the tail of a member that has never reported a stop.
var EmptyTail = Tail{Empty: true}

// Less implements the select_leader tie-break ordering for the corrected
// (v1+) comparator: higher epoch wins, then higher offset; an empty tail
// ranks below every non-empty tail. Less reports whether a ranks strictly
// below b: when Less(a,b) is true, b is preferred over a.
func (a Tail) Less(b Tail) bool {
	if a.Empty != b.Empty {
		// a is "less preferred" (sorts after) when a is empty and b isn't.
		return a.Empty
	}
	if a.Empty && b.Empty {
		return false
	}
	if a.Epoch != b.Epoch {
		return a.Epoch < b.Epoch
	}
	return a.Offset < b.Offset
}
