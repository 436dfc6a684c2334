/*
Package aux defines the coordinator's contract with the asynchronous,
per-member side-process that actually starts, stops, and deletes log
members and ships catalog/retention updates — the "aux" executor described
in the coordinator's design.

The state machine itself never blocks on any of this: evaluator schedules
an Action, and whatever satisfies the Aux interface below eventually calls
back with a Result, which the caller folds back into the machine as an
ordinary replicated command. This package only knows about that contract;
it does not know about raft, dispatcher, or the stream data model beyond
the identifiers needed to route an action.
*/
package aux

import (
	"github.com/streamkit/coordinator/pkg/ids"
)

// ActionKind enumerates the side effects the executor can be asked to run.
// At most one Action may be outstanding per (StreamID, Node) pair at a time
// (the single-in-flight-per-member rule). The evaluator enforces this through
// each member's Current field; Aux implementations do not check it.
type ActionKind int

const (
	StartWriter ActionKind = iota
	StartReplica
	Stop
	DeleteMember
	UpdateCatalog
	UpdateRetention
)

func (k ActionKind) String() string {
	switch k {
	case StartWriter:
		return "start_writer"
	case StartReplica:
		return "start_replica"
	case Stop:
		return "stop"
	case DeleteMember:
		return "delete_member"
	case UpdateCatalog:
		return "update_catalog"
	case UpdateRetention:
		return "update_retention"
	default:
		return "unknown"
	}
}

// Action is one scheduled side effect, addressed at a single member.
type Action struct {
	StreamID ids.StreamId
	Node     ids.Node
	Kind     ActionKind
	Epoch    ids.Epoch
	Index    ids.Index // the command index that scheduled this action
	// LeaderPid is set only for StartReplica: the replica needs to know who
	// to fetch from.
	LeaderPid ids.Pid
	// Conf is the configuration snapshot to ship with the action. It is an
	// opaque value owned by package stream; aux never inspects it.
	Conf interface{}
}

// ResultKind enumerates the outcomes an executor reports back.
type ResultKind int

const (
	MemberStarted ResultKind = iota
	MemberStopped
	MemberDeleted
	RetentionUpdated
	CatalogUpdated
	ActionFailed
)

// Result is what an executor reports back once an Action completes (or
// fails). The caller is responsible for translating a Result into a
// replicated command (see package dispatcher's FromAuxResult).
type Result struct {
	StreamID ids.StreamId
	Node     ids.Node
	Kind     ResultKind
	Epoch    ids.Epoch
	Index    ids.Index
	Pid      ids.Pid  // set for MemberStarted
	Tail     ids.Tail // set for MemberStopped
	Action   ActionKind
	Err      string // set for ActionFailed
}

// Aux is the contract an executor backend must satisfy. Submit must not
// block the caller for longer than scheduling the work; the real work
// happens asynchronously and is reported through the callback passed to
// OnResult.
type Aux interface {
	// Submit schedules action to run. Implementations must serialize
	// actions per (StreamID, Node): a second Submit for the same member
	// before the first resolves is a caller bug.
	Submit(action Action)
	// OnResult registers the callback invoked once per completed or failed
	// action. It must be called exactly once, before the first Submit.
	OnResult(fn func(Result))
	// FailActiveActions implements §4.6's leader-change robustness protocol:
	// when the replicated machine gains leadership, every action still
	// tracked as in-flight for a stream not named in exclude is reported as
	// failed, turning a stranded action into an explicit action_failed so
	// the Evaluator reissues it.
	FailActiveActions(exclude map[ids.StreamId]bool)
}
