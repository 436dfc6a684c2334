/*
Package stream implements the deterministic per-stream state machine: the
Stream's membership, epoch, and configuration, and every pure transition
function that advances it in response to a command. It has no knowledge of
raft, aux executors, or the network — every function here is a plain value
transformation so that two replicas applying the same sequence of calls in
the same order always end up bit-for-bit identical.

This is the generalization of manager.WarrenFSM's single flat command
switch into a per-aggregate transition set: where the teacher dispatched
directly to a storage.Store, here every transition mutates a *Stream value
in place and reports what, if anything, went wrong.
*/
package stream

import (
	"errors"
	"time"

	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/listener"
	"github.com/streamkit/coordinator/pkg/member"
)

var (
	// ErrLastStreamMember is returned by DeleteReplica when removing the
	// node would leave the stream with fewer than two non-deleted members.
	ErrLastStreamMember = errors.New("stream: cannot remove the last replica")
	// ErrUnknownMember is returned when a command names a node that has no
	// member in the stream.
	ErrUnknownMember = errors.New("stream: no such member")
	// ErrAlreadyMember is returned by AddReplica when the node is already
	// present and not deleted.
	ErrAlreadyMember = errors.New("stream: node is already a member")
	// ErrStreamDeleted is returned by any command applied to a stream whose
	// Target is already TargetDeleted.
	ErrStreamDeleted = errors.New("stream: stream is deleted")
)

// Stream is one stream's complete replicated state.
type Stream struct {
	ID       ids.StreamId
	Epoch    ids.Epoch
	Members  map[ids.Node]member.Member
	QueueRef string
	Conf     Conf
	Target   Target
	ReplyTo  *ReplyAddress
	Catalog  CatalogState
	Listen   listener.Registry
	// MachineVersion records which generation of transition semantics
	// produced this value; package migrate upgrades older values before
	// they ever reach these functions.
	MachineVersion int
	// RetentionSent is the retention value last shipped to the writer via
	// an update_retention action, used by evaluator to avoid re-sending an
	// unchanged policy on every evaluation.
	RetentionSent time.Duration
}

// CurrentMachineVersion is the machine version new state is created at.
// Version 0 only describes state written before the corrected leader
// comparator existed (see SelectLeader).
const CurrentMachineVersion = 3

// New constructs a brand-new stream at epoch 1 with every configured node
// ready: the leader node as writer, every replica node as replica, all
// targeted running.
func New(id ids.StreamId, queueRef string, conf Conf, replyTo *ReplyAddress) *Stream {
	const epoch ids.Epoch = 1
	members := make(map[ids.Node]member.Member, len(conf.AllNodes()))
	members[conf.LeaderNode] = member.New(conf.LeaderNode, member.Role{Kind: member.Writer, Epoch: epoch}, member.TargetRunning)
	for _, n := range conf.ReplicaNodes {
		members[n] = member.New(n, member.Role{Kind: member.Replica, Epoch: epoch}, member.TargetRunning)
	}
	return &Stream{
		ID:       id,
		Epoch:    epoch,
		Members:  members,
		QueueRef: queueRef,
		Conf:     conf,
		Target:   TargetRunning,
		ReplyTo:  replyTo,
		Catalog:       CatalogState{Status: CatalogUpdated, Epoch: 0},
		Listen:        listener.Registry{},
		RetentionSent: conf.Retention,
		MachineVersion: CurrentMachineVersion,
	}
}

// Delete marks every member and the stream itself for deletion. The
// stream is not removed from the global state here; evaluator drives each
// member to member.Deleted first, and MemberDeleted tears the entry down
// once the last one reports in.
func (s *Stream) Delete() {
	s.Target = TargetDeleted
	s.ReplyTo = nil
	for n, m := range s.Members {
		m.Target = member.TargetDeleted
		s.Members[n] = m
	}
}

// nonDeletedCount counts members that have not yet reached member.Deleted.
func (s *Stream) nonDeletedCount() int {
	n := 0
	for _, m := range s.Members {
		if !m.IsDeleted() {
			n++
		}
	}
	return n
}

// forceCycle retargets every running member to stopped, the "force cycle"
// used by AddReplica and DeleteReplica to trigger a fresh election that
// takes the membership change into account.
func (s *Stream) forceCycle(except ids.Node) {
	for n, m := range s.Members {
		if n == except || m.Target != member.TargetRunning {
			continue
		}
		m.Target = member.TargetStopped
		s.Members[n] = m
	}
}

// AddReplica admits a new replica member at the stream's current epoch,
// targeted stopped, and force-cycles every other running member so the
// next election includes it.
func (s *Stream) AddReplica(node ids.Node) error {
	if s.Target == TargetDeleted {
		return ErrStreamDeleted
	}
	if m, ok := s.Members[node]; ok && !m.IsDeleted() {
		return ErrAlreadyMember
	}
	s.Members[node] = member.New(node, member.Role{Kind: member.Replica, Epoch: s.Epoch}, member.TargetStopped)
	s.forceCycle(node)
	return nil
}

// DeleteReplica marks node for removal, refusing to drop below two
// surviving members, and force-cycles the rest to retarget the election.
func (s *Stream) DeleteReplica(node ids.Node) error {
	if s.Target == TargetDeleted {
		return ErrStreamDeleted
	}
	m, ok := s.Members[node]
	if !ok || m.IsDeleted() {
		return ErrUnknownMember
	}
	if s.nonDeletedCount() <= 2 {
		return ErrLastStreamMember
	}
	m.Target = member.TargetDeleted
	s.Members[node] = m
	s.forceCycle(node)
	return nil
}

// MemberDeleted removes node's member entry once the aux executor confirms
// it has been torn down. It returns true if the stream itself has now lost
// every member and should be dropped from the global state.
func (s *Stream) MemberDeleted(node ids.Node, index ids.Index) (destroyed bool) {
	m, ok := s.Members[node]
	if !ok {
		return false
	}
	if m.Current.Set && m.Current.Tag == member.ActionDeleting && m.Current.Index != index {
		return false // stale result, ignore
	}
	m.State = member.DeletedState()
	m.Current = member.NoCurrent
	s.Members[node] = m
	if s.Target != TargetDeleted {
		return false
	}
	return s.nonDeletedCount() == 0
}

// ActionCompleted clears node's outstanding action when index matches and
// the action was neither a start nor a stop (those carry their own result
// payload and go through MemberStarted/MemberStopped instead): this is the
// landing spot for update_catalog and update_retention confirmations.
func (s *Stream) ActionCompleted(node ids.Node, index ids.Index) error {
	m, ok := s.Members[node]
	if !ok {
		return ErrUnknownMember
	}
	if !m.Current.Set || m.Current.Index != index {
		return nil
	}
	m.Current = member.NoCurrent
	s.Members[node] = m
	return nil
}

// PolicyChanged replaces the stream's configuration, e.g. a retention
// change shipped down from the operator. Nodes/leader/replica-set layout is
// left untouched here; membership changes go through AddReplica/DeleteReplica.
func (s *Stream) PolicyChanged(conf Conf) {
	s.Conf = conf
}

// MemberStarted records that node's aux action to start (as writer or
// replica) has completed, gated on the reported index matching the
// member's outstanding Current action.
func (s *Stream) MemberStarted(node ids.Node, epoch ids.Epoch, index ids.Index, pid ids.Pid) error {
	m, ok := s.Members[node]
	if !ok {
		return ErrUnknownMember
	}
	if !m.Current.Set || m.Current.Tag != member.ActionStarting || m.Current.Index != index {
		return nil // stale result, ignore
	}
	m.State = member.RunningState(epoch, pid)
	m.Current = member.NoCurrent
	s.Members[node] = m
	return nil
}

// MemberStopped records that node's aux action to stop has completed,
// gated the same way as MemberStarted. If this stop closes out a quorum at
// the stream's current epoch, it runs the election inline and advances the
// stream epoch. It returns whether an election actually happened.
func (s *Stream) MemberStopped(node ids.Node, epoch ids.Epoch, index ids.Index, tail ids.Tail) (elected bool, err error) {
	m, ok := s.Members[node]
	if !ok {
		return false, ErrUnknownMember
	}
	if !m.Current.Set || m.Current.Tag != member.ActionStopping || m.Current.Index != index {
		return false, nil
	}
	m.State = member.StoppedState(epoch, tail)
	m.Current = member.NoCurrent
	s.Members[node] = m

	// Late joiner: if a writer is already serving this stream's current
	// epoch, this member can skip straight to ready rather than wait for a
	// quorum that already happened.
	if m.Role.Kind == member.Replica && m.Target == member.TargetRunning {
		if writer, ok := s.writerAt(s.Epoch); ok && writer.State.Kind == member.Running {
			m.State = member.ReadyState(s.Epoch)
			s.Members[node] = m
			return false, nil
		}
	}

	// update_target: a member force-cycled to stopped (AddReplica,
	// DeleteReplica, a downed writer, or a failed writer start) that now
	// reports its stop at the stream's current epoch is a live candidate for
	// the pending election again. Restore its target to running so
	// maybeElect's quorum filter can see it; a member targeted deleted is
	// left alone; it is being torn down, not re-elected.
	if epoch == s.Epoch && m.Target == member.TargetStopped {
		m.Target = member.TargetRunning
		s.Members[node] = m
	}

	return s.maybeElect(), nil
}

// writerAt returns the member holding the writer role at epoch, if any.
func (s *Stream) writerAt(epoch ids.Epoch) (member.Member, bool) {
	for _, m := range s.Members {
		if m.Role.Kind == member.Writer && m.Role.Epoch == epoch {
			return m, true
		}
	}
	return member.Member{}, false
}

// quorum is the minimum number of stopped-and-reporting members required
// before a new leader can be elected: a strict majority of the nodes
// configured for the stream (deleted members do not count).
func quorum(total int) int {
	return total/2 + 1
}

// isPendingAdmission reports whether m is a replica added by AddReplica that
// has never run: targeted stopped from creation, it never gets a stop action
// from evaluator (evaluateStopped only fires on State.Kind==Running) and so
// can never itself report in. It sits out the quorum count it could never
// contribute to, and rides along into whatever epoch the real membership
// next elects.
func isPendingAdmission(m member.Member) bool {
	return m.Target == member.TargetStopped && m.State.Kind == member.Ready
}

// maybeElect checks whether enough members targeted running have now
// stopped and reported a tail at the stream's current epoch to run an
// election, and if so runs it. It returns whether an election happened.
func (s *Stream) maybeElect() bool {
	type candidate struct {
		node ids.Node
		tail ids.Tail
	}
	var candidates []candidate
	total := 0
	for n, m := range s.Members {
		if m.IsDeleted() || isPendingAdmission(m) {
			continue
		}
		total++
		if m.Target != member.TargetRunning {
			continue
		}
		if m.State.Kind == member.Stopped && m.State.Epoch == s.Epoch {
			candidates = append(candidates, candidate{node: n, tail: m.State.Tail})
		}
	}
	if len(candidates) < quorum(total) {
		return false
	}

	pairs := make([]Candidate, len(candidates))
	for i, c := range candidates {
		pairs[i] = Candidate{Node: c.node, Tail: c.tail}
	}
	winner := SelectLeader(pairs, s.MachineVersion)

	next := s.Epoch + 1
	for n, m := range s.Members {
		if m.IsDeleted() || m.Target == member.TargetDeleted {
			continue
		}
		kind := member.Replica
		if n == winner {
			kind = member.Writer
		}
		m.Role = member.Role{Kind: kind, Epoch: next}
		m.State = member.ReadyState(next)
		m.Target = member.TargetRunning
		s.Members[n] = m
	}
	s.Epoch = next
	return true
}

// ActionFailed clears node's outstanding action when index matches. If the
// failed action was starting the writer, it reverts every running target
// to stopped so the stream retries the whole election rather than getting
// stuck with a half-started epoch.
func (s *Stream) ActionFailed(node ids.Node, index ids.Index) error {
	m, ok := s.Members[node]
	if !ok {
		return ErrUnknownMember
	}
	if !m.Current.Set || m.Current.Index != index {
		return nil
	}
	wasWriterStart := m.Role.Kind == member.Writer && m.Current.Tag == member.ActionStarting
	m.Current = member.NoCurrent
	s.Members[node] = m
	if wasWriterStart {
		s.forceCycle("")
	}
	return nil
}

// Down reports that pid (the last known pid for node's member) has been
// observed dead. A downed writer force-cycles every running member so a
// new election starts; a downed replica simply marks itself down, or
// disconnected if the node itself is unreachable.
func (s *Stream) Down(node ids.Node, reason string) error {
	m, ok := s.Members[node]
	if !ok {
		return ErrUnknownMember
	}
	wasWriter := m.Role.Kind == member.Writer && m.Role.Epoch == s.Epoch
	if reason == "noconnection" && m.Role.Kind != member.Writer {
		m.State = member.DisconnectedState(m.State.Epoch, m.State.Pid)
	} else {
		m.State = member.DownState(m.State.Epoch)
	}
	s.Members[node] = m
	if wasWriter {
		s.forceCycle("")
	}
	return nil
}

// NodeUp clears the sleeping/nodeup action for every member on node,
// letting evaluator re-schedule whatever they were waiting to do.
func (s *Stream) NodeUp(node ids.Node) {
	for n, m := range s.Members {
		if n != node {
			continue
		}
		if m.Current.Set && m.Current.Tag == member.ActionSleeping {
			m.Current = member.NoCurrent
			s.Members[n] = m
		}
	}
}
