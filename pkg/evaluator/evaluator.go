/*
Package evaluator is the idempotent reconciliation step run after every
command: given a stream's current member data, decide what aux action (if
any) each member still needs, sync the monitor registry to match the
members that now need watching, and let the listener registry decide who
needs notifying. It never mutates stream membership itself — only the
bookkeeping fields (Current, Catalog, ReplyTo) that record an action as
scheduled — and running it twice in a row on unchanged input produces no
new effects, exactly like reconciler.Reconciler's desired-vs-actual loop.
*/
package evaluator

import (
	"github.com/streamkit/coordinator/pkg/aux"
	"github.com/streamkit/coordinator/pkg/effect"
	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/listener"
	"github.com/streamkit/coordinator/pkg/member"
	"github.com/streamkit/coordinator/pkg/monitor"
	"github.com/streamkit/coordinator/pkg/stream"
)

// Evaluate reconciles one stream against its desired state and returns
// every effect the runtime must now perform. meta.Index is stamped onto
// every newly scheduled action so its eventual result can be matched back
// to the member's Current field.
func Evaluate(meta Meta, s *stream.Stream, monitors *monitor.Registry) []effect.Effect {
	var effects []effect.Effect

	for node, m := range s.Members {
		if next, eff, ok := evaluateMember(meta, s, node, m); ok {
			s.Members[node] = next
			effects = append(effects, eff...)
		}
	}

	for _, eff := range monitors.SyncStream(s.ID, s.Members) {
		effects = append(effects, effect.Monitor{Effect: eff})
	}

	reg, notes := listener.Evaluate(s.Listen, s.Members, s.Epoch, s.QueueRef)
	s.Listen = reg
	for _, n := range notes {
		effects = append(effects, effect.Notify{Notification: n})
	}

	return effects
}

// Meta carries the per-command context evaluator needs but does not own:
// the command's log index, stamped onto newly scheduled actions.
type Meta struct {
	Index ids.Index
}

// evaluateMember looks at one member's desired Target against its
// observed State and Current, and decides whether to schedule an action.
// It returns the (possibly updated) member, the effects to emit, and
// whether anything changed.
func evaluateMember(meta Meta, s *stream.Stream, node ids.Node, m member.Member) (member.Member, []effect.Effect, bool) {
	if m.Current.Set {
		return m, nil, false // one action in flight at a time
	}

	switch m.Target {
	case member.TargetRunning:
		return evaluateRunning(meta, s, node, m)
	case member.TargetStopped:
		return evaluateStopped(meta, s, node, m)
	case member.TargetDeleted:
		return evaluateDeleted(meta, s, node, m)
	}
	return m, nil, false
}

func evaluateRunning(meta Meta, s *stream.Stream, node ids.Node, m member.Member) (member.Member, []effect.Effect, bool) {
	switch m.State.Kind {
	case member.Ready, member.Stopped, member.Down, member.Disconnected:
		kind := aux.StartReplica
		var leaderPid ids.Pid
		if m.Role.Kind == member.Writer {
			kind = aux.StartWriter
		} else if writer, ok := writerPid(s); ok {
			leaderPid = writer
		} else {
			// No writer running yet for replicas to fetch from; wait.
			return m, nil, false
		}
		m.Current = member.Current{Set: true, Tag: member.ActionStarting, Index: meta.Index}
		m.Conf = s.Conf
		return m, []effect.Effect{effect.AuxAction{Action: aux.Action{
			StreamID: s.ID, Node: node, Kind: kind, Epoch: m.Role.Epoch,
			Index: meta.Index, LeaderPid: leaderPid, Conf: s.Conf,
		}}}, true

	case member.Running:
		return evaluateRunningMember(meta, s, node, m)
	}
	return m, nil, false
}

// evaluateRunningMember handles a member that is already running and
// targeted running: it may still need a catalog update (and, for the
// writer, to fulfil a deferred reply) or a retention update.
func evaluateRunningMember(meta Meta, s *stream.Stream, node ids.Node, m member.Member) (member.Member, []effect.Effect, bool) {
	var effects []effect.Effect
	changed := false

	if m.Role.Kind == member.Writer && s.RetentionSent != s.Conf.Retention {
		s.RetentionSent = s.Conf.Retention
		m.Current = member.Current{Set: true, Tag: member.ActionUpdating, Index: meta.Index}
		return m, []effect.Effect{effect.AuxAction{Action: aux.Action{
			StreamID: s.ID, Node: node, Kind: aux.UpdateRetention, Epoch: m.Role.Epoch, Index: meta.Index, Conf: s.Conf,
		}}}, true
	}

	if m.Role.Kind == member.Writer && s.Catalog.Status == stream.CatalogUpdated && s.Catalog.Epoch < m.Role.Epoch {
		s.Catalog = stream.CatalogState{Status: stream.CatalogUpdating, Epoch: m.Role.Epoch}
		effects = append(effects, effect.AuxAction{Action: aux.Action{
			StreamID: s.ID, Node: node, Kind: aux.UpdateCatalog, Epoch: m.Role.Epoch, Index: meta.Index,
		}})
		if s.ReplyTo != nil {
			effects = append(effects, effect.Reply{To: *s.ReplyTo, Value: m.State.Pid})
			s.ReplyTo = nil
		}
		changed = true
	}

	return m, effects, changed
}

func evaluateStopped(meta Meta, s *stream.Stream, node ids.Node, m member.Member) (member.Member, []effect.Effect, bool) {
	switch m.State.Kind {
	case member.Running:
		m.Current = member.Current{Set: true, Tag: member.ActionStopping, Index: meta.Index}
		return m, []effect.Effect{effect.AuxAction{Action: aux.Action{
			StreamID: s.ID, Node: node, Kind: aux.Stop, Epoch: m.Role.Epoch, Index: meta.Index,
		}}}, true
	}
	return m, nil, false
}

func evaluateDeleted(meta Meta, s *stream.Stream, node ids.Node, m member.Member) (member.Member, []effect.Effect, bool) {
	if m.State.Kind == member.Deleted {
		return m, nil, false
	}
	m.Current = member.Current{Set: true, Tag: member.ActionDeleting, Index: meta.Index}
	return m, []effect.Effect{effect.AuxAction{Action: aux.Action{
		StreamID: s.ID, Node: node, Kind: aux.DeleteMember, Epoch: m.Role.Epoch, Index: meta.Index,
	}}}, true
}

func writerPid(s *stream.Stream) (ids.Pid, bool) {
	for _, m := range s.Members {
		if m.Role.Kind == member.Writer && m.Role.Epoch == s.Epoch && m.State.Kind == member.Running {
			return m.State.Pid, true
		}
	}
	return ids.Pid{}, false
}
