/*
Package dispatcher is the single entry point every replicated command goes
through: it holds the global State (all streams, the monitor registry, and
the SAC table), routes one Command to the right stream-level transition,
runs evaluator over whatever stream changed, and returns a Reply for the
command's originator plus the side effects the runtime must now perform.

This is the generalization of manager.WarrenFSM.Apply's big Op switch: the
teacher decoded JSON directly into a flat switch over storage.Store calls,
one per resource type; here the switch is over typed Command values
(decoded once, upstream in package coordinator) and every case ends by
running the same evaluate-and-collect-effects tail instead of a bespoke
store call per case.
*/
package dispatcher

import (
	"fmt"

	"github.com/streamkit/coordinator/pkg/aux"
	"github.com/streamkit/coordinator/pkg/effect"
	"github.com/streamkit/coordinator/pkg/evaluator"
	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/listener"
	"github.com/streamkit/coordinator/pkg/metrics"
	"github.com/streamkit/coordinator/pkg/monitor"
	"github.com/streamkit/coordinator/pkg/sac"
	"github.com/streamkit/coordinator/pkg/stream"
)

// State is the coordinator's complete replicated state: every stream, the
// pid/node monitor table, and the SAC group table. It is what package
// coordinator snapshots and restores; dispatcher only ever mutates it
// in-place through Dispatch.
type State struct {
	Streams        map[ids.StreamId]*stream.Stream
	Monitors       *monitor.Registry
	Sac            sac.State
	MachineVersion int
}

// NewState returns an empty, ready-to-use State at
// stream.CurrentMachineVersion.
func NewState() *State {
	return &State{
		Streams:        map[ids.StreamId]*stream.Stream{},
		Monitors:       monitor.NewRegistry(),
		Sac:            sac.NewState(),
		MachineVersion: stream.CurrentMachineVersion,
	}
}

// Meta is the per-command context supplied by the runtime applying it:
// the log index this command was committed at.
type Meta struct {
	Index ids.Index
}

// ReplyKind classifies the synchronous reply returned to the command's
// originator, distinct from the deferred reply_to mechanism carried as an
// effect.Reply.
type ReplyKind int

const (
	ReplyOK ReplyKind = iota
	ReplyError
	ReplyNoReply
)

// Reply is the dispatcher's synchronous response to one command.
type Reply struct {
	Kind  ReplyKind
	Err   string
	Value interface{}
}

func ok(v interface{}) Reply     { return Reply{Kind: ReplyOK, Value: v} }
func errReply(err error) Reply   { return Reply{Kind: ReplyError, Err: err.Error()} }
func noReply() Reply             { return Reply{Kind: ReplyNoReply} }
func errString(msg string) Reply { return Reply{Kind: ReplyError, Err: msg} }

// releaseCursorInterval is the number of applied commands between
// release_cursor effects (§4.1's release-cursor policy).
const releaseCursorInterval = 4096

// Dispatch applies one command to state and returns the reply to send the
// originator plus every side effect the runtime must now perform. Any
// panic raised by a transition is recovered and turned into an error
// reply: a single malformed command must never take the whole replica
// down. Every index mod 4096 == 0, a release_cursor effect is appended so
// the runtime may compact its log against the snapshot taken at meta.Index.
func Dispatch(state *State, meta Meta, cmd Command) (reply Reply, effects []effect.Effect) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ApplyDuration)

	op := cmd.commandOp()

	reply, effects = dispatch(state, meta, cmd)
	if meta.Index != 0 && uint64(meta.Index)%releaseCursorInterval == 0 {
		effects = append(effects, effect.ReleaseCursor{Index: meta.Index})
		metrics.ReleaseCursorTotal.Inc()
	}

	metrics.CommandsTotal.WithLabelValues(op, replyKindLabel(reply.Kind)).Inc()
	if reply.Kind == ReplyError {
		metrics.CoordinatorErrorsTotal.WithLabelValues(op).Inc()
	}
	return reply, effects
}

func replyKindLabel(k ReplyKind) string {
	switch k {
	case ReplyOK:
		return "ok"
	case ReplyError:
		return "error"
	default:
		return "no_reply"
	}
}

func dispatch(state *State, meta Meta, cmd Command) (reply Reply, effects []effect.Effect) {
	defer func() {
		if r := recover(); r != nil {
			reply = errString(fmt.Sprintf("dispatcher: command panicked: %v", r))
			effects = nil
			metrics.CoordinatorErrorsTotal.WithLabelValues("panic").Inc()
		}
	}()

	switch c := cmd.(type) {
	case NewStream:
		return dispatchNewStream(state, meta, c)
	case DeleteStream:
		return dispatchDeleteStream(state, meta, c)
	case AddReplica:
		return dispatchAddReplica(state, meta, c)
	case DeleteReplica:
		return dispatchDeleteReplica(state, meta, c)
	case PolicyChanged:
		return dispatchPolicyChanged(state, meta, c)
	case MemberStarted:
		return dispatchMemberStarted(state, meta, c)
	case MemberStopped:
		return dispatchMemberStopped(state, meta, c)
	case MemberDeleted:
		return dispatchMemberDeleted(state, meta, c)
	case ActionCompleted:
		return dispatchActionCompleted(state, meta, c)
	case ActionFailed:
		return dispatchActionFailed(state, meta, c)
	case Down:
		return dispatchDown(state, meta, c)
	case NodeUp:
		return dispatchNodeUp(state, meta, c)
	case RegisterListener:
		return dispatchRegisterListener(state, meta, c)
	case SacJoin:
		state.Sac.Join(c.StreamID, c.Group, c.Pid)
		return noReply(), nil
	case SacLeave:
		state.Sac.Leave(c.StreamID, c.Pid)
		return noReply(), nil
	case MachineVersion:
		return dispatchMachineVersion(state, meta, c)
	default:
		return errString(fmt.Sprintf("dispatcher: unknown command %T", cmd)), nil
	}
}

func lookupStream(state *State, id ids.StreamId) (*stream.Stream, error) {
	s, ok := state.Streams[id]
	if !ok {
		return nil, fmt.Errorf("dispatcher: unknown stream %q", id)
	}
	return s, nil
}

func evaluate(state *State, meta Meta, s *stream.Stream) []effect.Effect {
	return evaluator.Evaluate(evaluator.Meta{Index: meta.Index}, s, state.Monitors)
}

func dispatchNewStream(state *State, meta Meta, c NewStream) (Reply, []effect.Effect) {
	if _, exists := state.Streams[c.ID]; exists {
		return errString(fmt.Sprintf("dispatcher: stream %q already exists", c.ID)), nil
	}
	s := stream.New(c.ID, c.QueueRef, c.Conf, c.ReplyTo)
	s.MachineVersion = state.MachineVersion
	state.Streams[c.ID] = s
	effects := evaluate(state, meta, s)
	if c.ReplyTo != nil {
		return noReply(), effects // the caller is answered later via effect.Reply
	}
	return ok(c.ID), effects
}

func dispatchDeleteStream(state *State, meta Meta, c DeleteStream) (Reply, []effect.Effect) {
	s, err := lookupStream(state, c.ID)
	if err != nil {
		return errReply(err), nil
	}
	s.Delete()
	effects := evaluate(state, meta, s)
	effects = append(effects, eolEffects(s)...)
	return ok(nil), effects
}

func eolEffects(s *stream.Stream) []effect.Effect {
	notes := listener.EOL(s.Listen, s.QueueRef)
	out := make([]effect.Effect, 0, len(notes))
	for _, n := range notes {
		out = append(out, effect.Notify{Notification: n})
	}
	return out
}

func dispatchAddReplica(state *State, meta Meta, c AddReplica) (Reply, []effect.Effect) {
	s, err := lookupStream(state, c.ID)
	if err != nil {
		return errReply(err), nil
	}
	if err := s.AddReplica(c.Node); err != nil {
		return errReply(err), nil
	}
	return ok(nil), evaluate(state, meta, s)
}

func dispatchDeleteReplica(state *State, meta Meta, c DeleteReplica) (Reply, []effect.Effect) {
	s, err := lookupStream(state, c.ID)
	if err != nil {
		return errReply(err), nil
	}
	if err := s.DeleteReplica(c.Node); err != nil {
		return errReply(err), nil
	}
	return ok(nil), evaluate(state, meta, s)
}

func dispatchPolicyChanged(state *State, meta Meta, c PolicyChanged) (Reply, []effect.Effect) {
	s, err := lookupStream(state, c.ID)
	if err != nil {
		return errReply(err), nil
	}
	s.PolicyChanged(c.Conf)
	return ok(nil), evaluate(state, meta, s)
}

func dispatchMemberStarted(state *State, meta Meta, c MemberStarted) (Reply, []effect.Effect) {
	s, err := lookupStream(state, c.ID)
	if err != nil {
		return errReply(err), nil
	}
	if err := s.MemberStarted(c.Node, c.Epoch, c.Index, c.Pid); err != nil {
		return errReply(err), nil
	}
	return noReply(), evaluate(state, meta, s)
}

func dispatchMemberStopped(state *State, meta Meta, c MemberStopped) (Reply, []effect.Effect) {
	s, err := lookupStream(state, c.ID)
	if err != nil {
		return errReply(err), nil
	}
	if _, err := s.MemberStopped(c.Node, c.Epoch, c.Index, c.Tail); err != nil {
		return errReply(err), nil
	}
	return noReply(), evaluate(state, meta, s)
}

func dispatchMemberDeleted(state *State, meta Meta, c MemberDeleted) (Reply, []effect.Effect) {
	s, err := lookupStream(state, c.ID)
	if err != nil {
		return errReply(err), nil
	}
	destroyed := s.MemberDeleted(c.Node, c.Index)
	effects := evaluate(state, meta, s)
	if destroyed {
		delete(state.Streams, c.ID)
	}
	return noReply(), effects
}

func dispatchActionCompleted(state *State, meta Meta, c ActionCompleted) (Reply, []effect.Effect) {
	s, err := lookupStream(state, c.ID)
	if err != nil {
		return errReply(err), nil
	}
	if err := s.ActionCompleted(c.Node, c.Index); err != nil {
		return errReply(err), nil
	}
	return noReply(), evaluate(state, meta, s)
}

func dispatchActionFailed(state *State, meta Meta, c ActionFailed) (Reply, []effect.Effect) {
	s, err := lookupStream(state, c.ID)
	if err != nil {
		return errReply(err), nil
	}
	if err := s.ActionFailed(c.Node, c.Index); err != nil {
		return errReply(err), nil
	}
	return noReply(), evaluate(state, meta, s)
}

func dispatchDown(state *State, meta Meta, c Down) (Reply, []effect.Effect) {
	var effects []effect.Effect
	for _, owner := range state.Monitors.Down(c.Pid) {
		switch owner.Reason {
		case monitor.ReasonMember:
			s, ok := state.Streams[owner.StreamID]
			if !ok {
				continue
			}
			if err := s.Down(owner.Node, c.Reason); err != nil {
				continue
			}
			effects = append(effects, evaluate(state, meta, s)...)
			if c.Reason == "noconnection" {
				effects = append(effects, monitorEffects(state.Monitors.WatchNode(owner.Node, owner.StreamID))...)
			}
		case monitor.ReasonListener:
			for _, s := range state.Streams {
				listener.Unregister(s.Listen, c.Pid)
			}
		case monitor.ReasonSac:
			for id := range state.Sac {
				state.Sac.Leave(id, c.Pid)
			}
		}
	}
	return noReply(), effects
}

func dispatchNodeUp(state *State, meta Meta, c NodeUp) (Reply, []effect.Effect) {
	var effects []effect.Effect
	for _, owner := range state.Monitors.NodeUp(c.Node) {
		s, ok := state.Streams[owner.StreamID]
		if !ok {
			continue
		}
		s.NodeUp(owner.Node)
		effects = append(effects, evaluate(state, meta, s)...)
	}
	return noReply(), effects
}

func dispatchRegisterListener(state *State, meta Meta, c RegisterListener) (Reply, []effect.Effect) {
	s, err := lookupStream(state, c.ID)
	if err != nil {
		return errReply(err), nil
	}
	s.Listen = listener.Register(s.Listen, c.Pid, c.Kind, c.Node)
	effects := evaluate(state, meta, s)
	effects = append(effects, monitorEffects(state.Monitors.RegisterListener(c.Pid))...)
	return ok(nil), effects
}

// dispatchMachineVersion runs every migration step in [c.From, c.To) against
// the live state and bumps MachineVersion accordingly. Legacy on-disk
// snapshots are migrated separately, at Restore time, by package migrate
// operating on raw JSON (see coordinator.Machine.Restore); this command
// instead re-tags already-decoded in-memory state, which only needs its
// MachineVersion markers advanced since every in-memory type already holds
// the current-generation shape.
func dispatchMachineVersion(state *State, meta Meta, c MachineVersion) (Reply, []effect.Effect) {
	if c.From != state.MachineVersion {
		return errString(fmt.Sprintf("dispatcher: machine_version from=%d does not match current version %d", c.From, state.MachineVersion)), nil
	}
	if c.To < c.From {
		return errString("dispatcher: machine_version to must be >= from"), nil
	}

	var effects []effect.Effect
	for v := c.From; v < c.To; v++ {
		state.MachineVersion = v + 1
		for _, s := range state.Streams {
			s.MachineVersion = state.MachineVersion
		}
	}
	for _, s := range state.Streams {
		effects = append(effects, evaluate(state, meta, s)...)
	}
	return ok(state.MachineVersion), effects
}

func monitorEffects(mes []monitor.Effect) []effect.Effect {
	out := make([]effect.Effect, 0, len(mes))
	for _, m := range mes {
		out = append(out, effect.Monitor{Effect: m})
	}
	return out
}

// FromAuxResult translates one aux.Result into the Command that records it
// against the stream's state, bridging the executor's result callback back
// into the replicated log without aux needing to know about Command.
func FromAuxResult(r aux.Result) Command {
	switch r.Kind {
	case aux.MemberStarted:
		return MemberStarted{ID: r.StreamID, Node: r.Node, Epoch: r.Epoch, Index: r.Index, Pid: r.Pid}
	case aux.MemberStopped:
		return MemberStopped{ID: r.StreamID, Node: r.Node, Epoch: r.Epoch, Index: r.Index, Tail: r.Tail}
	case aux.MemberDeleted:
		return MemberDeleted{ID: r.StreamID, Node: r.Node, Index: r.Index}
	case aux.RetentionUpdated, aux.CatalogUpdated:
		return ActionCompleted{ID: r.StreamID, Node: r.Node, Index: r.Index}
	case aux.ActionFailed:
		return ActionFailed{ID: r.StreamID, Node: r.Node, Index: r.Index, Err: r.Err}
	default:
		return ActionCompleted{ID: r.StreamID, Node: r.Node, Index: r.Index}
	}
}
