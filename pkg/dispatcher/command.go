package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/listener"
	"github.com/streamkit/coordinator/pkg/sac"
	"github.com/streamkit/coordinator/pkg/stream"
)

// Command is the sum type of every operation the machine accepts. Each
// variant is a plain struct; Dispatch type-switches on the concrete type
// rather than a string tag. The switch is not checked for exhaustiveness:
// a variant with no case in it gets an unknown-command error reply.
type Command interface {
	commandOp() string
}

type NewStream struct {
	ID       ids.StreamId
	QueueRef string
	Conf     stream.Conf
	ReplyTo  *stream.ReplyAddress
}

type DeleteStream struct {
	ID ids.StreamId
}

type AddReplica struct {
	ID   ids.StreamId
	Node ids.Node
}

type DeleteReplica struct {
	ID   ids.StreamId
	Node ids.Node
}

type PolicyChanged struct {
	ID   ids.StreamId
	Conf stream.Conf
}

type MemberStarted struct {
	ID    ids.StreamId
	Node  ids.Node
	Epoch ids.Epoch
	Index ids.Index
	Pid   ids.Pid
}

type MemberStopped struct {
	ID    ids.StreamId
	Node  ids.Node
	Epoch ids.Epoch
	Index ids.Index
	Tail  ids.Tail
}

type MemberDeleted struct {
	ID    ids.StreamId
	Node  ids.Node
	Index ids.Index
}

// ActionCompleted records a successful update_catalog or update_retention
// aux result: these carry no payload beyond clearing the member's Current.
type ActionCompleted struct {
	ID    ids.StreamId
	Node  ids.Node
	Index ids.Index
}

type ActionFailed struct {
	ID    ids.StreamId
	Node  ids.Node
	Index ids.Index
	Err   string
}

// Down reports a monitored pid as dead; it is routed by the monitor
// registry rather than naming a stream directly, since one pid can be
// watched for more than one reason.
type Down struct {
	Pid    ids.Pid
	Reason string
}

// NodeUp reports a monitored node as having rejoined the cluster.
type NodeUp struct {
	Node ids.Node
}

type RegisterListener struct {
	ID   ids.StreamId
	Pid  ids.Pid
	Kind listener.Kind
	Node ids.Node // only meaningful when Kind == listener.LocalMember
}

type SacJoin struct {
	StreamID ids.StreamId
	Group    sac.GroupId
	Pid      ids.Pid
}

type SacLeave struct {
	StreamID ids.StreamId
	Pid      ids.Pid
}

// MachineVersion runs upgrade migrations for every integer step in
// [From, To), bumping state.MachineVersion and every live stream's
// MachineVersion field (which gates the election tie-break comparator, see
// stream.SelectLeader) as it goes.
type MachineVersion struct {
	From int
	To   int
}

func (NewStream) commandOp() string        { return "new_stream" }
func (DeleteStream) commandOp() string      { return "delete_stream" }
func (AddReplica) commandOp() string        { return "add_replica" }
func (DeleteReplica) commandOp() string     { return "delete_replica" }
func (PolicyChanged) commandOp() string     { return "policy_changed" }
func (MemberStarted) commandOp() string     { return "member_started" }
func (MemberStopped) commandOp() string     { return "member_stopped" }
func (MemberDeleted) commandOp() string     { return "member_deleted" }
func (ActionCompleted) commandOp() string   { return "action_completed" }
func (ActionFailed) commandOp() string      { return "action_failed" }
func (Down) commandOp() string              { return "down" }
func (NodeUp) commandOp() string            { return "nodeup" }
func (RegisterListener) commandOp() string  { return "register_listener" }
func (SacJoin) commandOp() string           { return "sac_join" }
func (SacLeave) commandOp() string          { return "sac_leave" }
func (MachineVersion) commandOp() string    { return "machine_version" }

// Envelope is the wire shape every command is wrapped in before it goes
// into the raft log: an op tag plus the concrete command's JSON, mirroring
// manager.WarrenFSM's Command{Op, Data} envelope.
type Envelope struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps cmd into a raft-log-ready Envelope.
func Encode(cmd Command) (Envelope, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Op: cmd.commandOp(), Data: data}, nil
}

// Decode unwraps an Envelope back into its concrete Command type.
func Decode(env Envelope) (Command, error) {
	switch env.Op {
	case "new_stream":
		var c NewStream
		return c, unmarshal(env.Data, &c)
	case "delete_stream":
		var c DeleteStream
		return c, unmarshal(env.Data, &c)
	case "add_replica":
		var c AddReplica
		return c, unmarshal(env.Data, &c)
	case "delete_replica":
		var c DeleteReplica
		return c, unmarshal(env.Data, &c)
	case "policy_changed":
		var c PolicyChanged
		return c, unmarshal(env.Data, &c)
	case "member_started":
		var c MemberStarted
		return c, unmarshal(env.Data, &c)
	case "member_stopped":
		var c MemberStopped
		return c, unmarshal(env.Data, &c)
	case "member_deleted":
		var c MemberDeleted
		return c, unmarshal(env.Data, &c)
	case "action_completed":
		var c ActionCompleted
		return c, unmarshal(env.Data, &c)
	case "action_failed":
		var c ActionFailed
		return c, unmarshal(env.Data, &c)
	case "down":
		var c Down
		return c, unmarshal(env.Data, &c)
	case "nodeup":
		var c NodeUp
		return c, unmarshal(env.Data, &c)
	case "register_listener":
		var c RegisterListener
		return c, unmarshal(env.Data, &c)
	case "sac_join":
		var c SacJoin
		return c, unmarshal(env.Data, &c)
	case "sac_leave":
		var c SacLeave
		return c, unmarshal(env.Data, &c)
	case "machine_version":
		var c MachineVersion
		return c, unmarshal(env.Data, &c)
	default:
		return nil, fmt.Errorf("dispatcher: unknown command op %q", env.Op)
	}
}

func unmarshal(data json.RawMessage, v Command) error {
	return json.Unmarshal(data, v)
}
