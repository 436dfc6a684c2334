/*
Package sac is a deliberately thin stand-in for the single-active-consumer
sub-machine referenced by the coordinator's command set. The upstream
system this spec describes keeps SAC group membership and active-consumer
election fully internal and undocumented at the boundary this coordinator
exposes: commands addressed to a SAC group pass through unmodified and the
machine simply remembers that the group exists, which is enough to satisfy
routing (monitor ownership, command dispatch) without inventing election
semantics that were never specified.

If SAC internals are specified in the future, this package is the seam:
Join, Leave and Drop below are the only places that need to grow real
state.
*/
package sac

import (
	"encoding/json"

	"github.com/streamkit/coordinator/pkg/ids"
)

// GroupId identifies a single-active-consumer group within a stream.
type GroupId string

// Group is the minimal state kept per SAC group: which pids have joined.
// There is no active/standby election implemented here — see the package
// doc comment.
type Group struct {
	StreamID ids.StreamId
	ID       GroupId
	Members  map[ids.Pid]bool
}

// groupWire is Group's JSON wire shape: encoding/json cannot use a struct
// (ids.Pid) as a map key, so Members marshals as a plain slice.
type groupWire struct {
	StreamID ids.StreamId
	ID       GroupId
	Members  []ids.Pid
}

func (g Group) MarshalJSON() ([]byte, error) {
	w := groupWire{StreamID: g.StreamID, ID: g.ID, Members: make([]ids.Pid, 0, len(g.Members))}
	for pid := range g.Members {
		w.Members = append(w.Members, pid)
	}
	return json.Marshal(w)
}

func (g *Group) UnmarshalJSON(data []byte) error {
	var w groupWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	g.StreamID, g.ID = w.StreamID, w.ID
	g.Members = make(map[ids.Pid]bool, len(w.Members))
	for _, pid := range w.Members {
		g.Members[pid] = true
	}
	return nil
}

// State is the global SAC table, keyed by stream and group id.
type State map[ids.StreamId]map[GroupId]*Group

// NewState returns an empty SAC table.
func NewState() State { return State{} }

// Join records pid as a member of the named group, creating the group if
// it does not yet exist.
func (s State) Join(streamID ids.StreamId, group GroupId, pid ids.Pid) {
	if s[streamID] == nil {
		s[streamID] = map[GroupId]*Group{}
	}
	g, ok := s[streamID][group]
	if !ok {
		g = &Group{StreamID: streamID, ID: group, Members: map[ids.Pid]bool{}}
		s[streamID][group] = g
	}
	g.Members[pid] = true
}

// Leave removes pid from every group it belongs to in streamID, e.g. when
// its down event is routed here by package monitor.
func (s State) Leave(streamID ids.StreamId, pid ids.Pid) {
	for _, g := range s[streamID] {
		delete(g.Members, pid)
	}
}

// Drop removes every SAC group belonging to streamID, e.g. when the stream
// itself is deleted.
func (s State) Drop(streamID ids.StreamId) {
	delete(s, streamID)
}
