/*
Package cluster wires package coordinator's Machine into a real
hashicorp/raft cluster: TCP transport, BoltDB-backed log/stable stores, a
file snapshot store, and the node-membership operations
(Bootstrap/Join/AddVoter/RemoveServer) the rest of the coordinator needs.

This is the direct generalization of manager.Manager's Raft wiring: the
teacher bundled DNS/ingress/security alongside raft in one struct; Node
keeps only the consensus concerns manager.Manager also owned
(Bootstrap/Join/AddVoter/RemoveServer/GetClusterServers/IsLeader/
LeaderAddr/GetRaftStats/Apply) and adds the two things specific to this
domain: leadership-change notification into Machine (§4.5/§4.6) and the
periodic membership reconciliation Tick implements (§6.5's maybe_resize).
*/
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/streamkit/coordinator/internal/corelog"
	"github.com/streamkit/coordinator/pkg/coordinator"
	"github.com/streamkit/coordinator/pkg/dispatcher"
	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/metrics"
	"github.com/streamkit/coordinator/pkg/store"
)

// Config configures a Node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Node wraps a raft.Raft instance around a coordinator.Machine.
type Node struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft    *raft.Raft
	machine *coordinator.Machine
	store   *store.Store

	notifyCh chan bool
	stopCh   chan struct{}

	// resizing guards §6.5's "single in-flight resizer process per tick".
	resizing bool
}

// New constructs a Node over machine, not yet bootstrapped or joined. store
// is the same read-model instance machine projects into; Node reads it
// directly for QuorumSnapshot once a barrier confirms this node is caught
// up with the leader.
func New(cfg Config, machine *coordinator.Machine, store *store.Store) *Node {
	return &Node{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		machine:  machine,
		store:    store,
		stopCh:   make(chan struct{}),
	}
}

func (n *Node) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(n.nodeID)
	n.notifyCh = make(chan bool, 1)
	cfg.NotifyCh = n.notifyCh
	return cfg
}

func (n *Node) newRaft() (*raft.Raft, *raft.TCPTransport, error) {
	cfg := n.raftConfig()

	addr, err := net.ResolveTCPAddr("tcp", n.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(n.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(n.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: create stable store: %w", err)
	}

	r, err := raft.NewRaft(cfg, n.machine, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: create raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap initializes a brand-new single-node cluster.
func (n *Node) Bootstrap() error {
	r, transport, err := n.newRaft()
	if err != nil {
		return err
	}
	n.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(n.nodeID), Address: transport.LocalAddr()}},
	}
	if err := n.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("cluster: bootstrap: %w", err)
	}

	go n.watchLeadership()
	return nil
}

// Join starts raft in a state ready to be added as a voter by an existing
// leader; the actual AddVoter call is made by the leader, out of band
// (e.g. over the coordinator's own RPC surface, not modeled here per
// spec.md's scope).
func (n *Node) Join() error {
	r, _, err := n.newRaft()
	if err != nil {
		return err
	}
	n.raft = r
	go n.watchLeadership()
	return nil
}

func (n *Node) watchLeadership() {
	logger := corelog.WithComponent("cluster")
	for {
		select {
		case isLeader := <-n.notifyCh:
			logger.Info().Bool("leader", isLeader).Str("node", n.nodeID).Msg("raft leadership changed")
			n.machine.NotifyLeaderChange(isLeader)
		case <-n.stopCh:
			return
		}
	}
}

// Shutdown stops the leadership watcher and the underlying raft instance.
func (n *Node) Shutdown() error {
	close(n.stopCh)
	if n.raft == nil {
		return nil
	}
	return n.raft.Shutdown().Error()
}

// AddVoter adds nodeID at address as a full voting member. Must be called
// on the current leader.
func (n *Node) AddVoter(nodeID, address string) error {
	if n.raft == nil {
		return fmt.Errorf("cluster: raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("cluster: not leader, current leader: %s", n.LeaderAddr())
	}
	return n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// RemoveServer removes nodeID from the cluster. Must be called on the
// current leader.
func (n *Node) RemoveServer(nodeID string) error {
	if n.raft == nil {
		return fmt.Errorf("cluster: raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("cluster: not leader")
	}
	return n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error()
}

// GetClusterServers lists the current raft configuration's servers.
func (n *Node) GetClusterServers() ([]raft.Server, error) {
	if n.raft == nil {
		return nil, fmt.Errorf("cluster: raft not initialized")
	}
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds raft leadership.
func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current raft leader, if known.
func (n *Node) LeaderAddr() string {
	if n.raft == nil {
		return ""
	}
	return string(n.raft.Leader())
}

// Stats mirrors manager.Manager.GetRaftStats for the /healthz surface.
func (n *Node) Stats() map[string]interface{} {
	if n.raft == nil {
		return nil
	}
	stats := map[string]interface{}{
		"state":          n.raft.State().String(),
		"last_log_index": n.raft.LastIndex(),
		"applied_index":  n.raft.AppliedIndex(),
		"leader":         n.LeaderAddr(),
	}
	if servers, err := n.GetClusterServers(); err == nil {
		stats["peers"] = len(servers)
		metrics.RaftPeers.Set(float64(len(servers)))
	}
	metrics.RaftLogIndex.Set(float64(n.raft.LastIndex()))
	metrics.RaftAppliedIndex.Set(float64(n.raft.AppliedIndex()))
	return stats
}

// Apply submits cmd through raft and waits for it to commit, returning the
// dispatcher.Reply produced by Machine.Apply.
func (n *Node) Apply(cmd dispatcher.Command, timeout time.Duration) (dispatcher.Reply, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	if n.raft == nil {
		return dispatcher.Reply{}, fmt.Errorf("cluster: raft not initialized")
	}
	env, err := dispatcher.Encode(cmd)
	if err != nil {
		return dispatcher.Reply{}, fmt.Errorf("cluster: encode command: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return dispatcher.Reply{}, fmt.Errorf("cluster: marshal envelope: %w", err)
	}

	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return dispatcher.Reply{}, fmt.Errorf("cluster: apply: %w", err)
	}
	reply, _ := future.Response().(dispatcher.Reply)
	return reply, nil
}

// QuorumSnapshot implements query.QuorumReader: it waits for this node's
// applied index to catch up to the leader's (a cheap linearizability
// stand-in for a full ReadIndex round-trip — out of scope per spec.md §1,
// which only requires "a consistent (quorum) query" without naming a
// protocol) and then reads the local store projection.
func (n *Node) QuorumSnapshot(ctx context.Context, id ids.StreamId) (store.Snapshot, error) {
	if n.raft == nil {
		return store.Snapshot{}, fmt.Errorf("cluster: raft not initialized")
	}
	barrier := n.raft.Barrier(0)
	done := make(chan error, 1)
	go func() { done <- barrier.Error() }()
	select {
	case err := <-done:
		if err != nil {
			return store.Snapshot{}, err
		}
	case <-ctx.Done():
		return store.Snapshot{}, ctx.Err()
	}
	if n.store == nil {
		return store.Snapshot{}, fmt.Errorf("cluster: no store configured")
	}
	return n.store.Get(id)
}

// Tick implements §6.5's maybe_resize: it reconciles the raft voter set
// against roster, adding any node present in roster but absent from raft
// and removing any raft voter absent from roster. Only the leader may act;
// a single in-flight resize is enforced by n.resizing so overlapping ticks
// are no-ops.
func (n *Node) Tick(roster map[string]string) {
	if !n.IsLeader() || n.resizing {
		return
	}
	servers, err := n.GetClusterServers()
	if err != nil {
		return
	}
	current := make(map[string]bool, len(servers))
	for _, s := range servers {
		current[string(s.ID)] = true
	}

	n.resizing = true
	defer func() { n.resizing = false }()

	logger := corelog.WithComponent("cluster")
	for id, addr := range roster {
		if !current[id] {
			if err := n.AddVoter(id, addr); err != nil {
				logger.Warn().Err(err).Str("node", id).Msg("maybe_resize: add_member failed")
			}
		}
	}
	for id := range current {
		if _, ok := roster[id]; !ok {
			if err := n.RemoveServer(id); err != nil {
				logger.Warn().Err(err).Str("node", id).Msg("maybe_resize: remove_member failed")
			}
		}
	}
}
