package stream

import (
	"time"

	"github.com/streamkit/coordinator/pkg/ids"
)

// Conf is the user-supplied, replicated configuration for a stream. It is
// opaque to package member and package aux; only stream and evaluator look
// inside it.
type Conf struct {
	Retention    time.Duration `json:"retention" yaml:"retention"`
	Nodes        []ids.Node    `json:"nodes" yaml:"nodes"`
	LeaderNode   ids.Node      `json:"leader_node" yaml:"leader_node"`
	ReplicaNodes []ids.Node    `json:"replica_nodes" yaml:"replica_nodes"`
	Epoch        ids.Epoch     `json:"epoch" yaml:"epoch"`
	Reference    string        `json:"reference" yaml:"reference"`
}

// AllNodes returns LeaderNode followed by ReplicaNodes, the canonical
// member ordering used throughout package stream.
func (c Conf) AllNodes() []ids.Node {
	out := make([]ids.Node, 0, 1+len(c.ReplicaNodes))
	out = append(out, c.LeaderNode)
	out = append(out, c.ReplicaNodes...)
	return out
}

// ReplyAddress is an opaque correlation token for a deferred reply: the
// caller of new_stream may ask to be told, out of band, once the stream's
// writer is actually up and serving.
type ReplyAddress string

// CatalogStatus tracks whether the external catalog reflects the stream's
// current epoch.
type CatalogStatus int

const (
	CatalogUpdated CatalogStatus = iota
	CatalogUpdating
)

// CatalogState is the stream's view of catalog freshness: Epoch is the
// epoch the catalog was last confirmed updated for (or is being updated
// for, when Status is CatalogUpdating).
type CatalogState struct {
	Status CatalogStatus
	Epoch  ids.Epoch
}

// Target is the stream-level desired lifecycle state.
type Target int

const (
	TargetRunning Target = iota
	TargetDeleted
)
