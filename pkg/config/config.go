/*
Package config loads the coordinator's YAML configuration: the cluster's
own node roster and bind address, and the initial per-stream configuration
that feeds a new_stream command's conf payload.

This mirrors cmd/warren's apply.go (a generic YAML resource with
apiVersion/kind/metadata/spec, parsed with gopkg.in/yaml.v3) rather than
WarrenResource's "map[string]interface{} spec" looseness: the coordinator's
conf grammar beyond {retention, nodes, leader_node, replica_nodes, epoch,
reference} is deliberately left opaque per spec.md §9's open question, so
StreamResource.Spec decodes only the fields the machine reads
(StreamResourceSpec); any other key under spec is ignored when parsing.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/streamkit/coordinator/pkg/ids"
	"github.com/streamkit/coordinator/pkg/stream"
)

// ClusterConfig describes this node's identity and its view of the
// cluster's node roster, consumed by pkg/cluster's Bootstrap/Join/Tick.
type ClusterConfig struct {
	NodeID   string            `yaml:"nodeId"`
	BindAddr string            `yaml:"bindAddr"`
	DataDir  string            `yaml:"dataDir"`
	Roster   map[string]string `yaml:"roster"` // nodeID -> bindAddr
}

// LoadClusterConfig reads and parses a cluster configuration file.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg ClusterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("config: %s: nodeId is required", path)
	}
	return &cfg, nil
}

// StreamResource is the YAML shape of one stream definition, as read by
// LoadStreamResource.
type StreamResource struct {
	APIVersion string               `yaml:"apiVersion"`
	Kind       string               `yaml:"kind"`
	Metadata   StreamResourceMeta   `yaml:"metadata"`
	Spec       StreamResourceSpec   `yaml:"spec"`
}

// StreamResourceMeta names the stream being configured.
type StreamResourceMeta struct {
	ID ids.StreamId `yaml:"id"`
}

// StreamResourceSpec carries the fields the machine actually reads
// (retention, node placement); any other field a caller's deployment wants
// to track is opaque to the coordinator, per spec.md §9.
type StreamResourceSpec struct {
	QueueRef     string        `yaml:"queueRef"`
	Retention    time.Duration `yaml:"retention"`
	LeaderNode   ids.Node      `yaml:"leaderNode"`
	ReplicaNodes []ids.Node    `yaml:"replicaNodes"`
	Reference    string        `yaml:"reference"`
}

// LoadStreamResource reads and parses a single stream definition file.
func LoadStreamResource(path string) (*StreamResource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var res StreamResource
	if err := yaml.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if res.Kind != "" && res.Kind != "Stream" {
		return nil, fmt.Errorf("config: %s: unsupported kind %q", path, res.Kind)
	}
	if res.Metadata.ID == "" {
		return nil, fmt.Errorf("config: %s: metadata.id is required", path)
	}
	return &res, nil
}

// Conf converts the parsed resource into a stream.Conf suitable for a
// new_stream command.
func (r *StreamResource) Conf() stream.Conf {
	nodes := append([]ids.Node{r.Spec.LeaderNode}, r.Spec.ReplicaNodes...)
	return stream.Conf{
		Retention:    r.Spec.Retention,
		Nodes:        nodes,
		LeaderNode:   r.Spec.LeaderNode,
		ReplicaNodes: r.Spec.ReplicaNodes,
		Epoch:        1,
		Reference:    r.Spec.Reference,
	}
}
