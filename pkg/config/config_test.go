package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamkit/coordinator/pkg/ids"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadClusterConfig(t *testing.T) {
	path := writeTemp(t, "cluster.yaml", `
nodeId: n1
bindAddr: 127.0.0.1:8300
dataDir: /var/lib/streamcoordinator
roster:
  n1: 127.0.0.1:8300
  n2: 127.0.0.1:8301
`)
	cfg, err := LoadClusterConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, "127.0.0.1:8300", cfg.BindAddr)
	assert.Equal(t, "/var/lib/streamcoordinator", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:8301", cfg.Roster["n2"])
}

func TestLoadClusterConfigMissingNodeID(t *testing.T) {
	path := writeTemp(t, "cluster.yaml", `bindAddr: 127.0.0.1:8300`)
	_, err := LoadClusterConfig(path)
	assert.Error(t, err)
}

func TestLoadClusterConfigMissingFile(t *testing.T) {
	_, err := LoadClusterConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadStreamResource(t *testing.T) {
	path := writeTemp(t, "stream.yaml", `
apiVersion: v1
kind: Stream
metadata:
  id: orders
spec:
  queueRef: q-orders
  retention: 24h
  leaderNode: n1
  replicaNodes: [n2, n3]
  reference: ref-1
`)
	res, err := LoadStreamResource(path)
	require.NoError(t, err)
	assert.Equal(t, ids.StreamId("orders"), res.Metadata.ID)
	assert.Equal(t, ids.Node("n1"), res.Spec.LeaderNode)
	assert.Equal(t, []ids.Node{"n2", "n3"}, res.Spec.ReplicaNodes)

	conf := res.Conf()
	assert.Equal(t, ids.Node("n1"), conf.LeaderNode)
	assert.Equal(t, []ids.Node{"n1", "n2", "n3"}, conf.Nodes)
	assert.Equal(t, ids.Epoch(1), conf.Epoch)
	assert.Equal(t, "ref-1", conf.Reference)
}

func TestLoadStreamResourceMissingID(t *testing.T) {
	path := writeTemp(t, "stream.yaml", `
kind: Stream
spec:
  leaderNode: n1
`)
	_, err := LoadStreamResource(path)
	assert.Error(t, err)
}

func TestLoadStreamResourceRejectsUnsupportedKind(t *testing.T) {
	path := writeTemp(t, "stream.yaml", `
kind: Widget
metadata:
  id: s1
`)
	_, err := LoadStreamResource(path)
	assert.Error(t, err)
}
