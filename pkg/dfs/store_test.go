package dfs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNodeCRUD(t *testing.T) {
	s := newTestStore(t)
	n := &types.Node{ID: "node-1", Name: "n1", State: types.NodeOnline}
	require.NoError(t, s.PutNode(n))

	got, err := s.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, "n1", got.Name)

	list, err := s.ListNodes()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteNode("node-1"))
	_, err = s.GetNode("node-1")
	assert.Equal(t, dslerr.CodeNotFound, dslerr.GetCode(err))
}

func TestReplicasByService(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutReplica(&types.Replica{ID: "r1", ServiceID: "svc-a"}))
	require.NoError(t, s.PutReplica(&types.Replica{ID: "r2", ServiceID: "svc-a"}))
	require.NoError(t, s.PutReplica(&types.Replica{ID: "r3", ServiceID: "svc-b"}))

	got, err := s.ListReplicasByService("svc-a")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestClusterConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetClusterConfig()
	assert.Error(t, err)

	cfg := types.DefaultClusterConfig(3)
	require.NoError(t, s.PutClusterConfig(cfg))

	got, err := s.GetClusterConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg.Quorum, got.Quorum)
}

func TestClusterMetaRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetClusterMeta()
	assert.Error(t, err)

	require.NoError(t, s.PutClusterMeta(&types.Cluster{ID: "c1", Name: "prod", State: types.ClusterActive}))

	got, err := s.GetClusterMeta()
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Name)
	assert.Equal(t, types.ClusterActive, got.State)
}

func TestTermDefaultsZero(t *testing.T) {
	s := newTestStore(t)
	term, err := s.GetTerm()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), term)

	require.NoError(t, s.PutTerm(5))
	term, err = s.GetTerm()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), term)
}

func TestCheckpointAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.bin")
	require.NoError(t, WriteCheckpoint(path, []byte("hello")))

	data, err := ReadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, WriteCheckpoint(path, []byte("world")))
	data, err = ReadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}
