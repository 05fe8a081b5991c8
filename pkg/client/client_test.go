package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DslsDZC/dslos-core/pkg/api"
	"github.com/DslsDZC/dslos-core/pkg/cluster"
	"github.com/DslsDZC/dslos-core/pkg/dfs"
	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/loadbalancer"
	"github.com/DslsDZC/dslos-core/pkg/servicemgr"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// newTestClient wires a Client to a live api.Server over an in-memory
// pipe, backed by a real single-node raft cluster.
func newTestClient(t *testing.T) (*Client, *cluster.Cluster) {
	t.Helper()
	dir := t.TempDir()
	store, err := dfs.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := cluster.New("node-1", freeAddr(t), dir, store, types.DefaultClusterConfig(1), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown() })
	require.NoError(t, c.Bootstrap())
	require.Eventually(t, c.IsLeader, 5*time.Second, 10*time.Millisecond)

	mgr := servicemgr.New(c, nil)
	srv := api.NewServer(c, mgr, loadbalancer.RoundRobin, "127.0.0.1:7947")

	serverSide, clientSide := net.Pipe()
	go srv.HandleConn(serverSide)
	cl := NewWithConn(clientSide)
	t.Cleanup(func() { cl.Close() })
	return cl, c
}

func TestServiceLifecycleOverWire(t *testing.T) {
	cl, c := newTestClient(t)

	require.NoError(t, c.PutNode(&types.Node{
		ID:       "worker-1",
		Endpoint: "worker-1:9000",
		State:    types.NodeOnline,
		Capacity: types.ResourceCapacity{CPUCores: 4, MemoryBytes: 4 << 30},
	}))

	spec := types.ServiceSpec{
		Name:           "web",
		Image:          "registry.local/web:1",
		ResourceReq:    types.ResourceCapacity{CPUCores: 1, MemoryBytes: 1 << 30},
		MinReplicas:    1,
		MaxReplicas:    4,
		TargetReplicas: 2,
	}
	created, err := cl.CreateService(spec)
	require.NoError(t, err)
	require.NotEmpty(t, created.ServiceID)

	require.NoError(t, cl.StartService(created.ServiceID))

	info, err := cl.GetServiceInfo(created.ServiceID)
	require.NoError(t, err)
	assert.Equal(t, spec, info.Service.Spec)
	assert.Len(t, info.Replicas, 2)

	// Scaling to the same target twice is a no-op the second time.
	require.NoError(t, cl.ScaleService(created.ServiceID, 2))
	info, err = cl.GetServiceInfo(created.ServiceID)
	require.NoError(t, err)
	assert.Len(t, info.Replicas, 2)
}

func TestTaggedErrorsCrossTheWire(t *testing.T) {
	cl, _ := newTestClient(t)

	_, err := cl.GetServiceInfo("missing")
	require.Error(t, err)
	assert.True(t, dslerr.Is(err, dslerr.CodeNotFound))

	_, err = cl.CreateService(types.ServiceSpec{})
	require.Error(t, err)
	assert.True(t, dslerr.Is(err, dslerr.CodeInvalidSpec))
}

func TestClusterInfoOverWire(t *testing.T) {
	cl, _ := newTestClient(t)

	created, err := cl.CreateCluster(api.CreateClusterRequest{Name: "prod"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ClusterID)

	info, err := cl.GetClusterInfo()
	require.NoError(t, err)
	require.NotNil(t, info.Cluster)
	assert.Equal(t, "prod", info.Cluster.Name)
	assert.NotEmpty(t, info.LeaderAddr)
}
