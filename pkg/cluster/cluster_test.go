package cluster

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DslsDZC/dslos-core/pkg/dfs"
	"github.com/DslsDZC/dslos-core/pkg/dslerr"
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

func newTestCluster(t *testing.T) *Cluster {
	t.Helper()
	dir := t.TempDir()
	store, err := dfs.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c, err := New("node-1", freeAddr(t), dir, store, types.DefaultClusterConfig(1), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown() })

	require.NoError(t, c.Bootstrap())
	require.Eventually(t, c.IsLeader, 5*time.Second, 10*time.Millisecond)
	return c
}

func TestBootstrapBecomesLeader(t *testing.T) {
	c := newTestCluster(t)
	assert.True(t, c.IsLeader())
}

func TestProposePutNodeRoundTrip(t *testing.T) {
	c := newTestCluster(t)
	n := &types.Node{ID: "worker-1", State: types.NodeOnline}
	require.NoError(t, c.PutNode(n))

	got, err := c.Store().GetNode("worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOnline, got.State)
}

func TestRecordHeartbeatClearsLiveness(t *testing.T) {
	c := newTestCluster(t)
	n := &types.Node{ID: "worker-1", State: types.NodeOnline, Suspected: true, Failed: true}
	require.NoError(t, c.PutNode(n))

	require.NoError(t, c.RecordHeartbeat("worker-1"))

	got, err := c.Store().GetNode("worker-1")
	require.NoError(t, err)
	assert.False(t, got.Suspected)
	assert.False(t, got.Failed)
}

func TestCheckLivenessMarksSuspectedThenFailed(t *testing.T) {
	c := newTestCluster(t)
	c.cfg.HeartbeatInterval = 10 * time.Millisecond
	c.cfg.FailoverTimeout = 40 * time.Millisecond

	n := &types.Node{ID: "worker-1", State: types.NodeOnline, LastHeartbeat: time.Now().Add(-25 * time.Millisecond)}
	require.NoError(t, c.PutNode(n))

	c.CheckLiveness()
	got, err := c.Store().GetNode("worker-1")
	require.NoError(t, err)
	assert.True(t, got.Suspected)
	assert.False(t, got.Failed)

	got.LastHeartbeat = time.Now().Add(-50 * time.Millisecond)
	require.NoError(t, c.PutNode(got))
	c.CheckLiveness()

	got, err = c.Store().GetNode("worker-1")
	require.NoError(t, err)
	assert.True(t, got.Failed)
}

func TestQuorumLossDegradesThenRecovers(t *testing.T) {
	c := newTestCluster(t)
	c.cfg.Quorum = 2
	c.cfg.HeartbeatInterval = time.Second
	c.cfg.FailoverTimeout = 4 * time.Second

	require.NoError(t, c.PutNode(&types.Node{ID: "n1", State: types.NodeOnline, LastHeartbeat: time.Now()}))
	require.NoError(t, c.PutNode(&types.Node{ID: "n2", State: types.NodeOnline, LastHeartbeat: time.Now()}))

	// Exactly Q nodes online: writes succeed.
	c.CheckLiveness()
	assert.False(t, c.Degraded())
	require.NoError(t, c.PutService(&types.Service{ID: "svc-1", Spec: types.ServiceSpec{Name: "web"}}))

	// n2 stops heartbeating past F: one below Q, cluster degrades and
	// refuses metadata writes.
	n2, err := c.Store().GetNode("n2")
	require.NoError(t, err)
	n2.LastHeartbeat = time.Now().Add(-5 * time.Second)
	require.NoError(t, c.PutNode(n2))
	c.CheckLiveness()

	assert.True(t, c.Degraded())
	err = c.PutService(&types.Service{ID: "svc-2", Spec: types.ServiceSpec{Name: "api"}})
	require.Error(t, err)
	assert.True(t, dslerr.Is(err, dslerr.CodeQuorumLost))
	err = c.Join("n3", "127.0.0.1:0")
	require.Error(t, err)
	assert.True(t, dslerr.Is(err, dslerr.CodeQuorumLost))

	// Node liveness updates stay writable — they are the recovery path.
	require.NoError(t, c.RecordHeartbeat("n2"))
	c.CheckLiveness()

	assert.False(t, c.Degraded())
	require.NoError(t, c.PutService(&types.Service{ID: "svc-2", Spec: types.ServiceSpec{Name: "api"}}))
}

func TestPutClusterMetaRoundTrips(t *testing.T) {
	c := newTestCluster(t)
	require.NoError(t, c.PutClusterMeta(&types.Cluster{ID: "c1", Name: "prod", State: types.ClusterActive}))

	got, err := c.ClusterMeta()
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Name)
}

func TestServersReturnsLocalVoter(t *testing.T) {
	c := newTestCluster(t)
	servers, err := c.Servers()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, c.NodeID(), string(servers[0].ID))
}
