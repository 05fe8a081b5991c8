/*
Package cluster implements node membership, leader election and
metadata replication. Leader election, log replication and split-brain
defense are delegated entirely to hashicorp/raft: Raft's randomized
election timeout and strictly-ordered log indices already satisfy the
bounded-fairness and total-order requirements this design calls for, and
its quorum-commit rule is exactly the "a write is not acknowledged until
Q-1 followers have it" rule this design independently arrives at — so
this package is a thin domain layer over *raft.Raft rather than a
hand-rolled consensus implementation.
*/
package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/DslsDZC/dslos-core/pkg/dfs"
	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/events"
	"github.com/DslsDZC/dslos-core/pkg/log"
	"github.com/DslsDZC/dslos-core/pkg/metrics"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

const applyTimeout = 5 * time.Second

// Cluster owns the local node's Raft instance and the node roster it
// replicates.
type Cluster struct {
	nodeID  string
	dataDir string
	cfg     types.ClusterConfig

	raft      *raft.Raft
	transport *raft.NetworkTransport
	fsm       *FSM
	store     dfs.Storage
	broker    *events.Broker

	mu       sync.Mutex
	degraded bool
}

// New creates a Cluster node. It does not bootstrap or join a cluster;
// call Bootstrap for the first node or Join an existing leader for every
// other node.
func New(nodeID, bindAddr, dataDir string, store dfs.Storage, cfg types.ClusterConfig, broker *events.Broker) (*Cluster, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, dslerr.Internal(err, "create data dir %s", dataDir)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(nodeID)
	// Tuned for sub-10s failover on a LAN, well inside FailoverTimeout.
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, dslerr.Internal(err, "resolve bind address %s", bindAddr)
	}
	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, dslerr.Internal(err, "create raft transport")
	}

	snapStore, err := raft.NewFileSnapshotStore(dataDir, 2, os.Stderr)
	if err != nil {
		return nil, dslerr.Internal(err, "create snapshot store")
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-log.db"))
	if err != nil {
		return nil, dslerr.Internal(err, "create raft log store")
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft-stable.db"))
	if err != nil {
		return nil, dslerr.Internal(err, "create raft stable store")
	}

	fsm := NewFSM(store)
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		return nil, dslerr.Internal(err, "create raft instance")
	}

	return &Cluster{
		nodeID:    nodeID,
		dataDir:   dataDir,
		cfg:       cfg,
		raft:      r,
		transport: transport,
		fsm:       fsm,
		store:     store,
		broker:    broker,
	}, nil
}

// Bootstrap initializes a brand-new single-node cluster with this node as
// its only voter.
func (c *Cluster) Bootstrap() error {
	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(c.nodeID), Address: c.transport.LocalAddr()},
		},
	}
	future := c.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return dslerr.Internal(err, "bootstrap cluster")
	}
	return nil
}

// Join adds nodeID at addr as a voting member. Must be called against the
// current leader; returns dslerr.NotLeader otherwise.
func (c *Cluster) Join(nodeID, addr string) error {
	if c.raft.State() != raft.Leader {
		return dslerr.NotLeader(string(c.raft.Leader()))
	}
	if c.Degraded() {
		return dslerr.QuorumLost("fewer than %d nodes online, membership changes refused", c.cfg.Quorum)
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, applyTimeout)
	if err := future.Error(); err != nil {
		return dslerr.Internal(err, "add voter %s", nodeID)
	}
	metrics.ElectionsTotal.Inc()
	return nil
}

// NodeID returns this node's raft server id.
func (c *Cluster) NodeID() string { return c.nodeID }

// IsLeader reports whether this node currently holds leadership.
func (c *Cluster) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// Servers returns the current raft voter configuration, for get_cluster_info.
func (c *Cluster) Servers() ([]raft.Server, error) {
	future := c.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, dslerr.Internal(err, "get raft configuration")
	}
	return future.Configuration().Servers, nil
}

// LeaderHint returns the current leader's address as known locally, or
// empty if unknown.
func (c *Cluster) LeaderHint() string {
	return string(c.raft.Leader())
}

// Degraded reports whether the failure detector has dropped the
// Online-node count below quorum. While degraded the cluster refuses
// metadata writes (services, replicas, cluster meta) and membership
// changes; node liveness updates are still accepted, since they are the
// only path back out of degradation.
func (c *Cluster) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// setDegraded flips the degraded flag and reports whether it changed.
func (c *Cluster) setDegraded(d bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded == d {
		return false
	}
	c.degraded = d
	return true
}

// isNodeOp reports whether op is a node liveness/roster update, which
// stays writable while degraded.
func isNodeOp(op string) bool {
	return op == opPutNode || op == opDeleteNode
}

// Propose replicates a command through Raft; only the leader can succeed.
func (c *Cluster) Propose(op string, payload interface{}) error {
	if !c.IsLeader() {
		return dslerr.NotLeader(c.LeaderHint())
	}
	if !isNodeOp(op) && c.Degraded() {
		return dslerr.QuorumLost("fewer than %d nodes online, metadata writes refused", c.cfg.Quorum)
	}
	data, err := marshalCommand(op, payload)
	if err != nil {
		return err
	}
	future := c.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return dslerr.Internal(err, "apply command %s", op)
	}
	if resp := future.Response(); resp != nil {
		if respErr, ok := resp.(error); ok {
			return dslerr.Internal(respErr, "fsm rejected command %s", op)
		}
	}
	return nil
}

// PutNode replicates a node upsert.
func (c *Cluster) PutNode(n *types.Node) error { return c.Propose(opPutNode, n) }

// DeleteNode replicates a node removal.
func (c *Cluster) DeleteNode(id string) error { return c.Propose(opDeleteNode, id) }

// PutService replicates a service upsert.
func (c *Cluster) PutService(s *types.Service) error { return c.Propose(opPutService, s) }

// DeleteService replicates a service removal.
func (c *Cluster) DeleteService(id string) error { return c.Propose(opDeleteService, id) }

// PutReplica replicates a replica upsert.
func (c *Cluster) PutReplica(r *types.Replica) error { return c.Propose(opPutReplica, r) }

// DeleteReplica replicates a replica removal.
func (c *Cluster) DeleteReplica(id string) error { return c.Propose(opDeleteReplica, id) }

// PutClusterMeta replicates the cluster's metadata (id, name, config,
// state) as set by create_cluster. types.Cluster has no description
// field, so a description passed to create_cluster is not stored.
func (c *Cluster) PutClusterMeta(cl *types.Cluster) error { return c.Propose(opPutCluster, cl) }

// Leave removes nodeID as a voting member. Like Join, it must be called
// against the current leader and returns dslerr.NotLeader otherwise.
func (c *Cluster) Leave(nodeID string) error {
	if c.raft.State() != raft.Leader {
		return dslerr.NotLeader(string(c.raft.Leader()))
	}
	if c.Degraded() {
		return dslerr.QuorumLost("fewer than %d nodes online, membership changes refused", c.cfg.Quorum)
	}
	future := c.raft.RemoveServer(raft.ServerID(nodeID), 0, applyTimeout)
	if err := future.Error(); err != nil {
		return dslerr.Internal(err, "remove voter %s", nodeID)
	}
	return nil
}

// LeaderCh signals leadership changes: true when this node acquires
// leadership, false when it loses it. Callers use the acquisition signal
// to run orphan-reservation reconciliation.
func (c *Cluster) LeaderCh() <-chan bool { return c.raft.LeaderCh() }

// Term returns the current Raft term as known locally.
func (c *Cluster) Term() uint64 {
	term, err := strconv.ParseUint(c.raft.Stats()["term"], 10, 64)
	if err != nil {
		return 0
	}
	return term
}

// Store exposes the read path directly; writes must go through Propose.
func (c *Cluster) Store() dfs.Storage { return c.store }

// ClusterMeta returns the replicated cluster metadata, if create_cluster
// has set it.
func (c *Cluster) ClusterMeta() (*types.Cluster, error) { return c.store.GetClusterMeta() }

// Config returns the liveness/consensus tunables this cluster was created
// with.
func (c *Cluster) Config() types.ClusterConfig { return c.cfg }

// Shutdown stops the local Raft instance.
func (c *Cluster) Shutdown() error {
	return c.raft.Shutdown().Error()
}

func marshalCommand(op string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, dslerr.Internal(err, "encode command payload %s", op)
	}
	cmd := Command{Op: op, Data: data}
	out, err := json.Marshal(cmd)
	if err != nil {
		return nil, dslerr.Internal(err, "encode command %s", op)
	}
	return out, nil
}

// RecordHeartbeat updates a node's liveness bookkeeping. Only meaningful
// on the leader, which is the sole writer of node liveness state.
func (c *Cluster) RecordHeartbeat(nodeID string) error {
	if !c.IsLeader() {
		return dslerr.NotLeader(c.LeaderHint())
	}
	n, err := c.store.GetNode(nodeID)
	if err != nil {
		return err
	}
	wasDown := n.Suspected || n.Failed
	n.LastHeartbeat = time.Now()
	n.MissedHeartbeats = 0
	n.Suspected = false
	n.Failed = false
	if err := c.PutNode(n); err != nil {
		return err
	}
	if wasDown {
		c.publish(events.TypeNodeJoined, nodeID, fmt.Sprintf("node %s recovered", nodeID))
	}
	metrics.HeartbeatsSentTotal.Inc()
	return nil
}

// CheckLiveness scans every node and reclassifies Suspected/Failed based
// on elapsed time since its last heartbeat: Suspected after 2H without a
// heartbeat, Failed once missed heartbeats reach F/H (F >= 3H). It then
// compares the surviving Online count against quorum: dropping below Q
// degrades the cluster and refuses metadata writes until enough nodes
// heartbeat their way back.
func (c *Cluster) CheckLiveness() {
	if !c.IsLeader() {
		return
	}
	nodes, err := c.store.ListNodes()
	if err != nil {
		log.Errorf("list nodes for liveness check", err)
		return
	}

	h := c.cfg.HeartbeatInterval
	f := c.cfg.FailoverTimeout
	if h <= 0 {
		return
	}

	for _, n := range nodes {
		elapsed := time.Since(n.LastHeartbeat)
		missed := int(elapsed / h)

		switch {
		case elapsed >= f && !n.Failed:
			n.Failed = true
			n.Suspected = true
			n.MissedHeartbeats = missed
			if err := c.PutNode(n); err == nil {
				c.publish(events.TypeNodeFailed, n.ID, fmt.Sprintf("node %s failed after %s", n.ID, elapsed))
			}
			metrics.HeartbeatsMissedTotal.Inc()

		case elapsed >= 2*h && !n.Suspected:
			n.Suspected = true
			n.MissedHeartbeats = missed
			if err := c.PutNode(n); err == nil {
				c.publish(events.TypeNodeSuspected, n.ID, fmt.Sprintf("node %s suspected after %s", n.ID, elapsed))
			}
			metrics.HeartbeatsMissedTotal.Inc()
		}
	}

	online := 0
	for _, n := range nodes {
		if n.State == types.NodeOnline && !n.Failed {
			online++
		}
	}
	switch {
	case online < c.cfg.Quorum:
		if c.setDegraded(true) {
			c.publish(events.TypeClusterDegraded, "", fmt.Sprintf("quorum lost: %d of %d required nodes online", online, c.cfg.Quorum))
			log.Warn("cluster degraded: metadata writes refused until quorum restores")
		}
	default:
		if c.setDegraded(false) {
			log.Info("quorum restored, metadata writes resumed")
		}
	}
}

func (c *Cluster) publish(t events.Type, nodeID, msg string) {
	if c.broker == nil {
		return
	}
	ev := &events.Event{Type: t, Message: msg}
	if nodeID != "" {
		ev.Metadata = map[string]string{"node_id": nodeID}
	}
	c.broker.Publish(ev)
}

// RunLivenessMonitor runs CheckLiveness every heartbeat interval until
// stopCh is closed.
func (c *Cluster) RunLivenessMonitor(stopCh <-chan struct{}) {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.CheckLiveness()
			if term, err := strconv.ParseUint(c.raft.Stats()["term"], 10, 64); err == nil {
				metrics.ClusterTerm.Set(float64(term))
			}
			isLeader := 0.0
			if c.IsLeader() {
				isLeader = 1.0
			}
			metrics.IsLeader.Set(isLeader)
		case <-stopCh:
			return
		}
	}
}
