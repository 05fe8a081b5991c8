package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/DslsDZC/dslos-core/pkg/dfs"
	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

// Command is a single Raft log entry: an operation name and its
// self-describing JSON payload. Unknown fields in Data are silently
// skipped by encoding/json, so a follower running an older binary than
// the leader can still apply a command that added optional fields.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opPutNode       = "put_node"
	opDeleteNode    = "delete_node"
	opPutService    = "put_service"
	opDeleteService = "delete_service"
	opPutReplica    = "put_replica"
	opDeleteReplica = "delete_replica"
	opSetTerm       = "set_term"
	opPutCluster    = "put_cluster"
)

// FSM applies committed Raft log entries to the metadata store. It holds
// no state of its own beyond the store, so Snapshot/Restore simply
// serialize/deserialize the store's full contents.
type FSM struct {
	mu    sync.RWMutex
	store dfs.Storage
}

// NewFSM creates an FSM backed by store.
func NewFSM(store dfs.Storage) *FSM {
	return &FSM{store: store}
}

// Apply decodes and applies one committed command. The return value is
// surfaced to the caller of raft.Raft.Apply via ApplyFuture.Response().
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opPutNode:
		var n types.Node
		if err := json.Unmarshal(cmd.Data, &n); err != nil {
			return err
		}
		return f.store.PutNode(&n)

	case opDeleteNode:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteNode(id)

	case opPutService:
		var s types.Service
		if err := json.Unmarshal(cmd.Data, &s); err != nil {
			return err
		}
		return f.store.PutService(&s)

	case opDeleteService:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteService(id)

	case opPutReplica:
		var r types.Replica
		if err := json.Unmarshal(cmd.Data, &r); err != nil {
			return err
		}
		return f.store.PutReplica(&r)

	case opDeleteReplica:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteReplica(id)

	case opPutCluster:
		var c types.Cluster
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.PutClusterMeta(&c)

	case opSetTerm:
		var term uint64
		if err := json.Unmarshal(cmd.Data, &term); err != nil {
			return err
		}
		return f.store.PutTerm(term)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures the store's full contents for Raft log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	services, err := f.store.ListServices()
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	replicas, err := f.store.ListReplicas()
	if err != nil {
		return nil, fmt.Errorf("list replicas: %w", err)
	}
	term, err := f.store.GetTerm()
	if err != nil {
		return nil, fmt.Errorf("get term: %w", err)
	}
	meta, err := f.store.GetClusterMeta()
	if err != nil && !dslerr.Is(err, dslerr.CodeNotFound) {
		return nil, fmt.Errorf("get cluster meta: %w", err)
	}

	return &snapshot{Nodes: nodes, Services: services, Replicas: replicas, Term: term, Cluster: meta}, nil
}

// Restore replaces the store's contents with a previously persisted
// snapshot, applied on node restart or when a lagging follower must
// catch up via InstallSnapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, n := range snap.Nodes {
		if err := f.store.PutNode(n); err != nil {
			return fmt.Errorf("restore node %s: %w", n.ID, err)
		}
	}
	for _, s := range snap.Services {
		if err := f.store.PutService(s); err != nil {
			return fmt.Errorf("restore service %s: %w", s.ID, err)
		}
	}
	for _, r := range snap.Replicas {
		if err := f.store.PutReplica(r); err != nil {
			return fmt.Errorf("restore replica %s: %w", r.ID, err)
		}
	}
	if snap.Cluster != nil {
		if err := f.store.PutClusterMeta(snap.Cluster); err != nil {
			return fmt.Errorf("restore cluster meta: %w", err)
		}
	}
	return f.store.PutTerm(snap.Term)
}

// snapshot is a point-in-time copy of every bucket the FSM owns.
type snapshot struct {
	Nodes    []*types.Node
	Services []*types.Service
	Replicas []*types.Replica
	Term     uint64
	Cluster  *types.Cluster
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *snapshot) Release() {}
