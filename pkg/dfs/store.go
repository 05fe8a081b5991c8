/*
Package dfs is the node-local persistence collaborator backing cluster
metadata: node roster, service specs, replica assignments, cluster
configuration and the current Raft term. It stands in for the
distributed filesystem this system treats as an external collaborator
behind a narrow Storage interface — only the key/value put/get/list/
delete surface a metadata store actually needs is implemented here.
*/
package dfs

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

var (
	bucketClusterConfig = []byte("cluster_config")
	bucketClusterMeta   = []byte("cluster_meta")
	bucketNodes         = []byte("nodes")
	bucketServices      = []byte("services")
	bucketReplicas      = []byte("replicas")
	bucketTerm          = []byte("term")
)

// Storage is the narrow collaborator interface the cluster and service
// manager depend on; BoltStore is its only implementation, but keeping
// the interface separate lets tests substitute an in-memory fake without
// touching disk.
type Storage interface {
	PutNode(n *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(id string) error

	PutService(s *types.Service) error
	GetService(id string) (*types.Service, error)
	ListServices() ([]*types.Service, error)
	DeleteService(id string) error

	PutReplica(r *types.Replica) error
	GetReplica(id string) (*types.Replica, error)
	ListReplicas() ([]*types.Replica, error)
	ListReplicasByService(serviceID string) ([]*types.Replica, error)
	DeleteReplica(id string) error

	PutClusterConfig(cfg types.ClusterConfig) error
	GetClusterConfig() (types.ClusterConfig, error)

	PutClusterMeta(c *types.Cluster) error
	GetClusterMeta() (*types.Cluster, error)

	PutTerm(term uint64) error
	GetTerm() (uint64, error)

	Close() error
}

// BoltStore implements Storage on an embedded bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "dslos.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, dslerr.Internal(err, "open bbolt store at %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketClusterConfig, bucketClusterMeta, bucketNodes, bucketServices, bucketReplicas, bucketTerm} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, dslerr.Internal(err, "initialize buckets")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func put(db *bolt.DB, bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return dslerr.Internal(err, "marshal")
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func get(db *bolt.DB, bucket, key []byte, v interface{}) error {
	var data []byte
	err := db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get(key)
		if raw == nil {
			return nil
		}
		data = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return dslerr.Internal(err, "read")
	}
	if data == nil {
		return dslerr.NotFound("key %s", string(key))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return dslerr.Corrupt(string(key), "unmarshal: %v", err)
	}
	return nil
}

func del(db *bolt.DB, bucket, key []byte) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

func list[T any](db *bolt.DB, bucket []byte) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			item := new(T)
			if err := json.Unmarshal(v, item); err != nil {
				return err
			}
			out = append(out, item)
			return nil
		})
	})
	if err != nil {
		return nil, dslerr.Internal(err, "list bucket %s", string(bucket))
	}
	return out, nil
}

func (s *BoltStore) PutNode(n *types.Node) error { return put(s.db, bucketNodes, []byte(n.ID), n) }
func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var n types.Node
	if err := get(s.db, bucketNodes, []byte(id), &n); err != nil {
		return nil, err
	}
	return &n, nil
}
func (s *BoltStore) ListNodes() ([]*types.Node, error) { return list[types.Node](s.db, bucketNodes) }
func (s *BoltStore) DeleteNode(id string) error        { return del(s.db, bucketNodes, []byte(id)) }

func (s *BoltStore) PutService(sv *types.Service) error {
	return put(s.db, bucketServices, []byte(sv.ID), sv)
}
func (s *BoltStore) GetService(id string) (*types.Service, error) {
	var sv types.Service
	if err := get(s.db, bucketServices, []byte(id), &sv); err != nil {
		return nil, err
	}
	return &sv, nil
}
func (s *BoltStore) ListServices() ([]*types.Service, error) {
	return list[types.Service](s.db, bucketServices)
}
func (s *BoltStore) DeleteService(id string) error { return del(s.db, bucketServices, []byte(id)) }

func (s *BoltStore) PutReplica(r *types.Replica) error {
	return put(s.db, bucketReplicas, []byte(r.ID), r)
}
func (s *BoltStore) GetReplica(id string) (*types.Replica, error) {
	var r types.Replica
	if err := get(s.db, bucketReplicas, []byte(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}
func (s *BoltStore) ListReplicas() ([]*types.Replica, error) {
	return list[types.Replica](s.db, bucketReplicas)
}
func (s *BoltStore) ListReplicasByService(serviceID string) ([]*types.Replica, error) {
	all, err := s.ListReplicas()
	if err != nil {
		return nil, err
	}
	var out []*types.Replica
	for _, r := range all {
		if r.ServiceID == serviceID {
			out = append(out, r)
		}
	}
	return out, nil
}
func (s *BoltStore) DeleteReplica(id string) error { return del(s.db, bucketReplicas, []byte(id)) }

var clusterConfigKey = []byte("config")

func (s *BoltStore) PutClusterConfig(cfg types.ClusterConfig) error {
	return put(s.db, bucketClusterConfig, clusterConfigKey, cfg)
}
func (s *BoltStore) GetClusterConfig() (types.ClusterConfig, error) {
	var cfg types.ClusterConfig
	err := get(s.db, bucketClusterConfig, clusterConfigKey, &cfg)
	return cfg, err
}

var clusterMetaKey = []byte("meta")

func (s *BoltStore) PutClusterMeta(c *types.Cluster) error {
	return put(s.db, bucketClusterMeta, clusterMetaKey, c)
}
func (s *BoltStore) GetClusterMeta() (*types.Cluster, error) {
	var c types.Cluster
	if err := get(s.db, bucketClusterMeta, clusterMetaKey, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

var termKey = []byte("current")

func (s *BoltStore) PutTerm(term uint64) error {
	return put(s.db, bucketTerm, termKey, term)
}
func (s *BoltStore) GetTerm() (uint64, error) {
	var term uint64
	err := get(s.db, bucketTerm, termKey, &term)
	if dslerr.Is(err, dslerr.CodeNotFound) {
		return 0, nil
	}
	return term, err
}
