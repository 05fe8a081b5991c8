/*
Package client is the typed operator client dslosctl and joining node
daemons use to talk to a daemon's api surface: one TCP connection, one
in-flight OpRequest/OpResponse exchange at a time, tagged errors
reconstructed from the response so callers can switch on dslerr codes
exactly as they would against the in-process manager.
*/
package client

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"

	"github.com/DslsDZC/dslos-core/pkg/api"
	"github.com/DslsDZC/dslos-core/pkg/dslerr"
	"github.com/DslsDZC/dslos-core/pkg/transport"
	"github.com/DslsDZC/dslos-core/pkg/types"
)

// dialAttempts bounds how long Dial retries before surfacing Timeout.
const dialAttempts = 5

// Client is a connection to one daemon's operator API.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	nextID uint64
}

// Dial connects to a daemon's api address, retrying briefly with backoff.
func Dial(ctx context.Context, addr string) (*Client, error) {
	conn, err := transport.DialWithBackoff(ctx, "tcp", addr, dialAttempts)
	if err != nil {
		return nil, err
	}
	return NewWithConn(conn), nil
}

// NewWithConn wraps an already-established connection; tests pass a
// net.Pipe half.
func NewWithConn(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// call performs one request/response exchange. The connection is reused
// across calls; responses are matched to requests by id.
func (c *Client) call(op string, payload, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)

	req := transport.OpRequest{ID: id, Op: op}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return dslerr.Internal(err, "encode %s request", op)
		}
		req.Payload = data
	}
	if err := transport.WriteFrame(c.conn, transport.KindOpRequest, req); err != nil {
		return err
	}

	for {
		kind, raw, err := transport.ReadFrame(c.conn)
		if err != nil {
			return err
		}
		if kind != transport.KindOpResponse {
			continue
		}
		var resp transport.OpResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return dslerr.ProtocolMismatch("decode %s response: %v", op, err)
		}
		if resp.ID != id {
			continue
		}
		if resp.Code != "" {
			return &dslerr.Error{Code: dslerr.Code(resp.Code), Message: resp.Error, Field: resp.Field}
		}
		if result != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return dslerr.ProtocolMismatch("decode %s result: %v", op, err)
			}
		}
		return nil
	}
}

func (c *Client) CreateCluster(req api.CreateClusterRequest) (*api.CreateClusterResponse, error) {
	var resp api.CreateClusterResponse
	if err := c.call(api.OpCreateCluster, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) JoinCluster(req api.JoinClusterRequest) (*api.JoinClusterResponse, error) {
	var resp api.JoinClusterResponse
	if err := c.call(api.OpJoinCluster, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) LeaveCluster(nodeID string) error {
	return c.call(api.OpLeaveCluster, api.LeaveClusterRequest{NodeID: nodeID}, nil)
}

func (c *Client) CreateService(spec types.ServiceSpec) (*api.CreateServiceResponse, error) {
	var resp api.CreateServiceResponse
	if err := c.call(api.OpCreateService, api.CreateServiceRequest{Spec: spec}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) StartService(serviceID string) error {
	return c.call(api.OpStartService, api.ServiceIDRequest{ServiceID: serviceID}, nil)
}

func (c *Client) StopService(serviceID string, force bool) error {
	return c.call(api.OpStopService, api.StopServiceRequest{ServiceID: serviceID, Force: force}, nil)
}

func (c *Client) ScaleService(serviceID string, target int) error {
	return c.call(api.OpScaleService, api.ScaleServiceRequest{ServiceID: serviceID, Target: target}, nil)
}

func (c *Client) UpdateService(serviceID string, spec types.ServiceSpec) error {
	return c.call(api.OpUpdateService, api.UpdateServiceRequest{ServiceID: serviceID, Spec: spec}, nil)
}

func (c *Client) GetClusterInfo() (*api.ClusterInfo, error) {
	var resp api.ClusterInfo
	if err := c.call(api.OpGetClusterInfo, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetServiceInfo(serviceID string) (*api.ServiceInfo, error) {
	var resp api.ServiceInfo
	if err := c.call(api.OpGetServiceInfo, api.ServiceIDRequest{ServiceID: serviceID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListServices() ([]*types.Service, error) {
	var resp api.ListServicesResponse
	if err := c.call(api.OpListServices, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}

func (c *Client) ListNodes() ([]*types.Node, error) {
	var resp api.ListNodesResponse
	if err := c.call(api.OpListNodes, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

func (c *Client) PickReplica(serviceID, clientKey string) (*api.PickReplicaResponse, error) {
	var resp api.PickReplicaResponse
	if err := c.call(api.OpPickReplica, api.PickReplicaRequest{ServiceID: serviceID, ClientKey: clientKey}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ReleaseReplica(serviceID, replicaID string) error {
	return c.call(api.OpReleaseReplica, api.ReleaseReplicaRequest{ServiceID: serviceID, ReplicaID: replicaID}, nil)
}
