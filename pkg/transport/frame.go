/*
Package transport implements the wire protocol node-to-node and
node-to-leader messages travel over: a length-prefixed frame carrying a
one-byte message kind and a JSON payload. JSON is used instead of a
binary schema so an older node can skip fields a newer node added
without a protocol bump, satisfying the wire format's forward-compatible
unknown-field-skip requirement (encoding/json's Unmarshal silently
ignores keys the destination struct does not declare).
*/
package transport

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/DslsDZC/dslos-core/pkg/dslerr"
)

// Kind identifies the payload carried by a Frame.
type Kind uint8

const (
	KindHeartbeat Kind = iota + 1
	KindVote
	KindLeader
	KindMetadataPropose
	KindMetadataAck
	KindReplicaPlace
	KindReplicaStatus
	KindHealthProbeResult
	KindReplicaRemove
	KindOpRequest
	KindOpResponse
)

// maxFrameLen bounds a single frame's payload to guard against a
// corrupted or hostile length prefix requesting an unbounded read.
const maxFrameLen = 16 << 20 // 16 MiB

// WriteFrame marshals v to JSON and writes `u32 length | u8 kind | payload`
// to w, where length counts only the payload bytes.
func WriteFrame(w io.Writer, kind Kind, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return dslerr.Internal(err, "marshal frame payload")
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	header[4] = byte(kind)
	if _, err := w.Write(header); err != nil {
		return dslerr.Internal(err, "write frame header")
	}
	if _, err := w.Write(payload); err != nil {
		return dslerr.Internal(err, "write frame payload")
	}
	return nil
}

// ReadFrame reads one frame from r and returns its kind and raw JSON
// payload; the caller unmarshals into the concrete type its kind implies.
func ReadFrame(r io.Reader) (Kind, json.RawMessage, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, dslerr.Internal(err, "read frame header")
	}
	length := binary.BigEndian.Uint32(header[0:4])
	if length > maxFrameLen {
		return 0, nil, dslerr.ProtocolMismatch("frame length %d exceeds maximum %d", length, maxFrameLen)
	}
	kind := Kind(header[4])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, dslerr.Internal(err, "read frame payload")
		}
	}
	return kind, payload, nil
}

// Heartbeat is the KindHeartbeat payload: a follower's liveness report to
// the leader (or the leader's liveness broadcast to followers).
type Heartbeat struct {
	NodeID string `json:"node_id"`
	Term   uint64 `json:"term"`
	Tick   int64  `json:"tick"`
}

// MetadataPropose carries a Raft-replicated command from the leader.
type MetadataPropose struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// MetadataAck is a follower's acknowledgement of a proposed command.
type MetadataAck struct {
	NodeID  string `json:"node_id"`
	Index   uint64 `json:"index"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ReplicaPlace instructs a node to run a replica's runnables locally.
type ReplicaPlace struct {
	ReplicaID string          `json:"replica_id"`
	ServiceID string          `json:"service_id"`
	Spec      json.RawMessage `json:"spec"`
}

// ReplicaStatus reports a placed replica's current state back to the
// leader.
type ReplicaStatus struct {
	ReplicaID   string   `json:"replica_id"`
	NodeID      string   `json:"node_id"`
	Health      string   `json:"health"`
	RunnableIDs []uint64 `json:"runnable_ids,omitempty"`
	Message     string   `json:"message,omitempty"`
}

// ReplicaRemove instructs a node to tear down a replica's runnables and
// stop probing it; sent when the leader releases the replica's placement.
type ReplicaRemove struct {
	ReplicaID string `json:"replica_id"`
}

// HealthProbeResult reports one probe outcome for a replica.
type HealthProbeResult struct {
	ReplicaID string `json:"replica_id"`
	Healthy   bool   `json:"healthy"`
	Message   string `json:"message,omitempty"`
}

// OpRequest carries one operator-facing call (create_service, scale_service,
// pick_replica, ...) from dslosctl to the leader's apiserver. ID lets a
// client match a response to its request on a connection that may be
// reused across multiple calls.
type OpRequest struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OpResponse is the apiserver's reply to one OpRequest. Code is a
// dslerr.Code string ("" on success); Error is its human-readable message.
// Field carries the error's structured detail where its code defines one
// (the leader hint for not_leader, the conflicting state for conflict).
type OpResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Code   string          `json:"code,omitempty"`
	Field  string          `json:"field,omitempty"`
	Error  string          `json:"error,omitempty"`
}
