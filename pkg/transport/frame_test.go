package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	hb := Heartbeat{NodeID: "node-1", Term: 3, Tick: 100}

	require.NoError(t, WriteFrame(&buf, KindHeartbeat, hb))

	kind, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, kind)

	var got Heartbeat
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, hb, got)
}

func TestReadFrameUnknownFieldsAreSkipped(t *testing.T) {
	var buf bytes.Buffer
	raw := []byte(`{"node_id":"node-2","term":7,"tick":5,"future_field":"ignored"}`)
	require.NoError(t, WriteFrame(&buf, KindHeartbeat, json.RawMessage(raw)))

	_, payload, err := ReadFrame(&buf)
	require.NoError(t, err)

	var hb Heartbeat
	require.NoError(t, json.Unmarshal(payload, &hb))
	assert.Equal(t, "node-2", hb.NodeID)
	assert.Equal(t, uint64(7), hb.Term)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, byte(KindHeartbeat)})
	_, _, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestDialWithBackoffSucceedsEventually(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := DialWithBackoff(ctx, "tcp", ln.Addr().String(), 5)
	require.NoError(t, err)
	conn.Close()
}

func TestDialWithBackoffGivesUpAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := DialWithBackoff(ctx, "tcp", "127.0.0.1:1", 2)
	require.Error(t, err)
}
