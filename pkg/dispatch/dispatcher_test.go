package dispatch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gridcache/gridcache/pkg/types"
	"github.com/stretchr/testify/require"
)

func startDispatcher(t *testing.T, self types.NodeID) (*Dispatcher, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	d := New(self)
	go d.Serve(lis)
	t.Cleanup(d.Stop)
	return d, lis.Addr().String()
}

func TestRequestResponseRoundTrip(t *testing.T) {
	a, addrA := startDispatcher(t, "node-a")
	b, addrB := startDispatcher(t, "node-b")

	b.RegisterHandler(types.KindGetRequest, func(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
		var req types.GetRequest
		require.NoError(t, decodePayload(payload, &req))
		resp := types.GetResponse{Key: req.Key, Value: []byte("value-for-" + req.Key), Found: true}
		return encodePayload(resp)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx, "node-b", addrB))
	require.NoError(t, b.Connect(ctx, "node-a", addrA))

	waitConnected(t, a, "node-b")
	waitConnected(t, b, "node-a")

	var reply types.GetResponse
	err := a.Request(ctx, "node-b", types.KindGetRequest, types.GetRequest{Key: "k1"}, &reply)
	require.NoError(t, err)
	require.True(t, reply.Found)
	require.Equal(t, "value-for-k1", string(reply.Value))
}

func TestRequestTimesOutWithoutHandler(t *testing.T) {
	a, _ := startDispatcher(t, "node-a")
	b, addrB := startDispatcher(t, "node-b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx, "node-b", addrB))
	waitConnected(t, a, "node-b")

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer reqCancel()

	var reply types.GetResponse
	err := a.Request(reqCtx, "node-b", types.KindGetRequest, types.GetRequest{Key: "k1"}, &reply)
	require.ErrorIs(t, err, types.ErrTimeout)
	_ = b
}

func TestPostDeliversWithoutReply(t *testing.T) {
	a, addrA := startDispatcher(t, "node-a")
	b, addrB := startDispatcher(t, "node-b")

	received := make(chan types.Invalidate, 1)
	b.RegisterHandler(types.KindInvalidate, func(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
		var msg types.Invalidate
		require.NoError(t, decodePayload(payload, &msg))
		received <- msg
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx, "node-b", addrB))
	require.NoError(t, b.Connect(ctx, "node-a", addrA))
	waitConnected(t, a, "node-b")

	require.NoError(t, a.Post(ctx, "node-b", types.KindInvalidate, types.Invalidate{Key: "k9"}))

	select {
	case msg := <-received:
		require.Equal(t, "k9", msg.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("invalidate never delivered")
	}
}

func waitConnected(t *testing.T, d *Dispatcher, peer types.NodeID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range d.Peers() {
			if p == peer {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dispatcher never connected to %s", peer)
}
