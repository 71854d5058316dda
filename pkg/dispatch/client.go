package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/gridcache/gridcache/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Call performs a one-shot request against a node's dispatch listener
// without a standing Dispatcher: dial, handshake, one request, one
// correlated response, hang up. Used by a joining node before it is part
// of the mesh, and by the thin CLI client. self must be unique on the
// receiving node (joiners use their NodeID, clients a random identity) —
// the receiver keys its peer map by it.
func Call(ctx context.Context, addr string, self types.NodeID, kind types.MessageKind, msg any, reply any) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dispatch: dial %s: %w", addr, err)
	}
	defer conn.Close()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := newTransportExchangeClient(streamCtx, conn)
	if err != nil {
		return fmt.Errorf("dispatch: open stream to %s: %w", addr, err)
	}

	if err := stream.Send(&Envelope{From: self}); err != nil {
		return fmt.Errorf("dispatch: handshake with %s: %w", addr, err)
	}

	payload, err := encodePayload(msg)
	if err != nil {
		return fmt.Errorf("dispatch: encode %s payload: %w", kind, err)
	}
	if err := stream.Send(&Envelope{CorrelationID: 1, Kind: kind, From: self, Payload: payload}); err != nil {
		return fmt.Errorf("dispatch: send %s to %s: %w", kind, addr, err)
	}

	for {
		env, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("dispatch: await %s response from %s: %w", kind, addr, err)
		}
		if env.CorrelationID != 1 {
			continue
		}
		if env.Err != "" {
			return errors.New(env.Err)
		}
		if reply == nil {
			return nil
		}
		return decodePayload(env.Payload, reply)
	}
}
