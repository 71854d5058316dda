/*
Package dispatch implements the Message Dispatcher:
typed request/response delivery with correlation IDs, futures, and
topology-version checks, over a point-to-point reliable transport.

# Architecture

Transport is one persistent gRPC bidirectional stream per pair of nodes
(the node with the smaller NodeID dials, see shouldDial), carrying one
generic Envelope frame type instead of a protobuf-generated service per
RPC — see codec.go for why: every wire message shares one streaming method,
so no .proto/codegen step is required.

	┌─────────────────────── DISPATCHER ────────────────────────────┐
	│                                                                   │
	│  Dispatcher                                                      │
	│   ├── peers: map[NodeID]*peerConn  (one bidi stream each)        │
	│   ├── pending: map[correlationID]chan Envelope  (futures)        │
	│   └── handlers: map[MessageKind]Handler                          │
	│                                                                   │
	│  Request(ctx, peer, kind, msg, reply) -> decoded reply, or ctx    │
	│    deadline -> types.ErrTimeout (cancellation message is          │
	│    best-effort; caller's future always completes on deadline)     │
	│                                                                   │
	│  recvLoop(peer): for every inbound Envelope —                    │
	│    if its CorrelationID matches a pending future,                │
	│      complete it; else run the registered Handler on a goroutine  │
	│      of its own                                                   │
	└────────────────────────────────────────────────────────────────┘

FIFO per (sender, receiver) falls out of using exactly one gRPC stream per
node pair: gRPC never reorders frames within a stream. At-least-once
delivery is the transport's job (TCP + gRPC's own retries); the
dispatcher adds idempotent correlation-based futures on top, not its own
resend logic.
*/
package dispatch
