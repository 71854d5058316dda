package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gridcache/gridcache/pkg/log"
	"github.com/gridcache/gridcache/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Handler processes one inbound message and, for request kinds, returns the
// gob-encoded payload of the response. Handlers run on their own goroutine
// per message (the system pool) and must not block on a
// user operation.
type Handler func(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error)

// exchangeStream is the common shape of both halves of an Exchange stream;
// TransportExchangeClient and TransportExchangeServer both satisfy it.
type exchangeStream interface {
	Send(*Envelope) error
	Recv() (*Envelope, error)
}

type peerConn struct {
	id     types.NodeID
	conn   *grpc.ClientConn // nil when this side accepted the stream
	cancel context.CancelFunc
	stream exchangeStream
	sendMu sync.Mutex
}

func (p *peerConn) send(env *Envelope) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.stream.Send(env)
}

func (p *peerConn) close() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// Dispatcher is the point-to-point message transport and request/response
// correlator, 2 and 6. One Dispatcher exists per node.
type Dispatcher struct {
	self types.NodeID

	mu    sync.RWMutex
	peers map[types.NodeID]*peerConn

	handlersMu sync.RWMutex
	handlers   map[types.MessageKind]Handler

	pendingMu sync.Mutex
	pending   map[uint64]chan *Envelope

	nextCorr atomic.Uint64

	grpcServer *grpc.Server
}

// New creates a Dispatcher for this node. self must be the node's stable
// identity as assigned by pkg/membership.
func New(self types.NodeID) *Dispatcher {
	return &Dispatcher{
		self:     self,
		peers:    make(map[types.NodeID]*peerConn),
		handlers: make(map[types.MessageKind]Handler),
		pending:  make(map[uint64]chan *Envelope),
	}
}

// RegisterHandler installs the handler invoked for inbound messages of kind.
// Only one handler may be registered per kind.
func (d *Dispatcher) RegisterHandler(kind types.MessageKind, h Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[kind] = h
}

func (d *Dispatcher) handlerFor(kind types.MessageKind) (Handler, bool) {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}

// Serve accepts inbound peer connections on lis until the listener closes or
// Stop is called. It blocks; callers typically run it in its own goroutine.
func (d *Dispatcher) Serve(lis net.Listener) error {
	d.grpcServer = grpc.NewServer()
	RegisterTransportServer(d.grpcServer, d)
	logger := log.WithComponent("dispatch")
	logger.Info().Str("addr", lis.Addr().String()).Msg("dispatch transport listening")
	return d.grpcServer.Serve(lis)
}

// Stop gracefully shuts down the listener and every peer connection.
func (d *Dispatcher) Stop() {
	if d.grpcServer != nil {
		d.grpcServer.GracefulStop()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, p := range d.peers {
		p.close()
		delete(d.peers, id)
	}
}

// shouldDial decides, for an unordered pair, which side opens the TCP
// connection: the lexicographically smaller NodeID dials. This keeps a
// full mesh of N nodes to exactly one physical stream per pair instead of
// two redundant half-duplex connections, while gRPC's native bidi framing
// still gives both directions FIFO ordering over that one stream.
func shouldDial(self, peer types.NodeID) bool {
	return self < peer
}

// Connect ensures a stream exists toward peer at addr. If the deterministic
// dial direction says the remote side should dial instead, Connect returns
// immediately: the peer will appear once its own dial reaches our Serve
// listener and calls Exchange.
func (d *Dispatcher) Connect(ctx context.Context, peer types.NodeID, addr string) error {
	if peer == d.self {
		return nil
	}
	if !shouldDial(d.self, peer) {
		return nil
	}
	d.mu.RLock()
	_, exists := d.peers[peer]
	d.mu.RUnlock()
	if exists {
		return nil
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dispatch: dial %s at %s: %w", peer, addr, err)
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := newTransportExchangeClient(streamCtx, conn)
	if err != nil {
		cancel()
		conn.Close()
		return fmt.Errorf("dispatch: open exchange stream to %s: %w", peer, err)
	}
	pc := &peerConn{id: peer, conn: conn, cancel: cancel, stream: stream}

	// Announce ourselves so the remote's Exchange handler can key its peer
	// map before any application message arrives. Kind is left at its zero
	// value (no MessageKind constant uses 0), marking this as a handshake.
	if err := pc.send(&Envelope{From: d.self}); err != nil {
		cancel()
		conn.Close()
		return fmt.Errorf("dispatch: handshake with %s: %w", peer, err)
	}

	d.mu.Lock()
	d.peers[peer] = pc
	d.mu.Unlock()

	go d.recvLoop(pc)
	return nil
}

// Exchange implements transportServer for inbound streams opened by a peer
// whose NodeID sorts before ours (see shouldDial).
func (d *Dispatcher) Exchange(stream TransportExchangeServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	pc := &peerConn{id: first.From, stream: stream}

	d.mu.Lock()
	if _, exists := d.peers[first.From]; !exists {
		d.peers[first.From] = pc
	} else {
		pc = d.peers[first.From]
	}
	d.mu.Unlock()

	// The handshake envelope itself carries no payload; only dispatch it if
	// it turns out to be a real message (a payload or a CorrelationID set).
	if first.Payload != nil || first.CorrelationID != 0 {
		d.processEnvelope(pc, first)
	}

	for {
		env, err := stream.Recv()
		if err != nil {
			d.removePeer(first.From)
			return err
		}
		d.processEnvelope(pc, env)
	}
}

func (d *Dispatcher) recvLoop(pc *peerConn) {
	for {
		env, err := pc.stream.Recv()
		if err != nil {
			d.removePeer(pc.id)
			return
		}
		d.processEnvelope(pc, env)
	}
}

func (d *Dispatcher) removePeer(id types.NodeID) {
	d.mu.Lock()
	if p, ok := d.peers[id]; ok {
		p.close()
		delete(d.peers, id)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) peer(id types.NodeID) (*peerConn, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	return p, ok
}

func (d *Dispatcher) registerPending(corr uint64) chan *Envelope {
	ch := make(chan *Envelope, 1)
	d.pendingMu.Lock()
	d.pending[corr] = ch
	d.pendingMu.Unlock()
	return ch
}

func (d *Dispatcher) takePending(corr uint64) (chan *Envelope, bool) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	ch, ok := d.pending[corr]
	if ok {
		delete(d.pending, corr)
	}
	return ch, ok
}

func (d *Dispatcher) processEnvelope(pc *peerConn, env *Envelope) {
	if env.CorrelationID != 0 {
		if ch, ok := d.takePending(env.CorrelationID); ok {
			ch <- env
			return
		}
	}

	h, ok := d.handlerFor(env.Kind)
	if !ok {
		return
	}

	go func() {
		respPayload, err := h(context.Background(), env.From, env.Payload)
		if env.CorrelationID == 0 {
			return
		}
		respKind := env.Kind
		if k, ok := responseKind[env.Kind]; ok {
			respKind = k
		}
		resp := &Envelope{CorrelationID: env.CorrelationID, Kind: respKind, From: d.self, Payload: respPayload}
		if err != nil {
			resp.Err = err.Error()
		}
		if sendErr := pc.send(resp); sendErr != nil {
			logger := log.WithComponent("dispatch")
			logger.Warn().Str("peer", string(pc.id)).Err(sendErr).Msg("failed to send response envelope")
		}
	}()
}

// Request sends msg to peer and blocks for its correlated response, decoding
// it into reply. It returns types.ErrTimeout if ctx expires first, and the
// remote handler's error (as a plain error) if the response carries one.
func (d *Dispatcher) Request(ctx context.Context, peer types.NodeID, kind types.MessageKind, msg any, reply any) error {
	pc, ok := d.peer(peer)
	if !ok {
		return fmt.Errorf("dispatch: no connection to %s", peer)
	}
	payload, err := encodePayload(msg)
	if err != nil {
		return fmt.Errorf("dispatch: encode %s payload: %w", kind, err)
	}

	corr := d.nextCorr.Add(1)
	ch := d.registerPending(corr)
	defer d.takePending(corr)

	if err := pc.send(&Envelope{CorrelationID: corr, Kind: kind, From: d.self, Payload: payload}); err != nil {
		return fmt.Errorf("dispatch: send %s to %s: %w", kind, peer, err)
	}

	select {
	case resp := <-ch:
		if resp.Err != "" {
			return errors.New(resp.Err)
		}
		if reply == nil {
			return nil
		}
		return decodePayload(resp.Payload, reply)
	case <-ctx.Done():
		return types.ErrTimeout
	}
}

// Post sends msg to peer without waiting for a response, for one-way
// messages such as Invalidate and SupplyMessage batches.
func (d *Dispatcher) Post(ctx context.Context, peer types.NodeID, kind types.MessageKind, msg any) error {
	pc, ok := d.peer(peer)
	if !ok {
		return fmt.Errorf("dispatch: no connection to %s", peer)
	}
	payload, err := encodePayload(msg)
	if err != nil {
		return fmt.Errorf("dispatch: encode %s payload: %w", kind, err)
	}
	return pc.send(&Envelope{Kind: kind, From: d.self, Payload: payload})
}

// Broadcast posts msg to every connected peer, returning the first error
// encountered (after attempting all of them).
func (d *Dispatcher) Broadcast(ctx context.Context, kind types.MessageKind, msg any) error {
	d.mu.RLock()
	ids := make([]types.NodeID, 0, len(d.peers))
	for id := range d.peers {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	var first error
	for _, id := range ids {
		if err := d.Post(ctx, id, kind, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Peers returns the NodeIDs this dispatcher currently holds a stream to.
func (d *Dispatcher) Peers() []types.NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.NodeID, 0, len(d.peers))
	for id := range d.peers {
		out = append(out, id)
	}
	return out
}
