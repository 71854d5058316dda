package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/gridcache/gridcache/pkg/dispatch"
	"github.com/gridcache/gridcache/pkg/types"
)

// registerHandlers installs one dispatch handler per inbound message
// kind. Handlers run on the system pool (one goroutine per message) and
// hand anything user-facing to the public pool.
func (n *Node) registerHandlers() {
	n.disp.RegisterHandler(types.KindGetRequest, n.handleGet)
	n.disp.RegisterHandler(types.KindInvalidate, n.handleInvalidate)
	n.disp.RegisterHandler(types.KindNearEvict, n.handleNearEvict)
	n.disp.RegisterHandler(types.KindPrepareRequest, n.handlePrepare)
	n.disp.RegisterHandler(types.KindFinishRequest, n.handleFinish)
	n.disp.RegisterHandler(types.KindCheckCommitted, n.handleCheckCommitted)
	n.disp.RegisterHandler(types.KindPartitionsSingle, n.handlePartitionsSingle)
	n.disp.RegisterHandler(types.KindDemandMessage, n.handleDemand)
	n.disp.RegisterHandler(types.KindSupplyMessage, n.handleSupply)
	n.disp.RegisterHandler(types.KindJoinRequest, n.handleJoin)
	n.disp.RegisterHandler(types.KindPutRequest, n.handlePut)
}

func (n *Node) handleGet(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var req types.GetRequest
	if err := dispatch.DecodePayload(payload, &req); err != nil {
		return nil, err
	}

	part := n.aff.PartitionFor(req.Key)
	owners := (&nodeRouter{n: n}).OwnersOf(part)
	primary := owners.Primary()

	resp := types.GetResponse{Key: req.Key}
	switch {
	case primary == "":
		resp.Err = types.ErrPartitionLost.Error()
	case primary == n.self || owners.Contains(n.self):
		// Register the requester as a near reader before reading the
		// value: if a commit lands in between, the requester receives
		// the invalidation for it rather than silently keeping a copy
		// one generation behind.
		if primary == n.self && n.cfg.Cache.DistributionMode == types.NearPartitioned &&
			req.RequesterID != "" && n.isMember(req.RequesterID) {
			n.store.AddReader(part, req.Key, req.RequesterID)
		}
		value, err := n.localGet(part, req.Key)
		if err != nil {
			if errors.Is(err, types.ErrKeyNotFound) {
				// Found=false carries "no such key"; not an error.
				break
			}
			resp.Err = err.Error()
			break
		}
		entry, ok := n.store.Peek(part, req.Key)
		if ok {
			resp.Value = value
			resp.Version = entry.Version
			resp.Found = true
		}
	default:
		// Not an owner: proxy to the primary on the requester's behalf
		// (thin clients dial any node).
		var proxied types.GetResponse
		if err := n.disp.Request(ctx, primary, types.KindGetRequest, req, &proxied); err != nil {
			resp.Err = err.Error()
			break
		}
		resp = proxied
	}
	return dispatch.EncodePayload(resp)
}

func (n *Node) isMember(id types.NodeID) bool {
	for _, m := range n.member.NodeIDs() {
		if m == id {
			return true
		}
	}
	return false
}

func (n *Node) handleInvalidate(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var msg types.Invalidate
	if err := dispatch.DecodePayload(payload, &msg); err != nil {
		return nil, err
	}
	// Applied off the receive goroutine: anything observing the near
	// cache from a callback must not re-enter the transport path.
	n.public.Run(func() {
		n.near.Invalidate(msg.Key, msg.NewVersion)
	})
	return nil, nil
}

func (n *Node) handleNearEvict(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var msg types.NearEvict
	if err := dispatch.DecodePayload(payload, &msg); err != nil {
		return nil, err
	}
	n.store.RemoveReader(n.aff.PartitionFor(msg.Key), msg.Key, msg.Reader)
	return nil, nil
}

func (n *Node) handlePrepare(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var req types.PrepareRequest
	if err := dispatch.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	return dispatch.EncodePayload(n.txns.HandlePrepare(ctx, from, req))
}

func (n *Node) handleFinish(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var req types.FinishRequest
	if err := dispatch.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	return dispatch.EncodePayload(n.txns.HandleFinish(ctx, from, req))
}

func (n *Node) handleCheckCommitted(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var req types.CheckCommitted
	if err := dispatch.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	return dispatch.EncodePayload(n.rec.HandleCheckCommitted(ctx, from, req))
}

func (n *Node) handlePartitionsSingle(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var msg types.PartitionsSingle
	if err := dispatch.DecodePayload(payload, &msg); err != nil {
		return nil, err
	}
	n.pre.HandlePartitionsSingle(from, msg)
	return nil, nil
}

func (n *Node) handleDemand(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var msg types.DemandMessage
	if err := dispatch.DecodePayload(payload, &msg); err != nil {
		return nil, err
	}
	if err := n.pre.HandleDemand(ctx, from, msg); err != nil {
		return nil, err
	}
	return nil, nil
}

func (n *Node) handleSupply(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var msg types.SupplyMessage
	if err := dispatch.DecodePayload(payload, &msg); err != nil {
		return nil, err
	}
	if n.isBackupWrite(msg) {
		n.applyBackupWrite(msg)
		return dispatch.EncodePayload(types.FinishResponse{OK: true})
	}
	n.pre.HandleSupply(ctx, from, msg)
	return nil, nil
}

// isBackupWrite distinguishes a transactional backup replication (a
// single-entry supply for a partition this node backs at the current
// topology) from a rebalance stream (addressed at a MOVING partition of
// an in-flight exchange).
func (n *Node) isBackupWrite(msg types.SupplyMessage) bool {
	return n.topo.State(msg.PartID) == types.PartitionStateOwning
}

func (n *Node) applyBackupWrite(msg types.SupplyMessage) {
	for _, e := range msg.Entries {
		n.store.Invalidate(msg.PartID, e.Key, types.Entry{
			Key:       e.Key,
			Value:     e.Value,
			Tombstone: e.Tombstone,
			Version:   e.Version,
			Partition: msg.PartID,
		})
	}
}

func (n *Node) handleJoin(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var req types.JoinRequest
	if err := dispatch.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	return dispatch.EncodePayload(n.member.HandleJoin(req))
}

func (n *Node) handlePut(ctx context.Context, from types.NodeID, payload []byte) ([]byte, error) {
	var req types.PutRequest
	if err := dispatch.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	var err error
	if req.Tombstone {
		err = n.Remove(ctx, req.Key)
	} else {
		err = n.Put(ctx, req.Key, req.Value)
	}
	resp := types.PutResponse{OK: err == nil}
	if err != nil {
		resp.Err = err.Error()
	}
	return dispatch.EncodePayload(resp)
}

// nodeTransport adapts the dispatcher to the narrow transport interfaces
// pkg/txn, pkg/recovery, pkg/preloader and pkg/near declare.
type nodeTransport struct {
	n *Node
}

func (t *nodeTransport) Get(ctx context.Context, to types.NodeID, req types.GetRequest) (types.GetResponse, error) {
	var resp types.GetResponse
	err := t.n.disp.Request(ctx, to, types.KindGetRequest, req, &resp)
	return resp, err
}

func (t *nodeTransport) Prepare(ctx context.Context, to types.NodeID, req types.PrepareRequest) (types.PrepareResponse, error) {
	var resp types.PrepareResponse
	err := t.n.disp.Request(ctx, to, types.KindPrepareRequest, req, &resp)
	return resp, err
}

func (t *nodeTransport) Finish(ctx context.Context, to types.NodeID, req types.FinishRequest) (types.FinishResponse, error) {
	var resp types.FinishResponse
	err := t.n.disp.Request(ctx, to, types.KindFinishRequest, req, &resp)
	return resp, err
}

func (t *nodeTransport) BackupWrite(ctx context.Context, to types.NodeID, msg types.SupplyMessage, awaitAck bool) error {
	if !awaitAck {
		return t.n.disp.Post(ctx, to, types.KindSupplyMessage, msg)
	}
	var resp types.FinishResponse
	if err := t.n.disp.Request(ctx, to, types.KindSupplyMessage, msg, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("backup %s refused replication", to)
	}
	return nil
}

func (t *nodeTransport) CheckCommitted(ctx context.Context, to types.NodeID, req types.CheckCommitted) (types.CheckCommittedResponse, error) {
	var resp types.CheckCommittedResponse
	err := t.n.disp.Request(ctx, to, types.KindCheckCommitted, req, &resp)
	return resp, err
}

func (t *nodeTransport) PartitionsSingle(ctx context.Context, to types.NodeID, msg types.PartitionsSingle) error {
	return t.n.disp.Post(ctx, to, types.KindPartitionsSingle, msg)
}

func (t *nodeTransport) Demand(ctx context.Context, to types.NodeID, msg types.DemandMessage) error {
	return t.n.disp.Post(ctx, to, types.KindDemandMessage, msg)
}

func (t *nodeTransport) Supply(ctx context.Context, to types.NodeID, msg types.SupplyMessage) error {
	return t.n.disp.Post(ctx, to, types.KindSupplyMessage, msg)
}

func (t *nodeTransport) SendInvalidate(ctx context.Context, to types.NodeID, msg types.Invalidate) error {
	// FULL_SYNC requires delivery acknowledgement; the other modes fire
	// and forget.
	if t.n.cfg.Cache.WriteSync == types.FullSync {
		return t.n.disp.Request(ctx, to, types.KindInvalidate, msg, nil)
	}
	return t.n.disp.Post(ctx, to, types.KindInvalidate, msg)
}
