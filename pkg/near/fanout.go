package near

import (
	"context"

	"github.com/gridcache/gridcache/pkg/store"
	"github.com/gridcache/gridcache/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Sender delivers an Invalidate message to a single reader. pkg/cache
// wires this to pkg/dispatch's client; kept as a narrow interface here so
// this package never imports the transport layer.
type Sender interface {
	SendInvalidate(ctx context.Context, to types.NodeID, msg types.Invalidate) error
}

// Fanout dispatches the commit-time invalidation fan-out: on commit of
// a write to k, send Invalidate to every reader and
// clear the reader set.
type Fanout struct {
	sender Sender
	sync   types.WriteSyncMode
}

// NewFanout builds a Fanout that delivers through sender under the given
// write-synchronization mode.
func NewFanout(sender Sender, mode types.WriteSyncMode) *Fanout {
	return &Fanout{sender: sender, sync: mode}
}

// Dispatch sends Invalidate(key, newVersion, tx) to every node currently
// registered as a reader of key, per st.ReadersAndClear, and clears the
// reader set regardless of delivery outcome —, a reader that
// misses delivery is expected to have already re-fetched or will on its
// next access; FULL_SYNC is the only mode where the caller actually
// blocks for delivery confirmation.
func (f *Fanout) Dispatch(ctx context.Context, st *store.Store, part types.PartitionID, key string, newVersion types.Version, tx types.TxID) error {
	readers := st.ReadersAndClear(part, key)
	if len(readers) == 0 {
		return nil
	}
	msg := types.Invalidate{Key: key, NewVersion: newVersion, TxID: tx}

	if f.sync == types.FullAsync {
		for _, r := range readers {
			r := r
			go func() { _ = f.sender.SendInvalidate(context.Background(), r, msg) }()
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range readers {
		r := r
		g.Go(func() error {
			return f.sender.SendInvalidate(gctx, r, msg)
		})
	}
	return g.Wait()
}
