package boservice

import (
	"context"
	"errors"

	"github.com/hermesbo/bufferorganizer/internal/clusterconfig"
	"github.com/hermesbo/bufferorganizer/internal/costmodel"
	"github.com/hermesbo/bufferorganizer/internal/ids"
	"github.com/hermesbo/bufferorganizer/internal/refpool"
	"github.com/hermesbo/bufferorganizer/internal/rpcclient"
)

// bufferInfoRouter answers organizer.BufferInfoFetcher by reading the
// local reference pool for buffers this node owns, or forwarding to
// their owning node otherwise, exactly as OrganizeBlob itself routes on
// a blob's authoritative node (§4.3).
type bufferInfoRouter struct {
	cluster *clusterconfig.Config
	pool    *refpool.Pool
	remote  *rpcclient.Client
}

func newBufferInfoRouter(cluster *clusterconfig.Config, pool *refpool.Pool, remote *rpcclient.Client) *bufferInfoRouter {
	return &bufferInfoRouter{cluster: cluster, pool: pool, remote: remote}
}

func (b *bufferInfoRouter) GetBufferInfo(ctx context.Context, id ids.BufferID) (costmodel.BufferInfo, error) {
	if !b.cluster.IsLocal(id.NodeID()) {
		return b.remote.RemoteGetBufferInfo(ctx, id.NodeID(), id)
	}

	h, ok := b.pool.Header(id)
	if !ok {
		return costmodel.BufferInfo{}, errors.New("boservice: buffer not found on this node")
	}

	bw, ok := b.pool.Bandwidth(h.Target)
	if !ok {
		return costmodel.BufferInfo{}, errors.New("boservice: target not found on this node")
	}

	return costmodel.BufferInfo{ID: id, BandwidthMBps: bw, UsedBytes: h.Used}, nil
}
