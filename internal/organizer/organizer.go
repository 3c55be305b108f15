// Package organizer is the placement-improvement loop: given a blob's
// importance score and its current access score, it sorts buffers and
// candidate targets and enqueues Move tasks that drive the access score
// toward the importance score within an epsilon tolerance.
package organizer

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/function61/gokit/logex"
	"github.com/hermesbo/bufferorganizer/internal/costmodel"
	"github.com/hermesbo/bufferorganizer/internal/dispatch"
	"github.com/hermesbo/bufferorganizer/internal/executor"
	"github.com/hermesbo/bufferorganizer/internal/ids"
	"github.com/hermesbo/bufferorganizer/internal/refmdm"
	"github.com/hermesbo/bufferorganizer/internal/refpool"
)

// NoExplicitImportance is the sentinel a caller passes for importance to
// ask LocalOrganizeBlob to fetch the blob's stored importance score
// instead (§4.3 step 2).
const NoExplicitImportance = -1

// Router resolves which node is authoritative for a named blob, the
// same hash-mod-N routing §4.3 specifies.
type Router interface {
	AuthoritativeNode(internalName string) uint32
	IsLocal(nodeID uint32) bool
}

// RemoteOrganizer forwards OrganizeBlob to a blob's authoritative node.
type RemoteOrganizer interface {
	RemoteOrganizeBlob(ctx context.Context, nodeID uint32, internalName string, epsilon float64) error
}

// BufferInfoFetcher resolves a buffer's bandwidth/size snapshot,
// locally or (for buffers living on another node) via RPC.
type BufferInfoFetcher interface {
	GetBufferInfo(ctx context.Context, id ids.BufferID) (costmodel.BufferInfo, error)
}

// Options carries the one configurable knob the source leaves
// ambiguous (§9 Open Question #2).
type Options struct {
	// RejectUndershoot makes the validity gate symmetric: also reject a
	// move that undershoots importance by more than epsilon. The source
	// only rejects overshoot; default false preserves that behavior.
	RejectUndershoot bool
}

// Organizer runs LocalOrganizeBlob for blobs this node is authoritative
// for, and forwards everything else to its owning node.
type Organizer struct {
	mdm     *refmdm.MDM
	pool    *refpool.Pool
	queue   *dispatch.Queue
	exec    *executor.Executor
	router  Router
	remote  RemoteOrganizer
	buffers BufferInfoFetcher
	opts    Options
	log     *logex.Leveled
}

func New(
	mdm *refmdm.MDM,
	pool *refpool.Pool,
	queue *dispatch.Queue,
	exec *executor.Executor,
	router Router,
	remote RemoteOrganizer,
	buffers BufferInfoFetcher,
	opts Options,
	logger *log.Logger,
) *Organizer {
	return &Organizer{
		mdm:     mdm,
		pool:    pool,
		queue:   queue,
		exec:    exec,
		router:  router,
		remote:  remote,
		buffers: buffers,
		opts:    opts,
		log:     logex.Levels(logex.NonNil(logger)),
	}
}

// MakeInternalBlobName builds the name OrganizeBlob hashes for routing,
// scoping a blob's name to its containing bucket.
func MakeInternalBlobName(bucketID uint32, blobName string) string {
	return fmt.Sprintf("%d/%s", bucketID, blobName)
}

// OrganizeBlob routes to the blob's authoritative node (§4.3): local
// calls run immediately, everything else forwards over RPC.
func (o *Organizer) OrganizeBlob(ctx context.Context, bucketID uint32, blobName string, epsilon float64, importance float32) error {
	internalName := MakeInternalBlobName(bucketID, blobName)
	node := o.router.AuthoritativeNode(internalName)

	if o.router.IsLocal(node) {
		return o.LocalOrganizeBlob(ctx, internalName, epsilon, importance)
	}

	return o.remote.RemoteOrganizeBlob(ctx, node, internalName, epsilon)
}

// LocalOrganizeBlob runs the full placement-improvement loop described
// in §4.3, assuming this node is already authoritative for the blob.
func (o *Organizer) LocalOrganizeBlob(ctx context.Context, internalName string, epsilon float64, importance float32) error {
	blobID, ok := o.mdm.LocalGet(internalName)
	if !ok {
		return fmt.Errorf("organizer: blob %q not found", internalName)
	}

	if importance == NoExplicitImportance {
		fetched, ok := o.mdm.ImportanceScore(blobID)
		if !ok {
			return fmt.Errorf("organizer: no importance score recorded for blob %q", internalName)
		}
		importance = fetched
	}

	bufferIDs, ok := o.mdm.BufferIDList(blobID)
	if !ok {
		return fmt.Errorf("organizer: blob %q has no buffer list", internalName)
	}

	bufferInfo, err := o.fetchBufferInfo(ctx, bufferIDs)
	if err != nil {
		return err
	}

	poolRange := o.poolBandwidthRange()

	accessScore := costmodel.ComputeBlobAccessScore(bufferInfo, poolRange)
	increasing := importance > accessScore

	sortBufferInfo(bufferInfo, increasing)

	for _, buf := range bufferInfo {
		newScore, moved := o.tryImproveOnePlacement(ctx, blobID, buf, bufferInfo, importance, float32(epsilon), increasing)

		// §4.3 step 6 termination: stop as soon as one move's predicted
		// score lands within epsilon of importance, the same break the
		// source takes the moment a single move is good enough. Without
		// this, every remaining buffer in a multi-buffer blob would also
		// pass moveIsValid against the unchanged original list and get
		// its own Move enqueued, overshooting importance far past
		// epsilon.
		if moved && math.Abs(float64(importance-newScore)) < float64(epsilon) {
			break
		}
	}

	return nil
}

// tryImproveOnePlacement is one iteration of §4.3 step 6: pick a
// candidate target for buf, validate the hypothetical resulting score,
// and enqueue a Move if it's within tolerance. Returns the hypothetical
// score and whether a Move was actually enqueued for it, so the caller
// can decide termination.
func (o *Organizer) tryImproveOnePlacement(
	ctx context.Context,
	blobID ids.BlobID,
	buf costmodel.BufferInfo,
	allBuffers []costmodel.BufferInfo,
	importance float32,
	epsilon float32,
	increasing bool,
) (float32, bool) {
	targets := o.snapshotTargets()
	sortTargetInfo(targets, increasing)

	chosen, ok := pickTarget(targets, buf.UsedBytes)
	if !ok {
		o.log.Info.Printf("no target has room for buffer %d (%d bytes), skipping", buf.ID.AsUint64(), buf.UsedBytes)
		return 0, false
	}

	hypothetical := withSubstitutedBandwidth(allBuffers, buf.ID, chosen.BandwidthMBps)
	newScore := costmodel.ComputeBlobAccessScore(hypothetical, o.poolBandwidthRange())

	if !moveIsValid(increasing, newScore, importance, epsilon, o.opts.RejectUndershoot) {
		return 0, false
	}

	dest, ok := o.pool.AllocateBuffer(chosen.ID, buf.UsedBytes)
	if !ok {
		o.log.Info.Printf("target %d lost its capacity before allocation, skipping", chosen.ID.AsUint64())
		return 0, false
	}

	src := buf.ID
	o.queue.Enqueue(func() {
		if err := o.exec.Move(ctx, blobID, src, []ids.BufferID{dest}); err != nil {
			o.log.Error.Printf("Move(%d -> %d) for blob %d failed: %v", src.AsUint64(), dest.AsUint64(), blobID.AsUint64(), err)
		}
	}, dispatch.Low)

	return newScore, true
}

// moveIsValid implements §4.3's one-sided (by default) overshoot gate.
func moveIsValid(increasing bool, newScore, importance, epsilon float32, rejectUndershoot bool) bool {
	if increasing {
		if newScore > importance && newScore-importance > epsilon {
			return false
		}
		if rejectUndershoot && newScore < importance && importance-newScore > epsilon {
			return false
		}
	} else {
		if newScore < importance && importance-newScore > epsilon {
			return false
		}
		if rejectUndershoot && newScore > importance && newScore-importance > epsilon {
			return false
		}
	}

	return true
}

func withSubstitutedBandwidth(buffers []costmodel.BufferInfo, id ids.BufferID, bandwidth float32) []costmodel.BufferInfo {
	out := make([]costmodel.BufferInfo, len(buffers))
	copy(out, buffers)

	for i := range out {
		if out[i].ID == id {
			out[i].BandwidthMBps = bandwidth
		}
	}

	return out
}

// targetInfo is an ephemeral snapshot of one candidate placement target.
type targetInfo struct {
	ID            ids.TargetID
	BandwidthMBps float32
	Capacity      uint64
}

func (o *Organizer) snapshotTargets() []targetInfo {
	targets := o.pool.Targets()
	out := make([]targetInfo, 0, len(targets))

	for _, t := range targets {
		bw, ok := o.pool.Bandwidth(t)
		if !ok {
			continue
		}
		cap, ok := o.pool.RemainingCapacity(t)
		if !ok {
			continue
		}
		out = append(out, targetInfo{ID: t, BandwidthMBps: bw, Capacity: cap})
	}

	return out
}

func pickTarget(targets []targetInfo, size uint64) (targetInfo, bool) {
	for _, t := range targets {
		if t.Capacity >= size {
			return t, true
		}
	}
	return targetInfo{}, false
}

func (o *Organizer) poolBandwidthRange() costmodel.PoolBandwidthRange {
	targets := o.pool.Targets()
	if len(targets) == 0 {
		return costmodel.PoolBandwidthRange{}
	}

	min, max := float32(math.MaxFloat32), float32(0)
	for _, t := range targets {
		bw, ok := o.pool.Bandwidth(t)
		if !ok {
			continue
		}
		if bw < min {
			min = bw
		}
		if bw > max {
			max = bw
		}
	}

	return costmodel.PoolBandwidthRange{MinMBps: min, MaxMBps: max}
}

func (o *Organizer) fetchBufferInfo(ctx context.Context, bufferIDs []ids.BufferID) ([]costmodel.BufferInfo, error) {
	out := make([]costmodel.BufferInfo, len(bufferIDs))

	for i, id := range bufferIDs {
		info, err := o.buffers.GetBufferInfo(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("organizer: fetching buffer info for %d: %w", id.AsUint64(), err)
		}
		out[i] = info
	}

	return out, nil
}

// sortBufferInfo implements §4.3 step 5 and §9's "single comparator
// parameterized by increasing" guidance: primary key bandwidth
// (descending if increasing, else ascending), secondary key size
// descending either way.
func sortBufferInfo(buffers []costmodel.BufferInfo, increasing bool) {
	sort.SliceStable(buffers, func(i, j int) bool {
		a, b := buffers[i], buffers[j]
		if a.BandwidthMBps == b.BandwidthMBps {
			return a.UsedBytes > b.UsedBytes
		}
		if increasing {
			return a.BandwidthMBps > b.BandwidthMBps
		}
		return a.BandwidthMBps < b.BandwidthMBps
	})
}

// sortTargetInfo implements §4.3 step 6's target ordering: ascending
// bandwidth if increasing (want the slowest-fastest-still-acceptable
// targets first while driving the score up), descending otherwise.
func sortTargetInfo(targets []targetInfo, increasing bool) {
	sort.SliceStable(targets, func(i, j int) bool {
		if increasing {
			return targets[i].BandwidthMBps < targets[j].BandwidthMBps
		}
		return targets[i].BandwidthMBps > targets[j].BandwidthMBps
	})
}
