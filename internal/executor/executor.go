// Package executor holds the Move/Copy/Delete task bodies the work
// queue runs: under the distributed blob lock, read source buffers,
// write destination buffers in order, then swap the blob's buffer-ID
// list to point at the new placement.
package executor

import (
	"context"
	"fmt"
	"log"

	"github.com/function61/gokit/logex"
	"github.com/hermesbo/bufferorganizer/internal/bloblock"
	"github.com/hermesbo/bufferorganizer/internal/ids"
	"github.com/hermesbo/bufferorganizer/internal/refmdm"
	"github.com/hermesbo/bufferorganizer/internal/refpool"
	"github.com/hermesbo/bufferorganizer/pkg/sliceutil"
)

// ErrSizeMismatch is returned when the destination buffers supplied to
// Move don't cover the source's full used size — the caller is
// responsible for sizing dests to cover src (§4.4).
var ErrSizeMismatch = fmt.Errorf("executor: destination buffers do not cover source buffer's used size")

// Executor runs Move/Copy/Delete against one node's reference buffer
// pool and metadata manager, under the distributed blob lock.
type Executor struct {
	locks *bloblock.Coordinator
	pool  *refpool.Pool
	mdm   *refmdm.MDM
	log   *logex.Leveled
}

func New(locks *bloblock.Coordinator, pool *refpool.Pool, mdm *refmdm.MDM, logger *log.Logger) *Executor {
	return &Executor{
		locks: locks,
		pool:  pool,
		mdm:   mdm,
		log:   logex.Levels(logex.NonNil(logger)),
	}
}

// Move reads src's full contents and distributes them across dests in
// order, then installs the updated buffer-ID list on blobID and frees
// src. On lock contention it logs and aborts — there is no retry (§7).
func (e *Executor) Move(ctx context.Context, blobID ids.BlobID, src ids.BufferID, dests []ids.BufferID) error {
	unlock, ok, err := e.locks.Lock(ctx, blobID)
	if err != nil {
		return fmt.Errorf("executor: Move: acquiring blob lock: %w", err)
	}
	if !ok {
		e.log.Info.Printf("Move: couldn't lock BlobID %d, aborting", blobID.AsUint64())
		return nil
	}
	defer unlock()

	srcHeader, ok := e.pool.Header(src)
	if !ok {
		e.log.Error.Printf("Move: BufferID %d not found on this node", src.AsUint64())
		return nil
	}

	data, err := e.pool.ReadBuffer(src, 0)
	if err != nil {
		return fmt.Errorf("executor: Move: reading source buffer: %w", err)
	}

	remaining := int64(srcHeader.Used)
	offset := uint64(0)

	for _, dest := range dests {
		destHeader, ok := e.pool.Header(dest)
		if !ok {
			e.log.Error.Printf("Move: destination BufferID %d not found on this node", dest.AsUint64())
			continue
		}

		portion := int64(destHeader.Capacity)
		if portion > remaining {
			portion = remaining
		}
		if portion <= 0 {
			continue
		}

		if err := e.pool.WriteBuffer(dest, data[offset:offset+uint64(portion)], 0); err != nil {
			return fmt.Errorf("executor: Move: writing destination buffer: %w", err)
		}

		offset += uint64(portion)
		remaining -= portion
	}

	if remaining != 0 {
		return ErrSizeMismatch
	}

	if err := e.installNewPlacement(blobID, src, dests); err != nil {
		return err
	}

	e.pool.ReleaseBuffer(src)

	return nil
}

// installNewPlacement replaces src's entry in blobID's buffer-ID list
// with dests, in place, and writes the list back under the lock the
// caller already holds. This resolves §9 Open Question #1: the swap and
// the lock hold are the same critical section, so readers of the blob's
// buffer list never see a partial mix of old and new buffers.
func (e *Executor) installNewPlacement(blobID ids.BlobID, src ids.BufferID, dests []ids.BufferID) error {
	current, ok := e.mdm.BufferIDList(blobID)
	if !ok {
		return fmt.Errorf("executor: blob %d has no buffer-id list", blobID.AsUint64())
	}

	updated := make([]ids.BufferID, 0, len(current)-1+len(dests))
	for _, id := range current {
		if id == src {
			updated = append(updated, dests...)
		} else {
			updated = append(updated, id)
		}
	}

	return e.mdm.ReplaceBufferIDList(blobID, updated)
}

// Copy duplicates src's contents onto a newly-allocated buffer on
// destTarget, leaving src live and referenced. Unlike Move, both
// buffers end up listed for the blob.
func (e *Executor) Copy(ctx context.Context, blobID ids.BlobID, src ids.BufferID, destTarget ids.TargetID) (ids.BufferID, error) {
	unlock, ok, err := e.locks.Lock(ctx, blobID)
	if err != nil {
		return 0, fmt.Errorf("executor: Copy: acquiring blob lock: %w", err)
	}
	if !ok {
		e.log.Info.Printf("Copy: couldn't lock BlobID %d, aborting", blobID.AsUint64())
		return 0, nil
	}
	defer unlock()

	srcHeader, ok := e.pool.Header(src)
	if !ok {
		e.log.Error.Printf("Copy: BufferID %d not found on this node", src.AsUint64())
		return 0, nil
	}

	data, err := e.pool.ReadBuffer(src, 0)
	if err != nil {
		return 0, fmt.Errorf("executor: Copy: reading source buffer: %w", err)
	}

	dest, ok := e.pool.AllocateBuffer(destTarget, srcHeader.Used)
	if !ok {
		e.log.Info.Printf("Copy: target %d has no room for %d bytes, skipping", destTarget.AsUint64(), srcHeader.Used)
		return 0, nil
	}

	if err := e.pool.WriteBuffer(dest, data, 0); err != nil {
		return 0, fmt.Errorf("executor: Copy: writing destination buffer: %w", err)
	}

	current, ok := e.mdm.BufferIDList(blobID)
	if !ok {
		return 0, fmt.Errorf("executor: blob %d has no buffer-id list", blobID.AsUint64())
	}

	if err := e.mdm.ReplaceBufferIDList(blobID, append(current, dest)); err != nil {
		return 0, err
	}

	return dest, nil
}

// Delete removes src from blobID's buffer-ID list and frees it back to
// the pool.
func (e *Executor) Delete(ctx context.Context, blobID ids.BlobID, src ids.BufferID) error {
	unlock, ok, err := e.locks.Lock(ctx, blobID)
	if err != nil {
		return fmt.Errorf("executor: Delete: acquiring blob lock: %w", err)
	}
	if !ok {
		e.log.Info.Printf("Delete: couldn't lock BlobID %d, aborting", blobID.AsUint64())
		return nil
	}
	defer unlock()

	current, ok := e.mdm.BufferIDList(blobID)
	if !ok {
		return fmt.Errorf("executor: blob %d has no buffer-id list", blobID.AsUint64())
	}

	updated := sliceutil.Filter(current, func(id ids.BufferID) bool { return id != src })

	if err := e.mdm.ReplaceBufferIDList(blobID, updated); err != nil {
		return err
	}

	e.pool.ReleaseBuffer(src)

	return nil
}
