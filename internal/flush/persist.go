package flush

import (
	"context"
	"fmt"
	"io"

	"github.com/hermesbo/bufferorganizer/internal/ids"
	"github.com/hermesbo/bufferorganizer/internal/refmdm"
	"github.com/hermesbo/bufferorganizer/internal/refpool"
)

// ReferencePersister streams a blob's current buffer placement to a
// destination writer in buffer-list order, standing in for the external
// StdIO persist routine (§4.5) the real system calls after taking the
// file lock. It only knows about this node's own pool, matching the
// reference MDM/pool's single-process scope.
type ReferencePersister struct {
	mdm  *refmdm.MDM
	pool *refpool.Pool
}

func NewReferencePersister(mdm *refmdm.MDM, pool *refpool.Pool) *ReferencePersister {
	return &ReferencePersister{mdm: mdm, pool: pool}
}

// PersistBlob writes every buffer in blobID's placement to dest,
// starting at offset and advancing by each buffer's used size.
func (p *ReferencePersister) PersistBlob(ctx context.Context, blobID ids.BlobID, dest io.WriterAt, offset uint64) error {
	list, ok := p.mdm.BufferIDList(blobID)
	if !ok {
		return fmt.Errorf("flush: blob %d has no buffer-id list", blobID.AsUint64())
	}

	pos := offset
	for _, id := range list {
		data, err := p.pool.ReadBuffer(id, 0)
		if err != nil {
			return fmt.Errorf("flush: reading buffer %d: %w", id.AsUint64(), err)
		}

		if _, err := dest.WriteAt(data, int64(pos)); err != nil {
			return fmt.Errorf("flush: writing at offset %d: %w", pos, err)
		}

		pos += uint64(len(data))
	}

	return nil
}
