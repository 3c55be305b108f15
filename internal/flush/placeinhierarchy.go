package flush

import (
	"context"
	"fmt"

	"github.com/hermesbo/bufferorganizer/internal/ids"
	"github.com/hermesbo/bufferorganizer/internal/refdpe"
	"github.com/hermesbo/bufferorganizer/internal/refmdm"
	"github.com/hermesbo/bufferorganizer/internal/swapstore"
)

// Replacer re-places a blob that was evicted to swap back into the
// buffer hierarchy (§4.5's PlaceInHierarchy): it reads the swapped
// bytes, asks the DPE for a fresh placement, writes the buffers, and
// registers the blob under its new placement.
type Replacer struct {
	dpe  *refdpe.Engine
	swap *swapstore.Store
	mdm  *refmdm.MDM
}

func NewReplacer(dpe *refdpe.Engine, swap *swapstore.Store, mdm *refmdm.MDM) *Replacer {
	return &Replacer{dpe: dpe, swap: swap, mdm: mdm}
}

// PlaceInHierarchy computes a placement for swapBlob's size, writes its
// bytes into the new buffers, and registers internalName pointing at
// them.
func (r *Replacer) PlaceInHierarchy(ctx context.Context, swapBlob swapstore.SwapBlob, internalName string) (ids.BlobID, error) {
	data, err := r.swap.Read(swapBlob)
	if err != nil {
		return 0, fmt.Errorf("flush: PlaceInHierarchy: reading swap: %w", err)
	}

	schemas, err := r.dpe.CalculatePlacement(ctx, []uint64{swapBlob.Size})
	if err != nil {
		return 0, fmt.Errorf("flush: PlaceInHierarchy: calculating placement: %w", err)
	}

	bufferIDs, err := r.dpe.PlaceBlob(ctx, schemas[0], data)
	if err != nil {
		return 0, fmt.Errorf("flush: PlaceInHierarchy: placing blob: %w", err)
	}

	return r.mdm.CreateBlob(internalName, bufferIDs, 0), nil
}
