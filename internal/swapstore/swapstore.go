// Package swapstore is a reference on-disk implementation of the swap
// path PlaceInHierarchy reads from (§4.5): blobs evicted from the buffer
// pool are appended to one per-node swap file, addressed afterwards by
// (offset, size). It stands in for the real system's swap-file
// mechanism, which is out of scope for this repository.
package swapstore

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/logex"
	"github.com/google/uuid"
)

// SwapBlob addresses a blob's bytes within a node's swap file, the Go
// analogue of the source's SwapBlob (node_id, offset, size, bucket_id).
// SwapID is a reference-store addition: a unique tag for one write,
// useful for correlating swap-out and swap-in log lines since
// (offset, size) pairs alone don't identify a write attempt.
type SwapBlob struct {
	NodeID   uint32
	Offset   uint64
	Size     uint64
	BucketID uint32
	SwapID   string
}

// Store is one node's append-only swap file. Writes always append, so a
// SwapBlob's (offset, size) stays valid for the file's lifetime.
type Store struct {
	mu     sync.Mutex
	nodeID uint32
	path   string
	log    *logex.Leveled
}

// Open prepares nodeID's swap file at path, creating it (and its parent
// directory) if it doesn't already exist.
func Open(nodeID uint32, path string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("swapstore: creating parent directory: %w", err)
	}

	exists, err := fileexists.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("swapstore: checking for existing swap file: %w", err)
	}

	if !exists {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("swapstore: creating swap file: %w", err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("swapstore: closing newly-created swap file: %w", err)
		}
	}

	return &Store{
		nodeID: nodeID,
		path:   path,
		log:    logex.Levels(logex.NonNil(logger)),
	}, nil
}

// Write appends data to the swap file and returns the descriptor
// (§4.5's implied "ReplaceBlobWithSwapBlob" path) needed to read it back
// later.
func (s *Store) Write(bucketID uint32, data []byte) (SwapBlob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return SwapBlob{}, fmt.Errorf("swapstore: opening swap file for append: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return SwapBlob{}, fmt.Errorf("swapstore: statting swap file: %w", err)
	}
	offset := uint64(info.Size())

	if _, err := f.Write(data); err != nil {
		return SwapBlob{}, fmt.Errorf("swapstore: writing to swap file: %w", err)
	}

	swapID := uuid.NewString()

	s.log.Info.Printf("wrote %d bytes to swap at offset %d (swap id %s)", len(data), offset, swapID)

	return SwapBlob{NodeID: s.nodeID, Offset: offset, Size: uint64(len(data)), BucketID: bucketID, SwapID: swapID}, nil
}

// Read (the reference's ReadFromSwap) returns swap's bytes. It refuses
// to serve a descriptor minted on a different node, since this Store
// only ever opens its own node's file.
func (s *Store) Read(swap SwapBlob) ([]byte, error) {
	if swap.NodeID != s.nodeID {
		return nil, fmt.Errorf("swapstore: SwapBlob belongs to node %d, not %d", swap.NodeID, s.nodeID)
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("swapstore: opening swap file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, swap.Size)
	if _, err := f.ReadAt(buf, int64(swap.Offset)); err != nil {
		return nil, fmt.Errorf("swapstore: reading swap file at offset %d: %w", swap.Offset, err)
	}

	return buf, nil
}
