// Package rpcserver exposes the BO's RPC surface (§6) over two
// gorilla/mux routers: the main engine (metadata/organize/flush-count
// calls other nodes address directly) and the buffer-organizer engine
// (calls that push work onto this node's BO thread pool, mirroring the
// source's "BO::"-prefixed dispatch).
package rpcserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/function61/gokit/logex"
	"github.com/gorilla/mux"
	"github.com/hermesbo/bufferorganizer/internal/bloblock"
	"github.com/hermesbo/bufferorganizer/internal/costmodel"
	"github.com/hermesbo/bufferorganizer/internal/ids"
	"github.com/hermesbo/bufferorganizer/internal/swapstore"
)

// BufferInfoService answers RemoteGetBufferInfo.
type BufferInfoService interface {
	GetBufferInfo(ctx context.Context, id ids.BufferID) (costmodel.BufferInfo, error)
}

// OrganizeService answers RemoteOrganizeBlob.
type OrganizeService interface {
	LocalOrganizeBlob(ctx context.Context, internalName string, epsilon float64, importance float32) error
}

// FlushCounterService is the local half of vbucket flush accounting,
// satisfied directly by *refmdm.MDM.
type FlushCounterService interface {
	IncrementFlushCount(vbktName string)
	DecrementFlushCount(vbktName string)
	OutstandingFlushCount(vbktName string) int
}

// FlushEnqueuer answers BO::EnqueueFlushingTask.
type FlushEnqueuer interface {
	EnqueueFlushingTask(ctx context.Context, blobID ids.BlobID, vbktName, filename string, offset uint64) bool
}

// SwapReplacer answers BO::PlaceInHierarchy, re-placing a blob that was
// evicted to swap back into the buffer hierarchy.
type SwapReplacer interface {
	PlaceInHierarchy(ctx context.Context, swapBlob swapstore.SwapBlob, internalName string) (ids.BlobID, error)
}

// Server implements every handler in §6's RPC surface table against a
// single node's local components.
type Server struct {
	buffers   BufferInfoService
	organizer OrganizeService
	counters  FlushCounterService
	locks     *bloblock.Coordinator
	flush     FlushEnqueuer
	replacer  SwapReplacer
	log       *logex.Leveled

	mu             sync.Mutex
	pendingUnlocks map[ids.BlobID]func()
}

func New(
	buffers BufferInfoService,
	organizer OrganizeService,
	counters FlushCounterService,
	locks *bloblock.Coordinator,
	flush FlushEnqueuer,
	replacer SwapReplacer,
	logger *log.Logger,
) *Server {
	return &Server{
		buffers:        buffers,
		organizer:      organizer,
		counters:       counters,
		locks:          locks,
		flush:          flush,
		replacer:       replacer,
		log:            logex.Levels(logex.NonNil(logger)),
		pendingUnlocks: map[ids.BlobID]func(){},
	}
}

// MainEngineRouter serves the calls other nodes address to this node
// directly: buffer info, organize forwarding, flush-count accounting,
// and the distributed blob lock.
func (s *Server) MainEngineRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/rpc/RemoteGetBufferInfo", s.handleGetBufferInfo).Methods(http.MethodPost)
	r.HandleFunc("/rpc/RemoteOrganizeBlob", s.handleOrganizeBlob).Methods(http.MethodPost)
	r.HandleFunc("/rpc/RemoteIncrementFlushCount", s.handleIncrementFlushCount).Methods(http.MethodPost)
	r.HandleFunc("/rpc/RemoteDecrementFlushCount", s.handleDecrementFlushCount).Methods(http.MethodPost)
	r.HandleFunc("/rpc/RemoteOutstandingFlushCount", s.handleOutstandingFlushCount).Methods(http.MethodPost)
	r.HandleFunc("/rpc/LockBlob", s.handleLockBlob).Methods(http.MethodPost)
	r.HandleFunc("/rpc/UnlockBlob", s.handleUnlockBlob).Methods(http.MethodPost)
	return r
}

// BOEngineRouter serves the calls that must land specifically on the BO
// thread pool, kept as a distinct listener/mux the way the source keeps
// a distinct engine for "BO::"-prefixed names.
func (s *Server) BOEngineRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/bo-engine/EnqueueFlushingTask", s.handleEnqueueFlushingTask).Methods(http.MethodPost)
	r.HandleFunc("/bo-engine/PlaceInHierarchy", s.handlePlaceInHierarchy).Methods(http.MethodPost)
	return r
}

type getBufferInfoRequest struct {
	BufferID uint64 `json:"buffer_id"`
}

type getBufferInfoResponse struct {
	BandwidthMBps float32 `json:"bandwidth_mbps"`
	UsedBytes     uint64  `json:"used_bytes"`
}

func (s *Server) handleGetBufferInfo(w http.ResponseWriter, r *http.Request) {
	var req getBufferInfoRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	info, err := s.buffers.GetBufferInfo(r.Context(), ids.BufferID(req.BufferID))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, getBufferInfoResponse{BandwidthMBps: info.BandwidthMBps, UsedBytes: info.UsedBytes})
}

type organizeBlobRequest struct {
	InternalName string  `json:"internal_name"`
	Epsilon      float64 `json:"epsilon"`
}

func (s *Server) handleOrganizeBlob(w http.ResponseWriter, r *http.Request) {
	var req organizeBlobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := s.organizer.LocalOrganizeBlob(r.Context(), req.InternalName, req.Epsilon, -1); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, struct{}{})
}

type vbucketNameRequest struct {
	VBucketName string `json:"vbucket_name"`
}

type boolResponse struct {
	Result bool `json:"result"`
}

func (s *Server) handleIncrementFlushCount(w http.ResponseWriter, r *http.Request) {
	var req vbucketNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.counters.IncrementFlushCount(req.VBucketName)
	writeJSON(w, boolResponse{Result: true})
}

func (s *Server) handleDecrementFlushCount(w http.ResponseWriter, r *http.Request) {
	var req vbucketNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.counters.DecrementFlushCount(req.VBucketName)
	writeJSON(w, boolResponse{Result: true})
}

type outstandingFlushCountResponse struct {
	Outstanding int `json:"outstanding"`
}

func (s *Server) handleOutstandingFlushCount(w http.ResponseWriter, r *http.Request) {
	var req vbucketNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, outstandingFlushCountResponse{Outstanding: s.counters.OutstandingFlushCount(req.VBucketName)})
}

type blobIDRequest struct {
	BlobID uint64 `json:"blob_id"`
}

func (s *Server) handleLockBlob(w http.ResponseWriter, r *http.Request) {
	var req blobIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	blobID := ids.BlobID(req.BlobID)

	unlock, ok := s.locks.LocalLockBlob(blobID)
	if ok {
		s.mu.Lock()
		s.pendingUnlocks[blobID] = unlock
		s.mu.Unlock()
	}

	writeJSON(w, boolResponse{Result: ok})
}

func (s *Server) handleUnlockBlob(w http.ResponseWriter, r *http.Request) {
	var req blobIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	blobID := ids.BlobID(req.BlobID)

	s.mu.Lock()
	unlock, ok := s.pendingUnlocks[blobID]
	delete(s.pendingUnlocks, blobID)
	s.mu.Unlock()

	if ok {
		unlock()
	} else {
		s.log.Info.Printf("UnlockBlob: no pending lock held for BlobID %d", blobID.AsUint64())
	}

	writeJSON(w, boolResponse{Result: true})
}

type enqueueFlushingTaskRequest struct {
	BlobID      uint64 `json:"blob_id"`
	VBucketName string `json:"vbucket_name"`
	Filename    string `json:"filename"`
	Offset      uint64 `json:"offset"`
}

func (s *Server) handleEnqueueFlushingTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueFlushingTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	accepted := s.flush.EnqueueFlushingTask(r.Context(), ids.BlobID(req.BlobID), req.VBucketName, req.Filename, req.Offset)

	writeJSON(w, boolResponse{Result: accepted})
}

type placeInHierarchyRequest struct {
	SwapBlob     swapstore.SwapBlob `json:"swap_blob"`
	InternalName string             `json:"internal_name"`
}

type placeInHierarchyResponse struct {
	BlobID uint64 `json:"blob_id"`
}

func (s *Server) handlePlaceInHierarchy(w http.ResponseWriter, r *http.Request) {
	var req placeInHierarchyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	blobID, err := s.replacer.PlaceInHierarchy(r.Context(), req.SwapBlob, req.InternalName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, placeInHierarchyResponse{BlobID: blobID.AsUint64()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, out interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
