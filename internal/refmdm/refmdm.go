// Package refmdm is a minimal in-memory stand-in for the shared-memory
// metadata manager (§1's external MDM collaborator): name→ID lookups,
// a blob's ordered buffer-ID list, importance scores, and per-vbucket
// flush accounting. The real MDM serializes its own mutations
// internally (§5); this reference keeps the same guarantee with a
// single mutex, since it isn't actually shared across processes.
//
// NewWithPersistence additionally mirrors every mutation into a bbolt
// database, the same embedded-kv choice varastoserver makes for its own
// metadata, so a node's blob placement and vbucket counters survive a
// restart instead of resetting to empty.
package refmdm

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/function61/gokit/logex"
	"github.com/hermesbo/bufferorganizer/internal/ids"
	bolt "go.etcd.io/bbolt"
)

var (
	blobsBucket    = []byte("blobs")
	vbucketsBucket = []byte("vbuckets")
)

// blobRecord is a blobEntry's durable JSON form, keyed by internal name.
type blobRecord struct {
	BlobID     uint64   `json:"blob_id"`
	BufferIDs  []uint64 `json:"buffer_ids"`
	Importance float32  `json:"importance"`
	InSwap     bool     `json:"in_swap"`
}

// vbucketRecord is a vbucketEntry's durable JSON form, keyed by name.
type vbucketRecord struct {
	VBucketID   uint64 `json:"vbucket_id"`
	Outstanding int    `json:"outstanding"`
}

type blobEntry struct {
	id         ids.BlobID
	name       string
	bufferIDs  []ids.BufferID
	importance float32
	inSwap     bool
}

type vbucketEntry struct {
	id          ids.VBucketID
	name        string
	outstanding int
}

// MDM is one node's metadata store.
type MDM struct {
	mu sync.Mutex

	nodeID uint32

	blobsByName map[string]*blobEntry
	blobsByID   map[ids.BlobID]*blobEntry

	vbucketsByName map[string]*vbucketEntry
	vbucketsByID   map[ids.VBucketID]*vbucketEntry

	nextBlobIdx    uint32
	nextVBucketIdx uint32

	db  *bolt.DB
	log *logex.Leveled
}

func New(nodeID uint32) *MDM {
	return &MDM{
		nodeID:         nodeID,
		blobsByName:    map[string]*blobEntry{},
		blobsByID:      map[ids.BlobID]*blobEntry{},
		vbucketsByName: map[string]*vbucketEntry{},
		vbucketsByID:   map[ids.VBucketID]*vbucketEntry{},
	}
}

// NewWithPersistence is New, plus a bbolt database at dbPath that every
// mutation below is mirrored into. Existing records are loaded back into
// memory up front, so a restarted node resumes with its prior placement
// and flush counters intact.
func NewWithPersistence(nodeID uint32, dbPath string, logger *log.Logger) (*MDM, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("refmdm: opening database: %w", err)
	}

	m := New(nodeID)
	m.db = db
	m.log = logex.Levels(logex.NonNil(logger))

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{blobsBucket, vbucketsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("refmdm: creating buckets: %w", err)
	}

	if err := m.load(); err != nil {
		return nil, fmt.Errorf("refmdm: loading persisted state: %w", err)
	}

	return m, nil
}

// load populates the in-memory maps (and the blob/vbucket index
// counters) from whatever was already persisted in db.
func (m *MDM) load() error {
	return m.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(blobsBucket).ForEach(func(k, v []byte) error {
			var rec blobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding blob record %q: %w", k, err)
			}

			id := ids.BlobID(rec.BlobID)
			bufferIDs := make([]ids.BufferID, len(rec.BufferIDs))
			for i, raw := range rec.BufferIDs {
				bufferIDs[i] = ids.BufferID(raw)
			}

			entry := &blobEntry{id: id, name: string(k), bufferIDs: bufferIDs, importance: rec.Importance, inSwap: rec.InSwap}
			m.blobsByName[string(k)] = entry
			m.blobsByID[id] = entry

			if id.Index() > m.nextBlobIdx {
				m.nextBlobIdx = id.Index()
			}
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(vbucketsBucket).ForEach(func(k, v []byte) error {
			var rec vbucketRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding vbucket record %q: %w", k, err)
			}

			id := ids.VBucketID(rec.VBucketID)
			entry := &vbucketEntry{id: id, name: string(k), outstanding: rec.Outstanding}
			m.vbucketsByName[string(k)] = entry
			m.vbucketsByID[id] = entry

			if id.Index() > m.nextVBucketIdx {
				m.nextVBucketIdx = id.Index()
			}
			return nil
		})
	})
}

// persistBlob mirrors one blob entry's current state under its name.
// Best-effort: a persistence failure is logged, not returned, since the
// in-memory maps stay authoritative for this process's lifetime either
// way.
func (m *MDM) persistBlob(e *blobEntry) {
	if m.db == nil {
		return
	}

	bufferIDs := make([]uint64, len(e.bufferIDs))
	for i, id := range e.bufferIDs {
		bufferIDs[i] = id.AsUint64()
	}

	rec := blobRecord{BlobID: e.id.AsUint64(), BufferIDs: bufferIDs, Importance: e.importance, InSwap: e.inSwap}

	if err := m.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(blobsBucket).Put([]byte(e.name), payload)
	}); err != nil {
		m.log.Error.Printf("persisting blob %q: %v", e.name, err)
	}
}

// persistVBucket is persistBlob's counterpart for vbucket entries.
func (m *MDM) persistVBucket(e *vbucketEntry) {
	if m.db == nil {
		return
	}

	rec := vbucketRecord{VBucketID: e.id.AsUint64(), Outstanding: e.outstanding}

	if err := m.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(vbucketsBucket).Put([]byte(e.name), payload)
	}); err != nil {
		m.log.Error.Printf("persisting vbucket %q: %v", e.name, err)
	}
}

// Close releases the underlying database, if persistence is enabled.
func (m *MDM) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// CreateBlob registers a new blob under internalName, owned by this
// node, with the given initial buffer placement and importance score.
func (m *MDM) CreateBlob(internalName string, bufferIDs []ids.BufferID, importance float32) ids.BlobID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextBlobIdx++
	id := ids.NewBlobID(m.nodeID, m.nextBlobIdx)

	entry := &blobEntry{id: id, name: internalName, bufferIDs: append([]ids.BufferID{}, bufferIDs...), importance: importance}
	m.blobsByName[internalName] = entry
	m.blobsByID[id] = entry

	m.persistBlob(entry)

	return id
}

// LocalGet resolves a blob's internal name to its ID, the Go analogue of
// LocalGet(mdm, name, kMapType_BlobId).
func (m *MDM) LocalGet(internalName string) (ids.BlobID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blobsByName[internalName]
	if !ok {
		return 0, false
	}

	return e.id, true
}

// BufferIDList snapshots a blob's current ordered buffer placement.
func (m *MDM) BufferIDList(blobID ids.BlobID) ([]ids.BufferID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blobsByID[blobID]
	if !ok {
		return nil, false
	}

	return append([]ids.BufferID{}, e.bufferIDs...), true
}

// ReplaceBufferIDList atomically swaps a blob's buffer-ID list. This is
// the Move executor's resolution of the source's unfinished TODO (§9
// Open Question #1): callers must hold the blob's distributed lock while
// calling this, so readers never observe a partially-updated list.
func (m *MDM) ReplaceBufferIDList(blobID ids.BlobID, newList []ids.BufferID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blobsByID[blobID]
	if !ok {
		return fmt.Errorf("refmdm: blob %d not found", blobID.AsUint64())
	}

	e.bufferIDs = append([]ids.BufferID{}, newList...)

	m.persistBlob(e)

	return nil
}

// ImportanceScore returns a blob's caller-declared urgency.
func (m *MDM) ImportanceScore(blobID ids.BlobID) (float32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blobsByID[blobID]
	if !ok {
		return 0, false
	}

	return e.importance, true
}

// MarkInSwap and ClearInSwap record whether blobID's contents currently
// live in the swap file instead of the buffer hierarchy (§3's SwapBlob).
func (m *MDM) MarkInSwap(blobID ids.BlobID) {
	m.setInSwap(blobID, true)
}

func (m *MDM) ClearInSwap(blobID ids.BlobID) {
	m.setInSwap(blobID, false)
}

func (m *MDM) setInSwap(blobID ids.BlobID, inSwap bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blobsByID[blobID]
	if !ok {
		return
	}

	e.inSwap = inSwap

	m.persistBlob(e)
}

// BlobIsInSwap answers §6's consumed interface of the same name:
// EnqueueFlushingTask must not flush a blob that's currently spilled to
// swap.
func (m *MDM) BlobIsInSwap(blobID ids.BlobID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blobsByID[blobID]
	if !ok {
		return false
	}

	return e.inSwap
}

// BlobNamesInBucket lists the internal names ("bucketID/blobName", per
// organizer.MakeInternalBlobName) of every blob registered under
// bucketID, sorted for deterministic sweep order.
func (m *MDM) BlobNamesInBucket(bucketID uint32) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := strconv.FormatUint(uint64(bucketID), 10) + "/"

	names := make([]string, 0, len(m.blobsByName))
	for name := range m.blobsByName {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return names
}

// RegisterVBucket creates (or returns the existing) ID for a named
// virtual bucket.
func (m *MDM) RegisterVBucket(name string) ids.VBucketID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.vbucketsByName[name]; ok {
		return e.id
	}

	m.nextVBucketIdx++
	id := ids.NewVBucketID(m.nodeID, m.nextVBucketIdx)

	e := &vbucketEntry{id: id, name: name}
	m.vbucketsByName[name] = e
	m.vbucketsByID[id] = e

	m.persistVBucket(e)

	return id
}

func (m *MDM) VBucketID(name string) (ids.VBucketID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.vbucketsByName[name]
	if !ok {
		return 0, false
	}

	return e.id, true
}

// IncrementFlushCount and DecrementFlushCount adjust a vbucket's
// outstanding async-flush counter; increments and decrements must be
// balanced per task (§5).
func (m *MDM) IncrementFlushCount(name string) {
	m.adjustFlushCount(name, 1)
}

func (m *MDM) DecrementFlushCount(name string) {
	m.adjustFlushCount(name, -1)
}

func (m *MDM) adjustFlushCount(name string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.vbucketsByName[name]
	if !ok {
		return
	}

	e.outstanding += delta

	m.persistVBucket(e)
}

// OutstandingFlushCount reads a vbucket's current counter.
func (m *MDM) OutstandingFlushCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.vbucketsByName[name]
	if !ok {
		return 0
	}

	return e.outstanding
}
