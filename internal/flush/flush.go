// Package flush is the Flush Coordinator (§4.5): it writes a blob's
// contents to a backing file under the distributed blob lock and an
// exclusive advisory file lock, tracks outstanding async-flush counts
// per virtual bucket, and provides a blocking drain barrier.
package flush

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/hermesbo/bufferorganizer/internal/bloblock"
	"github.com/hermesbo/bufferorganizer/internal/dispatch"
	"github.com/hermesbo/bufferorganizer/internal/ids"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultLogEvery     = 10
)

// BlobPersister does the byte-level write once the file is open and
// locked, standing in for the source's StdIoPersistBlob.
type BlobPersister interface {
	PersistBlob(ctx context.Context, blobID ids.BlobID, dest io.WriterAt, offset uint64) error
}

// Router resolves which node is authoritative for a named virtual
// bucket, the same hash-mod-N routing OrganizeBlob's dispatch uses.
type Router interface {
	AuthoritativeNode(name string) uint32
	IsLocal(nodeID uint32) bool
}

// LocalCounter is the local half of per-vbucket flush accounting plus
// the blob-level swap check EnqueueFlushingTask guards on, satisfied
// directly by *refmdm.MDM.
type LocalCounter interface {
	IncrementFlushCount(vbktName string)
	DecrementFlushCount(vbktName string)
	OutstandingFlushCount(vbktName string) int
	BlobIsInSwap(blobID ids.BlobID) bool
}

// RemoteCounter is the RPC-routed half of flush-count accounting and the
// outstanding-count read AwaitAsyncFlushingTasks needs for a vbucket
// that's authoritative elsewhere.
type RemoteCounter interface {
	RemoteIncrementFlushCount(ctx context.Context, nodeID uint32, vbktName string) error
	RemoteDecrementFlushCount(ctx context.Context, nodeID uint32, vbktName string) error
	RemoteOutstandingFlushCount(ctx context.Context, nodeID uint32, vbktName string) (int, error)
}

// Options configures the two magic numbers the source hardcodes into
// AwaitAsyncFlushingTasks.
type Options struct {
	PollInterval time.Duration // 0 = defaultPollInterval
	LogEvery     int           // 0 = defaultLogEvery
}

// Coordinator runs FlushBlob tasks and tracks per-vbucket outstanding
// counts, locally or by forwarding to the authoritative node.
type Coordinator struct {
	locks   *bloblock.Coordinator
	queue   *dispatch.Queue
	router  Router
	local   LocalCounter
	remote  RemoteCounter
	persist BlobPersister
	opts    Options
	log     *logex.Leveled
}

func New(
	locks *bloblock.Coordinator,
	queue *dispatch.Queue,
	router Router,
	local LocalCounter,
	remote RemoteCounter,
	persist BlobPersister,
	opts Options,
	logger *log.Logger,
) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.LogEvery <= 0 {
		opts.LogEvery = defaultLogEvery
	}

	return &Coordinator{
		locks:   locks,
		queue:   queue,
		router:  router,
		local:   local,
		remote:  remote,
		persist: persist,
		opts:    opts,
		log:     logex.Levels(logex.NonNil(logger)),
	}
}

// FlushBlob acquires the distributed blob lock, writes blobID's current
// placement to filename at offset under an exclusive advisory file lock,
// then releases the blob lock. If async, the vbktName counter is
// decremented exactly once regardless of how the flush exits (§4.5) —
// including when the blob lock itself couldn't be acquired.
func (c *Coordinator) FlushBlob(ctx context.Context, blobID ids.BlobID, vbktName, filename string, offset uint64, async bool) error {
	var flushErr error

	unlock, locked, err := c.locks.Lock(ctx, blobID)
	switch {
	case err != nil:
		flushErr = fmt.Errorf("flush: acquiring blob lock: %w", err)
	case !locked:
		c.log.Info.Printf("FlushBlob: couldn't lock BlobID %d, skipping", blobID.AsUint64())
	default:
		defer unlock()
		if err := c.flushToFile(ctx, blobID, filename, offset); err != nil {
			flushErr = err
		}
	}

	if async {
		if err := c.DecrementFlushCount(ctx, vbktName); err != nil {
			c.log.Error.Printf("FlushBlob: decrementing flush count for %q: %v", vbktName, err)
		}
	}

	return flushErr
}

func (c *Coordinator) flushToFile(ctx context.Context, blobID ids.BlobID, filename string, offset uint64) error {
	flags := os.O_WRONLY
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		flags |= os.O_CREATE | os.O_TRUNC
	}

	f, err := os.OpenFile(filename, flags, 0644)
	if err != nil {
		c.log.Error.Printf("FlushBlob: open %q: %v", filename, err)
		return fmt.Errorf("flush: open: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		c.log.Error.Printf("FlushBlob: flock %q: %v", filename, err)
		return fmt.Errorf("flush: flock: %w", err)
	}
	defer func() {
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
			c.log.Error.Printf("FlushBlob: unlock %q: %v", filename, err)
		}
	}()

	if err := c.persist.PersistBlob(ctx, blobID, f, offset); err != nil {
		return fmt.Errorf("flush: persist: %w", err)
	}

	c.log.Info.Printf("flushed BlobID %d to %q at offset %d", blobID.AsUint64(), filename, offset)

	return nil
}

// EnqueueFlushingTask increments vbktName's outstanding-flush counter
// and enqueues an async FlushBlob task at low priority. It returns false
// (without enqueuing) if blobID is currently spilled to swap, or if the
// queue rejects the task, undoing the increment so the counter can't
// leak.
func (c *Coordinator) EnqueueFlushingTask(ctx context.Context, blobID ids.BlobID, vbktName, filename string, offset uint64) bool {
	if c.local.BlobIsInSwap(blobID) {
		return false
	}

	if err := c.IncrementFlushCount(ctx, vbktName); err != nil {
		c.log.Error.Printf("EnqueueFlushingTask: incrementing flush count for %q: %v", vbktName, err)
		return false
	}

	accepted := c.queue.Enqueue(func() {
		if err := c.FlushBlob(ctx, blobID, vbktName, filename, offset, true); err != nil {
			c.log.Error.Printf("async flush of BlobID %d to %q failed: %v", blobID.AsUint64(), filename, err)
		}
	}, dispatch.Low)

	if !accepted {
		if err := c.DecrementFlushCount(ctx, vbktName); err != nil {
			c.log.Error.Printf("EnqueueFlushingTask: undoing flush count for %q: %v", vbktName, err)
		}
	}

	return accepted
}

// IncrementFlushCount and DecrementFlushCount route to vbktName's
// authoritative node, exactly as OrganizeBlob's dispatch routes on a
// name hash.
func (c *Coordinator) IncrementFlushCount(ctx context.Context, vbktName string) error {
	node := c.router.AuthoritativeNode(vbktName)
	if c.router.IsLocal(node) {
		c.local.IncrementFlushCount(vbktName)
		return nil
	}
	return c.remote.RemoteIncrementFlushCount(ctx, node, vbktName)
}

func (c *Coordinator) DecrementFlushCount(ctx context.Context, vbktName string) error {
	node := c.router.AuthoritativeNode(vbktName)
	if c.router.IsLocal(node) {
		c.local.DecrementFlushCount(vbktName)
		return nil
	}
	return c.remote.RemoteDecrementFlushCount(ctx, node, vbktName)
}

// AwaitAsyncFlushingTasks blocks until vbktName's outstanding-flush
// counter reaches zero, polling every PollInterval and logging every
// LogEvery-th iteration, or until ctx is cancelled — an addition over
// the source's unconditional sleep loop, since a Go caller should always
// be able to bound how long it waits.
func (c *Coordinator) AwaitAsyncFlushingTasks(ctx context.Context, vbktName string) error {
	node := c.router.AuthoritativeNode(vbktName)
	iterations := 0

	for {
		outstanding, err := c.outstandingFlushCount(ctx, node, vbktName)
		if err != nil {
			return err
		}
		if outstanding == 0 {
			return nil
		}

		iterations++
		if iterations == c.opts.LogEvery {
			c.log.Info.Printf("waiting for %d outstanding flushes on vbucket %q", outstanding, vbktName)
			iterations = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.PollInterval):
		}
	}
}

func (c *Coordinator) outstandingFlushCount(ctx context.Context, node uint32, vbktName string) (int, error) {
	if c.router.IsLocal(node) {
		return c.local.OutstandingFlushCount(vbktName), nil
	}
	return c.remote.RemoteOutstandingFlushCount(ctx, node, vbktName)
}
