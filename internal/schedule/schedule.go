// Package schedule drives periodic, cron-scheduled re-organization
// sweeps over a bucket's blobs: an optional addition over §4.3's
// purely event-driven OrganizeBlob, grounded on the single-threaded
// job loop in pkg/scheduler.
package schedule

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/hermesbo/bufferorganizer/internal/organizer"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// BlobLister enumerates a bucket's registered blobs, satisfied by
// *refmdm.MDM.
type BlobLister interface {
	BlobNamesInBucket(bucketID uint32) []string
}

// Organizer is the placement-improvement entry point a sweep drives,
// satisfied by *organizer.Organizer.
type Organizer interface {
	OrganizeBlob(ctx context.Context, bucketID uint32, blobName string, epsilon float64, importance float32) error
}

// BucketSpec configures one bucket's periodic re-organization sweep.
type BucketSpec struct {
	BucketID uint32
	Epsilon  float64
	// Schedule is a cron expression, e.g. "@every 5m" or "0 */1 * * * *".
	Schedule string
}

// SweepResult records the outcome of one pass over a bucket's blobs.
type SweepResult struct {
	Started    time.Time
	Finished   time.Time
	BlobCount  int
	ErrorCount int
}

type bucketJob struct {
	spec     BucketSpec
	schedule cron.Schedule
	nextRun  time.Time
	lastRun  *SweepResult
	running  bool
}

// Controller runs cron-scheduled OrganizeBlob sweeps over a set of
// buckets, a single-purpose specialization of pkg/scheduler's
// channel-driven job loop.
type Controller struct {
	jobs      []*bucketJob
	organizer Organizer
	blobs     BlobLister
	logger    *log.Logger

	jobFinished chan *bucketJob
}

// New validates every spec's cron schedule and returns a Controller
// ready to Run. now anchors each job's first nextRun computation.
func New(specs []BucketSpec, org Organizer, blobs BlobLister, logger *log.Logger, now time.Time) (*Controller, error) {
	jobs := make([]*bucketJob, 0, len(specs))
	for _, spec := range specs {
		schedule, err := cronParser.Parse(spec.Schedule)
		if err != nil {
			return nil, fmt.Errorf("schedule: parsing schedule %q for bucket %d: %w", spec.Schedule, spec.BucketID, err)
		}

		jobs = append(jobs, &bucketJob{
			spec:     spec,
			schedule: schedule,
			nextRun:  schedule.Next(now),
		})
	}

	return &Controller{
		jobs:        jobs,
		organizer:   org,
		blobs:       blobs,
		logger:      logex.NonNil(logger),
		jobFinished: make(chan *bucketJob, 1),
	}, nil
}

// Run drives the sweep loop until ctx is cancelled. Each due job's sweep
// runs in its own goroutine so a slow bucket never delays another's.
func (c *Controller) Run(ctx context.Context) error {
	if len(c.jobs) == 0 {
		<-ctx.Done()
		return nil
	}

	wake := c.nextWakeup()

	for {
		select {
		case now := <-wake:
			for _, j := range c.jobs {
				if !j.nextRun.After(now) && !j.running {
					c.startJob(ctx, j)
				}
			}
			wake = c.nextWakeup()

		case j := <-c.jobFinished:
			j.running = false

		case <-ctx.Done():
			for _, j := range c.jobs {
				if j.running {
					<-c.jobFinished
				}
			}
			return nil
		}
	}
}

func (c *Controller) nextWakeup() <-chan time.Time {
	earliest := c.jobs[0].nextRun
	for _, j := range c.jobs[1:] {
		if j.nextRun.Before(earliest) {
			earliest = j.nextRun
		}
	}
	return time.After(time.Until(earliest))
}

func (c *Controller) startJob(ctx context.Context, j *bucketJob) {
	j.nextRun = j.schedule.Next(j.nextRun)
	j.running = true

	jlog := logex.Levels(logex.Prefix(fmt.Sprintf("schedule/bucket-%d", j.spec.BucketID), c.logger))

	go func() {
		result := c.sweep(ctx, j.spec, jlog)
		j.lastRun = &result
		c.jobFinished <- j
	}()
}

// Snapshot returns the last completed SweepResult for bucketID, if any
// sweep has finished yet.
func (c *Controller) Snapshot(bucketID uint32) (SweepResult, bool) {
	for _, j := range c.jobs {
		if j.spec.BucketID == bucketID && j.lastRun != nil {
			return *j.lastRun, true
		}
	}
	return SweepResult{}, false
}

func (c *Controller) sweep(ctx context.Context, spec BucketSpec, jlog *logex.Leveled) SweepResult {
	started := time.Now()
	names := c.blobs.BlobNamesInBucket(spec.BucketID)

	result := SweepResult{Started: started, BlobCount: len(names)}

	jlog.Info.Printf("sweeping %d blob(s)", len(names))

	for _, internalName := range names {
		blobName := internalName
		if idx := strings.IndexByte(internalName, '/'); idx >= 0 {
			blobName = internalName[idx+1:]
		}

		if err := c.organizer.OrganizeBlob(ctx, spec.BucketID, blobName, spec.Epsilon, organizer.NoExplicitImportance); err != nil {
			result.ErrorCount++
			jlog.Error.Printf("blob %s: %v", blobName, err)
		}
	}

	result.Finished = time.Now()
	jlog.Info.Printf("completed in %s, %d error(s)", result.Finished.Sub(result.Started), result.ErrorCount)

	return result
}
