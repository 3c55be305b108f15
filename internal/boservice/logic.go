// Package boservice wires every BO component into one running node,
// grounded on stomediascanner's entrypoint: a cobra command that builds
// the dependency graph, starts every listener as a taskrunner task, and
// shuts down cleanly on interrupt or a closed parent stdin.
package boservice

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/function61/gokit/httputils"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/taskrunner"
	"github.com/gorilla/mux"
	"github.com/hermesbo/bufferorganizer/internal/bloblock"
	"github.com/hermesbo/bufferorganizer/internal/clusterconfig"
	"github.com/hermesbo/bufferorganizer/internal/dispatch"
	"github.com/hermesbo/bufferorganizer/internal/executor"
	"github.com/hermesbo/bufferorganizer/internal/flush"
	"github.com/hermesbo/bufferorganizer/internal/ids"
	"github.com/hermesbo/bufferorganizer/internal/metrics"
	"github.com/hermesbo/bufferorganizer/internal/organizer"
	"github.com/hermesbo/bufferorganizer/internal/refdpe"
	"github.com/hermesbo/bufferorganizer/internal/refmdm"
	"github.com/hermesbo/bufferorganizer/internal/refpool"
	"github.com/hermesbo/bufferorganizer/internal/rpcclient"
	"github.com/hermesbo/bufferorganizer/internal/rpcserver"
	"github.com/hermesbo/bufferorganizer/internal/schedule"
	"github.com/hermesbo/bufferorganizer/internal/swapstore"
	"github.com/hermesbo/bufferorganizer/pkg/stoutils"
)

// components is every wired-together piece a running node needs, kept
// around so logic() can hand pieces to the right taskrunner task.
type components struct {
	cluster  *clusterconfig.Config
	pool     *refpool.Pool
	mdm      *refmdm.MDM
	queue    *dispatch.Queue
	locks    *bloblock.Coordinator
	exec     *executor.Executor
	org      *organizer.Organizer
	flusher  *flush.Coordinator
	dpe      *refdpe.Engine
	swap     *swapstore.Store
	replacer *flush.Replacer
	rpc      *rpcclient.Client
	metrics  *metrics.Controller
	sched    *schedule.Controller
}

func build(f *clusterconfig.File, logger *log.Logger) (*components, error) {
	cluster := clusterconfig.New(f)
	pool := refpool.New(f.SelfNodeID)

	var mdm *refmdm.MDM
	if f.MetadataDBPath != "" {
		var err error
		mdm, err = refmdm.NewWithPersistence(f.SelfNodeID, f.MetadataDBPath, logex.Prefix("refmdm", logger))
		if err != nil {
			return nil, fmt.Errorf("boservice: opening metadata database: %w", err)
		}
	} else {
		mdm = refmdm.New(f.SelfNodeID)
	}

	for _, target := range f.Targets {
		pool.DefineTarget(ids.NewTargetID(f.SelfNodeID, target.DeviceIndex), target.BandwidthMBps, target.CapacityBytes)
	}

	queue := dispatch.New(f.DispatcherWorkers, f.DispatcherCapacity)

	rpc := rpcclient.New(cluster, logex.Prefix("rpcclient", logger))
	locks := bloblock.New(cluster, rpc)
	exec := executor.New(locks, pool, mdm, logex.Prefix("executor", logger))

	buffers := newBufferInfoRouter(cluster, pool, rpc)
	org := organizer.New(mdm, pool, queue, exec, cluster, rpc, buffers,
		organizer.Options{RejectUndershoot: f.RejectUndershoot}, logex.Prefix("organizer", logger))

	persist := flush.NewReferencePersister(mdm, pool)
	flusher := flush.New(locks, queue, cluster, mdm, rpc, persist, flush.Options{}, logex.Prefix("flush", logger))

	dpe := refdpe.New(pool)

	var swap *swapstore.Store
	var replacer *flush.Replacer
	if f.SwapFilePath != "" {
		var err error
		swap, err = swapstore.Open(f.SelfNodeID, f.SwapFilePath, logex.Prefix("swapstore", logger))
		if err != nil {
			return nil, fmt.Errorf("boservice: opening swap store: %w", err)
		}
		replacer = flush.NewReplacer(dpe, swap, mdm)
	}

	metricsController := metrics.New(queue)

	var sched *schedule.Controller
	if len(f.Reorganizations) > 0 {
		specs := make([]schedule.BucketSpec, 0, len(f.Reorganizations))
		for _, r := range f.Reorganizations {
			specs = append(specs, schedule.BucketSpec{BucketID: r.BucketID, Epsilon: r.Epsilon, Schedule: r.Schedule})
		}

		var err error
		sched, err = schedule.New(specs, org, mdm, logex.Prefix("schedule", logger), time.Now())
		if err != nil {
			return nil, fmt.Errorf("boservice: building scheduler: %w", err)
		}
	}

	return &components{
		cluster:  cluster,
		pool:     pool,
		mdm:      mdm,
		queue:    queue,
		locks:    locks,
		exec:     exec,
		org:      org,
		flusher:  flusher,
		dpe:      dpe,
		swap:     swap,
		replacer: replacer,
		rpc:      rpc,
		metrics:  metricsController,
		sched:    sched,
	}, nil
}

func logic(ctx context.Context, f *clusterconfig.File, rootLogger *log.Logger) error {
	logl := logex.Levels(rootLogger)

	c, err := build(f, rootLogger)
	if err != nil {
		return err
	}

	rpcSrv := rpcserver.New(newBufferInfoRouter(c.cluster, c.pool, c.rpc), c.org, c.mdm, c.locks, c.flusher, c.replacer, logex.Prefix("rpcserver", rootLogger))

	tasks := taskrunner.New(ctx, rootLogger)

	if c.sched != nil {
		tasks.Start("schedule", c.sched.Run)
	}

	startListener := func(name, addr string, handler http.Handler) error {
		if addr == "" {
			return nil
		}

		listener, err := stoutils.CreateTCPOrDomainSocketListener(addr, logl)
		if err != nil {
			return fmt.Errorf("boservice: listener %s: %w", name, err)
		}

		srv := &http.Server{Handler: c.metrics.WrapHTTP(handler)}

		tasks.Start(name+" "+listener.Addr().String(), func(ctx context.Context) error {
			return httputils.RemoveGracefulServerClosedError(srv.Serve(listener))
		})
		tasks.Start(name+"shutdowner", httputils.ServerShutdownTask(srv))

		return nil
	}

	if err := startListener("main-engine", f.MainEngineAddr, rpcSrv.MainEngineRouter()); err != nil {
		return err
	}
	if err := startListener("bo-engine", f.BOEngineAddr, rpcSrv.BOEngineRouter()); err != nil {
		return err
	}

	if f.MetricsAddr != "" {
		metricsListener, err := stoutils.CreateTCPOrDomainSocketListener(f.MetricsAddr, logl)
		if err != nil {
			return fmt.Errorf("boservice: metrics listener: %w", err)
		}

		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", c.metrics.HTTPHandler())

		metricsSrv := &http.Server{Handler: metricsRouter}

		tasks.Start("metrics "+metricsListener.Addr().String(), func(ctx context.Context) error {
			return httputils.RemoveGracefulServerClosedError(metricsSrv.Serve(metricsListener))
		})
		tasks.Start("metricsshutdowner", httputils.ServerShutdownTask(metricsSrv))
	}

	tasks.Start("dispatchshutdowner", func(ctx context.Context) error {
		<-ctx.Done()
		c.queue.Shutdown()
		return c.mdm.Close()
	})

	return tasks.Wait()
}
