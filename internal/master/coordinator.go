package master

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/config"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/metrics"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/plugin"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/protocol"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/worker"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// State represents the lifecycle state of a coordinator.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// ErrNotRunning is returned by operations that need a started coordinator.
var ErrNotRunning = errors.New("coordinator is not running")

// Coordinator wires the WorkManager to the local pool and to the remote
// workers connecting on the configured listeners.
type Coordinator struct {
	config   *config.Config
	catalog  plugin.Catalog
	logger   *zap.Logger
	hub      *observerHub
	manager  *WorkManager
	pool     *worker.Pool
	registry *WorkerRegistry
	recorder *metrics.Recorder
	codec    *protocol.Codec
	threads  []*ConnectionThread

	processing atomic.Bool
	wakeCh     chan struct{}

	state    atomic.Value // State
	started  atomic.Bool
	stopOnce sync.Once

	runCtx context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewCoordinator builds a coordinator from cfg. A nil catalog uses the
// built-in plugins.
func NewCoordinator(cfg *config.Config, catalog plugin.Catalog, logger *zap.Logger) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if catalog == nil {
		catalog = plugin.Builtin()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	codec, err := protocol.NewCodec(cfg.Protocol.CompressThreshold)
	if err != nil {
		return nil, fmt.Errorf("create codec: %w", err)
	}

	c := &Coordinator{
		config:   cfg,
		catalog:  catalog,
		logger:   logger,
		hub:      &observerHub{},
		registry: NewWorkerRegistry(),
		recorder: metrics.NewRecorder(),
		codec:    codec,
		wakeCh:   make(chan struct{}, 1),
	}
	c.state.Store(StateStopped)

	c.manager = NewWorkManager(&ManagerConfig{
		SplitMultiplier: cfg.Coordinator.SplitMultiplier(),
		ComputeUnits:    c.computeUnits,
	}, catalog, c.hub, logger.Named("scheduler"))
	c.manager.SetWakeHook(c.wake)

	executor := worker.NewExecutor(catalog, logger.Named("executor")).WithRecorder(c.recorder)
	c.pool = worker.NewPool(localWorkers(&cfg.Coordinator), c.manager, executor, logger.Named("pool"))

	for _, addr := range cfg.Coordinator.Listen {
		c.threads = append(c.threads, NewConnectionThread(ConnectionConfig{
			Address:      addr,
			Codec:        codec,
			MaxFrameSize: cfg.Protocol.MaxFrameSize,
			WriteTimeout: cfg.Protocol.WriteTimeout,
			Logger:       logger.Named("connection"),
			Proxy: ProxyConfig{
				Scheduler:  c.manager,
				Registry:   c.registry,
				Observer:   c.hub,
				AutoListen: c.processing.Load,
			},
		}))
	}
	return c, nil
}

func localWorkers(cfg *config.CoordinatorConfig) int {
	switch {
	case cfg.LocalWorkers > 0:
		return cfg.LocalWorkers
	case cfg.ComputeUnits > 0:
		return cfg.ComputeUnits
	default:
		return runtime.NumCPU()
	}
}

// computeUnits is the split granularity base: local loops plus, when
// configured, connected remote workers.
func (c *Coordinator) computeUnits() int {
	units := c.pool.Size()
	if c.config.Coordinator.CountRemoteWorkers {
		units += c.registry.Count()
	}
	return max(units, 1)
}

// AddObserver registers an observer for every notification.
func (c *Coordinator) AddObserver(o types.Observer) {
	c.hub.add(o)
}

// RemoveObserver unregisters an observer added with AddObserver.
func (c *Coordinator) RemoveObserver(o types.Observer) {
	c.hub.remove(o)
}

// Start opens the listeners and begins accepting remote workers. Commands
// are not processed until StartProcessing.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator already started")
	}
	c.state.Store(StateStarting)

	for _, t := range c.threads {
		if err := t.Listen(); err != nil {
			c.state.Store(StateStopped)
			c.started.Store(false)
			return err
		}
	}

	c.runCtx, c.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(c.runCtx)
	for _, t := range c.threads {
		g.Go(func() error { return t.Serve(gctx) })
	}
	g.Go(func() error {
		c.dispatchLoop(gctx)
		return nil
	})
	c.group = g

	c.state.Store(StateRunning)
	c.logger.Info("coordinator started",
		zap.Int("local_workers", c.pool.Size()),
		zap.Strings("listen", c.config.Coordinator.Listen),
		zap.String("granularity", c.config.Coordinator.Granularity))
	return nil
}

// Wait blocks until every listener returned.
func (c *Coordinator) Wait() error {
	if c.group == nil {
		return ErrNotRunning
	}
	return c.group.Wait()
}

// Stop aborts the work in progress and closes every connection.
func (c *Coordinator) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		if !c.started.Load() {
			return
		}
		c.state.Store(StateStopping)

		c.processing.Store(false)
		if perr := c.pool.Stop(c.config.Coordinator.StopTimeout); perr != nil {
			err = perr
		}
		c.cancel()
		if gerr := c.group.Wait(); gerr != nil && err == nil {
			err = gerr
		}
		c.codec.Close()

		c.state.Store(StateStopped)
		c.logger.Info("coordinator stopped")
	})
	return err
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	return c.state.Load().(State)
}

// Submit queues commands for processing.
func (c *Coordinator) Submit(commands ...*types.Command) {
	c.manager.Enqueue(commands...)
}

// StartProcessing starts the local pool and tells every connected remote
// worker to request tasks. Workers connecting later start at once.
func (c *Coordinator) StartProcessing() error {
	if c.State() != StateRunning {
		return ErrNotRunning
	}
	c.processing.Store(true)
	c.pool.Start(c.runCtx)

	for _, p := range c.proxies() {
		if err := p.StartListening(); err != nil {
			c.logger.Warn("worker did not start listening", zap.String("worker", p.Name()), zap.Error(err))
		}
	}
	c.wake()
	return nil
}

// Processing reports whether StartProcessing was called since the last abort.
func (c *Coordinator) Processing() bool {
	return c.processing.Load()
}

// AbortAll drops all queued and pending work, stops the local pool and asks
// every remote worker to abandon its tasks.
func (c *Coordinator) AbortAll() error {
	c.processing.Store(false)
	c.manager.Abort()

	var errs []error
	if err := c.pool.Stop(c.config.Coordinator.StopTimeout); err != nil {
		errs = append(errs, err)
	}
	for _, p := range c.proxies() {
		if err := p.SendAbortRequest(); err != nil {
			errs = append(errs, fmt.Errorf("abort %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Workers lists the connected remote workers.
func (c *Coordinator) Workers() []*types.WorkerInfo {
	return c.registry.List()
}

// Registry returns the remote worker registry.
func (c *Coordinator) Registry() *WorkerRegistry { return c.registry }

// Catalog returns the plugin catalog.
func (c *Coordinator) Catalog() plugin.Catalog { return c.catalog }

// Snapshot returns the scheduler counters.
func (c *Coordinator) Snapshot() ManagerSnapshot {
	return c.manager.Snapshot()
}

// Latency returns the local execution latency percentiles.
func (c *Coordinator) Latency() []metrics.LatencySnapshot {
	return c.recorder.Snapshot()
}

// Addrs returns the bound listener addresses.
func (c *Coordinator) Addrs() []string {
	out := make([]string, 0, len(c.threads))
	for _, t := range c.threads {
		if a := t.Addr(); a != nil {
			out = append(out, a.String())
		}
	}
	return out
}

func (c *Coordinator) proxies() []*RemoteWorkerProxy {
	out := make([]*RemoteWorkerProxy, 0, len(c.threads))
	for _, t := range c.threads {
		if p := t.Current(); p != nil && p.Connected() && p.Name() != "" {
			out = append(out, p)
		}
	}
	return out
}

// wake is the scheduler hook. It never blocks: the dispatch loop picks the
// signal up.
func (c *Coordinator) wake() {
	if !c.processing.Load() {
		return
	}
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wakeCh:
			if !c.processing.Load() {
				continue
			}
			c.pool.Ensure()
			for _, p := range c.proxies() {
				p.Dispatch()
			}
		}
	}
}

// observerHub fans notifications out to a changing set of observers.
type observerHub struct {
	mu        sync.RWMutex
	observers []types.Observer
}

func (h *observerHub) add(o types.Observer) {
	h.mu.Lock()
	h.observers = append(h.observers, o)
	h.mu.Unlock()
}

func (h *observerHub) remove(o types.Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, cur := range h.observers {
		if cur == o {
			h.observers = append(h.observers[:i:i], h.observers[i+1:]...)
			return
		}
	}
}

func (h *observerHub) group() types.ObserverGroup {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return types.ObserverGroup(h.observers)
}

func (h *observerHub) OnMessage(text string)            { h.group().OnMessage(text) }
func (h *observerHub) OnWorkerJoined(name string)       { h.group().OnWorkerJoined(name) }
func (h *observerHub) OnWorkerLeft(name string)         { h.group().OnWorkerLeft(name) }
func (h *observerHub) OnImageProduced(o *types.Output)  { h.group().OnImageProduced(o) }
func (h *observerHub) OnMotionProduced(m *types.Motion) { h.group().OnMotionProduced(m) }
func (h *observerHub) OnAllWorkDone()                   { h.group().OnAllWorkDone() }

func (h *observerHub) OnPendingCountChanged(count int, isTask bool) {
	h.group().OnPendingCountChanged(count, isTask)
}
