package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// ErrStopTimeout is returned by Stop when some loops did not finish in
// time. Their tasks stay Taken and their results are discarded.
var ErrStopTimeout = errors.New("worker pool stop timed out")

// TaskSource hands out tasks and takes completions back.
type TaskSource interface {
	// RequestTask returns the next task, or nil when nothing is left.
	RequestTask() *types.Task
	// ReportCompletion delivers the outcome of a task returned by RequestTask.
	ReportCompletion(task *types.Task, result *types.Result, err error)
}

// Pool is a fixed size set of local worker loops. A loop exits when the
// source runs dry; Ensure refills the pool after new work arrives.
type Pool struct {
	size     int
	source   TaskSource
	executor *Executor
	logger   *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	gen     uint64
	running int
	// refill is set by Ensure when every loop is busy. A loop that finds
	// the source empty consumes it and asks once more instead of exiting.
	refill bool
	wg     *sync.WaitGroup
}

// NewPool creates a pool of size loops. It does nothing until Start.
func NewPool(size int, source TaskSource, executor *Executor, logger *zap.Logger) *Pool {
	if size < 0 {
		size = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		size:     size,
		source:   source,
		executor: executor,
		logger:   logger,
	}
}

// Size returns the configured number of loops.
func (p *Pool) Size() int { return p.size }

// Running returns the number of live loops.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start begins a new generation of loops bound to ctx. Calling Start on a
// started pool only refills it.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.ctx == nil {
		p.ctx, p.cancel = context.WithCancel(ctx)
		p.gen++
		p.running = 0
		p.refill = false
		p.wg = &sync.WaitGroup{}
	}
	p.mu.Unlock()
	p.Ensure()
}

// Ensure starts loops until size are running. When all of them are up it
// makes the next loop that finds the source empty ask again. It is a no-op
// on a stopped pool.
func (p *Pool) Ensure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil || p.ctx.Err() != nil {
		return
	}
	if p.size > 0 && p.running >= p.size {
		p.refill = true
		return
	}
	for p.running < p.size {
		p.running++
		p.wg.Add(1)
		go p.loop(p.ctx, p.gen, p.wg)
	}
}

// Stop cancels the running generation and waits up to timeout for its
// loops to return.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.ctx == nil {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	wg := p.wg
	p.ctx, p.cancel, p.wg = nil, nil, nil
	p.gen++
	p.running = 0
	p.refill = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		p.logger.Warn("abandoning worker loops still running", zap.Duration("timeout", timeout))
		return ErrStopTimeout
	}
}

func (p *Pool) loop(ctx context.Context, gen uint64, wg *sync.WaitGroup) {
	defer wg.Done()
	counted := true
	defer func() {
		if counted {
			p.mu.Lock()
			p.release(gen)
			p.mu.Unlock()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		task := p.source.RequestTask()
		if task == nil {
			// Deciding to exit and leaving the count happen under one lock,
			// so an Ensure racing with this loop either sees the free slot
			// or leaves a refill for us.
			p.mu.Lock()
			if p.gen == gen && p.refill {
				p.refill = false
				p.mu.Unlock()
				continue
			}
			p.release(gen)
			counted = false
			p.mu.Unlock()
			return
		}

		result, err := p.executor.Execute(ctx, task)
		if ctx.Err() != nil {
			p.logger.Debug("dropping task of stopped pool", zap.Stringer("task", task))
			return
		}
		if err != nil {
			p.logger.Debug("task failed", zap.Stringer("task", task), zap.Error(err))
		}
		p.source.ReportCompletion(task, result, err)
	}
}

// release drops a loop of generation gen from the count. Callers hold p.mu.
func (p *Pool) release(gen uint64) {
	if p.gen == gen && p.running > 0 {
		p.running--
	}
}
