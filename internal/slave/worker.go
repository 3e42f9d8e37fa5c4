package slave

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/metrics"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/plugin"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/protocol"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/worker"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// Config holds the configuration of a remote worker process.
type Config struct {
	// Name is sent to the coordinator in the handshake.
	Name string

	// CoordinatorAddr is the host:port of a coordinator listener.
	CoordinatorAddr string

	// Slots is the number of tasks executed at once.
	Slots int

	DialTimeout time.Duration

	// ReconnectInterval is the pause between connection attempts. Zero
	// disables reconnecting.
	ReconnectInterval time.Duration

	MaxFrameSize      int
	CompressThreshold int

	// WriteTimeout bounds sending one frame. Zero disables the deadline.
	WriteTimeout time.Duration
}

// DefaultConfig returns a default remote worker configuration.
func DefaultConfig() *Config {
	return &Config{
		CoordinatorAddr:   "localhost:5150",
		Slots:             2,
		DialTimeout:       10 * time.Second,
		ReconnectInterval: 5 * time.Second,
		MaxFrameSize:      protocol.DefaultMaxFrameSize,
		CompressThreshold: protocol.DefaultCompressThreshold,
	}
}

// Stats counts what the worker did since it started.
type Stats struct {
	Sessions  int64 `json:"sessions"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// RemoteWorker executes tasks for a coordinator over the wire protocol.
type RemoteWorker struct {
	config   *Config
	executor *worker.Executor
	codec    *protocol.Codec
	pool     *ants.Pool
	logger   *zap.Logger

	sessions  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	// connected is signalled after each handshake, mostly for tests.
	connected chan struct{}
}

// NewRemoteWorker creates a worker running tasks on a pool of cfg.Slots
// goroutines.
func NewRemoteWorker(cfg *Config, catalog plugin.Catalog, recorder *metrics.Recorder, logger *zap.Logger) (*RemoteWorker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Slots < 1 {
		return nil, fmt.Errorf("slots must be positive, got %d", cfg.Slots)
	}
	if cfg.Name == "" {
		return nil, errors.New("worker name cannot be empty")
	}
	if catalog == nil {
		catalog = plugin.Builtin()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	codec, err := protocol.NewCodec(cfg.CompressThreshold)
	if err != nil {
		return nil, fmt.Errorf("create codec: %w", err)
	}

	pool, err := ants.NewPool(cfg.Slots, ants.WithPanicHandler(func(p any) {
		logger.Error("task goroutine panicked", zap.Any("panic", p))
	}))
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("create task pool: %w", err)
	}

	executor := worker.NewExecutor(catalog, logger.Named("executor"))
	if recorder != nil {
		executor = executor.WithRecorder(recorder)
	}

	return &RemoteWorker{
		config:    cfg,
		executor:  executor,
		codec:     codec,
		pool:      pool,
		logger:    logger.With(zap.String("worker", cfg.Name)),
		connected: make(chan struct{}, 1),
	}, nil
}

// Stats returns the counters.
func (w *RemoteWorker) Stats() Stats {
	return Stats{
		Sessions:  w.sessions.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
	}
}

// Run connects to the coordinator and serves it, reconnecting after a
// lost connection until ctx is done.
func (w *RemoteWorker) Run(ctx context.Context) error {
	for {
		err := w.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if w.config.ReconnectInterval <= 0 {
			return err
		}

		w.logger.Warn("connection to coordinator ended, reconnecting",
			zap.Error(err), zap.Duration("interval", w.config.ReconnectInterval))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.config.ReconnectInterval):
		}
	}
}

// Close releases the task pool. Run must have returned.
func (w *RemoteWorker) Close() {
	w.pool.Release()
	w.codec.Close()
}

func (w *RemoteWorker) connectAndServe(ctx context.Context) error {
	dialer := net.Dialer{Timeout: w.config.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", w.config.CoordinatorAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.config.CoordinatorAddr, err)
	}

	conn := protocol.NewConn(nc, w.codec, w.config.MaxFrameSize)
	conn.SetWriteTimeout(w.config.WriteTimeout)
	s := newSession(w, conn)
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	return s.serve(ctx)
}

// session is one connection to the coordinator.
type session struct {
	w    *RemoteWorker
	conn *protocol.Conn

	mu        sync.Mutex
	base      context.Context
	listening bool
	gen       uint64
	genCtx    context.Context
	cancelGen context.CancelFunc
}

func newSession(w *RemoteWorker, conn *protocol.Conn) *session {
	return &session{w: w, conn: conn}
}

func (s *session) serve(ctx context.Context) error {
	defer s.conn.Close()

	s.mu.Lock()
	s.base = ctx
	s.genCtx, s.cancelGen = context.WithCancel(ctx)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelGen()
		s.mu.Unlock()
	}()

	if err := s.conn.SendClientName(s.w.config.Name); err != nil {
		return err
	}
	s.w.sessions.Add(1)
	s.w.logger.Info("connected to coordinator", zap.String("addr", s.w.config.CoordinatorAddr))
	select {
	case s.w.connected <- struct{}{}:
	default:
	}

	for {
		frame, err := s.conn.Receive()
		if err != nil {
			return err
		}
		if err := s.handle(frame); err != nil {
			return err
		}
	}
}

func (s *session) handle(f protocol.Frame) error {
	switch f.Tag {
	case protocol.TagListening:
		return s.startListening()
	case protocol.TagAbortWork:
		s.abort()
		return nil
	case protocol.TagTask:
		return s.accept(f.Payload)
	default:
		return protocol.NewProtocolError(f.Tag, "message is only sent by workers", nil)
	}
}

// startListening announces one request per slot. A repeated Listening is
// ignored: the coordinator still holds the credit.
func (s *session) startListening() error {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return nil
	}
	s.listening = true
	s.mu.Unlock()

	for i := 0; i < s.w.config.Slots; i++ {
		if err := s.conn.Send(protocol.TagTaskRequest, nil); err != nil {
			return err
		}
	}
	return nil
}

// abort cancels the running generation. Its results are dropped and no new
// requests go out until the next Listening.
func (s *session) abort() {
	s.mu.Lock()
	s.listening = false
	s.cancelGen()
	s.gen++
	s.genCtx, s.cancelGen = context.WithCancel(s.base)
	s.mu.Unlock()

	s.w.logger.Info("work aborted by coordinator")
}

func (s *session) accept(payload []byte) error {
	task, err := s.w.codec.DecodeTask(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	listening, gen, ctx := s.listening, s.gen, s.genCtx
	s.mu.Unlock()

	if !listening {
		s.w.dropped.Add(1)
		s.w.logger.Debug("dropping task received while not listening", zap.Int64("task_id", task.ID))
		return nil
	}

	err = s.w.pool.Submit(func() {
		res, err := s.w.executor.Execute(ctx, task)
		s.complete(task, gen, res, err)
	})
	if err != nil {
		// the pool is closed or overloaded; let the coordinator see a failure
		s.complete(task, gen, nil, err)
	}
	return nil
}

func (s *session) complete(task *types.Task, gen uint64, res *types.Result, err error) {
	s.mu.Lock()
	stale := gen != s.gen
	listening := s.listening
	s.mu.Unlock()

	if stale {
		s.w.dropped.Add(1)
		s.w.logger.Debug("dropping result of aborted task", zap.Int64("task_id", task.ID))
		return
	}

	msg := &protocol.ResultMessage{TaskID: task.ID, Result: res}
	if err != nil {
		msg.Result = nil
		msg.Error = err.Error()
		s.w.failed.Add(1)
		s.w.logger.Debug("task failed", zap.Stringer("task", task), zap.Error(err))
	} else {
		s.w.completed.Add(1)
	}

	if err := s.conn.SendResult(msg); err != nil {
		s.w.logger.Debug("sending result failed", zap.Error(err))
		return
	}
	if listening {
		_ = s.conn.Send(protocol.TagTaskRequest, nil)
	}
}
