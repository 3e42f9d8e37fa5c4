package master

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/protocol"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// RemoteWorkerProxy represents one remote worker process on one TCP
// connection. Serve runs the read loop; the other methods may be called
// from any goroutine.
type RemoteWorkerProxy struct {
	id        string
	listener  string
	conn      *protocol.Conn
	scheduler TaskScheduler
	registry  *WorkerRegistry
	observer  types.Observer
	logger    *zap.Logger

	// autoListen is consulted after the handshake; when it reports true
	// the worker is told to start requesting tasks right away.
	autoListen func() bool

	mu                      sync.Mutex
	name                    string
	connected               bool
	listening               bool
	sentTasks               map[int64]*types.Task
	abandoned               map[int64]struct{}
	outstandingTaskRequests int

	// aborted is set from an abort until the next Listening. Task requests
	// read in between were sent before the worker saw the abort.
	aborted bool
}

// ProxyConfig wires a proxy to the rest of the coordinator.
type ProxyConfig struct {
	Listener   string
	Scheduler  TaskScheduler
	Registry   *WorkerRegistry
	Observer   types.Observer
	Logger     *zap.Logger
	AutoListen func() bool
}

// NewRemoteWorkerProxy creates a proxy for an accepted connection.
func NewRemoteWorkerProxy(conn *protocol.Conn, cfg ProxyConfig) *RemoteWorkerProxy {
	if cfg.Observer == nil {
		cfg.Observer = types.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewWorkerRegistry()
	}
	id := uuid.New().String()
	return &RemoteWorkerProxy{
		id:         id,
		listener:   cfg.Listener,
		conn:       conn,
		scheduler:  cfg.Scheduler,
		registry:   cfg.Registry,
		observer:   cfg.Observer,
		logger:     cfg.Logger.With(zap.String("worker_id", id), zap.Stringer("remote", conn.RemoteAddr())),
		autoListen: cfg.AutoListen,
		connected:  true,
		sentTasks:  make(map[int64]*types.Task),
		abandoned:  make(map[int64]struct{}),
	}
}

// ID returns the registry id of the worker.
func (p *RemoteWorkerProxy) ID() string { return p.id }

// Name returns the name sent in the handshake.
func (p *RemoteWorkerProxy) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Connected reports whether the connection is still up.
func (p *RemoteWorkerProxy) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Listening reports whether the worker was told to request tasks.
func (p *RemoteWorkerProxy) Listening() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listening
}

// OutstandingTaskRequests returns the free slots announced by the worker
// that received no task yet.
func (p *RemoteWorkerProxy) OutstandingTaskRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstandingTaskRequests
}

// InFlight returns the number of tasks sent and not yet answered.
func (p *RemoteWorkerProxy) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sentTasks)
}

// Serve reads frames until the connection fails or ctx is done. It always
// returns a non nil error: ErrConnectionLost, a ProtocolError or the
// context error. Tasks still in flight go back to NotTaken.
func (p *RemoteWorkerProxy) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = p.conn.Close() })
	defer stop()

	var err error
	for {
		var frame protocol.Frame
		frame, err = p.conn.Receive()
		if err != nil {
			break
		}
		if err = p.handle(frame); err != nil {
			break
		}
	}

	if ctx.Err() != nil {
		err = ctx.Err()
	}
	p.connectionLost(err)
	return err
}

func (p *RemoteWorkerProxy) handle(f protocol.Frame) error {
	if !f.Tag.FromWorker() {
		return protocol.NewProtocolError(f.Tag, "message is only sent by the coordinator", nil)
	}

	p.mu.Lock()
	named := p.name != ""
	p.mu.Unlock()

	switch f.Tag {
	case protocol.TagClientName:
		if named {
			return protocol.NewProtocolError(f.Tag, "duplicate handshake", nil)
		}
		return p.handleClientName(string(f.Payload))
	case protocol.TagTaskRequest:
		if !named {
			return protocol.NewProtocolError(f.Tag, "task request before handshake", nil)
		}
		p.mu.Lock()
		stale := p.aborted
		if !stale {
			p.outstandingTaskRequests++
		}
		p.mu.Unlock()
		if stale {
			p.logger.Debug("ignoring task request sent before abort")
			return nil
		}
		p.Dispatch()
		return nil
	case protocol.TagResult:
		if !named {
			return protocol.NewProtocolError(f.Tag, "result before handshake", nil)
		}
		return p.handleResult(f.Payload)
	}
	return nil
}

func (p *RemoteWorkerProxy) handleClientName(name string) error {
	if name == "" {
		return protocol.NewProtocolError(protocol.TagClientName, "empty client name", nil)
	}

	p.mu.Lock()
	p.name = name
	p.mu.Unlock()

	err := p.registry.Register(&types.WorkerInfo{
		ID:       p.id,
		Name:     name,
		Address:  p.conn.RemoteAddr().String(),
		Listener: p.listener,
	})
	if err != nil {
		return fmt.Errorf("register worker %s: %w", name, err)
	}

	p.logger.Info("remote worker joined", zap.String("name", name))
	p.observer.OnWorkerJoined(name)

	if p.autoListen != nil && p.autoListen() {
		return p.StartListening()
	}
	return nil
}

func (p *RemoteWorkerProxy) handleResult(payload []byte) error {
	msg, err := p.conn.Codec().DecodeResult(payload)
	if err != nil {
		return err
	}

	p.mu.Lock()
	task, found := p.sentTasks[msg.TaskID]
	delete(p.sentTasks, msg.TaskID)
	_, abandoned := p.abandoned[msg.TaskID]
	delete(p.abandoned, msg.TaskID)
	name := p.name
	p.mu.Unlock()

	if !found {
		if abandoned {
			p.logger.Debug("dropping result of aborted task", zap.Int64("task_id", msg.TaskID))
		} else {
			p.logger.Warn("result for unknown task", zap.Int64("task_id", msg.TaskID))
		}
		return nil
	}

	var taskErr error
	if msg.Result == nil {
		reason := msg.Error
		if reason == "" {
			reason = "no result"
		}
		taskErr = fmt.Errorf("remote worker %s: %s", name, reason)
	}
	p.scheduler.ReportCompletion(task, msg.Result, taskErr)
	return nil
}

// StartListening tells the worker to request tasks and serves the
// requests it already announced.
func (p *RemoteWorkerProxy) StartListening() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return protocol.ErrConnectionLost
	}
	already := p.listening
	p.listening = true
	p.aborted = false
	p.mu.Unlock()

	if !already {
		if err := p.conn.Send(protocol.TagListening, nil); err != nil {
			return err
		}
	}
	p.Dispatch()
	return nil
}

// Dispatch hands one task per outstanding request while listening. It
// stops when the scheduler has nothing left.
func (p *RemoteWorkerProxy) Dispatch() {
	for {
		p.mu.Lock()
		if !p.connected || !p.listening || p.outstandingTaskRequests == 0 {
			p.mu.Unlock()
			return
		}
		p.outstandingTaskRequests--
		p.mu.Unlock()

		task := p.scheduler.RequestTask()
		if task == nil {
			p.mu.Lock()
			p.outstandingTaskRequests++
			p.mu.Unlock()
			return
		}

		p.mu.Lock()
		if !p.connected || !p.listening {
			p.mu.Unlock()
			p.scheduler.ReassignTasks([]*types.Task{task})
			return
		}
		p.sentTasks[task.ID] = task
		p.mu.Unlock()

		if err := p.sendTask(task); err != nil {
			p.logger.Warn("sending task failed", zap.Stringer("task", task), zap.Error(err))
			p.mu.Lock()
			_, pending := p.sentTasks[task.ID]
			delete(p.sentTasks, task.ID)
			p.mu.Unlock()
			if pending {
				p.scheduler.ReassignTasks([]*types.Task{task})
			}
			_ = p.conn.Close()
			return
		}
	}
}

func (p *RemoteWorkerProxy) sendTask(task *types.Task) error {
	payload, err := p.conn.Codec().EncodeTask(task)
	if err != nil {
		return err
	}
	return p.conn.Send(protocol.TagTask, payload)
}

// SendAbortRequest tells the worker to drop its work. Tasks sent so far are
// forgotten and their results ignored; the request credit is cleared.
func (p *RemoteWorkerProxy) SendAbortRequest() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.listening = false
	p.aborted = true
	for id := range p.sentTasks {
		p.abandoned[id] = struct{}{}
	}
	clear(p.sentTasks)
	p.outstandingTaskRequests = 0
	p.mu.Unlock()

	return p.conn.Send(protocol.TagAbortWork, nil)
}

// Close drops the connection; Serve returns afterwards.
func (p *RemoteWorkerProxy) Close() error {
	return p.conn.Close()
}

func (p *RemoteWorkerProxy) connectionLost(cause error) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return
	}
	p.connected = false
	p.listening = false
	lost := make([]*types.Task, 0, len(p.sentTasks))
	for _, t := range p.sentTasks {
		lost = append(lost, t)
	}
	clear(p.sentTasks)
	clear(p.abandoned)
	p.outstandingTaskRequests = 0
	name := p.name
	p.mu.Unlock()

	_ = p.conn.Close()

	requeued := 0
	if len(lost) > 0 {
		requeued = p.scheduler.ReassignTasks(lost)
	}

	var perr *protocol.ProtocolError
	switch {
	case errors.As(cause, &perr):
		p.logger.Warn("closing connection after protocol error", zap.Error(cause))
	case errors.Is(cause, context.Canceled):
		p.logger.Debug("connection closed on shutdown")
	default:
		p.logger.Info("connection lost", zap.Error(cause))
	}

	if name == "" {
		return
	}
	_ = p.registry.Unregister(p.id)
	p.observer.OnWorkerLeft(name)
	p.observer.OnMessage(fmt.Sprintf("worker %s disconnected, %d task(s) requeued", name, requeued))
}
