package master

import (
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/plugin"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/imagebuf"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

var errNoResult = errors.New("task produced no result")

// ManagerConfig holds the scheduler settings.
type ManagerConfig struct {
	// SplitMultiplier is the number of fragments per compute unit. Zero
	// disables splitting.
	SplitMultiplier int

	// ComputeUnits returns the number of workers able to take a fragment.
	ComputeUnits func() int
}

// DefaultManagerConfig splits into one fragment per compute unit and counts
// one compute unit.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		SplitMultiplier: 1,
		ComputeUnits:    func() int { return 1 },
	}
}

// ManagerSnapshot is a point in time view of the scheduler.
type ManagerSnapshot struct {
	PendingCommands int            `json:"pending_commands"`
	QueuedByKind    map[string]int `json:"queued_by_kind"`
	PendingTasks    int            `json:"pending_tasks"`
	NotTaken        int            `json:"not_taken"`
	Taken           int            `json:"taken"`
	ActiveMotions   int            `json:"active_motions"`
	Idle            bool           `json:"idle"`
}

// WorkManager owns the command queues, the pending task pool and the active
// motions. Every mutation happens under one mutex; observer callbacks are
// collected while it is held and delivered after it is released.
type WorkManager struct {
	config   *ManagerConfig
	catalog  plugin.Catalog
	observer types.Observer
	logger   *zap.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	queues  map[types.TaskKind][]*types.Command
	pending int
	pool    []*types.Task
	members map[int64]*types.Task
	motions *MotionAggregator

	// reported values, used to notify only on change
	reportedPool     int
	reportedCommands int
	idle             bool

	// wake is called after an operation left NotTaken tasks or queued
	// commands behind, so idle workers can come back for them.
	wake func()
}

// NewWorkManager creates a scheduler. A nil observer ignores notifications.
func NewWorkManager(config *ManagerConfig, catalog plugin.Catalog, observer types.Observer, logger *zap.Logger) *WorkManager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	if config.ComputeUnits == nil {
		config.ComputeUnits = func() int { return 1 }
	}
	if observer == nil {
		observer = types.NoopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkManager{
		config:   config,
		catalog:  catalog,
		observer: observer,
		logger:   logger,
		queues:   make(map[types.TaskKind][]*types.Command),
		members:  make(map[int64]*types.Task),
		motions:  NewMotionAggregator(),
		idle:     true,
	}
}

// SetWakeHook installs the function called when work becomes available.
func (m *WorkManager) SetWakeHook(wake func()) {
	m.mu.Lock()
	m.wake = wake
	m.mu.Unlock()
}

// notifications collects callbacks while the lock is held.
type notifications struct {
	calls []func(types.Observer)
	wake  bool
}

func (n *notifications) add(f func(types.Observer)) {
	n.calls = append(n.calls, f)
}

func (m *WorkManager) deliver(n *notifications, wake func()) {
	for _, call := range n.calls {
		call(m.observer)
	}
	if n.wake && wake != nil {
		wake()
	}
}

// Enqueue appends commands to the queue of their kind.
func (m *WorkManager) Enqueue(commands ...*types.Command) {
	var n notifications

	m.mu.Lock()
	for _, c := range commands {
		if c == nil {
			continue
		}
		m.queues[c.Kind] = append(m.queues[c.Kind], c)
		m.pending++
		m.logger.Debug("command enqueued",
			zap.String("command_id", c.ID),
			zap.Stringer("kind", c.Kind),
			zap.String("plugin", c.PluginName))
	}
	n.wake = m.pending > 0
	m.updateCountersLocked(&n)
	wake := m.wake
	m.mu.Unlock()

	m.deliver(&n, wake)
}

// RequestTask returns the next task to run, marked Taken, or nil when the
// pool holds no NotTaken task and every queue is empty.
func (m *WorkManager) RequestTask() *types.Task {
	var n notifications

	m.mu.Lock()
	task := m.nextTaskLocked(&n)
	m.updateCountersLocked(&n)
	wake := m.wake
	m.mu.Unlock()

	m.deliver(&n, wake)
	return task
}

func (m *WorkManager) nextTaskLocked(n *notifications) *types.Task {
	for _, t := range m.pool {
		if t.Status == types.TaskStatusNotTaken {
			t.Status = types.TaskStatusTaken
			return t
		}
	}

	for {
		cmd := m.popCommandLocked()
		if cmd == nil {
			return nil
		}
		var task *types.Task
		if cmd.Kind == types.TaskKindMotion {
			task = m.materializeMotionLocked(cmd, n)
		} else {
			task = m.materializeImageLocked(cmd, n)
		}
		if task != nil {
			return task
		}
	}
}

// popCommandLocked dequeues from the first non-empty queue in priority order.
func (m *WorkManager) popCommandLocked() *types.Command {
	for _, kind := range types.TaskKinds {
		q := m.queues[kind]
		if len(q) == 0 {
			continue
		}
		cmd := q[0]
		q[0] = nil
		m.queues[kind] = q[1:]
		m.pending--
		return cmd
	}
	return nil
}

func (m *WorkManager) newTask(cmd *types.Command, kind types.TaskKind) *types.Task {
	return &types.Task{
		ID:         m.nextID.Add(1),
		Kind:       kind,
		PluginName: cmd.PluginName,
		Arguments:  cmd.Arguments,
		Status:     types.TaskStatusNotTaken,
		Command:    cmd,
		CreatedAt:  time.Now(),
	}
}

// splitParts returns the fragment count for the current granularity, or
// 0 when splitting is off.
func (m *WorkManager) splitParts() int {
	if m.config.SplitMultiplier <= 0 {
		return 0
	}
	units := m.config.ComputeUnits()
	if units < 1 {
		units = 1
	}
	return m.config.SplitMultiplier * units
}

// materializeImageLocked turns a filter or mask command into a whole task
// or a split task whose last fragment is returned.
func (m *WorkManager) materializeImageLocked(cmd *types.Command, n *notifications) *types.Task {
	top := m.newTask(cmd, cmd.Kind)
	if len(cmd.Images) > 0 && cmd.Images[0] != nil {
		top.Payload = types.Payload{Frames: cmd.Images[:1], Region: cmd.Images[0].Bounds()}
	}

	if cmd.Kind == types.TaskKindFilter && len(top.Payload.Frames) == 1 {
		if children := m.splitFilterLocked(top); len(children) > 0 {
			n.wake = len(children) > 1
			return m.takeLast(children)
		}
	}

	top.Status = types.TaskStatusTaken
	m.addLocked(top)
	return top
}

func (m *WorkManager) splitFilterLocked(top *types.Task) []*types.Task {
	parts := m.splitParts()
	if parts < 2 {
		return nil
	}
	p, err := m.catalog.Lookup(top.PluginName)
	if err != nil {
		// the worker reports the resolution failure for the whole task
		return nil
	}
	dep := p.DependencyFor(top.Arguments)
	if dep.IsUnsplittable() {
		return nil
	}

	src := top.Payload.Frames[0]
	frags, err := imagebuf.Split(src, dep, parts)
	if err != nil {
		m.logger.Debug("filter not split", zap.Stringer("task", top), zap.Error(err))
		return nil
	}

	top.Status = types.TaskStatusTaken
	top.SubPartsRemaining = len(frags)
	top.Result = &types.Result{Image: image.NewNRGBA(src.Bounds())}

	children := make([]*types.Task, 0, len(frags))
	for _, f := range frags {
		child := m.newTask(top.Command, top.Kind)
		child.Parent = top
		child.Payload = types.Payload{Frames: []*image.NRGBA{f.Image}, Region: f.Region}
		children = append(children, child)
		m.addLocked(child)
	}
	return children
}

// materializeMotionLocked registers a motion with one task per frame pair
// and returns the last task created.
func (m *WorkManager) materializeMotionLocked(cmd *types.Command, n *notifications) *types.Task {
	frames := make([]*image.NRGBA, len(cmd.Images))
	for i, img := range cmd.Images {
		frames[i] = zeroOrigin(img)
	}

	motion := &types.Motion{
		ID:      uuid.New().String(),
		Command: cmd,
		Frames:  frames,
	}
	var depErr error
	if p, err := m.catalog.Lookup(cmd.PluginName); err == nil && p.MotionParams != nil {
		motion.BlockSize, motion.SearchDistance, depErr = p.MotionParams(cmd.Arguments)
	}

	if len(frames) < 2 || slices.Contains(frames, nil) {
		motion.Err = fmt.Errorf("motion needs at least two frames, got %d", len(cmd.Images))
		n.add(func(o types.Observer) { o.OnMotionProduced(motion) })
		n.add(func(o types.Observer) { o.OnMessage(fmt.Sprintf("motion %s failed: %v", motion.ID, motion.Err)) })
		return nil
	}

	pairs := len(frames) - 1
	motion.MissingVectorSets = pairs
	motion.VectorSets = make([]*types.VectorField, pairs)
	m.motions.Add(motion)

	var last *types.Task
	for i := 0; i < pairs; i++ {
		pair := m.newTask(cmd, types.TaskKindMotion)
		pair.Motion = motion
		pair.PairIndex = i
		pair.Payload = types.Payload{
			Frames: []*image.NRGBA{frames[i], frames[i+1]},
			Region: frames[i].Bounds(),
		}

		if depErr == nil && motion.BlockSize > 0 {
			if children := m.splitPairLocked(pair, motion); len(children) > 0 {
				last = children[len(children)-1]
				continue
			}
		}
		m.addLocked(pair)
		last = pair
	}

	last.Status = types.TaskStatusTaken
	n.wake = pairs > 1 || last.Parent != nil
	return last
}

func (m *WorkManager) splitPairLocked(pair *types.Task, motion *types.Motion) []*types.Task {
	parts := m.splitParts()
	if parts < 2 {
		return nil
	}
	prev, next := pair.Payload.Frames[0], pair.Payload.Frames[1]
	if !prev.Bounds().Eq(next.Bounds()) {
		return nil
	}

	dep := types.Symmetric(motion.SearchDistance)
	prevFrags, err := imagebuf.SplitAligned(prev, dep, parts, motion.BlockSize)
	if err != nil {
		return nil
	}
	nextFrags, err := imagebuf.SplitAligned(next, dep, parts, motion.BlockSize)
	if err != nil {
		return nil
	}

	b := prev.Bounds()
	pair.Status = types.TaskStatusTaken
	pair.SubPartsRemaining = len(prevFrags)
	pair.Result = &types.Result{
		Vectors: types.NewVectorField(image.Pt(0, 0), b.Dx()/motion.BlockSize, b.Dy()/motion.BlockSize),
	}

	children := make([]*types.Task, 0, len(prevFrags))
	for i := range prevFrags {
		child := m.newTask(pair.Command, types.TaskKindMotion)
		child.Parent = pair
		child.Payload = types.Payload{
			Frames: []*image.NRGBA{prevFrags[i].Image, nextFrags[i].Image},
			Region: prevFrags[i].Region,
		}
		children = append(children, child)
		m.addLocked(child)
	}
	return children
}

func (m *WorkManager) takeLast(tasks []*types.Task) *types.Task {
	last := tasks[len(tasks)-1]
	last.Status = types.TaskStatusTaken
	return last
}

// ReportCompletion records the outcome of a task obtained from RequestTask.
// Completions for tasks no longer in the pool are ignored: stale results
// after an abort, duplicates and late siblings of a failed fragment.
func (m *WorkManager) ReportCompletion(task *types.Task, result *types.Result, err error) {
	if task == nil {
		return
	}
	var n notifications

	m.mu.Lock()
	if cur, ok := m.members[task.ID]; !ok || cur != task {
		m.mu.Unlock()
		m.logger.Debug("ignoring completion of task not in pool", zap.Stringer("task", task))
		return
	}
	m.removeLocked(task)

	switch {
	case err != nil:
		task.Fail(err)
	case result.Empty():
		task.Fail(errNoResult)
	default:
		task.Succeed(result)
	}
	m.propagateLocked(task, &n)
	m.updateCountersLocked(&n)
	wake := m.wake
	m.mu.Unlock()

	m.deliver(&n, wake)
}

func (m *WorkManager) propagateLocked(task *types.Task, n *notifications) {
	parent := task.Parent
	if parent == nil {
		m.finishLocked(task, n)
		return
	}
	if parent.Status.Terminal() {
		return
	}

	if task.Status == types.TaskStatusFailed {
		m.failParentLocked(parent, fmt.Errorf("fragment %d: %w", task.ID, task.Err), n)
		return
	}

	if err := joinFragment(parent, task); err != nil {
		m.failParentLocked(parent, err, n)
		return
	}
	parent.SubPartsRemaining--
	if parent.SubPartsRemaining > 0 {
		return
	}
	parent.Status = types.TaskStatusSuccessful
	m.finishLocked(parent, n)
}

// failParentLocked fails a split task at once and drops its remaining
// fragments, so their later completions are no-ops.
func (m *WorkManager) failParentLocked(parent *types.Task, err error, n *notifications) {
	parent.Fail(err)
	parent.Result = nil
	for _, t := range slices.Clone(m.pool) {
		if t.Parent == parent {
			m.removeLocked(t)
		}
	}
	m.finishLocked(parent, n)
}

func joinFragment(parent, child *types.Task) error {
	switch parent.Kind {
	case types.TaskKindMotion:
		return imagebuf.BlendVectors(parent.Result.Vectors, child.Result.Vectors)
	default:
		if child.Result.Image == nil {
			return errNoResult
		}
		return imagebuf.Join(parent.Result.Image, child.Result.Image, child.Payload.Region)
	}
}

// finishLocked delivers a completed top-level task.
func (m *WorkManager) finishLocked(task *types.Task, n *notifications) {
	if task.Status == types.TaskStatusFailed {
		msg := fmt.Sprintf("%s failed: %v", task, task.Err)
		m.logger.Warn("task failed", zap.Stringer("task", task), zap.Error(task.Err))
		n.add(func(o types.Observer) { o.OnMessage(msg) })
	}

	if task.Kind == types.TaskKindMotion {
		if motion, done := m.motions.AddMotionVectors(task); done {
			m.logger.Info("motion completed", zap.String("motion_id", motion.ID), zap.Int("pairs", len(motion.VectorSets)))
			n.add(func(o types.Observer) { o.OnMotionProduced(motion) })
		}
		return
	}

	out := &types.Output{Command: task.Command, Kind: task.Kind, Err: task.Err}
	if task.Result != nil && task.Status == types.TaskStatusSuccessful {
		out.Image = task.Result.Image
		out.Mask = task.Result.Mask
	}
	n.add(func(o types.Observer) { o.OnImageProduced(out) })
}

// ReassignTasks puts Taken tasks that are still pending back to NotTaken.
// It returns how many were requeued.
func (m *WorkManager) ReassignTasks(tasks []*types.Task) int {
	var n notifications

	m.mu.Lock()
	count := 0
	for _, t := range tasks {
		if cur, ok := m.members[t.ID]; ok && cur == t && t.Status == types.TaskStatusTaken {
			t.Status = types.TaskStatusNotTaken
			count++
		}
	}
	n.wake = count > 0
	m.updateCountersLocked(&n)
	wake := m.wake
	m.mu.Unlock()

	if count > 0 {
		m.logger.Info("tasks requeued", zap.Int("count", count))
	}
	m.deliver(&n, wake)
	return count
}

// Abort drops every queued command, pending task and active motion.
// Results of tasks still running elsewhere are ignored when they arrive.
func (m *WorkManager) Abort() {
	var n notifications

	m.mu.Lock()
	dropped := len(m.pool)
	clear(m.queues)
	m.pending = 0
	m.pool = nil
	clear(m.members)
	m.motions.Clear()
	// an abort is not a drain: no all-work-done notification
	m.idle = true
	m.updateCountersLocked(&n)
	m.mu.Unlock()

	m.logger.Info("work aborted", zap.Int("dropped_tasks", dropped))
	n.add(func(o types.Observer) { o.OnMessage("processing aborted") })
	m.deliver(&n, nil)
}

// Snapshot returns the current counters.
func (m *WorkManager) Snapshot() ManagerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := ManagerSnapshot{
		PendingCommands: m.pending,
		QueuedByKind:    make(map[string]int, len(types.TaskKinds)),
		PendingTasks:    len(m.pool),
		ActiveMotions:   m.motions.Len(),
		Idle:            m.idle,
	}
	for _, kind := range types.TaskKinds {
		s.QueuedByKind[kind.String()] = len(m.queues[kind])
	}
	for _, t := range m.pool {
		if t.Status == types.TaskStatusNotTaken {
			s.NotTaken++
		} else {
			s.Taken++
		}
	}
	return s
}

func (m *WorkManager) addLocked(t *types.Task) {
	m.pool = append(m.pool, t)
	m.members[t.ID] = t
}

func (m *WorkManager) removeLocked(t *types.Task) {
	if _, ok := m.members[t.ID]; !ok {
		return
	}
	delete(m.members, t.ID)
	if i := slices.Index(m.pool, t); i >= 0 {
		m.pool = slices.Delete(m.pool, i, i+1)
	}
}

// updateCountersLocked queues count notifications for values that changed
// and the all-work-done notification on a transition to empty.
func (m *WorkManager) updateCountersLocked(n *notifications) {
	if pool := len(m.pool); pool != m.reportedPool {
		m.reportedPool = pool
		n.add(func(o types.Observer) { o.OnPendingCountChanged(pool, true) })
	}
	if pending := m.pending; pending != m.reportedCommands {
		m.reportedCommands = pending
		n.add(func(o types.Observer) { o.OnPendingCountChanged(pending, false) })
	}

	empty := len(m.pool) == 0 && m.pending == 0 && m.motions.Len() == 0
	switch {
	case empty && !m.idle:
		m.idle = true
		m.logger.Info("all work done")
		n.add(func(o types.Observer) { o.OnAllWorkDone() })
	case !empty:
		m.idle = false
	}
}

// zeroOrigin returns img moved to (0, 0), copying only when needed.
func zeroOrigin(img *image.NRGBA) *image.NRGBA {
	if img == nil || img.Bounds().Min == (image.Point{}) {
		return img
	}
	return imagebuf.Rebase(imagebuf.Clone(img), image.Point{})
}
