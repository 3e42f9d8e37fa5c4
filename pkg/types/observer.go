package types

// Observer receives progress from the coordinator. Calls are made outside
// the scheduler lock, so implementations may call back into the scheduler.
type Observer interface {
	// OnMessage reports a human readable status or failure message.
	OnMessage(text string)

	// OnWorkerJoined is called after a remote worker identified itself.
	OnWorkerJoined(name string)

	// OnWorkerLeft is called after a remote worker connection ended.
	OnWorkerLeft(name string)

	// OnImageProduced delivers a finished filter or mask command.
	OnImageProduced(out *Output)

	// OnMotionProduced delivers a finished motion sequence.
	OnMotionProduced(m *Motion)

	// OnPendingCountChanged reports the size of the task pool (isTask) or
	// the number of queued commands.
	OnPendingCountChanged(count int, isTask bool)

	// OnAllWorkDone fires once each time the queues and the pool drain.
	OnAllWorkDone()
}

// NoopObserver ignores every notification.
type NoopObserver struct{}

func (NoopObserver) OnMessage(string)                {}
func (NoopObserver) OnWorkerJoined(string)           {}
func (NoopObserver) OnWorkerLeft(string)             {}
func (NoopObserver) OnImageProduced(*Output)         {}
func (NoopObserver) OnMotionProduced(*Motion)        {}
func (NoopObserver) OnPendingCountChanged(int, bool) {}
func (NoopObserver) OnAllWorkDone()                  {}

// ObserverGroup fans notifications out to several observers in order.
type ObserverGroup []Observer

func (g ObserverGroup) OnMessage(text string) {
	for _, o := range g {
		o.OnMessage(text)
	}
}

func (g ObserverGroup) OnWorkerJoined(name string) {
	for _, o := range g {
		o.OnWorkerJoined(name)
	}
}

func (g ObserverGroup) OnWorkerLeft(name string) {
	for _, o := range g {
		o.OnWorkerLeft(name)
	}
}

func (g ObserverGroup) OnImageProduced(out *Output) {
	for _, o := range g {
		o.OnImageProduced(out)
	}
}

func (g ObserverGroup) OnMotionProduced(m *Motion) {
	for _, o := range g {
		o.OnMotionProduced(m)
	}
}

func (g ObserverGroup) OnPendingCountChanged(count int, isTask bool) {
	for _, o := range g {
		o.OnPendingCountChanged(count, isTask)
	}
}

func (g ObserverGroup) OnAllWorkDone() {
	for _, o := range g {
		o.OnAllWorkDone()
	}
}

var (
	_ Observer = NoopObserver{}
	_ Observer = ObserverGroup(nil)
)
