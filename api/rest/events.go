package rest

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"golang.org/x/net/websocket"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

const (
	defaultRecentEvents = 200
	subscriberBuffer    = 64
)

// Event types.
const (
	EventMessage      = "message"
	EventWorkerJoined = "worker_joined"
	EventWorkerLeft   = "worker_left"
	EventImage        = "image"
	EventMotion       = "motion"
	EventPending      = "pending"
	EventAllDone      = "all_done"
)

// Event is one observer notification in JSON form.
type Event struct {
	Type       string `json:"type"`
	Timestamp  string `json:"timestamp"`
	Message    string `json:"message,omitempty"`
	Worker     string `json:"worker,omitempty"`
	CommandID  string `json:"command_id,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Plugin     string `json:"plugin,omitempty"`
	Source     string `json:"source,omitempty"`
	Error      string `json:"error,omitempty"`
	VectorSets int    `json:"vector_sets,omitempty"`
	Count      *int   `json:"count,omitempty"`
	IsTask     bool   `json:"is_task,omitempty"`
}

// EventHub is an observer that keeps the latest events and fans them out to
// subscribers. Slow subscribers miss events instead of blocking the caller.
type EventHub struct {
	mu          sync.Mutex
	recent      []Event
	capacity    int
	subscribers map[chan Event]struct{}
	closed      bool
}

// NewEventHub keeps up to capacity recent events.
func NewEventHub(capacity int) *EventHub {
	if capacity < 1 {
		capacity = defaultRecentEvents
	}
	return &EventHub{
		capacity:    capacity,
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel receiving every following event and a func
// that unsubscribes and closes it.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subscribers[ch]; ok {
				delete(h.subscribers, ch)
				close(ch)
			}
		})
	}
}

// Recent returns the kept events, oldest first.
func (h *EventHub) Recent() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event{}, h.recent...)
}

// Close disconnects every subscriber.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}

func (h *EventHub) publish(e Event) {
	e.Timestamp = time.Now().Format(time.RFC3339Nano)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if len(h.recent) == h.capacity {
		copy(h.recent, h.recent[1:])
		h.recent = h.recent[:len(h.recent)-1]
	}
	h.recent = append(h.recent, e)

	for ch := range h.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *EventHub) OnMessage(text string) {
	h.publish(Event{Type: EventMessage, Message: text})
}

func (h *EventHub) OnWorkerJoined(name string) {
	h.publish(Event{Type: EventWorkerJoined, Worker: name})
}

func (h *EventHub) OnWorkerLeft(name string) {
	h.publish(Event{Type: EventWorkerLeft, Worker: name})
}

func (h *EventHub) OnImageProduced(out *types.Output) {
	e := Event{Type: EventImage, Kind: out.Kind.String()}
	if out.Command != nil {
		e.CommandID = out.Command.ID
		e.Plugin = out.Command.PluginName
		e.Source = out.Command.Source
	}
	if out.Err != nil {
		e.Error = out.Err.Error()
	}
	h.publish(e)
}

func (h *EventHub) OnMotionProduced(m *types.Motion) {
	e := Event{Type: EventMotion, Kind: types.TaskKindMotion.String(), VectorSets: len(m.VectorSets)}
	if m.Command != nil {
		e.CommandID = m.Command.ID
		e.Plugin = m.Command.PluginName
		e.Source = m.Command.Source
	}
	if m.Err != nil {
		e.Error = m.Err.Error()
	}
	h.publish(e)
}

func (h *EventHub) OnPendingCountChanged(count int, isTask bool) {
	h.publish(Event{Type: EventPending, Count: &count, IsTask: isTask})
}

func (h *EventHub) OnAllWorkDone() {
	h.publish(Event{Type: EventAllDone})
}

var _ types.Observer = (*EventHub)(nil)

func (s *Server) setupWebSocketRoutes(api fiber.Router) {
	if !s.config.EnableWebSocket {
		return
	}
	api.Get("/events/stream", adaptor.HTTPHandler(websocket.Handler(s.events.serveWebSocket)))
}

// serveWebSocket streams events as JSON text messages until either side
// goes away.
func (h *EventHub) serveWebSocket(ws *websocket.Conn) {
	defer ws.Close()

	events, unsubscribe := h.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg string
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := sonic.MarshalString(e)
			if err != nil {
				continue
			}
			if err := websocket.Message.Send(ws, data); err != nil {
				return
			}
		}
	}
}
