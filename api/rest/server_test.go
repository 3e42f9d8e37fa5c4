package rest

import (
	"errors"
	"image"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/disintegration/imaging"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/config"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/master"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/metrics"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/plugin"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// mockBackend implements Backend for testing.
type mockBackend struct {
	mu         sync.Mutex
	state      master.State
	processing bool
	submitted  []*types.Command
	abortErr   error
	observers  []types.Observer
	catalog    plugin.Catalog
}

func newMockBackend() *mockBackend {
	return &mockBackend{state: master.StateRunning, catalog: plugin.Builtin()}
}

func (m *mockBackend) State() master.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockBackend) Submit(commands ...*types.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, commands...)
}

func (m *mockBackend) StartProcessing() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != master.StateRunning {
		return master.ErrNotRunning
	}
	m.processing = true
	return nil
}

func (m *mockBackend) Processing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processing
}

func (m *mockBackend) AbortAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processing = false
	return m.abortErr
}

func (m *mockBackend) Workers() []*types.WorkerInfo {
	return []*types.WorkerInfo{{ID: "w-1", Name: "alpha", Address: "10.0.0.2:4000", Listener: ":5150"}}
}

func (m *mockBackend) Snapshot() master.ManagerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return master.ManagerSnapshot{PendingCommands: len(m.submitted), Idle: len(m.submitted) == 0}
}

func (m *mockBackend) Latency() []metrics.LatencySnapshot {
	return []metrics.LatencySnapshot{{Kind: "filter", Count: 3}}
}

func (m *mockBackend) Catalog() plugin.Catalog { return m.catalog }

func (m *mockBackend) setState(state master.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

func (m *mockBackend) setAbortErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortErr = err
}

func (m *mockBackend) AddObserver(o types.Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *mockBackend) RemoveObserver(o types.Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.observers {
		if x == o {
			m.observers = append(m.observers[:i], m.observers[i+1:]...)
			return
		}
	}
}

func newTestServer(t *testing.T) (*Server, *mockBackend) {
	t.Helper()
	backend := newMockBackend()
	cfg := config.DefaultConfig().Server
	return NewServer(backend, &cfg, nil), backend
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, sonic.Unmarshal(data, &v), string(data))
	return v
}

func TestHealthAndReady(t *testing.T) {
	s, backend := newTestServer(t)

	code, body := doRequest(t, s.App(), fiber.MethodGet, "/health", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, body).Status)

	code, body = doRequest(t, s.App(), fiber.MethodGet, "/api/v1/ready", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.True(t, decode[ReadyResponse](t, body).Ready)

	backend.setState(master.StateStopped)
	code, body = doRequest(t, s.App(), fiber.MethodGet, "/ready", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, code)
	assert.False(t, decode[ReadyResponse](t, body).Ready)
}

func TestStatusWorkersAndPlugins(t *testing.T) {
	s, _ := newTestServer(t)

	code, body := doRequest(t, s.App(), fiber.MethodGet, "/api/v1/status", "")
	require.Equal(t, fiber.StatusOK, code)
	status := decode[StatusResponse](t, body)
	assert.Equal(t, master.StateRunning, status.State)
	assert.Equal(t, 1, status.Workers)
	require.Len(t, status.Latency, 1)
	assert.True(t, status.Scheduler.Idle)

	code, body = doRequest(t, s.App(), fiber.MethodGet, "/api/v1/workers", "")
	require.Equal(t, fiber.StatusOK, code)
	workers := decode[WorkersResponse](t, body)
	assert.Equal(t, 1, workers.Total)
	assert.Equal(t, "alpha", workers.Workers[0].Name)

	code, body = doRequest(t, s.App(), fiber.MethodGet, "/api/v1/plugins", "")
	require.Equal(t, fiber.StatusOK, code)
	plugins := decode[[]PluginResponse](t, body)
	byName := make(map[string]PluginResponse)
	for _, p := range plugins {
		byName[p.Name] = p
	}
	assert.True(t, byName["sobel"].Splittable)
	assert.False(t, byName["pixelate"].Splittable)
	assert.Equal(t, "motion", byName["block_matching"].Kind)
}

func TestSubmitCommands(t *testing.T) {
	s, backend := newTestServer(t)

	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.png", "b.png"} {
		p := filepath.Join(dir, name)
		require.NoError(t, imaging.Save(image.NewNRGBA(image.Rect(0, 0, 4, 4)), p))
		paths = append(paths, p)
	}
	body, err := sonic.MarshalString(map[string]any{"plugin": "negative", "images": paths})
	require.NoError(t, err)

	code, data := doRequest(t, s.App(), fiber.MethodPost, "/api/v1/commands?start=true", body)
	require.Equal(t, fiber.StatusAccepted, code, string(data))
	resp := decode[SubmitResponse](t, data)
	require.Len(t, resp.Commands, 2)
	assert.Equal(t, "filter", resp.Commands[0].Kind)
	assert.True(t, resp.Processing)
	assert.Len(t, backend.submitted, 2)
}

func TestSubmitCommandsErrors(t *testing.T) {
	s, backend := newTestServer(t)

	code, _ := doRequest(t, s.App(), fiber.MethodPost, "/api/v1/commands", "{not json")
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, _ = doRequest(t, s.App(), fiber.MethodPost, "/api/v1/commands", `{"plugin":"nope","images":["x.png"]}`)
	assert.Equal(t, fiber.StatusNotFound, code)

	code, _ = doRequest(t, s.App(), fiber.MethodPost, "/api/v1/commands", `{"plugin":"negative"}`)
	assert.Equal(t, fiber.StatusBadRequest, code)

	assert.Empty(t, backend.submitted)
}

func TestProcessingControl(t *testing.T) {
	s, backend := newTestServer(t)

	code, _ := doRequest(t, s.App(), fiber.MethodPost, "/api/v1/processing/start", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.True(t, backend.Processing())

	code, _ = doRequest(t, s.App(), fiber.MethodPost, "/api/v1/processing/abort", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.False(t, backend.Processing())

	backend.setAbortErr(errors.New("worker gone"))
	code, body := doRequest(t, s.App(), fiber.MethodPost, "/api/v1/processing/abort", "")
	assert.Equal(t, fiber.StatusInternalServerError, code)
	assert.Contains(t, decode[ErrorResponse](t, body).Message, "worker gone")

	backend.setState(master.StateStopped)
	code, _ = doRequest(t, s.App(), fiber.MethodPost, "/api/v1/processing/start", "")
	assert.Equal(t, fiber.StatusConflict, code)
}

func TestUnknownRouteUsesErrorHandler(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := doRequest(t, s.App(), fiber.MethodGet, "/api/v1/nothing", "")
	assert.Equal(t, fiber.StatusNotFound, code)
	assert.Equal(t, "error_404", decode[ErrorResponse](t, body).Error)
}

func TestEventsFromBackendObservers(t *testing.T) {
	s, backend := newTestServer(t)
	require.Len(t, backend.observers, 1)
	obs := backend.observers[0]

	cmd := types.NewCommand(types.TaskKindFilter, "negative", nil).WithSource("a.png")
	obs.OnWorkerJoined("alpha")
	obs.OnPendingCountChanged(0, true)
	obs.OnImageProduced(&types.Output{Command: cmd, Kind: types.TaskKindFilter, Err: errors.New("boom")})
	obs.OnAllWorkDone()

	code, body := doRequest(t, s.App(), fiber.MethodGet, "/api/v1/events", "")
	require.Equal(t, fiber.StatusOK, code)
	events := decode[EventsResponse](t, body).Events
	require.Len(t, events, 4)
	assert.Equal(t, EventWorkerJoined, events[0].Type)
	require.NotNil(t, events[1].Count)
	assert.Equal(t, 0, *events[1].Count)
	assert.Equal(t, cmd.ID, events[2].CommandID)
	assert.Equal(t, "boom", events[2].Error)
	assert.Equal(t, EventAllDone, events[3].Type)

	s.Close()
	assert.Empty(t, backend.observers)
}

func TestEventHubKeepsLatest(t *testing.T) {
	hub := NewEventHub(2)
	hub.OnMessage("one")
	hub.OnMessage("two")
	hub.OnMessage("three")

	recent := hub.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "two", recent[0].Message)
	assert.Equal(t, "three", recent[1].Message)
}

func TestEventHubSubscribers(t *testing.T) {
	hub := NewEventHub(10)
	events, unsubscribe := hub.Subscribe()

	hub.OnWorkerLeft("alpha")
	select {
	case e := <-events:
		assert.Equal(t, EventWorkerLeft, e.Type)
		assert.Equal(t, "alpha", e.Worker)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	unsubscribe()
	unsubscribe()
	_, ok := <-events
	assert.False(t, ok)

	late, _ := hub.Subscribe()
	hub.Close()
	_, ok = <-late
	assert.False(t, ok)
}

func TestEventStreamOverWebSocket(t *testing.T) {
	hub := NewEventHub(10)
	srv := httptest.NewServer(websocket.Handler(hub.serveWebSocket))
	defer srv.Close()

	ws, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), "", srv.URL)
	require.NoError(t, err)
	defer ws.Close()

	// the handler subscribes asynchronously; publish until a message arrives
	received := make(chan Event, 1)
	go func() {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			return
		}
		var e Event
		if sonic.UnmarshalString(msg, &e) == nil {
			received <- e
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		hub.OnMessage("hello")
		select {
		case e := <-received:
			assert.Equal(t, EventMessage, e.Type)
			assert.Equal(t, "hello", e.Message)
			return
		case <-deadline:
			t.Fatal("no event received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
