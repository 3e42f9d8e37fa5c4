package slave

import (
	"context"
	"image"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexDorobantiu/CIPP-sub000/internal/metrics"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/plugin"
	"github.com/AlexDorobantiu/CIPP-sub000/internal/protocol"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// fakeCoordinator accepts worker connections on a loopback port.
type fakeCoordinator struct {
	listener net.Listener
	codec    *protocol.Codec
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	codec, err := protocol.NewCodec(protocol.DefaultCompressThreshold)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = l.Close()
		codec.Close()
	})
	return &fakeCoordinator{listener: l, codec: codec}
}

func (c *fakeCoordinator) accept(t *testing.T) *protocol.Conn {
	t.Helper()
	nc, err := c.listener.Accept()
	require.NoError(t, err)
	conn := protocol.NewConn(nc, c.codec, 0)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func receive(t *testing.T, conn *protocol.Conn, want protocol.Tag) protocol.Frame {
	t.Helper()
	frame, err := conn.Receive()
	require.NoError(t, err)
	require.Equal(t, want, frame.Tag, "got %s", frame.Tag)
	return frame
}

func sendTask(t *testing.T, conn *protocol.Conn, task *types.Task) {
	t.Helper()
	payload, err := conn.Codec().EncodeTask(task)
	require.NoError(t, err)
	require.NoError(t, conn.Send(protocol.TagTask, payload))
}

func opaque(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

func filterTask(id int64, name string) *types.Task {
	return &types.Task{
		ID:         id,
		Kind:       types.TaskKindFilter,
		PluginName: name,
		Payload:    types.Payload{Frames: []*image.NRGBA{opaque(8, 8)}},
	}
}

// blockingPlugin waits for cancellation, so a test controls when it ends.
func blockingPlugin() *plugin.Plugin {
	return &plugin.Plugin{
		Name: "block_until_cancel",
		Kind: types.TaskKindFilter,
		Filter: func(ctx context.Context, src *image.NRGBA, _ types.Arguments) (*image.NRGBA, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

func startWorker(t *testing.T, addr string, slots int) (*RemoteWorker, *metrics.Recorder) {
	t.Helper()
	catalog := plugin.Builtin()
	require.NoError(t, catalog.Register(blockingPlugin()))

	cfg := DefaultConfig()
	cfg.Name = "worker-1"
	cfg.CoordinatorAddr = addr
	cfg.Slots = slots
	cfg.ReconnectInterval = 20 * time.Millisecond

	rec := metrics.NewRecorder()
	w, err := NewRemoteWorker(cfg, catalog, rec, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Close()
	})
	return w, rec
}

func TestNewRemoteWorkerValidates(t *testing.T) {
	_, err := NewRemoteWorker(&Config{Name: "w", Slots: 0}, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewRemoteWorker(&Config{Slots: 1}, nil, nil, nil)
	assert.Error(t, err)
}

func TestWorkerHandshakeAndRequests(t *testing.T) {
	coord := newFakeCoordinator(t)
	_, _ = startWorker(t, coord.listener.Addr().String(), 3)
	conn := coord.accept(t)

	frame := receive(t, conn, protocol.TagClientName)
	assert.Equal(t, "worker-1", string(frame.Payload))

	require.NoError(t, conn.Send(protocol.TagListening, nil))
	for i := 0; i < 3; i++ {
		receive(t, conn, protocol.TagTaskRequest)
	}
}

func TestWorkerExecutesTasks(t *testing.T) {
	coord := newFakeCoordinator(t)
	w, rec := startWorker(t, coord.listener.Addr().String(), 1)
	conn := coord.accept(t)
	receive(t, conn, protocol.TagClientName)
	require.NoError(t, conn.Send(protocol.TagListening, nil))
	receive(t, conn, protocol.TagTaskRequest)

	sendTask(t, conn, filterTask(7, "negative"))
	frame := receive(t, conn, protocol.TagResult)
	msg, err := conn.Codec().DecodeResult(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(7), msg.TaskID)
	require.NotNil(t, msg.Result)
	require.NotNil(t, msg.Result.Image)
	assert.Equal(t, uint8(255), msg.Result.Image.Pix[0])
	receive(t, conn, protocol.TagTaskRequest)

	sendTask(t, conn, filterTask(8, "missing"))
	frame = receive(t, conn, protocol.TagResult)
	msg, err = conn.Codec().DecodeResult(frame.Payload)
	require.NoError(t, err)
	assert.Nil(t, msg.Result)
	assert.Contains(t, msg.Error, "missing")
	receive(t, conn, protocol.TagTaskRequest)

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.NotEmpty(t, rec.Snapshot())
}

func TestWorkerDropsTasksWhileNotListening(t *testing.T) {
	coord := newFakeCoordinator(t)
	w, _ := startWorker(t, coord.listener.Addr().String(), 1)
	conn := coord.accept(t)
	receive(t, conn, protocol.TagClientName)

	sendTask(t, conn, filterTask(1, "negative"))
	require.Eventually(t, func() bool { return w.Stats().Dropped == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Send(protocol.TagListening, nil))
	receive(t, conn, protocol.TagTaskRequest)
}

func TestWorkerAbortDropsRunningWork(t *testing.T) {
	coord := newFakeCoordinator(t)
	w, _ := startWorker(t, coord.listener.Addr().String(), 2)
	conn := coord.accept(t)
	receive(t, conn, protocol.TagClientName)
	require.NoError(t, conn.Send(protocol.TagListening, nil))
	receive(t, conn, protocol.TagTaskRequest)
	receive(t, conn, protocol.TagTaskRequest)

	sendTask(t, conn, filterTask(1, "block_until_cancel"))
	require.NoError(t, conn.Send(protocol.TagAbortWork, nil))
	require.Eventually(t, func() bool { return w.Stats().Dropped == 1 }, time.Second, 5*time.Millisecond)

	// not listening anymore: this one is dropped too
	sendTask(t, conn, filterTask(2, "negative"))
	require.Eventually(t, func() bool { return w.Stats().Dropped == 2 }, time.Second, 5*time.Millisecond)

	// a new Listening restores the full credit and no stale result shows up
	require.NoError(t, conn.Send(protocol.TagListening, nil))
	receive(t, conn, protocol.TagTaskRequest)
	receive(t, conn, protocol.TagTaskRequest)

	sendTask(t, conn, filterTask(3, "negative"))
	frame := receive(t, conn, protocol.TagResult)
	msg, err := conn.Codec().DecodeResult(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(3), msg.TaskID)
	assert.Zero(t, w.Stats().Failed)
}

func TestWorkerRejectsWorkerOnlyTags(t *testing.T) {
	coord := newFakeCoordinator(t)
	w, _ := startWorker(t, coord.listener.Addr().String(), 1)
	conn := coord.accept(t)
	receive(t, conn, protocol.TagClientName)

	require.NoError(t, conn.Send(protocol.TagTaskRequest, nil))

	// the worker drops the connection and comes back
	_, err := conn.Receive()
	assert.ErrorIs(t, err, protocol.ErrConnectionLost)

	again := coord.accept(t)
	receive(t, again, protocol.TagClientName)
	assert.Eventually(t, func() bool { return w.Stats().Sessions == 2 }, time.Second, 5*time.Millisecond)
}

func TestWorkerReconnectsAfterConnectionLoss(t *testing.T) {
	coord := newFakeCoordinator(t)
	w, _ := startWorker(t, coord.listener.Addr().String(), 1)

	first := coord.accept(t)
	receive(t, first, protocol.TagClientName)
	require.NoError(t, first.Close())

	second := coord.accept(t)
	receive(t, second, protocol.TagClientName)
	require.NoError(t, second.Send(protocol.TagListening, nil))
	receive(t, second, protocol.TagTaskRequest)
	assert.Eventually(t, func() bool { return w.Stats().Sessions == 2 }, time.Second, 5*time.Millisecond)
}
