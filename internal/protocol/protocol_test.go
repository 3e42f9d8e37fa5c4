package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/imagebuf"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

func newCodec(t *testing.T, threshold int) *Codec {
	t.Helper()
	c, err := NewCodec(threshold)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func noise(r image.Rectangle) *image.NRGBA {
	img := image.NewNRGBA(r)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 5), B: uint8(x + y), A: 200})
		}
	}
	return img
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TagClientName, []byte("render-01")))
	require.NoError(t, WriteFrame(&buf, TagTaskRequest, nil))

	r := NewReader(&buf, 0)
	f, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, TagClientName, f.Tag)
	assert.Equal(t, "render-01", string(f.Payload))

	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, TagTaskRequest, f.Tag)
	assert.Empty(t, f.Payload)

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestFrameHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TagResult, []byte{9, 9, 9}))
	assert.Equal(t, []byte{4, 0, 0, 0, 3, 9, 9, 9}, buf.Bytes())
}

func TestReadFrameRejectsUnknownTag(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{42, 0, 0, 0, 0}), 0)
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, ErrProtocol)

	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, Tag(42), perr.Tag)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	hdr := make([]byte, HeaderSize)
	hdr[0] = byte(TagTask)
	binary.BigEndian.PutUint32(hdr[1:], 1024)

	_, err := NewReader(bytes.NewReader(hdr), 512).ReadFrame()
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadFrameTruncated(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte{3, 0}), 0).ReadFrame()
	assert.ErrorIs(t, err, ErrConnectionLost)

	_, err = NewReader(bytes.NewReader([]byte{3, 0, 0, 0, 8, 1, 2}), 0).ReadFrame()
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestTagDirections(t *testing.T) {
	for _, tag := range []Tag{TagClientName, TagTaskRequest, TagResult} {
		assert.True(t, tag.FromWorker(), tag.String())
	}
	for _, tag := range []Tag{TagTask, TagAbortWork, TagListening} {
		assert.False(t, tag.FromWorker(), tag.String())
	}
	assert.False(t, Tag(0).Valid())
	assert.False(t, Tag(7).Valid())
}

func TestTaskRoundTrip(t *testing.T) {
	for _, threshold := range []int{1, 1 << 30} {
		codec := newCodec(t, threshold)
		frame := imagebuf.Crop(noise(image.Rect(0, 0, 80, 30)), image.Rect(16, 0, 48, 30))
		task := &types.Task{
			ID:         77,
			Kind:       types.TaskKindMotion,
			PluginName: "block_matching",
			Arguments:  types.Arguments{types.IntValue(-8), types.FloatValue(2.5), types.StringValue("x"), types.BoolValue(true)},
			Payload: types.Payload{
				Frames: []*image.NRGBA{frame, frame},
				Region: image.Rect(20, 0, 44, 30),
			},
		}

		data, err := codec.EncodeTask(task)
		require.NoError(t, err)
		got, err := codec.DecodeTask(data)
		require.NoError(t, err)

		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, task.Kind, got.Kind)
		assert.Equal(t, task.PluginName, got.PluginName)
		assert.Equal(t, task.Arguments, got.Arguments)
		assert.Equal(t, task.Payload.Region, got.Payload.Region)
		assert.Equal(t, types.TaskStatusTaken, got.Status)
		require.Len(t, got.Payload.Frames, 2)
		assert.True(t, imagebuf.Equal(frame, got.Payload.Frames[1]))
	}
}

func TestResultRoundTrip(t *testing.T) {
	codec := newCodec(t, 16)

	mask := image.NewGray(image.Rect(3, 4, 13, 9))
	mask.Pix[7] = 255
	field := types.NewVectorField(image.Pt(2, 0), 3, 2)
	field.Set(2, 1, types.Vector{DX: -4, DY: 3})

	cases := []*ResultMessage{
		{TaskID: 1, Result: &types.Result{Image: noise(image.Rect(10, 0, 30, 20))}},
		{TaskID: 2, Result: &types.Result{Mask: mask}},
		{TaskID: 3, Result: &types.Result{Vectors: field}},
		{TaskID: 4, Error: "plugin exploded"},
	}
	for _, want := range cases {
		data, err := codec.EncodeResult(want)
		require.NoError(t, err)
		got, err := codec.DecodeResult(data)
		require.NoError(t, err)

		assert.Equal(t, want.TaskID, got.TaskID)
		assert.Equal(t, want.Error, got.Error)
		if want.Result == nil {
			assert.Nil(t, got.Result)
			continue
		}
		require.NotNil(t, got.Result)
		if want.Result.Image != nil {
			assert.True(t, imagebuf.Equal(want.Result.Image, got.Result.Image))
		}
		if want.Result.Mask != nil {
			assert.Equal(t, want.Result.Mask.Rect, got.Result.Mask.Rect)
			assert.Equal(t, want.Result.Mask.Pix, got.Result.Mask.Pix)
		}
		if want.Result.Vectors != nil {
			assert.Equal(t, want.Result.Vectors, got.Result.Vectors)
		}
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	codec := newCodec(t, 0)
	data, err := codec.EncodeResult(&ResultMessage{TaskID: 9, Error: "x"})
	require.NoError(t, err)

	// a newer peer may append fields we do not know
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future")
	data = protowire.AppendTag(data, 100, protowire.Fixed32Type)
	data = protowire.AppendFixed32(data, 5)

	got, err := codec.DecodeResult(data)
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.TaskID)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	codec := newCodec(t, 0)

	_, err := codec.DecodeTask([]byte{0xff})
	assert.ErrorIs(t, err, ErrProtocol)

	// no version field
	var b []byte
	b = protowire.AppendTag(b, resultTaskID, protowire.VarintType)
	b = protowire.AppendVarint(b, 3)
	_, err = codec.DecodeResult(b)
	assert.ErrorIs(t, err, ErrProtocol)

	// pixel count does not match the declared size
	img := codec.encodeImage(formatGray, image.Rect(0, 0, 4, 4), make([]byte, 16), 4, 1)
	img = protowire.AppendTag(img, imageWidth, protowire.VarintType)
	img = protowire.AppendVarint(img, 5)
	_, err = codec.decodeImage(img)
	assert.Error(t, err)
}

func TestConnOverPipe(t *testing.T) {
	codec := newCodec(t, 0)
	a, b := net.Pipe()
	client := NewConn(a, codec, 0)
	server := NewConn(b, codec, 0)
	defer client.Close()
	defer server.Close()

	go func() {
		_ = client.SendClientName("box")
		_ = client.SendResult(&ResultMessage{TaskID: 5, Error: "failed"})
		_ = client.Close()
	}()

	f, err := server.Receive()
	require.NoError(t, err)
	assert.Equal(t, TagClientName, f.Tag)
	assert.Equal(t, "box", string(f.Payload))

	f, err = server.Receive()
	require.NoError(t, err)
	require.Equal(t, TagResult, f.Tag)
	msg, err := server.Codec().DecodeResult(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(5), msg.TaskID)

	_, err = server.Receive()
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestConnSendTimeoutClosesConn(t *testing.T) {
	codec := newCodec(t, 0)
	a, b := net.Pipe()
	server := NewConn(a, codec, 0)
	client := NewConn(b, codec, 0)
	defer client.Close()
	server.SetWriteTimeout(20 * time.Millisecond)

	// nobody reads the client end
	err := server.Send(TagTask, make([]byte, 1024))
	require.ErrorIs(t, err, ErrConnectionLost)

	_, err = server.Receive()
	assert.ErrorIs(t, err, ErrConnectionLost)
	_, err = client.Receive()
	assert.ErrorIs(t, err, ErrConnectionLost)
}
