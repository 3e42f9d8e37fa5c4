package protocol

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// SchemaVersion is written into every Task and Result payload. Decoders
// accept any non zero version and skip fields they do not know.
const SchemaVersion = 1

// DefaultCompressThreshold is the pixel payload size above which zstd is used.
const DefaultCompressThreshold = 64 << 10

const maxImageSide = 1 << 16

// Image formats.
const (
	formatNRGBA = 1
	formatGray  = 2
)

// Pixel compressions.
const (
	compressionNone = 0
	compressionZstd = 1
)

// Task fields.
const (
	taskVersion   protowire.Number = 1
	taskID        protowire.Number = 2
	taskKind      protowire.Number = 3
	taskPlugin    protowire.Number = 4
	taskArguments protowire.Number = 5
	taskFrames    protowire.Number = 6
	taskRegion    protowire.Number = 7
)

// Result fields.
const (
	resultVersion protowire.Number = 1
	resultTaskID  protowire.Number = 2
	resultImage   protowire.Number = 3
	resultMask    protowire.Number = 4
	resultVectors protowire.Number = 5
	resultError   protowire.Number = 6
)

// ResultMessage is the payload of a Result frame. A nil or empty Result
// means the task failed, Error then carries the reason.
type ResultMessage struct {
	TaskID int64
	Result *types.Result
	Error  string
}

// Codec encodes Task and Result payloads. It is safe for concurrent use.
type Codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewCodec creates a codec compressing pixel blobs larger than threshold
// bytes. threshold <= 0 selects DefaultCompressThreshold.
func NewCodec(threshold int) (*Codec, error) {
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{threshold: threshold, enc: enc, dec: dec}, nil
}

// Close releases the decoder resources.
func (c *Codec) Close() {
	c.dec.Close()
	_ = c.enc.Close()
}

// EncodeTask serializes the fields a worker needs to execute t.
func (c *Codec) EncodeTask(t *types.Task) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, taskVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, SchemaVersion)
	b = protowire.AppendTag(b, taskID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.ID))
	b = protowire.AppendTag(b, taskKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.Kind))
	b = protowire.AppendTag(b, taskPlugin, protowire.BytesType)
	b = protowire.AppendString(b, t.PluginName)

	for _, v := range t.Arguments {
		msg, err := encodeValue(v)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, taskArguments, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	for _, f := range t.Payload.Frames {
		msg := c.encodeImage(formatNRGBA, f.Rect, f.Pix, f.Stride, 4)
		b = protowire.AppendTag(b, taskFrames, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	b = protowire.AppendTag(b, taskRegion, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeRect(t.Payload.Region))
	return b, nil
}

// DecodeTask parses a Task payload. The returned task is Taken and carries
// no parent: the worker side never sees the split structure.
func (c *Codec) DecodeTask(b []byte) (*types.Task, error) {
	t := &types.Task{Status: types.TaskStatusTaken}
	var version uint64
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case taskVersion:
			return consumeVarint(num, typ, b, func(v uint64) { version = v }), nil
		case taskID:
			return consumeVarint(num, typ, b, func(v uint64) { t.ID = int64(v) }), nil
		case taskKind:
			return consumeVarint(num, typ, b, func(v uint64) { t.Kind = types.TaskKind(v) }), nil
		case taskPlugin:
			return consumeBytes(num, typ, b, func(v []byte) error {
				t.PluginName = string(v)
				return nil
			})
		case taskArguments:
			return consumeBytes(num, typ, b, func(v []byte) error {
				val, err := decodeValue(v)
				if err != nil {
					return err
				}
				t.Arguments = append(t.Arguments, val)
				return nil
			})
		case taskFrames:
			return consumeBytes(num, typ, b, func(v []byte) error {
				img, err := c.decodeImage(v)
				if err != nil {
					return err
				}
				frame, ok := img.(*image.NRGBA)
				if !ok {
					return errors.New("frame is not an NRGBA image")
				}
				t.Payload.Frames = append(t.Payload.Frames, frame)
				return nil
			})
		case taskRegion:
			return consumeBytes(num, typ, b, func(v []byte) error {
				r, err := decodeRect(v)
				t.Payload.Region = r
				return err
			})
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, NewProtocolError(TagTask, "malformed task", err)
	}
	if version == 0 {
		return nil, NewProtocolError(TagTask, "missing schema version", nil)
	}
	return t, nil
}

// EncodeResult serializes a completion.
func (c *Codec) EncodeResult(m *ResultMessage) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, resultVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, SchemaVersion)
	b = protowire.AppendTag(b, resultTaskID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.TaskID))

	if r := m.Result; r != nil {
		if r.Image != nil {
			b = protowire.AppendTag(b, resultImage, protowire.BytesType)
			b = protowire.AppendBytes(b, c.encodeImage(formatNRGBA, r.Image.Rect, r.Image.Pix, r.Image.Stride, 4))
		}
		if r.Mask != nil {
			b = protowire.AppendTag(b, resultMask, protowire.BytesType)
			b = protowire.AppendBytes(b, c.encodeImage(formatGray, r.Mask.Rect, r.Mask.Pix, r.Mask.Stride, 1))
		}
		if r.Vectors != nil {
			b = protowire.AppendTag(b, resultVectors, protowire.BytesType)
			b = protowire.AppendBytes(b, encodeVectorField(r.Vectors))
		}
	}
	if m.Error != "" {
		b = protowire.AppendTag(b, resultError, protowire.BytesType)
		b = protowire.AppendString(b, m.Error)
	}
	return b, nil
}

// DecodeResult parses a Result payload.
func (c *Codec) DecodeResult(b []byte) (*ResultMessage, error) {
	m := &ResultMessage{}
	res := &types.Result{}
	var version uint64
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case resultVersion:
			return consumeVarint(num, typ, b, func(v uint64) { version = v }), nil
		case resultTaskID:
			return consumeVarint(num, typ, b, func(v uint64) { m.TaskID = int64(v) }), nil
		case resultImage, resultMask:
			return consumeBytes(num, typ, b, func(v []byte) error {
				img, err := c.decodeImage(v)
				if err != nil {
					return err
				}
				switch img := img.(type) {
				case *image.NRGBA:
					res.Image = img
				case *image.Gray:
					res.Mask = img
				}
				return nil
			})
		case resultVectors:
			return consumeBytes(num, typ, b, func(v []byte) error {
				f, err := decodeVectorField(v)
				res.Vectors = f
				return err
			})
		case resultError:
			return consumeBytes(num, typ, b, func(v []byte) error {
				m.Error = string(v)
				return nil
			})
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, NewProtocolError(TagResult, "malformed result", err)
	}
	if version == 0 {
		return nil, NewProtocolError(TagResult, "missing schema version", nil)
	}
	if !res.Empty() {
		m.Result = res
	}
	return m, nil
}

// Value fields: exactly one is present.
const (
	valueInt    protowire.Number = 1
	valueFloat  protowire.Number = 2
	valueString protowire.Number = 3
	valueBool   protowire.Number = 4
)

func encodeValue(v types.Value) ([]byte, error) {
	var b []byte
	switch v.Kind {
	case types.ValueInt:
		b = protowire.AppendTag(b, valueInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.Int))
	case types.ValueFloat:
		b = protowire.AppendTag(b, valueFloat, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v.Float))
	case types.ValueString:
		b = protowire.AppendTag(b, valueString, protowire.BytesType)
		b = protowire.AppendString(b, v.Str)
	case types.ValueBool:
		b = protowire.AppendTag(b, valueBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v.Bool))
	default:
		return nil, fmt.Errorf("cannot encode argument of kind %d", v.Kind)
	}
	return b, nil
}

func decodeValue(b []byte) (types.Value, error) {
	var v types.Value
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == valueInt && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			v = types.IntValue(protowire.DecodeZigZag(x))
			return n, nil
		case num == valueFloat && typ == protowire.Fixed64Type:
			x, n := protowire.ConsumeFixed64(b)
			v = types.FloatValue(math.Float64frombits(x))
			return n, nil
		case num == valueString && typ == protowire.BytesType:
			x, n := protowire.ConsumeBytes(b)
			v = types.StringValue(string(x))
			return n, nil
		case num == valueBool && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			v = types.BoolValue(protowire.DecodeBool(x))
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return v, err
	}
	if v.Kind == 0 {
		return v, errors.New("argument carries no value")
	}
	return v, nil
}

// Rect fields, all zigzag encoded.
const (
	rectMinX protowire.Number = 1
	rectMinY protowire.Number = 2
	rectMaxX protowire.Number = 3
	rectMaxY protowire.Number = 4
)

func encodeRect(r image.Rectangle) []byte {
	var b []byte
	for _, f := range []struct {
		num protowire.Number
		v   int
	}{{rectMinX, r.Min.X}, {rectMinY, r.Min.Y}, {rectMaxX, r.Max.X}, {rectMaxY, r.Max.Y}} {
		b = protowire.AppendTag(b, f.num, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(f.v)))
	}
	return b
}

func decodeRect(b []byte) (image.Rectangle, error) {
	var r image.Rectangle
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var dst *int
		switch num {
		case rectMinX:
			dst = &r.Min.X
		case rectMinY:
			dst = &r.Min.Y
		case rectMaxX:
			dst = &r.Max.X
		case rectMaxY:
			dst = &r.Max.Y
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		return consumeVarint(num, typ, b, func(v uint64) { *dst = int(protowire.DecodeZigZag(v)) }), nil
	})
	return r, err
}

// Image fields.
const (
	imageFormat      protowire.Number = 1
	imageMinX        protowire.Number = 2
	imageMinY        protowire.Number = 3
	imageWidth       protowire.Number = 4
	imageHeight      protowire.Number = 5
	imageCompression protowire.Number = 6
	imagePixels      protowire.Number = 7
)

func (c *Codec) encodeImage(format uint64, rect image.Rectangle, pix []byte, stride, bpp int) []byte {
	w, h := rect.Dx(), rect.Dy()
	rowLen := w * bpp
	packed := make([]byte, 0, rowLen*h)
	for y := 0; y < h; y++ {
		packed = append(packed, pix[y*stride:y*stride+rowLen]...)
	}

	compression := uint64(compressionNone)
	if len(packed) > c.threshold {
		packed = c.enc.EncodeAll(packed, nil)
		compression = compressionZstd
	}

	var b []byte
	b = protowire.AppendTag(b, imageFormat, protowire.VarintType)
	b = protowire.AppendVarint(b, format)
	b = protowire.AppendTag(b, imageMinX, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(rect.Min.X)))
	b = protowire.AppendTag(b, imageMinY, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(rect.Min.Y)))
	b = protowire.AppendTag(b, imageWidth, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w))
	b = protowire.AppendTag(b, imageHeight, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h))
	b = protowire.AppendTag(b, imageCompression, protowire.VarintType)
	b = protowire.AppendVarint(b, compression)
	b = protowire.AppendTag(b, imagePixels, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return b
}

func (c *Codec) decodeImage(b []byte) (image.Image, error) {
	var (
		format, width, height, compression uint64
		minX, minY                         int
		pixels                             []byte
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case imageFormat:
			return consumeVarint(num, typ, b, func(v uint64) { format = v }), nil
		case imageMinX:
			return consumeVarint(num, typ, b, func(v uint64) { minX = int(protowire.DecodeZigZag(v)) }), nil
		case imageMinY:
			return consumeVarint(num, typ, b, func(v uint64) { minY = int(protowire.DecodeZigZag(v)) }), nil
		case imageWidth:
			return consumeVarint(num, typ, b, func(v uint64) { width = v }), nil
		case imageHeight:
			return consumeVarint(num, typ, b, func(v uint64) { height = v }), nil
		case imageCompression:
			return consumeVarint(num, typ, b, func(v uint64) { compression = v }), nil
		case imagePixels:
			return consumeBytes(num, typ, b, func(v []byte) error {
				pixels = v
				return nil
			})
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if width > maxImageSide || height > maxImageSide {
		return nil, fmt.Errorf("image %dx%d exceeds the %d pixel side limit", width, height, maxImageSide)
	}

	var bpp uint64
	switch format {
	case formatNRGBA:
		bpp = 4
	case formatGray:
		bpp = 1
	default:
		return nil, fmt.Errorf("unknown image format %d", format)
	}
	want := width * height * bpp

	switch compression {
	case compressionNone:
	case compressionZstd:
		pixels, err = c.dec.DecodeAll(pixels, make([]byte, 0, want))
		if err != nil {
			return nil, fmt.Errorf("decompress pixels: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown compression %d", compression)
	}
	if uint64(len(pixels)) != want {
		return nil, fmt.Errorf("image %dx%d needs %d pixel bytes, got %d", width, height, want, len(pixels))
	}

	rect := image.Rect(minX, minY, minX+int(width), minY+int(height))
	if format == formatGray {
		img := image.NewGray(rect)
		copy(img.Pix, pixels)
		return img, nil
	}
	img := image.NewNRGBA(rect)
	copy(img.Pix, pixels)
	return img, nil
}

// VectorField fields.
const (
	fieldOriginX protowire.Number = 1
	fieldOriginY protowire.Number = 2
	fieldCols    protowire.Number = 3
	fieldRows    protowire.Number = 4
	fieldVectors protowire.Number = 5
)

func encodeVectorField(f *types.VectorField) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOriginX, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(f.Origin.X)))
	b = protowire.AppendTag(b, fieldOriginY, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(f.Origin.Y)))
	b = protowire.AppendTag(b, fieldCols, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Cols))
	b = protowire.AppendTag(b, fieldRows, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Rows))

	var packed []byte
	for _, v := range f.Vectors {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v.DX)))
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(v.DY)))
	}
	b = protowire.AppendTag(b, fieldVectors, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return b
}

func decodeVectorField(b []byte) (*types.VectorField, error) {
	var (
		originX, originY int
		cols, rows       uint64
		packed           []byte
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldOriginX:
			return consumeVarint(num, typ, b, func(v uint64) { originX = int(protowire.DecodeZigZag(v)) }), nil
		case fieldOriginY:
			return consumeVarint(num, typ, b, func(v uint64) { originY = int(protowire.DecodeZigZag(v)) }), nil
		case fieldCols:
			return consumeVarint(num, typ, b, func(v uint64) { cols = v }), nil
		case fieldRows:
			return consumeVarint(num, typ, b, func(v uint64) { rows = v }), nil
		case fieldVectors:
			return consumeBytes(num, typ, b, func(v []byte) error {
				packed = v
				return nil
			})
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if cols > maxImageSide || rows > maxImageSide {
		return nil, fmt.Errorf("vector field %dx%d too large", cols, rows)
	}

	f := types.NewVectorField(image.Pt(originX, originY), int(cols), int(rows))
	for i := range f.Vectors {
		dx, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return nil, fmt.Errorf("vector %d: %w", i, protowire.ParseError(n))
		}
		packed = packed[n:]
		dy, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return nil, fmt.Errorf("vector %d: %w", i, protowire.ParseError(n))
		}
		packed = packed[n:]
		f.Vectors[i] = types.Vector{DX: int(protowire.DecodeZigZag(dx)), DY: int(protowire.DecodeZigZag(dy))}
	}
	if len(packed) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d vectors", len(packed), len(f.Vectors))
	}
	return f, nil
}

// walk calls field for every field of a message. field returns the number
// of bytes it consumed or a negative protowire error code.
func walk(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

// consumeVarint reads a varint field. A field with another wire type is
// skipped like an unknown field.
func consumeVarint(num protowire.Number, typ protowire.Type, b []byte, set func(uint64)) int {
	if typ != protowire.VarintType {
		return protowire.ConsumeFieldValue(num, typ, b)
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		set(v)
	}
	return n
}

func consumeBytes(num protowire.Number, typ protowire.Type, b []byte, set func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return protowire.ConsumeFieldValue(num, typ, b), nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, set(v)
}
