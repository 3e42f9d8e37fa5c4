package imagebuf

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

func pattern(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	return img
}

// invert is a position independent operation used to check split and join.
func invert(img *image.NRGBA) *image.NRGBA {
	out := Clone(img)
	for i := 0; i < len(out.Pix); i += 4 {
		out.Pix[i] = 255 - out.Pix[i]
		out.Pix[i+1] = 255 - out.Pix[i+1]
		out.Pix[i+2] = 255 - out.Pix[i+2]
	}
	return out
}

func TestRangesEven(t *testing.T) {
	ranges, err := Ranges(100, 4, 1)
	require.NoError(t, err)
	require.Len(t, ranges, 4)
	for i, r := range ranges {
		assert.Equal(t, 25, r.Len())
		assert.Equal(t, i*25, r.Start)
	}
}

func TestRangesLastAbsorbsRemainder(t *testing.T) {
	ranges, err := Ranges(102, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, []Range{{0, 25}, {25, 50}, {50, 75}, {75, 102}}, ranges)
}

func TestRangesAligned(t *testing.T) {
	ranges, err := Ranges(100, 3, 8)
	require.NoError(t, err)
	assert.Equal(t, []Range{{0, 32}, {32, 64}, {64, 100}}, ranges)

	_, err = Ranges(20, 3, 8)
	assert.ErrorIs(t, err, ErrSplitInapplicable)
}

func TestRangesCoverageProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("ranges are contiguous and cover [0, total)", prop.ForAll(
		func(total, parts, align int) bool {
			ranges, err := Ranges(total, parts, align)
			if total/align < parts {
				return errors.Is(err, ErrSplitInapplicable)
			}
			if err != nil || len(ranges) != parts {
				return false
			}
			next := 0
			for i, r := range ranges {
				if r.Start != next || r.Len() <= 0 {
					return false
				}
				if i < len(ranges)-1 && r.End%align != 0 {
					return false
				}
				next = r.End
			}
			return next == total
		},
		gen.IntRange(1, 2000),
		gen.IntRange(1, 16),
		gen.IntRange(1, 16),
	))

	properties.TestingRun(t)
}

func TestSplitJoinMatchesWholeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("joined fragments equal the unsplit result", prop.ForAll(
		func(w, h, parts int) bool {
			src := pattern(w, h)
			frags, err := Split(src, types.NoDependency, parts)
			if w < parts {
				return errors.Is(err, ErrSplitInapplicable)
			}
			if err != nil {
				return false
			}
			joined := image.NewNRGBA(src.Bounds())
			for _, f := range frags {
				if err := Join(joined, invert(f.Image), f.Region); err != nil {
					return false
				}
			}
			return Equal(joined, invert(src))
		},
		gen.IntRange(1, 120),
		gen.IntRange(1, 40),
		gen.IntRange(2, 8),
	))

	properties.TestingRun(t)
}

func TestSplitFourWays(t *testing.T) {
	src := pattern(100, 100)
	frags, err := Split(src, types.NoDependency, 4)
	require.NoError(t, err)
	require.Len(t, frags, 4)

	for i, f := range frags {
		assert.Equal(t, image.Rect(i*25, 0, (i+1)*25, 100), f.Region)
		assert.Equal(t, f.Region, f.Image.Bounds())
	}
}

func TestSplitMarginsClippedToImage(t *testing.T) {
	src := pattern(90, 30)
	frags, err := Split(src, types.Symmetric(2), 3)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 32, 30), frags[0].Image.Bounds())
	assert.Equal(t, image.Rect(28, 0, 62, 30), frags[1].Image.Bounds())
	assert.Equal(t, image.Rect(58, 0, 90, 30), frags[2].Image.Bounds())
	assert.Equal(t, src.NRGBAAt(29, 7), frags[1].Image.NRGBAAt(29, 7))
}

func TestSplitInapplicable(t *testing.T) {
	src := pattern(40, 10)

	_, err := Split(src, types.Unsplittable, 4)
	assert.ErrorIs(t, err, ErrSplitInapplicable)

	_, err = Split(src, types.NoDependency, 1)
	assert.ErrorIs(t, err, ErrSplitInapplicable)

	_, err = Split(src, types.Symmetric(6), 4)
	assert.ErrorIs(t, err, ErrSplitInapplicable)

	_, err = Split(nil, types.NoDependency, 2)
	assert.ErrorIs(t, err, ErrSplitInapplicable)
}

func TestJoinRejectsOutsideRegion(t *testing.T) {
	dst := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	frag := Crop(pattern(10, 10), image.Rect(0, 0, 5, 10))
	assert.Error(t, Join(dst, frag, image.Rect(3, 0, 8, 10)))
	assert.Error(t, Join(dst, frag, image.Rect(0, 0, 5, 11)))
	assert.NoError(t, Join(dst, frag, image.Rectangle{}))
}

func TestJoinMask(t *testing.T) {
	dst := image.NewGray(image.Rect(0, 0, 4, 2))
	src := image.NewGray(image.Rect(2, 0, 4, 2))
	for i := range src.Pix {
		src.Pix[i] = 255
	}
	require.NoError(t, JoinMask(dst, src, src.Bounds()))
	assert.Equal(t, uint8(0), dst.GrayAt(1, 1).Y)
	assert.Equal(t, uint8(255), dst.GrayAt(3, 1).Y)
	assert.Error(t, JoinMask(dst, src, image.Rect(0, 0, 4, 2)))
}

func TestBlendVectors(t *testing.T) {
	whole := types.NewVectorField(image.Pt(0, 0), 4, 2)
	sub := types.NewVectorField(image.Pt(2, 0), 2, 2)
	sub.Set(0, 1, types.Vector{DX: 1, DY: -1})
	sub.Set(1, 0, types.Vector{DX: 3})

	require.NoError(t, BlendVectors(whole, sub))
	assert.Equal(t, types.Vector{DX: 1, DY: -1}, whole.At(2, 1))
	assert.Equal(t, types.Vector{DX: 3}, whole.At(3, 0))
	assert.Equal(t, types.Vector{}, whole.At(0, 0))
	assert.Error(t, BlendVectors(nil, sub))
}

func TestRebaseAndClone(t *testing.T) {
	src := pattern(6, 4)
	c := Clone(src)
	require.True(t, Equal(src, c))

	c.Pix[0] = 1
	assert.False(t, Equal(src, c))

	moved := Rebase(Clone(src), image.Pt(10, 20))
	assert.Equal(t, image.Rect(10, 20, 16, 24), moved.Bounds())
	assert.Equal(t, src.NRGBAAt(3, 2), moved.NRGBAAt(13, 22))
}
