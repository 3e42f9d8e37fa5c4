package plugin

import (
	"context"
	"errors"
	"image"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

var errSizeChanged = errors.New("filter changed the image size")

// Masks are computed on the whole image and never split.
func builtinMasks() []*Plugin {
	whole := func(types.Arguments) types.SpatialDependency { return types.Unsplittable }
	return []*Plugin{
		{
			Name:        "threshold",
			Kind:        types.TaskKindMask,
			Description: "marks pixels whose luminance reaches the level, args: level (0..255, default 128)",
			Dependency:  whole,
			Mask: func(ctx context.Context, src *image.NRGBA, args types.Arguments) (*image.Gray, error) {
				level := args.Int(0, 128)
				if level < 0 || level > 255 {
					return nil, NewArgumentError("threshold", "level must be within 0..255")
				}
				return pixelMask(ctx, src, func(r, g, b uint8) bool {
					return luma(r, g, b) >= level
				})
			},
		},
		{
			Name:        "skin",
			Kind:        types.TaskKindMask,
			Description: "marks skin colored pixels using an RGB rule",
			Dependency:  whole,
			Mask: func(ctx context.Context, src *image.NRGBA, _ types.Arguments) (*image.Gray, error) {
				return pixelMask(ctx, src, isSkin)
			},
		},
	}
}

func pixelMask(ctx context.Context, src *image.NRGBA, match func(r, g, b uint8) bool) (*image.Gray, error) {
	b := src.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row := src.Pix[src.PixOffset(b.Min.X, y):]
		dst := out.Pix[out.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			p := row[x*4 : x*4+4]
			if match(p[0], p[1], p[2]) {
				dst[x] = 255
			}
		}
	}
	return out, nil
}

// luma is the Rec. 601 luminance in 0..255.
func luma(r, g, b uint8) int {
	return (299*int(r) + 587*int(g) + 114*int(b)) / 1000
}

func isSkin(r, g, b uint8) bool {
	ri, gi, bi := int(r), int(g), int(b)
	hi := max(ri, gi, bi)
	lo := min(ri, gi, bi)
	return ri > 95 && gi > 40 && bi > 20 &&
		hi-lo > 15 &&
		abs(ri-gi) > 15 &&
		ri > gi && ri > bi
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
