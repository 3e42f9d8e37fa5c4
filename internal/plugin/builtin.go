package plugin

import (
	"context"
	"image"
	"math"

	"github.com/disintegration/gift"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/imagebuf"
	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// RegisterBuiltins adds the built-in filter, mask and motion plugins to r.
func RegisterBuiltins(r *Registry) {
	for _, p := range builtinFilters() {
		r.MustRegister(p)
	}
	for _, p := range builtinMasks() {
		r.MustRegister(p)
	}
	r.MustRegister(blockMatchingPlugin())
}

func builtinFilters() []*Plugin {
	return []*Plugin{
		{
			Name:        "negative",
			Kind:        types.TaskKindFilter,
			Description: "inverts every channel",
			Filter:      giftFilter("negative", func(types.Arguments) (*gift.GIFT, error) { return gift.New(gift.Invert()), nil }),
		},
		{
			Name:        "grayscale",
			Kind:        types.TaskKindFilter,
			Description: "converts to gray levels",
			Filter:      giftFilter("grayscale", func(types.Arguments) (*gift.GIFT, error) { return gift.New(gift.Grayscale()), nil }),
		},
		{
			Name:        "sepia",
			Kind:        types.TaskKindFilter,
			Description: "sepia tone, args: percentage (0..100, default 100)",
			Filter: giftFilter("sepia", func(args types.Arguments) (*gift.GIFT, error) {
				pct := args.Float(0, 100)
				if pct < 0 || pct > 100 {
					return nil, NewArgumentError("sepia", "percentage must be within 0..100")
				}
				return gift.New(gift.Sepia(float32(pct))), nil
			}),
		},
		{
			Name:        "brightness",
			Kind:        types.TaskKindFilter,
			Description: "brightness change, args: percentage (-100..100)",
			Filter: giftFilter("brightness", func(args types.Arguments) (*gift.GIFT, error) {
				pct := args.Float(0, 0)
				if pct < -100 || pct > 100 {
					return nil, NewArgumentError("brightness", "percentage must be within -100..100")
				}
				return gift.New(gift.Brightness(float32(pct))), nil
			}),
		},
		{
			Name:        "contrast",
			Kind:        types.TaskKindFilter,
			Description: "contrast change, args: percentage (-100..100)",
			Filter: giftFilter("contrast", func(args types.Arguments) (*gift.GIFT, error) {
				pct := args.Float(0, 0)
				if pct < -100 || pct > 100 {
					return nil, NewArgumentError("contrast", "percentage must be within -100..100")
				}
				return gift.New(gift.Contrast(float32(pct))), nil
			}),
		},
		{
			Name:        "gamma",
			Kind:        types.TaskKindFilter,
			Description: "gamma correction, args: gamma (> 0, default 1)",
			Filter: giftFilter("gamma", func(args types.Arguments) (*gift.GIFT, error) {
				g := args.Float(0, 1)
				if g <= 0 {
					return nil, NewArgumentError("gamma", "gamma must be positive")
				}
				return gift.New(gift.Gamma(float32(g))), nil
			}),
		},
		{
			Name:        "gaussian_blur",
			Kind:        types.TaskKindFilter,
			Description: "gaussian blur, args: sigma (> 0, default 1)",
			Dependency: func(args types.Arguments) types.SpatialDependency {
				return types.Symmetric(gaussianMargin(args.Float(0, 1)))
			},
			Filter: giftFilter("gaussian_blur", func(args types.Arguments) (*gift.GIFT, error) {
				sigma := args.Float(0, 1)
				if sigma <= 0 {
					return nil, NewArgumentError("gaussian_blur", "sigma must be positive")
				}
				return gift.New(gift.GaussianBlur(float32(sigma))), nil
			}),
		},
		{
			Name:        "sharpen",
			Kind:        types.TaskKindFilter,
			Description: "unsharp mask, args: sigma (default 1), amount (default 1), threshold (default 0)",
			Dependency: func(args types.Arguments) types.SpatialDependency {
				return types.Symmetric(gaussianMargin(args.Float(0, 1)))
			},
			Filter: giftFilter("sharpen", func(args types.Arguments) (*gift.GIFT, error) {
				sigma := args.Float(0, 1)
				if sigma <= 0 {
					return nil, NewArgumentError("sharpen", "sigma must be positive")
				}
				return gift.New(gift.UnsharpMask(float32(sigma), float32(args.Float(1, 1)), float32(args.Float(2, 0)))), nil
			}),
		},
		{
			Name:        "median",
			Kind:        types.TaskKindFilter,
			Description: "median filter, args: kernel size (odd, default 3)",
			Dependency: func(args types.Arguments) types.SpatialDependency {
				return types.Symmetric(oddSize(args.Int(0, 3)) / 2)
			},
			Filter: giftFilter("median", func(args types.Arguments) (*gift.GIFT, error) {
				size := args.Int(0, 3)
				if size < 1 {
					return nil, NewArgumentError("median", "kernel size must be positive")
				}
				return gift.New(gift.Median(oddSize(size), false)), nil
			}),
		},
		{
			Name:        "sobel",
			Kind:        types.TaskKindFilter,
			Description: "sobel edge detection",
			Dependency:  func(types.Arguments) types.SpatialDependency { return types.Symmetric(1) },
			Filter:      giftFilter("sobel", func(types.Arguments) (*gift.GIFT, error) { return gift.New(gift.Sobel()), nil }),
		},
		{
			Name:        "pixelate",
			Kind:        types.TaskKindFilter,
			Description: "pixelation, args: cell size (default 8); cells are anchored to the image corner",
			Dependency:  func(types.Arguments) types.SpatialDependency { return types.Unsplittable },
			Filter: giftFilter("pixelate", func(args types.Arguments) (*gift.GIFT, error) {
				size := args.Int(0, 8)
				if size < 1 {
					return nil, NewArgumentError("pixelate", "cell size must be positive")
				}
				return gift.New(gift.Pixelate(size)), nil
			}),
		},
		{
			Name:        "flip_horizontal",
			Kind:        types.TaskKindFilter,
			Description: "mirrors the image left to right",
			Dependency:  func(types.Arguments) types.SpatialDependency { return types.Unsplittable },
			Filter:      giftFilter("flip_horizontal", func(types.Arguments) (*gift.GIFT, error) { return gift.New(gift.FlipHorizontal()), nil }),
		},
	}
}

// giftFilter adapts a gift filter chain to a FilterFunc. gift draws into a
// zero based rectangle, the result is moved back onto the source bounds.
func giftFilter(name string, build func(args types.Arguments) (*gift.GIFT, error)) FilterFunc {
	return func(ctx context.Context, src *image.NRGBA, args types.Arguments) (*image.NRGBA, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g, err := build(args)
		if err != nil {
			return nil, err
		}
		dst := image.NewNRGBA(g.Bounds(src.Bounds()))
		if dst.Bounds().Size() != src.Bounds().Size() {
			return nil, NewExecutionError(name, errSizeChanged)
		}
		g.Draw(dst, src)
		return imagebuf.Rebase(dst, src.Bounds().Min), nil
	}
}

// gaussianMargin covers the 3 sigma kernel radius plus one pixel of rounding.
func gaussianMargin(sigma float64) int {
	if sigma <= 0 {
		return 1
	}
	return int(math.Ceil(sigma*3)) + 1
}

func oddSize(n int) int {
	if n < 1 {
		return 1
	}
	if n%2 == 0 {
		return n + 1
	}
	return n
}
