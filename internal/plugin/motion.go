package plugin

import (
	"context"
	"fmt"
	"image"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

const (
	defaultBlockSize      = 8
	defaultSearchDistance = 4
)

func blockMatchingPlugin() *Plugin {
	return &Plugin{
		Name:        "block_matching",
		Kind:        types.TaskKindMotion,
		Description: "exhaustive block matching, args: block size (default 8), search distance (default 4)",
		Dependency: func(args types.Arguments) types.SpatialDependency {
			_, search, err := blockMatchingParams(args)
			if err != nil {
				return types.Unsplittable
			}
			return types.Symmetric(search)
		},
		Motion:       blockMatching,
		MotionParams: blockMatchingParams,
	}
}

func blockMatchingParams(args types.Arguments) (int, int, error) {
	block := args.Int(0, defaultBlockSize)
	search := args.Int(1, defaultSearchDistance)
	if block < 1 {
		return 0, 0, NewArgumentError("block_matching", fmt.Sprintf("block size %d must be positive", block))
	}
	if search < 0 {
		return 0, 0, NewArgumentError("block_matching", fmt.Sprintf("search distance %d cannot be negative", search))
	}
	return block, search, nil
}

// blockMatching finds, for every whole block of region in prev, the offset
// within searchDistance whose block in next has the smallest sum of absolute
// luminance differences. Frames are zero based and region is block aligned,
// so the field origin is region.Min in block units. Ties keep the shortest
// offset, then the first in scan order.
func blockMatching(ctx context.Context, prev, next *image.NRGBA, region image.Rectangle, blockSize, searchDistance int) (*types.VectorField, error) {
	if blockSize < 1 {
		return nil, NewArgumentError("block_matching", "block size must be positive")
	}
	if !region.In(prev.Bounds()) || !region.In(next.Bounds()) {
		return nil, fmt.Errorf("region %v outside frames %v / %v", region, prev.Bounds(), next.Bounds())
	}

	cols := region.Dx() / blockSize
	rows := region.Dy() / blockSize
	field := types.NewVectorField(image.Pt(region.Min.X/blockSize, region.Min.Y/blockSize), cols, rows)

	lp := newLumaPlane(prev)
	ln := newLumaPlane(next)
	bounds := next.Bounds()

	for row := 0; row < rows; row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for col := 0; col < cols; col++ {
			px := region.Min.X + col*blockSize
			py := region.Min.Y + row*blockSize

			best := types.Vector{}
			bestCost := -1
			bestLen := 0
			for dy := -searchDistance; dy <= searchDistance; dy++ {
				for dx := -searchDistance; dx <= searchDistance; dx++ {
					cand := image.Rect(px+dx, py+dy, px+dx+blockSize, py+dy+blockSize)
					if !cand.In(bounds) {
						continue
					}
					cost := sad(lp, ln, px, py, px+dx, py+dy, blockSize)
					l := abs(dx) + abs(dy)
					if bestCost < 0 || cost < bestCost || (cost == bestCost && l < bestLen) {
						best = types.Vector{DX: dx, DY: dy}
						bestCost = cost
						bestLen = l
					}
				}
			}
			field.Set(col, row, best)
		}
	}
	return field, nil
}

type lumaPlane struct {
	rect image.Rectangle
	data []int32
}

func newLumaPlane(img *image.NRGBA) *lumaPlane {
	b := img.Bounds()
	p := &lumaPlane{rect: b, data: make([]int32, b.Dx()*b.Dy())}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			p.data[i] = int32(luma(row[x*4], row[x*4+1], row[x*4+2]))
			i++
		}
	}
	return p
}

func (p *lumaPlane) at(x, y int) int32 {
	return p.data[(y-p.rect.Min.Y)*p.rect.Dx()+(x-p.rect.Min.X)]
}

func sad(a, b *lumaPlane, ax, ay, bx, by, size int) int {
	total := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			d := a.at(ax+x, ay+y) - b.at(bx+x, by+y)
			if d < 0 {
				d = -d
			}
			total += int(d)
		}
	}
	return total
}
