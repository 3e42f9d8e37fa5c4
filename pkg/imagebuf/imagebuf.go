// Package imagebuf holds the pixel buffer operations the scheduler needs:
// splitting an image into fragments that carry their dependency margins and
// joining processed fragments back. Fragments keep absolute coordinates, so a
// fragment result can be placed by its own bounds with no extra metadata.
package imagebuf

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"

	"github.com/AlexDorobantiu/CIPP-sub000/pkg/types"
)

// ErrSplitInapplicable signals that an image cannot be split with the given
// dependency and part count. Callers fall back to a single unsplit task.
var ErrSplitInapplicable = errors.New("split inapplicable")

// Range is a half-open interval [Start, End).
type Range struct {
	Start int
	End   int
}

// Len returns End - Start.
func (r Range) Len() int { return r.End - r.Start }

// Ranges divides [0, total) into parts contiguous ranges whose boundaries
// are multiples of align. Every range gets the same length and the last one
// absorbs the remainder.
func Ranges(total, parts, align int) ([]Range, error) {
	if align < 1 {
		align = 1
	}
	if parts < 1 {
		return nil, fmt.Errorf("%w: %d parts", ErrSplitInapplicable, parts)
	}
	units := total / align
	if units < parts {
		return nil, fmt.Errorf("%w: %d units of %d px cannot make %d parts", ErrSplitInapplicable, units, align, parts)
	}

	step := units / parts
	ranges := make([]Range, parts)
	for i := 0; i < parts; i++ {
		ranges[i] = Range{Start: i * step * align, End: (i + 1) * step * align}
	}
	ranges[parts-1].End = total
	return ranges, nil
}

// Fragment is one vertical slice of an image. Image bounds include the
// dependency margins clipped to the source, Region is the slice proper.
type Fragment struct {
	Image  *image.NRGBA
	Region image.Rectangle
}

// Split cuts img into parts vertical slices.
func Split(img *image.NRGBA, dep types.SpatialDependency, parts int) ([]Fragment, error) {
	return SplitAligned(img, dep, parts, 1)
}

// SplitAligned cuts img into parts vertical slices whose boundaries are
// multiples of align pixels from the left edge.
func SplitAligned(img *image.NRGBA, dep types.SpatialDependency, parts, align int) ([]Fragment, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrSplitInapplicable)
	}
	if dep.IsUnsplittable() {
		return nil, fmt.Errorf("%w: dependency is unsplittable", ErrSplitInapplicable)
	}
	if parts < 2 {
		return nil, fmt.Errorf("%w: %d parts", ErrSplitInapplicable, parts)
	}

	b := img.Bounds()
	ranges, err := Ranges(b.Dx(), parts, align)
	if err != nil {
		return nil, err
	}

	fragments := make([]Fragment, 0, parts)
	for _, r := range ranges {
		if dep.Left+dep.Right > r.Len() {
			return nil, fmt.Errorf("%w: margins %d+%d wider than slice %d", ErrSplitInapplicable, dep.Left, dep.Right, r.Len())
		}
		region := image.Rect(b.Min.X+r.Start, b.Min.Y, b.Min.X+r.End, b.Max.Y)
		outer := image.Rect(
			region.Min.X-dep.Left, region.Min.Y-dep.Top,
			region.Max.X+dep.Right, region.Max.Y+dep.Bottom,
		).Intersect(b)
		fragments = append(fragments, Fragment{Image: Crop(img, outer), Region: region})
	}
	return fragments, nil
}

// Crop returns a compact copy of the part of img inside r. The copy keeps
// the absolute coordinates of r.
func Crop(img *image.NRGBA, r image.Rectangle) *image.NRGBA {
	r = r.Intersect(img.Bounds())
	out := image.NewNRGBA(r)
	rowLen := r.Dx() * 4
	for y := r.Min.Y; y < r.Max.Y; y++ {
		src := img.Pix[img.PixOffset(r.Min.X, y):][:rowLen]
		dst := out.Pix[out.PixOffset(r.Min.X, y):][:rowLen]
		copy(dst, src)
	}
	return out
}

// Join copies region from src into dst. Both images must contain region.
func Join(dst, src *image.NRGBA, region image.Rectangle) error {
	if region.Empty() {
		return nil
	}
	if !region.In(dst.Bounds()) {
		return fmt.Errorf("join region %v outside destination %v", region, dst.Bounds())
	}
	if !region.In(src.Bounds()) {
		return fmt.Errorf("join region %v outside fragment %v", region, src.Bounds())
	}
	rowLen := region.Dx() * 4
	for y := region.Min.Y; y < region.Max.Y; y++ {
		from := src.Pix[src.PixOffset(region.Min.X, y):][:rowLen]
		to := dst.Pix[dst.PixOffset(region.Min.X, y):][:rowLen]
		copy(to, from)
	}
	return nil
}

// Clone returns a compact copy of img.
func Clone(img *image.NRGBA) *image.NRGBA {
	if img == nil {
		return nil
	}
	return Crop(img, img.Bounds())
}

// ToNRGBA converts any image to NRGBA, keeping its bounds.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	out := image.NewNRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	return out
}

// Rebase moves img to origin without copying pixels.
func Rebase(img *image.NRGBA, origin image.Point) *image.NRGBA {
	img.Rect = img.Rect.Sub(img.Rect.Min).Add(origin)
	return img
}

// Equal reports whether two images have the same bounds and pixels.
func Equal(a, b *image.NRGBA) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !a.Bounds().Eq(b.Bounds()) {
		return false
	}
	r := a.Bounds()
	rowLen := r.Dx() * 4
	for y := r.Min.Y; y < r.Max.Y; y++ {
		ra := a.Pix[a.PixOffset(r.Min.X, y):][:rowLen]
		rb := b.Pix[b.PixOffset(r.Min.X, y):][:rowLen]
		if !bytes.Equal(ra, rb) {
			return false
		}
	}
	return true
}

// JoinMask copies region from a mask fragment into dst.
func JoinMask(dst, src *image.Gray, region image.Rectangle) error {
	if region.Empty() {
		return nil
	}
	if !region.In(dst.Bounds()) || !region.In(src.Bounds()) {
		return fmt.Errorf("join region %v outside mask %v / %v", region, dst.Bounds(), src.Bounds())
	}
	for y := region.Min.Y; y < region.Max.Y; y++ {
		copy(dst.Pix[dst.PixOffset(region.Min.X, y):][:region.Dx()], src.Pix[src.PixOffset(region.Min.X, y):][:region.Dx()])
	}
	return nil
}

// BlendVectors places the vectors of a fragment into the field of the
// whole frame pair.
func BlendVectors(dst, src *types.VectorField) error {
	if dst == nil {
		return errors.New("blend into nil vector field")
	}
	dst.Blend(src)
	return nil
}
