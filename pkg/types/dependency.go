package types

import "fmt"

// SpatialDependency declares how many pixels beyond its assigned region an
// operation reads on each side.
type SpatialDependency struct {
	Left   int `json:"left"`
	Right  int `json:"right"`
	Top    int `json:"top"`
	Bottom int `json:"bottom"`
}

// Unsplittable marks an operation whose output depends on the whole image.
var Unsplittable = SpatialDependency{Left: -1, Right: -1, Top: -1, Bottom: -1}

// NoDependency is the dependency of a per-pixel operation.
var NoDependency = SpatialDependency{}

// Symmetric returns a dependency with the same margin on every side.
func Symmetric(margin int) SpatialDependency {
	return SpatialDependency{Left: margin, Right: margin, Top: margin, Bottom: margin}
}

// IsUnsplittable reports whether the dependency carries the sentinel.
func (d SpatialDependency) IsUnsplittable() bool {
	return d.Left < 0 || d.Right < 0 || d.Top < 0 || d.Bottom < 0
}

func (d SpatialDependency) String() string {
	if d.IsUnsplittable() {
		return "unsplittable"
	}
	return fmt.Sprintf("l=%d r=%d t=%d b=%d", d.Left, d.Right, d.Top, d.Bottom)
}
