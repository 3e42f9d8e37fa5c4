package types

import "image"

// Vector is the displacement of one block between two frames.
type Vector struct {
	DX int `json:"dx"`
	DY int `json:"dy"`
}

// VectorField is a grid of block vectors. Origin is the position of the
// first column and row in block units of the whole frame.
type VectorField struct {
	Origin  image.Point
	Cols    int
	Rows    int
	Vectors []Vector
}

// NewVectorField allocates a zeroed field.
func NewVectorField(origin image.Point, cols, rows int) *VectorField {
	if cols < 0 {
		cols = 0
	}
	if rows < 0 {
		rows = 0
	}
	return &VectorField{
		Origin:  origin,
		Cols:    cols,
		Rows:    rows,
		Vectors: make([]Vector, cols*rows),
	}
}

// At returns the vector of the block at col, row relative to Origin.
func (f *VectorField) At(col, row int) Vector {
	return f.Vectors[row*f.Cols+col]
}

// Set stores the vector of the block at col, row relative to Origin.
func (f *VectorField) Set(col, row int, v Vector) {
	f.Vectors[row*f.Cols+col] = v
}

// Blend copies sub into f at sub's block offset. Blocks of sub falling
// outside f are ignored.
func (f *VectorField) Blend(sub *VectorField) {
	if sub == nil {
		return
	}
	offX := sub.Origin.X - f.Origin.X
	offY := sub.Origin.Y - f.Origin.Y
	for row := 0; row < sub.Rows; row++ {
		y := row + offY
		if y < 0 || y >= f.Rows {
			continue
		}
		for col := 0; col < sub.Cols; col++ {
			x := col + offX
			if x < 0 || x >= f.Cols {
				continue
			}
			f.Set(x, y, sub.At(col, row))
		}
	}
}

// Motion aggregates the vector sets of a frame sequence.
type Motion struct {
	ID      string
	Command *Command
	Frames  []*image.NRGBA

	BlockSize      int
	SearchDistance int

	// MissingVectorSets counts frame pairs still in flight.
	MissingVectorSets int
	// VectorSets holds one field per consecutive frame pair.
	VectorSets []*VectorField

	// Err is the first pair failure, if any.
	Err error
}
