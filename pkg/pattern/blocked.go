package pattern

import (
	"fmt"
	"slices"
)

// Blocked distributes a row-major index space of any dimension by cutting
// its first dimension into one contiguous block of rows per unit. The last
// units may own fewer rows, or none.
type Blocked struct {
	extents []int64
	strides []int64
	units   int
	myid    int

	block    int64
	rowBegin int64
	rowEnd   int64
}

var _ Pattern = (*Blocked)(nil)

// NewBlocked creates the pattern of unit myid among units.
func NewBlocked(units, myid int, extents ...int64) (*Blocked, error) {
	if units <= 0 || myid < 0 || myid >= units {
		return nil, fmt.Errorf("%w: unit %d of %d", ErrInvalidPattern, myid, units)
	}
	if len(extents) == 0 {
		return nil, fmt.Errorf("%w: no dimensions", ErrInvalidPattern)
	}
	for d, e := range extents {
		if e <= 0 {
			return nil, fmt.Errorf("%w: extent %d of dimension %d", ErrInvalidPattern, e, d)
		}
	}

	p := &Blocked{
		extents: slices.Clone(extents),
		strides: make([]int64, len(extents)),
		units:   units,
		myid:    myid,
	}
	stride := int64(1)
	for d := len(extents) - 1; d >= 0; d-- {
		p.strides[d] = stride
		stride *= extents[d]
	}

	rows := extents[0]
	p.block = (rows + int64(units) - 1) / int64(units)
	p.rowBegin = min(int64(myid)*p.block, rows)
	p.rowEnd = min(p.rowBegin+p.block, rows)
	return p, nil
}

// Extents returns the size of each dimension.
func (p *Blocked) Extents() []int64 {
	return slices.Clone(p.extents)
}

// BlockSize is the number of rows of the first dimension each unit owns at
// most.
func (p *Blocked) BlockSize() int64 {
	return p.block
}

func (p *Blocked) NDim() int {
	return len(p.extents)
}

func (p *Blocked) Size() int64 {
	return p.extents[0] * p.strides[0]
}

func (p *Blocked) Units() int {
	return p.units
}

func (p *Blocked) MyID() int {
	return p.myid
}

func (p *Blocked) LocalSize() int64 {
	return (p.rowEnd - p.rowBegin) * p.strides[0]
}

func (p *Blocked) LBegin() int64 {
	return p.rowBegin * p.strides[0]
}

func (p *Blocked) LEnd() int64 {
	return p.rowEnd * p.strides[0]
}

func (p *Blocked) Coords(gindex int64) []int64 {
	coords := make([]int64, len(p.extents))
	for d, stride := range p.strides {
		coords[d] = gindex / stride
		gindex %= stride
	}
	return coords
}

func (p *Blocked) GlobalAt(coords []int64) int64 {
	var gindex int64
	for d, c := range coords {
		gindex += c * p.strides[d]
	}
	return gindex
}

func (p *Blocked) At(coords []int64) int64 {
	return p.GlobalAt(coords) - p.LBegin()
}

func (p *Blocked) LocalCoords(lindex int64) []int64 {
	return p.Coords(lindex + p.LBegin())
}

func (p *Blocked) UnitAt(coords []int64) int {
	return int(coords[0] / p.block)
}
