// Package pattern describes how global index spaces are decomposed among
// units and translates global iteration ranges into the calling unit's
// local index and memory ranges.
package pattern

import (
	"errors"
)

var (
	ErrInvalidPattern = errors.New("pattern: invalid decomposition")
	ErrInvalidRange   = errors.New("pattern: range outside of the index space")
	ErrInvalidBase    = errors.New("pattern: local memory too small for the local range")
)

// Pattern maps global indices to owning units and local indices, from the
// point of view of one unit. Implementations answer every method in O(d)
// with d the number of dimensions.
type Pattern interface {
	// NDim is the number of dimensions.
	NDim() int

	// Size is the number of elements in the global index space.
	Size() int64

	// Units is the number of units the space is distributed over.
	Units() int

	// MyID is the unit the pattern answers for.
	MyID() int

	// LocalSize is the number of elements owned by MyID.
	LocalSize() int64

	// LBegin is the global index of the first element owned by MyID.
	LBegin() int64

	// LEnd is the global index past the last element owned by MyID.
	LEnd() int64

	// Coords converts a global linear index to global coordinates.
	Coords(gindex int64) []int64

	// GlobalAt converts global coordinates to a global linear index.
	GlobalAt(coords []int64) int64

	// At converts global coordinates to MyID's local linear index.
	At(coords []int64) int64

	// LocalCoords converts MyID's local linear index to global coordinates.
	LocalCoords(lindex int64) []int64

	// UnitAt returns the unit owning global coordinates.
	UnitAt(coords []int64) int
}
