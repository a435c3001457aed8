package pattern

import "fmt"

// IndexRange is a half-open interval of local indices.
type IndexRange struct {
	Begin int64
	End   int64
}

// Len is the number of indices in the range.
func (r IndexRange) Len() int64 {
	return r.End - r.Begin
}

// Empty reports whether the range holds no index.
func (r IndexRange) Empty() bool {
	return r.End <= r.Begin
}

// LocalIndexRange resolves the local index range of p.MyID() covered by the
// global range [begin, end).
//
// Example, 10 elements blocked over 2 units, global range [4,7):
//
//	unit 0 owns [0,5)  -> local [4,5)
//	unit 1 owns [5,10) -> local [0,2)
//
// A range the unit owns nothing of, including an inverted range, resolves
// to the empty range {0, 0}. Complexity O(d).
func LocalIndexRange(p Pattern, begin, end int64) (IndexRange, error) {
	if begin < 0 || end < 0 || begin > p.Size() || end > p.Size() {
		return IndexRange{}, fmt.Errorf("%w: [%d,%d) in %d elements", ErrInvalidRange, begin, end, p.Size())
	}
	if begin >= end || p.LocalSize() == 0 {
		return IndexRange{}, nil
	}

	// Intersect the local range and the query in the global index domain.
	gbegin := max(p.LBegin(), begin)
	gend := min(p.LEnd(), end)
	if gbegin >= gend {
		return IndexRange{}, nil
	}

	// The end is one past the last valid coordinate, step back before
	// converting and forward after.
	lbegin := p.At(p.Coords(gbegin))
	lend := p.At(p.Coords(gend-1)) + 1
	return IndexRange{Begin: lbegin, End: lend}, nil
}

// LocalAddressRange resolves the local memory covered by the global range
// [begin, end), base being p.MyID()'s local memory holding elements of
// elemSize bytes. An empty range, or a nil base, yields a nil slice.
func LocalAddressRange(p Pattern, base []byte, elemSize int, begin, end int64) ([]byte, error) {
	if elemSize <= 0 {
		return nil, fmt.Errorf("%w: element size %d", ErrInvalidRange, elemSize)
	}
	r, err := LocalIndexRange(p, begin, end)
	if err != nil {
		return nil, err
	}
	if r.Empty() || base == nil {
		return nil, nil
	}

	lo, hi := r.Begin*int64(elemSize), r.End*int64(elemSize)
	if hi > int64(len(base)) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidBase, hi, len(base))
	}
	return base[lo:hi:hi], nil
}

// LocalSlice is LocalAddressRange over typed local storage.
func LocalSlice[T any](p Pattern, local []T, begin, end int64) ([]T, error) {
	r, err := LocalIndexRange(p, begin, end)
	if err != nil {
		return nil, err
	}
	if r.Empty() || local == nil {
		return nil, nil
	}
	if r.End > int64(len(local)) {
		return nil, fmt.Errorf("%w: need %d elements, have %d", ErrInvalidBase, r.End, len(local))
	}
	return local[r.Begin:r.End:r.End], nil
}
