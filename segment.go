package pgas

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Segment is memory allocated collectively by a team: every member exposes
// Size bytes through the team's dynamic window.
type Segment struct {
	ID   SegmentID
	Team TeamID
	Size int64

	// disps are the displacements of each member's memory in the dynamic
	// window, by team rank.
	disps []uint64
	mem   []byte
}

// Disp is the window displacement of rank's part of the segment.
func (s *Segment) Disp(rank int) (uint64, error) {
	if rank < 0 || rank >= len(s.disps) {
		return 0, fmt.Errorf("%w: unit %d in segment %d", ErrInvalidArgument, rank, s.ID)
	}
	return s.disps[rank], nil
}

// Local is the calling unit's part of the segment.
func (s *Segment) Local() []byte {
	return s.mem
}

// segmentTable records the segments of a team. Ids are handed out in the
// order of the collective allocations, so members agree on them.
type segmentTable struct {
	lk   sync.Mutex
	segs map[SegmentID]*Segment
	next SegmentID
}

func newSegmentTable() *segmentTable {
	return &segmentTable{
		segs: make(map[SegmentID]*Segment),
		next: SegmentLocal + 1,
	}
}

func (st *segmentTable) add(seg *Segment) SegmentID {
	st.lk.Lock()
	defer st.lk.Unlock()
	seg.ID = st.next
	st.next++
	st.segs[seg.ID] = seg
	return seg.ID
}

func (st *segmentTable) get(id SegmentID) (*Segment, error) {
	st.lk.Lock()
	defer st.lk.Unlock()
	seg, has := st.segs[id]
	if !has {
		return nil, fmt.Errorf("%w: %d", ErrSegment, id)
	}
	return seg, nil
}

func (st *segmentTable) remove(id SegmentID) (*Segment, error) {
	st.lk.Lock()
	defer st.lk.Unlock()
	seg, has := st.segs[id]
	if !has {
		return nil, fmt.Errorf("%w: %d", ErrSegment, id)
	}
	delete(st.segs, id)
	return seg, nil
}

// drain empties the table and returns its segments, most recent first.
func (st *segmentTable) drain() []*Segment {
	st.lk.Lock()
	defer st.lk.Unlock()

	segs := make([]*Segment, 0, len(st.segs))
	for _, seg := range st.segs {
		segs = append(segs, seg)
	}
	clear(st.segs)
	slices.SortFunc(segs, func(a, b *Segment) int {
		return cmp.Compare(b.ID, a.ID)
	})
	return segs
}
