package pgas

import (
	"fmt"

	"github.com/raskyld/pgas/pkg/transport"
)

// sharedTable maps the units of the calling unit's node to direct views of
// their pool memory. It is read-only once built.
type sharedTable struct {
	bases    [][]byte
	nodeRank int
	// byUnit maps a rank of TeamAll to a node rank.
	byUnit map[int]int
}

// buildSharedTable resolves the pool memory of every unit of the node. A
// unit alone on its node maps its own pool without querying the window.
func buildSharedTable(all, node transport.Comm, win transport.SharedWindow, own []byte) (*sharedTable, error) {
	st := &sharedTable{
		bases:    make([][]byte, node.Size()),
		nodeRank: node.Rank(),
		byUnit:   make(map[int]int, node.Size()),
	}

	allRanks := make(map[int]int, all.Size())
	for rank, world := range all.Group() {
		allRanks[world] = rank
	}
	for nrank, world := range node.Group() {
		unit, has := allRanks[world]
		if !has {
			return nil, fmt.Errorf("node member %d is not part of the ALL team", world)
		}
		st.byUnit[unit] = nrank
	}

	st.bases[st.nodeRank] = own
	if node.Size() == 1 {
		return st, nil
	}

	for nrank := range st.bases {
		if nrank == st.nodeRank {
			continue
		}
		base, err := win.SharedQuery(nrank)
		if err != nil {
			return nil, fmt.Errorf("shared query of node rank %d: %w", nrank, err)
		}
		st.bases[nrank] = base
	}
	return st, nil
}

// Lookup returns the pool memory of the unit at node rank r.
func (st *sharedTable) Lookup(r int) ([]byte, error) {
	if r < 0 || r >= len(st.bases) {
		return nil, fmt.Errorf("%w: node rank %d out of %d", ErrInvalidArgument, r, len(st.bases))
	}
	return st.bases[r], nil
}

// LookupUnit returns the pool memory of a unit of TeamAll, if it runs on
// the calling unit's node.
func (st *sharedTable) LookupUnit(unit int) ([]byte, bool) {
	nrank, has := st.byUnit[unit]
	if !has {
		return nil, false
	}
	return st.bases[nrank], true
}
