package inproc

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/raskyld/pgas/pkg/transport"
)

// commState is shared by every member of a communicator. Collectives are
// matched by their per-member sequence number.
type commState struct {
	w       *World
	key     string
	members []int
	shared  bool

	lk     sync.Mutex
	seqs   []uint64
	rounds map[uint64]*round
}

type round struct {
	op      string
	contrib []any
	arrived int
	left    int
	err     error
	done    chan struct{}
}

func newCommState(w *World, key string, members []int, shared bool) *commState {
	return &commState{
		w:       w,
		key:     key,
		members: members,
		shared:  shared,
		seqs:    make([]uint64, len(members)),
		rounds:  make(map[uint64]*round),
	}
}

func (st *commState) enter(rank int, op string, v any) (*round, uint64) {
	st.lk.Lock()
	defer st.lk.Unlock()

	seq := st.seqs[rank]
	st.seqs[rank]++

	r, has := st.rounds[seq]
	if !has {
		r = &round{
			op:      op,
			contrib: make([]any, len(st.members)),
			done:    make(chan struct{}),
		}
		st.rounds[seq] = r
	}
	if r.op != op {
		r.err = fmt.Errorf("%w: %s and %s on %s", ErrCollectiveMismatch, r.op, op, st.key)
	}

	r.contrib[rank] = v
	r.arrived++
	if r.arrived == len(st.members) {
		close(r.done)
	}
	return r, seq
}

func (st *commState) leave(seq uint64, r *round) {
	st.lk.Lock()
	defer st.lk.Unlock()
	r.left++
	if r.left == len(st.members) {
		delete(st.rounds, seq)
	}
}

// comm implements transport.Comm for one member.
type comm struct {
	st   *commState
	rank int
	unit *unit

	lk    sync.Mutex
	freed bool
}

var _ transport.Comm = (*comm)(nil)

// exchange runs one collective round: every member contributes v and gets
// all contributions back, indexed by rank.
func (c *comm) exchange(ctx context.Context, op string, v any) ([]any, uint64, error) {
	c.lk.Lock()
	freed := c.freed
	c.lk.Unlock()
	if freed {
		return nil, 0, transport.ErrFreed
	}

	if err := c.st.w.inject(c.unit.rank, op); err != nil {
		return nil, 0, err
	}

	r, seq := c.st.enter(c.rank, op, v)
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-c.st.w.abortCh:
		return nil, 0, transport.ErrAborted
	}
	defer c.st.leave(seq, r)

	if r.err != nil {
		return nil, 0, r.err
	}
	return r.contrib, seq, nil
}

func (c *comm) Rank() int {
	return c.rank
}

func (c *comm) Size() int {
	return len(c.st.members)
}

func (c *comm) Group() []int {
	return slices.Clone(c.st.members)
}

func (c *comm) Dup(ctx context.Context) (transport.Comm, error) {
	_, seq, err := c.exchange(ctx, "dup", nil)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s.%d", c.st.key, seq)
	st := c.st.w.commState(key, c.st.members, c.st.shared)
	return &comm{st: st, rank: c.rank, unit: c.unit}, nil
}

type splitArgs struct {
	color, key int
}

func (c *comm) Split(ctx context.Context, color, key int) (transport.Comm, error) {
	contrib, seq, err := c.exchange(ctx, "split", splitArgs{color, key})
	if err != nil {
		return nil, err
	}
	return c.split(contrib, seq, color, false)
}

func (c *comm) SplitShared(ctx context.Context) (transport.Comm, error) {
	node := c.st.w.nodes[c.st.members[c.rank]]
	contrib, seq, err := c.exchange(ctx, "split_shared", node)
	if err != nil {
		return nil, err
	}

	// Colors follow the order in which nodes first appear.
	colors := map[string]int{}
	args := make([]any, len(contrib))
	for rank, v := range contrib {
		name := v.(string)
		color, has := colors[name]
		if !has {
			color = len(colors)
			colors[name] = color
		}
		args[rank] = splitArgs{color: color, key: rank}
	}
	return c.split(args, seq, colors[node], true)
}

func (c *comm) split(contrib []any, seq uint64, color int, shared bool) (transport.Comm, error) {
	if color == transport.Undefined {
		return nil, nil
	}

	type member struct {
		rank int
		key  int
	}
	var group []member
	for rank, v := range contrib {
		args := v.(splitArgs)
		if args.color == color {
			group = append(group, member{rank: rank, key: args.key})
		}
	}
	slices.SortStableFunc(group, func(a, b member) int {
		if a.key != b.key {
			return a.key - b.key
		}
		return a.rank - b.rank
	})

	members := make([]int, len(group))
	newRank := -1
	for i, m := range group {
		members[i] = c.st.members[m.rank]
		if m.rank == c.rank {
			newRank = i
		}
	}

	key := fmt.Sprintf("%s.%d:%d", c.st.key, seq, color)
	st := c.st.w.commState(key, members, shared)
	return &comm{st: st, rank: newRank, unit: c.unit}, nil
}

func (c *comm) Allgather(ctx context.Context, payload []byte) ([][]byte, error) {
	contrib, _, err := c.exchange(ctx, "allgather", slices.Clone(payload))
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(contrib))
	for rank, v := range contrib {
		out[rank] = slices.Clone(v.([]byte))
	}
	return out, nil
}

func (c *comm) Barrier(ctx context.Context) error {
	_, _, err := c.exchange(ctx, "barrier", nil)
	return err
}

func (c *comm) CreateWindow(ctx context.Context, mem []byte) (transport.Window, error) {
	contrib, seq, err := c.exchange(ctx, "win_create", mem)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s#win%d", c.st.key, seq)
	st := c.st.w.winState(key, func() *winState {
		segs := make([][]byte, len(contrib))
		for rank, v := range contrib {
			segs[rank] = v.([]byte)
		}
		return newWinState(key, segs)
	})
	return &window{st: st, c: c}, nil
}

func (c *comm) CreateDynamicWindow(ctx context.Context) (transport.DynamicWindow, error) {
	_, seq, err := c.exchange(ctx, "win_create_dynamic", nil)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s#dwin%d", c.st.key, seq)
	st := c.st.w.winState(key, func() *winState {
		return newDynamicWinState(key, len(c.st.members))
	})
	return &dynamicWindow{window: window{st: st, c: c}}, nil
}

type sharedAlloc struct {
	mem []byte
	err error
}

func (c *comm) AllocateSharedWindow(ctx context.Context, size int) (transport.SharedWindow, error) {
	if !c.st.shared || !c.st.w.cfg.sharedWindows {
		return nil, fmt.Errorf("%w: shared window on %s", transport.ErrUnsupported, c.st.key)
	}

	mem, allocErr := mapShared(size)
	contrib, seq, err := c.exchange(ctx, "win_allocate_shared", sharedAlloc{mem: mem, err: allocErr})
	if err == nil {
		for rank, v := range contrib {
			if alloc := v.(sharedAlloc); alloc.err != nil {
				err = fmt.Errorf("rank %d could not map %d bytes: %w", rank, size, alloc.err)
				break
			}
		}
	}
	if err != nil {
		if allocErr == nil {
			_ = unmap(mem)
		}
		return nil, err
	}

	key := fmt.Sprintf("%s#swin%d", c.st.key, seq)
	st := c.st.w.winState(key, func() *winState {
		segs := make([][]byte, len(contrib))
		for rank, v := range contrib {
			segs[rank] = v.(sharedAlloc).mem
		}
		return newWinState(key, segs)
	})
	return &sharedWindow{window: window{st: st, c: c}}, nil
}

func (c *comm) Free() error {
	if c.st == c.st.w.world {
		return fmt.Errorf("%w: freeing the world communicator", transport.ErrUnsupported)
	}
	if _, _, err := c.exchange(context.Background(), "comm_free", nil); err != nil {
		return err
	}

	c.lk.Lock()
	c.freed = true
	c.lk.Unlock()
	if c.rank == 0 {
		c.st.w.release(c.st.key)
	}
	return nil
}
