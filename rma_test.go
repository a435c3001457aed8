package pgas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pgas/pkg/pattern"
	"github.com/raskyld/pgas/pkg/transport/inproc"
	"github.com/stretchr/testify/require"
)

// Every unit allocates the same block of its pool, writes its rank into the
// block of its successor, and reads it back from its predecessor.
func TestRuntime_PutGet(t *testing.T) {
	cases := []struct {
		name   string
		opts   []Option
		direct bool
	}{
		{name: "shared memory", direct: true},
		{name: "windows only", opts: []Option{WithSharedWindows(false)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := newTestWorld(t, 4, inproc.WithUnitsPerNode(4))
			sink := metrics.NewInmemSink(time.Second, time.Minute)
			opts := append([]Option{WithLocalAllocSize(1024), WithMetricSink(sink)}, tc.opts...)

			runUnits(t, w, opts, func(ctx context.Context, rt *Runtime) error {
				me, size := rt.MyID(), rt.Size()
				all, err := rt.Team(TeamAll)
				if err != nil {
					return err
				}

				gptr, err := rt.MemAlloc(64)
				if err != nil {
					return err
				}
				if err := all.Comm().Barrier(ctx); err != nil {
					return err
				}

				next := gptr.WithUnit((me + 1) % size)
				if err := rt.Put(ctx, next.Add(8), []byte{byte(me), 0xaa}); err != nil {
					return err
				}
				if err := rt.Flush(ctx, next); err != nil {
					return err
				}
				if err := all.Comm().Barrier(ctx); err != nil {
					return err
				}

				local, err := rt.Addr(gptr)
				if err != nil {
					return err
				}
				prev := (me + size - 1) % size
				if !bytes.Equal(local[8:10], []byte{byte(prev), 0xaa}) {
					return fmt.Errorf("local block holds %v", local[8:10])
				}

				got := make([]byte, 2)
				if err := rt.Get(ctx, next.Add(8), got); err != nil {
					return err
				}
				if !bytes.Equal(got, []byte{byte(me), 0xaa}) {
					return fmt.Errorf("read back %v", got)
				}

				if _, err := rt.Addr(next); tc.direct != (err == nil) {
					return fmt.Errorf("direct access to a co-located unit: %v", err)
				}
				if err := rt.Put(ctx, next.Add(1020), make([]byte, 8)); !errors.Is(err, ErrInvalidArgument) {
					return fmt.Errorf("put past the pool must fail, got %v", err)
				}
				if err := rt.Put(ctx, next.Add(-1), []byte{1, 2}); !errors.Is(err, ErrInvalidArgument) {
					return fmt.Errorf("put before the pool must fail, got %v", err)
				}
				if err := rt.Get(ctx, NullPtr, got); !errors.Is(err, ErrInvalidArgument) {
					return fmt.Errorf("get through a null pointer must fail, got %v", err)
				}
				return all.Comm().Barrier(ctx)
			})

			shared := counterTotal(sink, "pgas.rma.shared.count")
			remote := counterTotal(sink, "pgas.rma.put.bytes")
			if tc.direct {
				require.Equal(t, 8, shared)
				require.Zero(t, remote)
			} else {
				require.Zero(t, shared)
				require.Equal(t, 4, remote)
			}
		})
	}
}

func TestRuntime_TeamMemory(t *testing.T) {
	w := newTestWorld(t, 4, inproc.WithUnitsPerNode(2))

	runUnits(t, w, []Option{WithLocalAllocSize(1024)}, func(ctx context.Context, rt *Runtime) error {
		halves, err := rt.Split(ctx, TeamAll, IntoGroups(2))
		if err != nil {
			return err
		}
		me, size := halves.MyID(), halves.Size()

		gptr, err := rt.TeamMemAlloc(ctx, halves.ID(), 32)
		if err != nil {
			return err
		}
		if gptr.Team != halves.ID() || gptr.Segment != 1 || gptr.Unit != 0 {
			return fmt.Errorf("unexpected segment pointer %s", gptr)
		}

		peer := gptr.WithUnit((me + 1) % size)
		if err := rt.Put(ctx, peer.Add(4), []byte{byte(rt.MyID() + 1)}); err != nil {
			return err
		}
		if err := rt.Flush(ctx, peer); err != nil {
			return err
		}
		if err := halves.Comm().Barrier(ctx); err != nil {
			return err
		}

		local, err := rt.Addr(gptr.WithUnit(me))
		if err != nil {
			return err
		}
		from, err := halves.GlobalUnit((me + size - 1) % size)
		if err != nil {
			return err
		}
		if local[4] != byte(from+1) {
			return fmt.Errorf("segment holds %d, expected %d", local[4], from+1)
		}
		if err := rt.Put(ctx, peer.Add(30), make([]byte, 4)); !errors.Is(err, ErrInvalidArgument) {
			return fmt.Errorf("put past the segment must fail, got %v", err)
		}

		if err := rt.Get(ctx, peer.Add(-1), make([]byte, 2)); !errors.Is(err, ErrInvalidArgument) {
			return fmt.Errorf("get before the segment must fail, got %v", err)
		}

		// A second segment gets the next id, on every member.
		other, err := rt.TeamMemAlloc(ctx, halves.ID(), 16)
		if err != nil {
			return err
		}
		if other.Segment != 2 {
			return fmt.Errorf("second segment is %d", other.Segment)
		}

		if err := rt.TeamMemFree(ctx, gptr); err != nil {
			return err
		}
		if err := rt.Put(ctx, peer, []byte{1}); !errors.Is(err, ErrSegment) {
			return fmt.Errorf("put to a freed segment must fail, got %v", err)
		}
		if err := rt.TeamMemFree(ctx, gptr); !errors.Is(err, ErrSegment) {
			return fmt.Errorf("double free must fail, got %v", err)
		}
		if _, err := rt.TeamMemAlloc(ctx, halves.ID(), 0); !errors.Is(err, ErrInvalidArgument) {
			return fmt.Errorf("empty segment must fail, got %v", err)
		}

		// The other segment and the team are released by Exit.
		return nil
	})
}

func TestRuntime_PutOffsetOverflow(t *testing.T) {
	w := newTestWorld(t, 1)
	ctx := context.Background()

	rt, err := newTestRuntime(w.Backend(0), WithLocalAllocSize(1024))
	require.NoError(t, err)
	require.NoError(t, rt.Init(ctx))
	defer func() { require.NoError(t, rt.Exit(ctx)) }()

	gptr, err := rt.MemAlloc(16)
	require.NoError(t, err)
	require.Zero(t, gptr.Offset)

	for _, bad := range []GlobalPtr{
		gptr.Add(-1),
		{Team: TeamAll, Unit: 0, Segment: SegmentLocal, Offset: math.MaxUint64},
		{Team: TeamAll, Unit: 0, Segment: SegmentLocal, Offset: 1025},
	} {
		require.ErrorIs(t, rt.Put(ctx, bad, []byte{1, 2}), ErrInvalidArgument, bad.String())
		require.ErrorIs(t, rt.Get(ctx, bad, make([]byte, 2)), ErrInvalidArgument, bad.String())
	}
	require.NoError(t, rt.Put(ctx, gptr.Add(1022), []byte{1, 2}), "the last two bytes of the pool")
}

// 10 elements blocked over 2 units, each storing its part in a segment.
func TestRuntime_LocalAddressRange(t *testing.T) {
	w := newTestWorld(t, 2)

	runUnits(t, w, []Option{WithLocalAllocSize(1024)}, func(ctx context.Context, rt *Runtime) error {
		me := rt.MyID()
		p, err := pattern.NewBlocked(2, me, 10)
		if err != nil {
			return err
		}

		const elemSize = 4
		gptr, err := rt.TeamMemAlloc(ctx, TeamAll, p.LocalSize()*elemSize)
		if err != nil {
			return err
		}
		local, err := rt.Addr(gptr.WithUnit(me))
		if err != nil {
			return err
		}

		got, err := rt.LocalAddressRange(p, gptr, elemSize, 4, 7)
		if err != nil {
			return err
		}
		want := map[int][2]int{0: {4, 5}, 1: {0, 2}}[me]
		if len(got) != (want[1]-want[0])*elemSize || &got[0] != &local[want[0]*elemSize] {
			return fmt.Errorf("range of %d bytes does not start at local element %d", len(got), want[0])
		}

		empty, err := rt.LocalAddressRange(p, gptr, elemSize, 7, 4)
		if err != nil || empty != nil {
			return fmt.Errorf("inverted range resolved to %v, %v", empty, err)
		}

		// Memory the unit cannot resolve yields an empty range.
		missing := GlobalPtr{Team: TeamAll, Segment: 9}
		none, err := rt.LocalAddressRange(p, missing, elemSize, 0, 10)
		if err != nil || none != nil {
			return fmt.Errorf("unresolved segment gave %v, %v", none, err)
		}

		_, err = rt.LocalAddressRange(p, gptr, elemSize, 0, 11)
		if !errors.Is(err, pattern.ErrInvalidRange) {
			return fmt.Errorf("range past the pattern must fail, got %v", err)
		}

		// Pool memory allocated at the same offset on every unit works too.
		block, err := rt.MemAlloc(p.LocalSize() * elemSize)
		if err != nil {
			return err
		}
		fromPool, err := rt.LocalAddressRange(p, block.WithUnit(0), elemSize, 0, 10)
		if err != nil {
			return err
		}
		if len(fromPool) != int(p.LocalSize())*elemSize {
			return fmt.Errorf("pool range of %d bytes", len(fromPool))
		}
		return nil
	})
}
