package pgas

import (
	"context"
	"fmt"

	"github.com/raskyld/pgas/pkg/transport"
)

// rmaTarget is where a one-sided access lands: either memory mapped in the
// calling unit, or a window displacement at a rank.
type rmaTarget struct {
	direct []byte
	win    transport.Window
	rank   int
	disp   uint64
}

func (rt *Runtime) resolveTarget(rc *runtimeCtx, gptr GlobalPtr, n int) (rmaTarget, error) {
	if gptr.IsNull() {
		return rmaTarget{}, fmt.Errorf("%w: null pointer", ErrInvalidArgument)
	}

	if gptr.Segment == SegmentLocal {
		if gptr.Team != TeamAll {
			return rmaTarget{}, fmt.Errorf("%w: local pool pointer %s outside of TeamAll", ErrInvalidArgument, gptr)
		}
		unit := int(gptr.Unit)
		if unit >= rc.all.Size() {
			return rmaTarget{}, fmt.Errorf("%w: %s in a team of %d", ErrInvalidArgument, gptr, rc.all.Size())
		}
		if !within(gptr.Offset, n, uint64(rc.pool.Capacity())) {
			return rmaTarget{}, fmt.Errorf("%w: %d bytes at %s past the pool", ErrInvalidArgument, n, gptr)
		}

		var base []byte
		switch {
		case unit == rc.all.MyID():
			base = rc.pool.Base()
		case rc.shared != nil:
			base, _ = rc.shared.LookupUnit(unit)
		}
		if base != nil {
			return rmaTarget{direct: base[gptr.Offset : gptr.Offset+uint64(n)]}, nil
		}

		mw, err := rc.wins.staticWindow()
		if err != nil {
			return rmaTarget{}, err
		}
		return rmaTarget{win: mw.win, rank: unit, disp: gptr.Offset}, nil
	}

	team, err := rc.teams.get(gptr.Team)
	if err != nil {
		return rmaTarget{}, err
	}
	seg, err := team.segs.get(gptr.Segment)
	if err != nil {
		return rmaTarget{}, err
	}
	disp, err := seg.Disp(int(gptr.Unit))
	if err != nil {
		return rmaTarget{}, err
	}
	if !within(gptr.Offset, n, uint64(seg.Size)) {
		return rmaTarget{}, fmt.Errorf("%w: %d bytes at %s past a segment of %d bytes", ErrInvalidArgument, n, gptr, seg.Size)
	}
	if int(gptr.Unit) == team.MyID() {
		return rmaTarget{direct: seg.mem[gptr.Offset : gptr.Offset+uint64(n)]}, nil
	}

	mw, err := rc.wins.get(team.window)
	if err != nil {
		return rmaTarget{}, err
	}
	return rmaTarget{win: mw.win, rank: int(gptr.Unit), disp: disp + gptr.Offset}, nil
}

// Put copies src to the memory gptr points to. Units of the same node are
// written directly when shared memory is active. Remote writes complete at
// the latest on the next Flush targeting the same unit.
func (rt *Runtime) Put(ctx context.Context, gptr GlobalPtr, src []byte) error {
	rc, err := rt.active()
	if err != nil {
		return err
	}
	t, err := rt.resolveTarget(rc, gptr, len(src))
	if err != nil {
		return err
	}

	if t.direct != nil {
		copy(t.direct, src)
		rt.config.msink.IncrCounterWithLabels(MetricSharedAccessCount, 1.0, rt.config.metricLabels)
		return nil
	}
	if err := t.win.Put(ctx, t.rank, t.disp, src); err != nil {
		return fmt.Errorf("%w: put to %s: %w", ErrBackendFailure, gptr, err)
	}
	rt.config.msink.IncrCounterWithLabels(MetricPutBytes, float32(len(src)), rt.config.metricLabels)
	return nil
}

// Get copies the memory gptr points to into dst.
func (rt *Runtime) Get(ctx context.Context, gptr GlobalPtr, dst []byte) error {
	rc, err := rt.active()
	if err != nil {
		return err
	}
	t, err := rt.resolveTarget(rc, gptr, len(dst))
	if err != nil {
		return err
	}

	if t.direct != nil {
		copy(dst, t.direct)
		rt.config.msink.IncrCounterWithLabels(MetricSharedAccessCount, 1.0, rt.config.metricLabels)
		return nil
	}
	if err := t.win.Get(ctx, t.rank, t.disp, dst); err != nil {
		return fmt.Errorf("%w: get from %s: %w", ErrBackendFailure, gptr, err)
	}
	rt.config.msink.IncrCounterWithLabels(MetricGetBytes, float32(len(dst)), rt.config.metricLabels)
	return nil
}

// Flush completes every access issued to the unit gptr points to.
func (rt *Runtime) Flush(ctx context.Context, gptr GlobalPtr) error {
	rc, err := rt.active()
	if err != nil {
		return err
	}
	t, err := rt.resolveTarget(rc, gptr, 0)
	if err != nil {
		return err
	}
	if t.direct != nil {
		return nil
	}
	if err := t.win.Flush(ctx, t.rank); err != nil {
		return fmt.Errorf("%w: flush of %s: %w", ErrBackendFailure, gptr, err)
	}
	return nil
}

// within reports whether n bytes at off fit in size bytes.
func within(off uint64, n int, size uint64) bool {
	return off <= size && uint64(n) <= size-off
}
