package pgas

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/pgas/pkg/pattern"
	"github.com/raskyld/pgas/pkg/transport"
)

// MemAlloc reserves n bytes of the calling unit's pool. The memory is
// remotely accessible through the returned pointer. Purely local.
func (rt *Runtime) MemAlloc(n int64) (GlobalPtr, error) {
	rc, err := rt.active()
	if err != nil {
		return NullPtr, err
	}

	off, err := rc.pool.Allocate(n)
	if err != nil {
		rt.config.msink.IncrCounterWithLabels(
			MetricPoolAllocErrorCount,
			1.0,
			appendLabels(rt.config.metricLabels, LabelError.M(errLabel(err))),
		)
		return NullPtr, err
	}

	rt.config.msink.IncrCounterWithLabels(MetricPoolAllocCount, 1.0, rt.config.metricLabels)
	rt.config.msink.SetGaugeWithLabels(MetricPoolUsedBytes, float32(rc.pool.Used()), rt.config.metricLabels)
	return GlobalPtr{
		Team:    TeamAll,
		Unit:    int32(rc.all.MyID()),
		Segment: SegmentLocal,
		Offset:  uint64(off),
	}, nil
}

// MemFree releases memory returned by MemAlloc. Only the unit which
// allocated it can free it.
func (rt *Runtime) MemFree(gptr GlobalPtr) error {
	rc, err := rt.active()
	if err != nil {
		return err
	}
	if gptr.Team != TeamAll || gptr.Segment != SegmentLocal || int(gptr.Unit) != rc.all.MyID() {
		return fmt.Errorf("%w: %s is not owned by the local pool", ErrInvalidArgument, gptr)
	}
	if err := rc.pool.Free(int64(gptr.Offset)); err != nil {
		return err
	}

	rt.config.msink.IncrCounterWithLabels(MetricPoolFreeCount, 1.0, rt.config.metricLabels)
	rt.config.msink.SetGaugeWithLabels(MetricPoolUsedBytes, float32(rc.pool.Used()), rt.config.metricLabels)
	return nil
}

// TeamMemAlloc collectively allocates n bytes on every member of team and
// attaches them to the team's dynamic window. The returned pointer
// addresses the memory of the team's first unit, see `GlobalPtr.WithUnit`.
func (rt *Runtime) TeamMemAlloc(ctx context.Context, id TeamID, n int64) (GlobalPtr, error) {
	rc, err := rt.active()
	if err != nil {
		return NullPtr, err
	}
	if n <= 0 {
		return NullPtr, fmt.Errorf("%w: segment of %d bytes", ErrInvalidArgument, n)
	}
	team, err := rc.teams.get(id)
	if err != nil {
		return NullPtr, err
	}
	mw, err := rc.wins.get(team.window)
	if err != nil {
		return NullPtr, err
	}

	mem, err := rt.backend.AllocMem(int(n))
	if err != nil {
		return NullPtr, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	disp, err := mw.dyn.Attach(mem)
	if err != nil {
		return NullPtr, fmt.Errorf("%w: %w", ErrBackendFailure,
			multierror.Append(err, rt.backend.FreeMem(mem)).ErrorOrNil())
	}

	all, err := transport.AllgatherInts(ctx, team.comm, int64(disp))
	if err != nil {
		return NullPtr, fmt.Errorf("%w: %w", ErrBackendFailure,
			multierror.Append(err, mw.dyn.Detach(disp), rt.backend.FreeMem(mem)).ErrorOrNil())
	}
	seg := &Segment{
		Team:  id,
		Size:  n,
		disps: make([]uint64, len(all)),
		mem:   mem,
	}
	for rank, v := range all {
		seg.disps[rank] = uint64(v[0])
	}
	sid := team.segs.add(seg)

	rt.config.msink.IncrCounterWithLabels(
		MetricSegmentAllocBytes,
		float32(n),
		appendLabels(rt.config.metricLabels, LabelTeam.M(fmt.Sprint(id))),
	)
	rt.logger.Debug("segment allocated", LabelTeam.L(id), LabelSegment.L(sid), LabelBytes.L(n))
	return GlobalPtr{Team: id, Unit: 0, Segment: sid, Offset: 0}, nil
}

// TeamMemFree collectively releases a segment allocated by TeamMemAlloc.
func (rt *Runtime) TeamMemFree(ctx context.Context, gptr GlobalPtr) error {
	rc, err := rt.active()
	if err != nil {
		return err
	}
	if gptr.Segment == SegmentLocal {
		return fmt.Errorf("%w: %s is not a team segment", ErrInvalidArgument, gptr)
	}
	team, err := rc.teams.get(gptr.Team)
	if err != nil {
		return err
	}
	seg, err := team.segs.remove(gptr.Segment)
	if err != nil {
		return err
	}

	// Nobody may still be accessing the segment when it is detached.
	if err := team.comm.Barrier(ctx); err != nil {
		rt.logger.Warn("segment free: barrier failed", LabelTeam.L(team.id), LabelError.L(err))
	}

	var dyn transport.DynamicWindow
	if mw, err := rc.wins.get(team.window); err == nil {
		dyn = mw.dyn
	}
	if err := rt.releaseSegment(dyn, team, seg); err != nil {
		return fmt.Errorf("%w: %w", ErrBackendFailure, err)
	}
	return nil
}

// Addr returns a direct view of the memory gptr points to, up to the end of
// its block or segment. It works for the calling unit's memory and, when
// shared memory is active, for units of the same node.
func (rt *Runtime) Addr(gptr GlobalPtr) ([]byte, error) {
	rc, err := rt.active()
	if err != nil {
		return nil, err
	}
	return rt.resolveLocal(rc, gptr)
}

func (rt *Runtime) resolveLocal(rc *runtimeCtx, gptr GlobalPtr) ([]byte, error) {
	if gptr.IsNull() {
		return nil, fmt.Errorf("%w: null pointer", ErrInvalidArgument)
	}

	if gptr.Segment == SegmentLocal {
		if gptr.Team != TeamAll {
			return nil, fmt.Errorf("%w: local pool pointer %s outside of TeamAll", ErrInvalidArgument, gptr)
		}
		var base []byte
		switch {
		case int(gptr.Unit) == rc.all.MyID():
			base = rc.pool.Base()
		case rc.shared != nil:
			base, _ = rc.shared.LookupUnit(int(gptr.Unit))
		}
		if base == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoSharedMem, gptr)
		}
		if gptr.Offset > uint64(len(base)) {
			return nil, fmt.Errorf("%w: %s past the pool", ErrInvalidArgument, gptr)
		}
		return base[gptr.Offset:], nil
	}

	team, err := rc.teams.get(gptr.Team)
	if err != nil {
		return nil, err
	}
	if int(gptr.Unit) != team.MyID() {
		return nil, fmt.Errorf("%w: %s", ErrNoSharedMem, gptr)
	}
	seg, err := team.segs.get(gptr.Segment)
	if err != nil {
		return nil, err
	}
	if gptr.Offset > uint64(len(seg.mem)) {
		return nil, fmt.Errorf("%w: %s past segment of %d bytes", ErrInvalidArgument, gptr, seg.Size)
	}
	return seg.mem[gptr.Offset:], nil
}

// LocalAddressRange resolves the calling unit's memory holding the
// elements of [begin, end) under p. gptr points to the start of the
// distributed allocation; the calling unit's part of it is its local base.
// When the calling unit owns nothing of the range, or its memory cannot be
// resolved, the range is nil.
func (rt *Runtime) LocalAddressRange(p pattern.Pattern, gptr GlobalPtr, elemSize int, begin, end int64) ([]byte, error) {
	rc, err := rt.active()
	if err != nil {
		return nil, err
	}

	local := gptr
	if gptr.Segment == SegmentLocal {
		local = gptr.WithUnit(rc.all.MyID())
	} else if team, err := rc.teams.get(gptr.Team); err == nil {
		local = gptr.WithUnit(team.MyID())
	}

	base, err := rt.resolveLocal(rc, local)
	if err != nil {
		rt.logger.Debug("local address range: no local memory", LabelError.L(err))
		base = nil
	}
	return pattern.LocalAddressRange(p, base, elemSize, begin, end)
}

func errLabel(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrOutOfMemory):
		return "out_of_memory"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "unknown"
	}
}
