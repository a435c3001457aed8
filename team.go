package pgas

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/pgas/pkg/transport"
)

// Team is a group of units able to run collective operations together.
// Teams form a tree rooted at TeamAll.
type Team struct {
	id     TeamID
	parent TeamID
	slot   int

	comm transport.Comm
	// node groups the members sharing a physical node, nil if the backend
	// could not build it.
	node transport.Comm

	// window is the handle of the dynamic window, owned by the window
	// manager.
	window WindowID
	segs   *segmentTable
}

func (t *Team) ID() TeamID {
	return t.id
}

// Parent is the team t was split from, TeamNull for TeamAll.
func (t *Team) Parent() TeamID {
	return t.parent
}

func (t *Team) Size() int {
	return t.comm.Size()
}

// MyID is the rank of the calling unit in t.
func (t *Team) MyID() int {
	return t.comm.Rank()
}

// Comm is the communicator backing t.
func (t *Team) Comm() transport.Comm {
	return t.comm
}

// GlobalUnit translates a rank in t to a rank in the world communicator.
func (t *Team) GlobalUnit(rank int) (int, error) {
	group := t.comm.Group()
	if rank < 0 || rank >= len(group) {
		return 0, fmt.Errorf("%w: unit %d in a team of %d", ErrInvalidArgument, rank, len(group))
	}
	return group[rank], nil
}

// NodeSize is the number of members of t on the calling unit's node.
func (t *Team) NodeSize() int {
	if t.node == nil {
		return 1
	}
	return t.node.Size()
}

// NodeRank is the rank of the calling unit among the members of t on its
// node.
func (t *Team) NodeRank() int {
	if t.node == nil {
		return 0
	}
	return t.node.Rank()
}

// NodeComm is the node-local communicator of t, if any.
func (t *Team) NodeComm() transport.Comm {
	return t.node
}

// Criterion decides the membership of the teams created by `Runtime.Split`.
// It must be called by every member of parent with equivalent arguments, and
// returns nil for a unit left out of every new team.
type Criterion interface {
	Split(ctx context.Context, parent transport.Comm) (transport.Comm, error)
}

// CriterionFunc adapts a function to a Criterion.
type CriterionFunc func(ctx context.Context, parent transport.Comm) (transport.Comm, error)

func (f CriterionFunc) Split(ctx context.Context, parent transport.Comm) (transport.Comm, error) {
	return f(ctx, parent)
}

// ByNode groups the units sharing a physical node.
func ByNode() Criterion {
	return CriterionFunc(func(ctx context.Context, parent transport.Comm) (transport.Comm, error) {
		return parent.SplitShared(ctx)
	})
}

// ByColor groups the units passing the same color, ordered by key. A unit
// passing transport.Undefined joins no team.
func ByColor(color, key int) Criterion {
	return CriterionFunc(func(ctx context.Context, parent transport.Comm) (transport.Comm, error) {
		return parent.Split(ctx, color, key)
	})
}

// IntoGroups cuts the parent into n groups of consecutive ranks, as even as
// possible.
func IntoGroups(n int) Criterion {
	return CriterionFunc(func(ctx context.Context, parent transport.Comm) (transport.Comm, error) {
		if n <= 0 || n > parent.Size() {
			return nil, fmt.Errorf("%w: %d groups out of %d units", ErrInvalidArgument, n, parent.Size())
		}
		rank := parent.Rank()
		return parent.Split(ctx, rank*n/parent.Size(), rank)
	})
}

// teamTable holds the teams the calling unit is a member of. Slots of
// destroyed teams are reused while ids only grow.
type teamTable struct {
	lk     sync.Mutex
	slots  []*Team
	free   []int
	byID   map[TeamID]int
	nextID TeamID
}

func newTeamTable(size int) *teamTable {
	tt := &teamTable{
		slots: make([]*Team, size),
		free:  make([]int, 0, size),
		byID:  make(map[TeamID]int, size),
	}
	for slot := size - 1; slot >= 0; slot-- {
		tt.free = append(tt.free, slot)
	}
	return tt
}

// peekID is the lowest id this unit could give to a new team.
func (tt *teamTable) peekID() TeamID {
	tt.lk.Lock()
	defer tt.lk.Unlock()
	return tt.nextID
}

// consumeID records that every id up to id is taken.
func (tt *teamTable) consumeID(id TeamID) {
	tt.lk.Lock()
	defer tt.lk.Unlock()
	tt.nextID = max(tt.nextID, id+1)
}

func (tt *teamTable) add(t *Team) error {
	tt.lk.Lock()
	defer tt.lk.Unlock()

	if _, has := tt.byID[t.id]; has {
		return fmt.Errorf("%w: team %d already registered", ErrInvalidArgument, t.id)
	}
	if len(tt.free) == 0 {
		return fmt.Errorf("%w: %d teams", ErrTeamTable, len(tt.slots))
	}

	slot := tt.free[len(tt.free)-1]
	tt.free = tt.free[:len(tt.free)-1]
	t.slot = slot
	tt.slots[slot] = t
	tt.byID[t.id] = slot
	tt.nextID = max(tt.nextID, t.id+1)
	return nil
}

func (tt *teamTable) get(id TeamID) (*Team, error) {
	tt.lk.Lock()
	defer tt.lk.Unlock()

	slot, has := tt.byID[id]
	if !has {
		return nil, fmt.Errorf("%w: %d", ErrTeamNotFound, id)
	}
	return tt.slots[slot], nil
}

func (tt *teamTable) remove(id TeamID) (*Team, error) {
	tt.lk.Lock()
	defer tt.lk.Unlock()

	slot, has := tt.byID[id]
	if !has {
		return nil, fmt.Errorf("%w: %d", ErrTeamNotFound, id)
	}
	t := tt.slots[slot]
	tt.slots[slot] = nil
	delete(tt.byID, id)
	tt.free = append(tt.free, slot)
	return t, nil
}

// ids lists the registered teams, most recent first.
func (tt *teamTable) ids() []TeamID {
	tt.lk.Lock()
	defer tt.lk.Unlock()

	ids := make([]TeamID, 0, len(tt.byID))
	for id := range tt.byID {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b TeamID) int {
		return cmp.Compare(b, a)
	})
	return ids
}

func (tt *teamTable) count() int {
	tt.lk.Lock()
	defer tt.lk.Unlock()
	return len(tt.byID)
}

// Team returns a team the calling unit is a member of.
func (rt *Runtime) Team(id TeamID) (*Team, error) {
	rc, err := rt.active()
	if err != nil {
		return nil, err
	}
	return rc.teams.get(id)
}

// Split derives sub-teams of parent following crit, and returns the one
// the calling unit joined, or nil if it joined none. Every member of parent
// must call it with an equivalent criterion.
//
// Members agree on the id of the new teams: it is the largest id any member
// of parent could hand out.
func (rt *Runtime) Split(ctx context.Context, parent TeamID, crit Criterion) (*Team, error) {
	rc, err := rt.active()
	if err != nil {
		return nil, err
	}
	if crit == nil {
		return nil, fmt.Errorf("%w: nil criterion", ErrInvalidArgument)
	}
	pt, err := rc.teams.get(parent)
	if err != nil {
		return nil, err
	}

	proposals, err := transport.AllgatherInts(ctx, pt.comm, int64(rc.teams.peekID()))
	if err != nil {
		return nil, fmt.Errorf("%w: team id agreement: %w", ErrBackendFailure, err)
	}
	var id TeamID
	for _, p := range proposals {
		id = max(id, TeamID(p[0]))
	}

	comm, err := crit.Split(ctx, pt.comm)
	if err != nil {
		return nil, fmt.Errorf("%w: split of team %d: %w", ErrBackendFailure, parent, err)
	}
	rc.teams.consumeID(id)
	if comm == nil {
		rt.logger.Debug("split: not a member of any new team", LabelTeam.L(parent))
		return nil, nil
	}

	team := &Team{
		id:     id,
		parent: parent,
		comm:   comm,
		window: -1,
		segs:   newSegmentTable(),
	}
	if err := rt.bringUpTeam(ctx, rc, team); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendFailure,
			multierror.Append(err, rt.releaseTeam(rc, team)).ErrorOrNil())
	}
	if err := rc.teams.add(team); err != nil {
		return nil, multierror.Append(err, rt.releaseTeam(rc, team)).ErrorOrNil()
	}

	rt.config.msink.IncrCounterWithLabels(MetricTeamCreateCount, 1.0, rt.config.metricLabels)
	rt.logger.Debug(
		"split: team created",
		LabelTeam.L(id),
		"parent", parent,
		"size", team.Size(),
		LabelUnit.L(team.MyID()),
	)
	return team, nil
}

func (rt *Runtime) bringUpTeam(ctx context.Context, rc *runtimeCtx, team *Team) error {
	node, err := team.comm.SplitShared(ctx)
	if err != nil {
		return fmt.Errorf("node communicator of team %d: %w", team.id, err)
	}
	team.node = node

	team.window, err = rc.wins.openDynamic(ctx, team.id, team.comm)
	return err
}

// DestroyTeam collectively releases a team created by Split. TeamAll only
// goes away with Exit.
func (rt *Runtime) DestroyTeam(ctx context.Context, id TeamID) error {
	if id == TeamAll {
		return fmt.Errorf("%w: TeamAll is destroyed by Exit", ErrInvalidArgument)
	}
	rc, err := rt.active()
	if err != nil {
		return err
	}
	team, err := rc.teams.remove(id)
	if err != nil {
		return err
	}

	if err := team.comm.Barrier(ctx); err != nil {
		rt.logger.Warn("destroy: barrier failed", LabelTeam.L(id), LabelError.L(err))
	}
	if err := rt.releaseTeam(rc, team); err != nil {
		return fmt.Errorf("%w: %w", ErrBackendFailure, err)
	}

	rt.config.msink.IncrCounterWithLabels(MetricTeamDestroyCount, 1.0, rt.config.metricLabels)
	rt.logger.Debug("destroy: team released", LabelTeam.L(id))
	return nil
}

// releaseTeam frees the segments, the window and the communicators of
// team. Collective over the team.
func (rt *Runtime) releaseTeam(rc *runtimeCtx, team *Team) error {
	var merr *multierror.Error
	merr = multierror.Append(merr, rt.releaseSegments(rc, team))
	if team.window >= 0 {
		merr = multierror.Append(merr, rc.wins.close(team.window))
		team.window = -1
	}
	if team.node != nil {
		if err := team.node.Free(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("node communicator of team %d: %w", team.id, err))
		}
		team.node = nil
	}
	if err := team.comm.Free(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("communicator of team %d: %w", team.id, err))
	}
	return merr.ErrorOrNil()
}

// releaseSegments detaches and frees every segment of team.
func (rt *Runtime) releaseSegments(rc *runtimeCtx, team *Team) error {
	var merr *multierror.Error
	var dyn transport.DynamicWindow
	if rc.wins != nil && team.window >= 0 {
		if mw, err := rc.wins.get(team.window); err == nil {
			dyn = mw.dyn
		}
	}
	for _, seg := range team.segs.drain() {
		merr = multierror.Append(merr, rt.releaseSegment(dyn, team, seg))
	}
	return merr.ErrorOrNil()
}

func (rt *Runtime) releaseSegment(dyn transport.DynamicWindow, team *Team, seg *Segment) error {
	var merr *multierror.Error
	if dyn != nil {
		if err := dyn.Detach(seg.disps[team.MyID()]); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("segment %d of team %d: %w", seg.ID, team.id, err))
		}
	}
	if err := rt.backend.FreeMem(seg.mem); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("segment %d of team %d memory: %w", seg.ID, team.id, err))
	}
	rt.logger.Debug("segment released", LabelTeam.L(team.id), LabelSegment.L(seg.ID))
	return merr.ErrorOrNil()
}
