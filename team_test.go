package pgas

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/raskyld/pgas/pkg/transport"
	"github.com/raskyld/pgas/pkg/transport/inproc"
	"github.com/stretchr/testify/require"
)

func TestTeamTable(t *testing.T) {
	tt := newTeamTable(2)

	all := &Team{id: TeamAll}
	require.NoError(t, tt.add(all))
	require.Equal(t, TeamID(1), tt.peekID())

	sub := &Team{id: 1}
	require.NoError(t, tt.add(sub))
	require.ErrorIs(t, tt.add(&Team{id: 2}), ErrTeamTable)
	require.ErrorIs(t, tt.add(&Team{id: 1}), ErrInvalidArgument)

	removed, err := tt.remove(1)
	require.NoError(t, err)
	require.Same(t, sub, removed)
	_, err = tt.get(1)
	require.ErrorIs(t, err, ErrTeamNotFound)

	// The slot is reused, the id is not.
	next := &Team{id: tt.peekID()}
	require.Equal(t, TeamID(2), next.id)
	require.NoError(t, tt.add(next))
	require.Equal(t, sub.slot, next.slot)

	tt.consumeID(7)
	require.Equal(t, TeamID(8), tt.peekID())
	tt.consumeID(3)
	require.Equal(t, TeamID(8), tt.peekID())

	if diff := cmp.Diff([]TeamID{2, TeamAll}, tt.ids()); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 2, tt.count())
}

func TestRuntime_Split(t *testing.T) {
	w := newTestWorld(t, 4, inproc.WithUnitsPerNode(2))

	runUnits(t, w, []Option{WithLocalAllocSize(1024)}, func(ctx context.Context, rt *Runtime) error {
		me := rt.MyID()

		halves, err := rt.Split(ctx, TeamAll, IntoGroups(2))
		if err != nil {
			return err
		}
		if halves.ID() != 1 || halves.Parent() != TeamAll || halves.Size() != 2 {
			return fmt.Errorf("unexpected team %d of %d units", halves.ID(), halves.Size())
		}
		if halves.MyID() != me%2 {
			return fmt.Errorf("rank %d in halves", halves.MyID())
		}
		first, err := halves.GlobalUnit(0)
		if err != nil {
			return err
		}
		if first != me/2*2 {
			return fmt.Errorf("first unit of my half is %d", first)
		}
		if halves.NodeSize() != 2 {
			return fmt.Errorf("node size %d", halves.NodeSize())
		}

		color := transport.Undefined
		if me%2 == 0 {
			color = 0
		}
		evens, err := rt.Split(ctx, TeamAll, ByColor(color, me))
		if err != nil {
			return err
		}
		switch {
		case me%2 == 1 && evens != nil:
			return errors.New("odd unit joined the even team")
		case me%2 == 0 && (evens == nil || evens.ID() != 2 || evens.Size() != 2):
			return errors.New("even unit missing from the even team")
		}

		// Units left out still agree on the next id.
		nodes, err := rt.Split(ctx, TeamAll, ByNode())
		if err != nil {
			return err
		}
		if nodes.ID() != 3 || nodes.Size() != 2 || nodes.NodeRank() != me%2 {
			return fmt.Errorf("unexpected node team %d of %d units", nodes.ID(), nodes.Size())
		}

		// Sub-teams split further.
		solo, err := rt.Split(ctx, halves.ID(), IntoGroups(2))
		if err != nil {
			return err
		}
		if solo.ID() != 4 || solo.Size() != 1 || solo.Parent() != halves.ID() {
			return fmt.Errorf("unexpected solo team %d of %d units", solo.ID(), solo.Size())
		}

		if err := rt.DestroyTeam(ctx, solo.ID()); err != nil {
			return err
		}
		if _, err := rt.Team(solo.ID()); !errors.Is(err, ErrTeamNotFound) {
			return fmt.Errorf("destroyed team still registered: %v", err)
		}
		if err := rt.DestroyTeam(ctx, TeamAll); !errors.Is(err, ErrInvalidArgument) {
			return fmt.Errorf("destroying ALL must fail, got %v", err)
		}

		_, err = rt.Split(ctx, 42, ByNode())
		if !errors.Is(err, ErrTeamNotFound) {
			return fmt.Errorf("split of an unknown team must fail, got %v", err)
		}

		// Remaining teams are released by Exit.
		return nil
	})
}

func TestRuntime_SplitTableFull(t *testing.T) {
	w := newTestWorld(t, 2)

	runUnits(t, w, []Option{WithLocalAllocSize(1024), WithMaxTeams(2)}, func(ctx context.Context, rt *Runtime) error {
		if _, err := rt.Split(ctx, TeamAll, IntoGroups(2)); err != nil {
			return err
		}
		_, err := rt.Split(ctx, TeamAll, IntoGroups(1))
		if !errors.Is(err, ErrTeamTable) {
			return fmt.Errorf("expected a full team table, got %v", err)
		}
		_, err = rt.Split(ctx, TeamAll, IntoGroups(3))
		if !errors.Is(err, ErrBackendFailure) || !errors.Is(err, ErrInvalidArgument) {
			return fmt.Errorf("expected an invalid criterion, got %v", err)
		}
		return nil
	})
}
