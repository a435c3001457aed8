package pgas

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/pgas/pkg/transport"
)

// WindowID is a handle on a window owned by the window manager. Teams only
// keep handles.
type WindowID int32

type windowKind int

const (
	staticWindow windowKind = iota
	dynamicWindow
)

func (k windowKind) String() string {
	if k == dynamicWindow {
		return "dynamic"
	}
	return "static"
}

// managedWindow is a window with its passive-target epoch. The epoch is
// opened once right after creation and closed once right before the window
// is freed.
type managedWindow struct {
	id   WindowID
	kind windowKind
	team TeamID
	win  transport.Window
	dyn  transport.DynamicWindow
	open bool
}

// windowManager owns every window of the runtime, and the memory backing
// the local pool.
type windowManager struct {
	backend transport.Backend
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label

	lk     sync.Mutex
	wins   map[WindowID]*managedWindow
	nextID WindowID
	// epochs counts the open passive-target epochs, including those of
	// windows already withdrawn from wins but not closed yet.
	epochs int

	static WindowID
	// shared is set when the pool lives in node-local shared memory.
	shared  transport.SharedWindow
	poolMem []byte
}

func newWindowManager(backend transport.Backend, logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *windowManager {
	return &windowManager{
		backend: backend,
		logger:  logger,
		msink:   msink,
		labels:  labels,
		wins:    make(map[WindowID]*managedWindow),
		static:  -1,
	}
}

// allocPool returns the memory backing the local pool. Shared memory is
// used when enabled and supported, private memory otherwise. The choice is
// made once, before any window exists.
func (wm *windowManager) allocPool(ctx context.Context, node transport.Comm, size int64, useShared bool) ([]byte, error) {
	if useShared && node != nil && wm.backend.SharedWindowsSupported() {
		sw, err := node.AllocateSharedWindow(ctx, int(size))
		if err != nil {
			return nil, fmt.Errorf("shared pool allocation: %w", err)
		}
		wm.shared = sw
		wm.poolMem = sw.Local()
		wm.logger.Debug("local pool backed by shared memory", LabelBytes.L(size))
		return wm.poolMem, nil
	}

	mem, err := wm.backend.AllocMem(int(size))
	if err != nil {
		return nil, fmt.Errorf("pool allocation: %w", err)
	}
	wm.poolMem = mem
	wm.logger.Debug("local pool backed by private memory", LabelBytes.L(size))
	return mem, nil
}

// sharedWindow is the node-local window backing the pool, nil when the
// pool lives in private memory.
func (wm *windowManager) sharedWindow() transport.SharedWindow {
	return wm.shared
}

// openStatic exposes mem to every member of comm and opens the epoch.
func (wm *windowManager) openStatic(ctx context.Context, team TeamID, comm transport.Comm, mem []byte) (WindowID, error) {
	win, err := comm.CreateWindow(ctx, mem)
	if err != nil {
		return -1, fmt.Errorf("static window creation: %w", err)
	}
	id, err := wm.register(&managedWindow{kind: staticWindow, team: team, win: win})
	if err != nil {
		return -1, err
	}
	wm.lk.Lock()
	wm.static = id
	wm.lk.Unlock()
	return id, nil
}

// openDynamic creates an empty dynamic window over comm and opens the
// epoch.
func (wm *windowManager) openDynamic(ctx context.Context, team TeamID, comm transport.Comm) (WindowID, error) {
	win, err := comm.CreateDynamicWindow(ctx)
	if err != nil {
		return -1, fmt.Errorf("dynamic window creation: %w", err)
	}
	return wm.register(&managedWindow{kind: dynamicWindow, team: team, win: win, dyn: win})
}

func (wm *windowManager) register(mw *managedWindow) (WindowID, error) {
	if err := mw.win.LockAll(); err != nil {
		return -1, multierror.Append(
			fmt.Errorf("%s window epoch: %w", mw.kind, err),
			mw.win.Free(),
		).ErrorOrNil()
	}
	mw.open = true

	wm.lk.Lock()
	mw.id = wm.nextID
	wm.nextID++
	wm.wins[mw.id] = mw
	wm.epochs++
	wm.lk.Unlock()

	wm.msink.IncrCounterWithLabels(
		MetricEpochOpenCount,
		1.0,
		appendLabels(wm.labels, LabelWindow.M(mw.kind.String())),
	)
	wm.logger.Debug(
		"window epoch opened",
		LabelWindow.L(mw.id),
		LabelTeam.L(mw.team),
		"kind", mw.kind.String(),
	)
	return mw.id, nil
}

func (wm *windowManager) get(id WindowID) (*managedWindow, error) {
	wm.lk.Lock()
	defer wm.lk.Unlock()
	mw, has := wm.wins[id]
	if !has {
		return nil, fmt.Errorf("%w: window %d", ErrEpochClosed, id)
	}
	return mw, nil
}

func (wm *windowManager) staticWindow() (*managedWindow, error) {
	wm.lk.Lock()
	id := wm.static
	wm.lk.Unlock()
	return wm.get(id)
}

func (wm *windowManager) closeEpoch(mw *managedWindow) error {
	if !mw.open {
		return nil
	}
	mw.open = false
	if err := mw.win.UnlockAll(); err != nil {
		return fmt.Errorf("%s window %d epoch: %w", mw.kind, mw.id, err)
	}
	wm.lk.Lock()
	wm.epochs--
	wm.lk.Unlock()
	wm.msink.IncrCounterWithLabels(
		MetricEpochCloseCount,
		1.0,
		appendLabels(wm.labels, LabelWindow.M(mw.kind.String())),
	)
	return nil
}

// close ends the epoch of a single window and frees it. Collective over the
// window's communicator.
func (wm *windowManager) close(id WindowID) error {
	wm.lk.Lock()
	mw, has := wm.wins[id]
	delete(wm.wins, id)
	wm.lk.Unlock()
	if !has {
		return fmt.Errorf("%w: window %d", ErrEpochClosed, id)
	}

	var merr *multierror.Error
	merr = multierror.Append(merr, wm.closeEpoch(mw))
	if err := mw.win.Free(); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("%s window %d: %w", mw.kind, id, err))
	}
	return merr.ErrorOrNil()
}

// closeAll closes every epoch, then frees every window, most recent first.
// It must be called once, after which no remote access is valid.
func (wm *windowManager) closeAll() error {
	wm.lk.Lock()
	wins := make([]*managedWindow, 0, len(wm.wins))
	for _, mw := range wm.wins {
		wins = append(wins, mw)
	}
	clear(wm.wins)
	wm.static = -1
	wm.lk.Unlock()

	slices.SortFunc(wins, func(a, b *managedWindow) int {
		return cmp.Compare(b.id, a.id)
	})

	var merr *multierror.Error
	for _, mw := range wins {
		if err := wm.closeEpoch(mw); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	for _, mw := range wins {
		if err := mw.win.Free(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s window %d: %w", mw.kind, mw.id, err))
		}
	}
	return merr.ErrorOrNil()
}

// releasePool frees the memory allocated by allocPool.
func (wm *windowManager) releasePool() error {
	defer func() {
		wm.shared = nil
		wm.poolMem = nil
	}()
	switch {
	case wm.shared != nil:
		if err := wm.shared.Free(); err != nil {
			return fmt.Errorf("shared pool window: %w", err)
		}
	case wm.poolMem != nil:
		if err := wm.backend.FreeMem(wm.poolMem); err != nil {
			return fmt.Errorf("pool memory: %w", err)
		}
	}
	return nil
}

// openCount is the number of epochs opened and not successfully closed.
func (wm *windowManager) openCount() int {
	wm.lk.Lock()
	defer wm.lk.Unlock()
	return wm.epochs
}

func appendLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	return slices.Concat(base, extra)
}
