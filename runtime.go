package pgas

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/pgas/pkg/transport"
)

// State of a Runtime. A runtime cycles through
// Uninitialized → Initializing → Ready → Finalizing → Uninitialized.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Runtime is the handle of one unit on the global address space. It owns
// the team table, the local pool and the windows exposing it, which only
// exist between `Init` and `Exit`.
type Runtime struct {
	config  config
	backend transport.Backend
	logger  *slog.Logger

	lk    sync.Mutex
	state State
	// rc is published once every collective resource exists, and withdrawn
	// before they are released.
	rc *runtimeCtx
}

// runtimeCtx holds everything built by a successful Init. Fields are set
// in initialization order, so a partial context can be torn down.
type runtimeCtx struct {
	thread      transport.ThreadLevel
	ownsBackend bool

	teams *teamTable
	all   *Team
	pool  *LocalPool
	wins  *windowManager
	// shared is nil unless the pool lives in shared memory.
	shared *sharedTable

	localityUp bool
}

// New prepares a runtime over backend. Settings are read from the
// configuration file and the environment, then overridden by opts.
func New(backend transport.Backend, opts ...Option) (*Runtime, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidCfg)
	}

	rt := &Runtime{
		config:  defaultConfig(),
		backend: backend,
	}
	for _, opt := range opts {
		err := opt(&rt.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if err := rt.config.resolve(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	// Logging implementations.
	if rt.config.logHandler != nil {
		rt.logger = slog.New(rt.config.logHandler)
	} else {
		rt.logger = slog.Default()
	}

	// Metrics implementations.
	if rt.config.msink == nil {
		rt.config.msink = metrics.Default()
	}

	return rt, nil
}

// Init brings the runtime up: the backend if nobody did it before, the
// team table and TeamAll, the local pool, the static and dynamic windows
// with their epochs, the shared memory table, then the locality hook.
// Collective over every unit of the run.
//
// A failing step unwinds the previous ones and reports ErrBackendFailure.
func (rt *Runtime) Init(ctx context.Context) error {
	rt.lk.Lock()
	if rt.state != StateUninitialized {
		rt.lk.Unlock()
		rt.logger.Error("init: runtime is already initialized")
		return ErrAlreadyInitialized
	}
	rt.state = StateInitializing
	rt.lk.Unlock()

	start := time.Now()
	rc := &runtimeCtx{}
	err := rt.bringUp(ctx, rc)
	if err != nil {
		rt.logger.Warn("init: failed, unwinding", LabelError.L(err))
		if uerr := rt.teardown(ctx, rc); uerr != nil {
			err = multierror.Append(err, uerr)
		}

		rt.lk.Lock()
		rt.rc = nil
		rt.state = StateUninitialized
		rt.lk.Unlock()

		rt.config.msink.IncrCounterWithLabels(MetricInitErrorCount, 1.0, rt.config.metricLabels)
		rt.logger.Error("init: failed", LabelError.L(err))
		return fmt.Errorf("%w: %w", ErrBackendFailure, err)
	}

	rt.lk.Lock()
	rt.state = StateReady
	rt.lk.Unlock()

	elapsed := time.Since(start)
	rt.config.msink.AddSampleWithLabels(
		MetricInitDuration,
		float32(elapsed.Seconds()*1e3),
		rt.config.metricLabels,
	)
	rt.logger.Info(
		"init: completed",
		LabelUnit.L(rc.all.MyID()),
		"units", rc.all.Size(),
		"thread_support", rc.thread.String(),
		"shared_memory", rc.shared != nil,
		LabelDuration.L(elapsed),
	)
	return nil
}

func (rt *Runtime) bringUp(ctx context.Context, rc *runtimeCtx) error {
	rt.logger.Debug("init: backend")
	if rt.backend.Initialized() {
		lvl, err := rt.backend.QueryThread()
		if err != nil {
			return fmt.Errorf("backend thread support: %w", err)
		}
		rc.thread = lvl
	} else {
		lvl, err := rt.backend.Init(ctx, rt.config.threadLevel)
		if err != nil {
			return fmt.Errorf("backend init: %w", err)
		}
		rc.thread = lvl
		rc.ownsBackend = true
	}
	if rc.thread < rt.config.threadLevel {
		rt.logger.Warn(
			"init: backend provides less thread support than requested",
			"requested", rt.config.threadLevel.String(),
			"provided", rc.thread.String(),
		)
	}

	rt.logger.Debug("init: team table")
	rc.teams = newTeamTable(rt.config.maxTeams)
	comm, err := rt.backend.World().Dup(ctx)
	if err != nil {
		return fmt.Errorf("ALL team communicator: %w", err)
	}
	rc.all = &Team{
		id:     TeamAll,
		parent: TeamNull,
		comm:   comm,
		window: -1,
		segs:   newSegmentTable(),
	}
	if err := rc.teams.add(rc.all); err != nil {
		return err
	}
	rc.all.node, err = comm.SplitShared(ctx)
	if err != nil {
		return fmt.Errorf("ALL team node communicator: %w", err)
	}

	rt.logger.Debug("init: local pool", LabelBytes.L(rt.config.localAllocSize))
	rc.pool, err = newLocalPool(rt.config.localAllocSize, rt.config.minBlockSize)
	if err != nil {
		return err
	}

	rt.logger.Debug("init: windows")
	rc.wins = newWindowManager(rt.backend, rt.logger, rt.config.msink, rt.config.metricLabels)
	mem, err := rc.wins.allocPool(ctx, rc.all.node, rt.config.localAllocSize, rt.config.sharedWindows)
	if err != nil {
		return err
	}
	rc.pool.bind(mem)
	if _, err := rc.wins.openStatic(ctx, TeamAll, comm, mem); err != nil {
		return err
	}
	rc.all.window, err = rc.wins.openDynamic(ctx, TeamAll, comm)
	if err != nil {
		return err
	}

	if sw := rc.wins.sharedWindow(); sw != nil {
		rt.logger.Debug("init: shared memory table", "node_size", rc.all.NodeSize())
		rc.shared, err = buildSharedTable(comm, rc.all.node, sw, rc.pool.Base())
		if err != nil {
			return err
		}
	}

	rt.lk.Lock()
	rt.rc = rc
	rt.lk.Unlock()

	if rt.config.locality != nil {
		rt.logger.Debug("init: locality")
		if err := rt.config.locality.Init(ctx, rt); err != nil {
			return fmt.Errorf("locality init: %w", err)
		}
		rc.localityUp = true
	}
	return nil
}

// Exit tears down everything Init built, in reverse order, and finalizes
// the backend if Init brought it up. Collective over every unit of the run.
func (rt *Runtime) Exit(ctx context.Context) error {
	rt.lk.Lock()
	if rt.state != StateReady {
		rt.lk.Unlock()
		rt.logger.Error("exit: runtime is not initialized")
		return ErrNotInitialized
	}
	rt.state = StateFinalizing
	rc := rt.rc
	rt.lk.Unlock()

	start := time.Now()
	rt.logger.Info("exit: shutting down...")
	err := rt.teardown(ctx, rc)

	rt.lk.Lock()
	rt.state = StateUninitialized
	rt.lk.Unlock()

	elapsed := time.Since(start)
	rt.config.msink.AddSampleWithLabels(
		MetricExitDuration,
		float32(elapsed.Seconds()*1e3),
		rt.config.metricLabels,
	)
	if err != nil {
		rt.logger.Error("exit: failed", LabelError.L(err))
		return fmt.Errorf("%w: %w", ErrBackendFailure, err)
	}
	rt.logger.Info("exit: completed", LabelDuration.L(elapsed))
	return nil
}

// teardown releases whatever rc holds. Every step runs even when a previous
// one failed, failures are aggregated.
func (rt *Runtime) teardown(ctx context.Context, rc *runtimeCtx) error {
	var merr *multierror.Error

	if rc.localityUp {
		rt.logger.Debug("exit: locality")
		if err := rt.config.locality.Finalize(ctx, rt); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("locality finalize: %w", err))
		}
		rc.localityUp = false
	}

	rt.lk.Lock()
	rt.rc = nil
	rt.lk.Unlock()

	if rc.teams != nil {
		for _, id := range rc.teams.ids() {
			if id == TeamAll {
				continue
			}
			rt.logger.Debug("exit: team", LabelTeam.L(id))
			team, err := rc.teams.remove(id)
			if err != nil {
				continue
			}
			merr = multierror.Append(merr, rt.releaseTeam(rc, team))
		}
	}

	if rc.all != nil {
		rt.logger.Debug("exit: segments")
		merr = multierror.Append(merr, rt.releaseSegments(rc, rc.all))
	}

	if rc.wins != nil {
		rt.logger.Debug("exit: windows")
		merr = multierror.Append(merr, rc.wins.closeAll(), rc.wins.releasePool())
		if n := rc.wins.openCount(); n > 0 {
			rt.logger.Warn("exit: epochs left open", "epochs", n)
		}
	}

	if rc.pool != nil {
		if n := rc.pool.Outstanding(); n > 0 {
			rt.logger.Debug("exit: dropping pool allocations", "blocks", n)
		}
		rc.pool.reset()
		rt.config.msink.SetGaugeWithLabels(MetricPoolUsedBytes, 0, rt.config.metricLabels)
	}

	if rc.all != nil {
		rt.logger.Debug("exit: team table")
		if rc.all.node != nil {
			if err := rc.all.node.Free(); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("ALL team node communicator: %w", err))
			}
		}
		if err := rc.all.comm.Free(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("ALL team communicator: %w", err))
		}
		if rc.teams != nil {
			_, _ = rc.teams.remove(TeamAll)
		}
	}

	if rc.ownsBackend {
		rt.logger.Debug("exit: backend")
		if err := rt.backend.Finalize(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("backend finalize: %w", err))
		}
	}
	return merr.ErrorOrNil()
}

// IsInitialized reports whether the runtime is Ready.
func (rt *Runtime) IsInitialized() bool {
	rt.lk.Lock()
	defer rt.lk.Unlock()
	return rt.state == StateReady
}

func (rt *Runtime) State() State {
	rt.lk.Lock()
	defer rt.lk.Unlock()
	return rt.state
}

// Abort terminates the run: it notifies every unit through the backend,
// then exits the process with code. It never returns, even if the
// notification fails.
func (rt *Runtime) Abort(code int) {
	rt.config.msink.IncrCounterWithLabels(
		MetricAbortCount,
		1.0,
		appendLabels(rt.config.metricLabels, LabelCode.M(strconv.Itoa(code))),
	)
	rt.logger.Error("aborting the run", LabelCode.L(code))

	if err := rt.backend.Abort(code); err != nil {
		rt.logger.Error("failed to notify the other units", LabelError.L(err))
	}
	rt.config.exit(code)

	// The exit function returned: stop at least the calling goroutine.
	runtime.Goexit()
}

func (rt *Runtime) active() (*runtimeCtx, error) {
	rt.lk.Lock()
	defer rt.lk.Unlock()
	if rt.rc == nil {
		return nil, ErrNotInitialized
	}
	return rt.rc, nil
}

// ThreadSupport is the thread level the backend provided at Init.
func (rt *Runtime) ThreadSupport() (transport.ThreadLevel, error) {
	rc, err := rt.active()
	if err != nil {
		return transport.ThreadSingle, err
	}
	return rc.thread, nil
}

// MyID is the rank of the calling unit in TeamAll, -1 when the runtime is
// not initialized.
func (rt *Runtime) MyID() int {
	rc, err := rt.active()
	if err != nil {
		return -1
	}
	return rc.all.MyID()
}

// Size is the number of units in TeamAll, 0 when the runtime is not
// initialized.
func (rt *Runtime) Size() int {
	rc, err := rt.active()
	if err != nil {
		return 0
	}
	return rc.all.Size()
}

// Pool is the local pool of the calling unit.
func (rt *Runtime) Pool() (*LocalPool, error) {
	rc, err := rt.active()
	if err != nil {
		return nil, err
	}
	return rc.pool, nil
}

// NodeBase returns the pool memory of the unit at rank r of the calling
// unit's node. It fails with ErrNoSharedMem when the pool does not live in
// shared memory.
func (rt *Runtime) NodeBase(r int) ([]byte, error) {
	rc, err := rt.active()
	if err != nil {
		return nil, err
	}
	if rc.shared == nil {
		return nil, ErrNoSharedMem
	}
	return rc.shared.Lookup(r)
}

// SharedMemory reports whether co-located units access each other's pool
// directly.
func (rt *Runtime) SharedMemory() bool {
	rc, err := rt.active()
	if err != nil {
		return false
	}
	return rc.shared != nil
}
