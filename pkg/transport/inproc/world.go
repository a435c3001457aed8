// Package inproc is a transport backend whose units are goroutines of a
// single process. Collectives rendezvous on shared state, windows are plain
// byte slices and node-local shared windows are backed by shared anonymous
// mappings.
//
// It is the reference backend for tests and single-host runs.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pgas/pkg/transport"
)

var (
	ErrInvalidWorld       = errors.New("inproc: world size must be positive")
	ErrAlreadyInitialized = errors.New("inproc: backend already initialized")
	ErrCollectiveMismatch = errors.New("inproc: members issued different collectives")
)

const (
	worldKey = "world"

	logKeyWorld = "world"
	logKeyRank  = "rank"
	logKeyNode  = "node"
	logKeyCode  = "code"
)

var (
	MetricPutBytes = []string{"inproc", "rma", "put", "bytes"}
	MetricGetBytes = []string{"inproc", "rma", "get", "bytes"}
	MetricAborts   = []string{"inproc", "abort", "count"}
)

// World is a run of Size units sharing one address space.
type World struct {
	id     uuid.UUID
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	size  int
	nodes []string
	units []*unit

	world *commState
	lk    sync.Mutex
	comms map[string]*commState
	wins  map[string]*winState

	abortOnce sync.Once
	abortCh   chan struct{}
	abortCode int
}

// NewWorld creates a world of size units.
func NewWorld(size int, opts ...Option) (*World, error) {
	if size <= 0 {
		return nil, ErrInvalidWorld
	}

	w := &World{
		id:    uuid.New(),
		size:  size,
		comms: make(map[string]*commState),
		wins:  make(map[string]*winState),
		cfg: config{
			sharedWindows:  true,
			maxThreadLevel: transport.ThreadMultiple,
		},
		abortCh: make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(&w.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if w.cfg.logHandler != nil {
		w.logger = slog.New(w.cfg.logHandler)
	} else {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With(logKeyWorld, w.id.String())

	if w.cfg.msink == nil {
		w.msink = metrics.Default()
	} else {
		w.msink = w.cfg.msink
	}

	switch {
	case w.cfg.nodes != nil:
		if len(w.cfg.nodes) != size {
			return nil, fmt.Errorf("%w: %d node names for %d units", ErrInvalidCfg, len(w.cfg.nodes), size)
		}
		w.nodes = append([]string(nil), w.cfg.nodes...)
	default:
		perNode := w.cfg.unitsPerNode
		if perNode == 0 {
			perNode = size
		}
		w.nodes = make([]string, size)
		for rank := range w.nodes {
			w.nodes[rank] = fmt.Sprintf("node%d", rank/perNode)
		}
	}

	members := make([]int, size)
	for rank := range members {
		members[rank] = rank
	}
	w.world = newCommState(w, worldKey, members, false)
	w.comms[worldKey] = w.world

	w.units = make([]*unit, size)
	for rank := range w.units {
		w.units[rank] = &unit{
			w:      w,
			rank:   rank,
			logger: w.logger.With(logKeyRank, rank, logKeyNode, w.nodes[rank]),
		}
	}
	return w, nil
}

// ID identifies the run.
func (w *World) ID() uuid.UUID {
	return w.id
}

// Size is the number of units.
func (w *World) Size() int {
	return w.size
}

// Node returns the node the unit of world rank runs on.
func (w *World) Node(rank int) string {
	return w.nodes[rank]
}

// Backend returns the process-level handle of the unit of world rank.
func (w *World) Backend(rank int) transport.Backend {
	return w.units[rank]
}

// Aborted reports whether a unit aborted the run, and with which code.
func (w *World) Aborted() (int, bool) {
	select {
	case <-w.abortCh:
		return w.abortCode, true
	default:
		return 0, false
	}
}

// Done is closed once the run is aborted.
func (w *World) Done() <-chan struct{} {
	return w.abortCh
}

func (w *World) abort(rank, code int) {
	w.abortOnce.Do(func() {
		w.abortCode = code
		close(w.abortCh)
		w.msink.IncrCounterWithLabels(MetricAborts, 1.0, w.cfg.metricLabels)
		w.logger.Error("run aborted", logKeyRank, rank, logKeyCode, code)
	})
}

// commState returns the shared state of the communicator key, creating it
// the first time a member reaches it.
func (w *World) commState(key string, members []int, shared bool) *commState {
	w.lk.Lock()
	defer w.lk.Unlock()
	st, has := w.comms[key]
	if !has {
		st = newCommState(w, key, members, shared)
		w.comms[key] = st
	}
	return st
}

// winState returns the shared state of the window key, creating it with
// create the first time a member reaches it.
func (w *World) winState(key string, create func() *winState) *winState {
	w.lk.Lock()
	defer w.lk.Unlock()
	st, has := w.wins[key]
	if !has {
		st = create()
		w.wins[key] = st
	}
	return st
}

func (w *World) release(key string) {
	w.lk.Lock()
	defer w.lk.Unlock()
	delete(w.comms, key)
	delete(w.wins, key)
}

func (w *World) inject(rank int, op string) error {
	if w.cfg.fault == nil {
		return nil
	}
	return w.cfg.fault(rank, op)
}

// unit implements transport.Backend for one world rank.
type unit struct {
	w      *World
	rank   int
	logger *slog.Logger

	lk          sync.Mutex
	initialized bool
	level       transport.ThreadLevel
}

var _ transport.Backend = (*unit)(nil)

func (u *unit) Initialized() bool {
	u.lk.Lock()
	defer u.lk.Unlock()
	return u.initialized
}

func (u *unit) Init(ctx context.Context, required transport.ThreadLevel) (transport.ThreadLevel, error) {
	if err := u.w.inject(u.rank, "init"); err != nil {
		return transport.ThreadSingle, err
	}

	u.lk.Lock()
	defer u.lk.Unlock()
	if u.initialized {
		return u.level, ErrAlreadyInitialized
	}
	if err := ctx.Err(); err != nil {
		return transport.ThreadSingle, err
	}

	u.level = min(required, u.w.cfg.maxThreadLevel)
	u.initialized = true
	u.logger.Debug("backend initialized", "thread_level", u.level.String())
	return u.level, nil
}

func (u *unit) QueryThread() (transport.ThreadLevel, error) {
	u.lk.Lock()
	defer u.lk.Unlock()
	if !u.initialized {
		return transport.ThreadSingle, transport.ErrNotInitialized
	}
	return u.level, nil
}

func (u *unit) Finalize() error {
	if err := u.w.inject(u.rank, "finalize"); err != nil {
		return err
	}

	u.lk.Lock()
	defer u.lk.Unlock()
	if !u.initialized {
		return transport.ErrNotInitialized
	}
	u.initialized = false
	u.logger.Debug("backend finalized")
	return nil
}

func (u *unit) World() transport.Comm {
	return &comm{
		st:   u.w.world,
		rank: u.rank,
		unit: u,
	}
}

func (u *unit) SharedWindowsSupported() bool {
	return u.w.cfg.sharedWindows
}

func (u *unit) AllocMem(size int) ([]byte, error) {
	if err := u.w.inject(u.rank, "alloc_mem"); err != nil {
		return nil, err
	}
	return mapPrivate(size)
}

func (u *unit) FreeMem(mem []byte) error {
	return unmap(mem)
}

func (u *unit) Abort(code int) error {
	u.w.abort(u.rank, code)
	return u.w.inject(u.rank, "abort")
}
