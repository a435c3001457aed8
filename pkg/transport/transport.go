// Package transport describes the one-sided communication capabilities the
// runtime core drives: communicators with collective operations, RMA
// windows with passive-target epochs, and node-local shared memory windows.
//
// The runtime never reimplements these, it consumes a [Backend].
package transport

import (
	"context"
	"errors"
)

var (
	ErrNotInitialized = errors.New("transport: backend is not initialized")
	ErrFinalized      = errors.New("transport: backend was finalized")
	ErrAborted        = errors.New("transport: run aborted")
	ErrUnsupported    = errors.New("transport: operation not supported by backend")
	ErrInvalidRank    = errors.New("transport: rank out of range")
	ErrOutOfBounds    = errors.New("transport: access outside of the exposed memory")
	ErrNoEpoch        = errors.New("transport: no access epoch is open on the window")
	ErrEpochOpen      = errors.New("transport: an access epoch is already open on the window")
	ErrFreed          = errors.New("transport: handle already freed")
	ErrMalformed      = errors.New("transport: malformed collective payload")
)

// ThreadLevel is the level of thread support negotiated with the backend.
type ThreadLevel int

const (
	ThreadSingle ThreadLevel = iota
	ThreadMultiple
)

func (lvl ThreadLevel) String() string {
	switch lvl {
	case ThreadMultiple:
		return "multiple"
	default:
		return "single"
	}
}

// Undefined is the split color that excludes the caller from every group.
const Undefined = -1

// Backend is the process-level handle on a transport.
type Backend interface {
	// Initialized reports whether the backend is already up.
	Initialized() bool

	// Init brings the backend up, asking for the required thread level, and
	// returns the level actually provided.
	Init(ctx context.Context, required ThreadLevel) (ThreadLevel, error)

	// QueryThread returns the thread level of an already initialized backend.
	QueryThread() (ThreadLevel, error)

	// Finalize shuts the backend down.
	Finalize() error

	// World is the ambient communicator spanning every unit of the run.
	World() Comm

	// SharedWindowsSupported reports whether node-local shared memory
	// windows can be allocated.
	SharedWindowsSupported() bool

	// AllocMem returns memory suitable for exposure through a window.
	AllocMem(size int) ([]byte, error)

	// FreeMem releases memory returned by AllocMem.
	FreeMem(mem []byte) error

	// Abort tries to terminate every unit of the run with code.
	Abort(code int) error
}

// Comm is a communication group. Every method documented as collective must
// be called by all members in the same order.
type Comm interface {
	Rank() int
	Size() int

	// Group returns the world ranks of the members, indexed by rank in
	// this communicator.
	Group() []int

	// Dup duplicates the communicator. Collective.
	Dup(ctx context.Context) (Comm, error)

	// Split partitions the communicator by color, ordering each new group
	// by key then by rank. A caller passing Undefined gets a nil Comm.
	// Collective.
	Split(ctx context.Context, color, key int) (Comm, error)

	// SplitShared groups the members running on the same physical node.
	// Collective.
	SplitShared(ctx context.Context) (Comm, error)

	// Allgather exchanges one payload per member, returned by rank.
	// Collective.
	Allgather(ctx context.Context, payload []byte) ([][]byte, error)

	// Barrier blocks until every member entered it. Collective.
	Barrier(ctx context.Context) error

	// CreateWindow exposes mem to every member. Collective.
	CreateWindow(ctx context.Context, mem []byte) (Window, error)

	// CreateDynamicWindow creates an empty window onto which memory can be
	// attached later. Collective.
	CreateDynamicWindow(ctx context.Context) (DynamicWindow, error)

	// AllocateSharedWindow allocates size bytes per member in memory that
	// every member can address directly. Only valid on a communicator
	// returned by SplitShared. Collective.
	AllocateSharedWindow(ctx context.Context, size int) (SharedWindow, error)

	// Free releases the communicator. Collective.
	Free() error
}

// Window is memory registered for one-sided access.
type Window interface {
	// LockAll opens a passive-target access epoch to every target.
	LockAll() error

	// UnlockAll closes the epoch opened by LockAll, completing every
	// pending operation.
	UnlockAll() error

	Put(ctx context.Context, target int, disp uint64, src []byte) error
	Get(ctx context.Context, target int, disp uint64, dst []byte) error

	// Flush completes all operations issued to target.
	Flush(ctx context.Context, target int) error

	// Free releases the window. Collective over the window's communicator.
	Free() error
}

// DynamicWindow is a window without memory at creation time.
type DynamicWindow interface {
	Window

	// Attach exposes mem and returns the displacement remote units use to
	// address it.
	Attach(mem []byte) (uint64, error)

	// Detach withdraws memory previously attached at disp.
	Detach(disp uint64) error
}

// SharedWindow is a window whose memory is directly addressable by every
// member of a node-local communicator.
type SharedWindow interface {
	Window

	// Local returns the caller's own segment.
	Local() []byte

	// SharedQuery returns a direct view of rank's segment.
	SharedQuery(rank int) ([]byte, error)
}
