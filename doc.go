// Package pgas is the runtime core of a partitioned global address space.
//
// A run is made of units, each holding a [Runtime] over a transport
// [github.com/raskyld/pgas/pkg/transport.Backend]. Between [Runtime.Init]
// and [Runtime.Exit], every unit exposes a fixed capacity local pool to the
// others through a static window, and teams expose collectively allocated
// segments through dynamic windows. Both are accessed one-sided, with
// [Runtime.Put] and [Runtime.Get], under passive-target epochs held for the
// whole run. Units sharing a node access each other's pool directly when the
// pool lives in shared memory.
//
// # Configuration
//
// Settings are layered: defaults, then the YAML file named by PGAS_CONFIG
// or [WithConfigFile], then the environment, then options:
//
//	PGAS_LOCAL_ALLOC_SIZE  size of the local pool, e.g. 16M
//	PGAS_MIN_BLOCK_SIZE    smallest pool block, e.g. 8
//	PGAS_SHARED_WINDOWS    true or false
//	PGAS_THREAD_SUPPORT    single or multiple
//
// # Address translation
//
// [github.com/raskyld/pgas/pkg/pattern] maps global index ranges to the
// local ranges of the calling unit, [Runtime.LocalAddressRange] turns them
// into memory.
package pgas
