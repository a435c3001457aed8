package pgas

import (
	"context"
	"log/slog"
	"os"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pgas/pkg/transport"
)

const (
	// DefaultLocalAllocSize is the arena size of the local pool.
	DefaultLocalAllocSize int64 = 16 << 20

	// DefaultMaxTeams bounds the team table.
	DefaultMaxTeams = 256
)

type config struct {
	// settings come from the environment, overrides from options.
	overrides  Settings
	lookupEnv  func(string) (string, bool)
	configFile string

	localAllocSize int64
	minBlockSize   int64
	sharedWindows  bool
	threadLevel    transport.ThreadLevel
	maxTeams       int

	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	locality     LocalityHook
	exit         func(code int)
}

func defaultConfig() config {
	return config{
		lookupEnv:      os.LookupEnv,
		localAllocSize: DefaultLocalAllocSize,
		sharedWindows:  true,
		threadLevel:    transport.ThreadSingle,
		maxTeams:       DefaultMaxTeams,
		exit:           os.Exit,
	}
}

// Option to pass to `New`.
type Option func(*config) error

// WithLocalAllocSize sets the arena size of the local pool, in bytes. It
// must be a power of two.
func WithLocalAllocSize(size int64) Option {
	return func(c *config) error {
		c.overrides.LocalAllocSize = &size
		return nil
	}
}

// WithMinBlockSize sets the smallest size class of the local pool.
func WithMinBlockSize(size int64) Option {
	return func(c *config) error {
		c.overrides.MinBlockSize = &size
		return nil
	}
}

// WithSharedWindows enables or disables backing the local pool with
// node-local shared memory, and the direct access it allows between units
// of the same node.
func WithSharedWindows(enabled bool) Option {
	return func(c *config) error {
		c.overrides.SharedWindows = &enabled
		return nil
	}
}

// WithThreadSupport requests a level of thread support from the backend.
func WithThreadSupport(lvl transport.ThreadLevel) Option {
	return func(c *config) error {
		name := lvl.String()
		c.overrides.ThreadSupport = &name
		return nil
	}
}

// WithMaxTeams bounds the number of teams alive at once.
func WithMaxTeams(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return ErrInvalidArgument
		}
		c.maxTeams = n
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the runtime.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the runtime.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithLocality installs the hook bringing the locality subsystem up and
// down with the runtime.
func WithLocality(hook LocalityHook) Option {
	return func(c *config) error {
		c.locality = hook
		return nil
	}
}

// WithEnv replaces the environment lookup used to read the PGAS_*
// switches. A nil lookup ignores the environment.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(c *config) error {
		if lookup == nil {
			lookup = func(string) (string, bool) { return "", false }
		}
		c.lookupEnv = lookup
		return nil
	}
}

// WithConfigFile reads settings from a YAML file, before the environment.
func WithConfigFile(path string) Option {
	return func(c *config) error {
		c.configFile = path
		return nil
	}
}

// WithExitFunc replaces the process exit called by `Runtime.Abort`.
func WithExitFunc(exit func(code int)) Option {
	return func(c *config) error {
		if exit == nil {
			exit = os.Exit
		}
		c.exit = exit
		return nil
	}
}

// LocalityHook is the locality subsystem's view of the runtime lifecycle.
// Init runs as the last initialization step, Finalize as the first
// teardown step.
type LocalityHook interface {
	Init(ctx context.Context, rt *Runtime) error
	Finalize(ctx context.Context, rt *Runtime) error
}
