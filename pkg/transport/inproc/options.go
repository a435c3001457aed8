package inproc

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pgas/pkg/transport"
)

var ErrInvalidCfg = errors.New("inproc: invalid options")

type config struct {
	nodes          []string
	unitsPerNode   int
	sharedWindows  bool
	maxThreadLevel transport.ThreadLevel
	logHandler     slog.Handler
	msink          metrics.MetricSink
	metricLabels   []metrics.Label
	fault          FaultFunc
}

// FaultFunc is consulted at the start of every backend operation a unit
// issues. A non-nil error makes the operation fail with it.
type FaultFunc func(rank int, op string) error

// Option to pass to `NewWorld`.
type Option func(*config) error

// WithNodes places each unit on the named node, by world rank.
func WithNodes(nodes []string) Option {
	return func(c *config) error {
		c.nodes = nodes
		return nil
	}
}

// WithUnitsPerNode places consecutive ranks on the same node, n at a time.
func WithUnitsPerNode(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("units per node must be positive, got %d", n)
		}
		c.unitsPerNode = n
		return nil
	}
}

// WithSharedWindows controls whether node-local shared windows are
// available, as if the platform lacked the support.
func WithSharedWindows(enabled bool) Option {
	return func(c *config) error {
		c.sharedWindows = enabled
		return nil
	}
}

// WithMaxThreadLevel caps the thread support the backend provides.
func WithMaxThreadLevel(lvl transport.ThreadLevel) Option {
	return func(c *config) error {
		c.maxThreadLevel = lvl
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

// WithMetricSink allows you to chose how to collect the RMA metrics.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the world.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithFault installs a fault injector.
func WithFault(fault FaultFunc) Option {
	return func(c *config) error {
		c.fault = fault
		return nil
	}
}
