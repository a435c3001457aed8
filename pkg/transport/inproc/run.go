package inproc

import (
	"context"

	"github.com/raskyld/pgas/pkg/transport"
	"golang.org/x/sync/errgroup"
)

// UnitFunc is the body of one unit of a run.
type UnitFunc func(ctx context.Context, backend transport.Backend) error

// Run executes fn once per unit of w, each in its own goroutine, and waits
// for all of them. The first failing unit cancels the context of the others.
func Run(ctx context.Context, w *World, fn UnitFunc) error {
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < w.Size(); rank++ {
		backend := w.Backend(rank)
		g.Go(func() error {
			return fn(ctx, backend)
		})
	}
	return g.Wait()
}
