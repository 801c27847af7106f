package loop

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunGroup runs each loop on its own goroutine until ctx is cancelled or
// one of them fails. The first failure cancels the others and is returned.
func RunGroup(ctx context.Context, loops ...*Loop) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		l := l
		g.Go(func() error {
			return l.Run(gctx)
		})
	}

	return g.Wait()
}
