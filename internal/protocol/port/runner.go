package port

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Runner starts a module's goroutines once and stops them when the last
// user lets go. Modules shared by several stacks (transports, muxes) are
// started once per stack.
type Runner struct {
	mu     sync.Mutex
	refs   int
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Start launches loops on the first reference only and reports whether it
// did so.
func (r *Runner) Start(loops ...func(ctx context.Context) error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs++
	if r.refs > 1 {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	for _, loop := range loops {
		g.Go(func() error { return loop(gctx) })
	}
	r.cancel, r.group = cancel, g
	return true
}

// Stop drops one reference. The last one cancels the loops, runs onLast to
// unblock anything not watching the context, and waits.
func (r *Runner) Stop(onLast func()) error {
	r.mu.Lock()
	if r.refs == 0 {
		r.mu.Unlock()
		return nil
	}
	r.refs--
	if r.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	cancel, g := r.cancel, r.group
	r.cancel, r.group = nil, nil
	r.mu.Unlock()

	cancel()
	if onLast != nil {
		onLast()
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs > 0
}
