// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TryWithin runs fn under a supervision scope: fn and any goroutine it
// starts with the scope's Go method are raced against monitor, a
// caller-supplied channel of late-arriving, "after-determined" errors
// (for example, a worker's heartbeat being lost after fn has already
// returned successfully from the caller's point of view, per spec.md
// §4.9). TryWithin distinguishes two failure classes:
//
//   - before-determined: fn, or a scope goroutine, returns a non-nil
//     error before monitor ever fires. This is reported synchronously,
//     the way golang.org/x/sync/errgroup would.
//   - after-determined: nothing in the scope failed on its own, but
//     monitor delivers an error before fn's scope finishes. In this
//     case TryWithin cancels the scope's context and waits for it to
//     unwind before returning monitor's error.
//
// ctx is canceled, and TryWithin returns, as soon as either class of
// error occurs, or when fn completes and monitor is known to be quiet
// (closed or never fires again).
func TryWithin(ctx context.Context, monitor <-chan error, fn func(ctx context.Context, scope *Scope) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	scope := &Scope{g: g}

	done := make(chan error, 1)
	g.Go(func() error {
		err := fn(gctx, scope)
		done <- err
		return err
	})

	late := make(chan error, 1)
	go func() {
		select {
		case err, ok := <-monitor:
			if ok && err != nil {
				late <- err
				return
			}
		case <-gctx.Done():
		}
		late <- nil
	}()

	select {
	case err := <-late:
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		return g.Wait()
	case <-done:
		return g.Wait()
	}
}

// Scope lets a function running under TryWithin start additional
// goroutines that are accounted for by the same errgroup: an error
// returned from any of them terminates the scope exactly like an error
// returned from the top-level function.
type Scope struct {
	g *errgroup.Group
}

// Go runs fn in a new goroutine within the scope.
func (s *Scope) Go(fn func() error) { s.g.Go(fn) }

// ctxScopeKey is the context key under which the worker dispatcher
// attaches the Scope supervising the inbound RPC call.
type ctxScopeKey struct{}

func withScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, ctxScopeKey{}, s)
}

// ScopeFromContext returns the Scope supervising the call that delivered
// ctx, if ctx arrived through a worker's RPC dispatcher.
func ScopeFromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(ctxScopeKey{}).(*Scope)
	return s, ok
}

// Go launches fn as background work supervised by the scope that owns
// ctx. If fn is still running, or fails, after the RPC call ctx arrived
// on has already returned its own result, the failure is a LateTaskFailure
// (spec.md §4.9, §7): it does not propagate to the caller of that RPC, but
// is instead delivered on the worker's Runtime.LateFailures channel. Go
// panics if ctx did not arrive through a worker's RPC dispatcher.
func Go(ctx context.Context, fn func(ctx context.Context) error) {
	scope, ok := ScopeFromContext(ctx)
	if !ok {
		panic("paraproc: Go called outside a dispatched RPC call")
	}
	scope.Go(func() error { return fn(ctx) })
}
