// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
)

// State is the lifecycle state of a Worker, as observed by its parent.
// States move forward only: Starting -> Running -> {Stopping -> Stopped}.
// Workers are created only after their handshake and binary verification
// succeed, so a Worker starts out Running; a spawn that fails them yields
// no Worker and adds nothing to the registry.
type State int

const (
	// Starting is the state of a worker between spawn and successful
	// handshake/verification.
	Starting State = iota
	// Running is the state of a worker that has completed its handshake
	// and is reachable.
	Running
	// Stopping is the state of a worker that has received (or issued) a
	// shutdown request but has not yet been confirmed stopped.
	Stopping
	// Stopped is the terminal state: the worker's process has exited, or
	// its heartbeat has been lost.
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Worker is a handle to a single spawned process, running somewhere in
// the process tree rooted at the Runtime that spawned it. A Worker is
// safe for concurrent use, mirroring the teacher's Machine.
type Worker struct {
	rt  *Runtime
	id  WorkerId
	hb  *heartbeater
	sys System

	Addr WorkerAddress

	kill func()

	mu       sync.Mutex
	state    State
	err      error
	waiters  []chan struct{}
	stopOnce sync.Once
}

func newWorker(rt *Runtime, id WorkerId, addr WorkerAddress, sys System, hb *heartbeater, kill func()) *Worker {
	w := &Worker{rt: rt, id: id, Addr: addr, sys: sys, hb: hb, kill: kill, state: Running}
	if hb != nil {
		hb.onLost = func() { w.transition(Stopped, errors.E(errors.Unavailable, "HeartbeatLost")) }
		hb.onShutdown = func() { w.transition(Stopping, nil) }
	}
	return w
}

// ID returns this worker's unique identifier, assigned at spawn time.
func (w *Worker) ID() WorkerId { return w.id }

// State returns the worker's current lifecycle state and, if Stopped
// because of a failure, the error describing it.
func (w *Worker) State() (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.err
}

func (w *Worker) transition(s State, err error) {
	w.mu.Lock()
	if w.state == Stopped {
		w.mu.Unlock()
		return
	}
	w.state = s
	if err != nil {
		w.err = err
	}
	waiters := w.waiters
	if s == Stopped {
		w.waiters = nil
	}
	w.mu.Unlock()
	if s == Stopped {
		for _, c := range waiters {
			close(c)
		}
		w.rt.workers.delete(w.id)
	}
}

// Wait blocks until the worker reaches the Stopped state, or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	w.mu.Lock()
	if w.state == Stopped {
		err := w.err
		w.mu.Unlock()
		return err
	}
	c := make(chan struct{})
	w.waiters = append(w.waiters, c)
	w.mu.Unlock()
	select {
	case <-c:
		_, err := w.State()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown requests that the worker stop, via the bidirectional
// heartbeat channel opened at handshake time (spec.md §4.6). It does not
// wait for the worker to actually stop; use Wait for that.
func (w *Worker) Shutdown() error {
	w.mu.Lock()
	if w.state == Stopped || w.state == Stopping {
		w.mu.Unlock()
		return nil
	}
	w.state = Stopping
	w.mu.Unlock()
	if w.hb == nil {
		return errors.E(errors.Precondition, "worker has no heartbeat channel")
	}
	return w.hb.requestShutdown()
}

// Kill forcibly terminates the worker's underlying process, bypassing
// the graceful shutdown protocol. Start uses it to stop the workers
// already launched when a later spawn in the same call fails, and
// ShutdownAll uses it when a Shutdown request goes unacknowledged.
func (w *Worker) Kill() {
	if w.kill != nil {
		w.kill()
	}
}

// retryPolicy is the backoff policy for transient RPC failures: waits
// start at 500ms and grow by a factor of 1.5, capped at 30s per wait,
// without jitter. It sets no limit on attempts or total wait; RetryCall
// stops when ctx is done or a non-transient error occurs.
var retryPolicy = retry.Backoff(500*time.Millisecond, 30*time.Second, 1.5)

// Call invokes serviceMethod on the worker once, with no retries. It is
// the building block RetryCall and every generated Service client use.
func (w *Worker) Call(ctx context.Context, serviceMethod string, arg, reply interface{}) error {
	if _, err := w.State(); err != nil {
		return err
	}
	return w.rt.rpcClient.Call(ctx, "https://"+w.Addr.String(), serviceMethod, arg, reply)
}

// RetryCall invokes serviceMethod, retrying transient failures (network
// errors, deadline overruns short of ctx's own deadline) according to
// retryPolicy, per spec.md §4.8's distinction between transient failure
// classes and terminal ones.
func (w *Worker) RetryCall(ctx context.Context, serviceMethod string, arg, reply interface{}) error {
	for retries := 0; ; retries++ {
		err := w.Call(ctx, serviceMethod, arg, reply)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		log.Error.Printf("%s: %s: retrying after error: %v", w.id, serviceMethod, err)
		if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
			return err
		}
	}
}

func isTransient(err error) bool {
	return errors.Is(errors.Net, err) || errors.IsTemporary(err) || errors.Is(errors.Unavailable, err)
}

func (w *Worker) String() string {
	st, _ := w.State()
	return fmt.Sprintf("worker %s (%s) [%s]", w.id, w.Addr, st)
}
