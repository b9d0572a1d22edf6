// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package testsystem implements a paraproc System that's useful for
// testing. Unlike other System implementations, testsystem's workers are
// not spawned processes: they run inside the same process as the master,
// each behind its own httptest.Server, so that Runtime.Start, RPCs, and
// the Connection Manager can be exercised quickly and deterministically.
package testsystem

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/fornaxlabs/paraproc"
)

type closeIdleTransport interface {
	CloseIdleConnections()
}

// System implements paraproc.System for testing. Instantiate with New().
type System struct {
	// KeepalivePeriod, KeepaliveTimeout, and KeepaliveRpcTimeout
	// optionally customize the System's reported keepalive configuration;
	// testsystem workers don't run a real heartbeat loop, but a Runtime
	// under test may still query these values.
	KeepalivePeriod, KeepaliveTimeout, KeepaliveRpcTimeout time.Duration

	rt     *paraproc.Runtime
	exited bool
	client *http.Client

	mu       sync.Mutex
	cond     *sync.Cond
	workers  []*worker
	nextId   int
}

type worker struct {
	id     paraproc.WorkerId
	w      *paraproc.Worker
	cancel func()
	server *httptest.Server
}

func (w *worker) kill() {
	w.cancel()
	w.server.CloseClientConnections()
	w.server.Close()
}

// New creates a new System that is ready for use.
func New() *System {
	s := &System{client: &http.Client{Transport: &http.Transport{}}}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Wait blocks until at least n workers have been started, returning n.
func (s *System) Wait(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.workers) < n {
		s.cond.Wait()
	}
	return n
}

// N returns the number of live workers in the test system.
func (s *System) N() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// KillRandom kills a random worker, returning true if it was successful.
func (s *System) KillRandom() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.workers) == 0 {
		return false
	}
	i := rand.Intn(len(s.workers))
	w := s.workers[i]
	s.workers = append(s.workers[:i], s.workers[i+1:]...)
	w.kill()
	return true
}

// Exited tells whether Exit has been called on (any) worker.
func (s *System) Exited() bool { return s.exited }

// Shutdown tears down resources allocated by this System.
func (s *System) Shutdown() {
	if t, ok := http.DefaultTransport.(closeIdleTransport); ok {
		t.CloseIdleConnections()
	}
	if t, ok := s.client.Transport.(closeIdleTransport); ok {
		t.CloseIdleConnections()
	}
}

// Name returns "testsystem".
func (s *System) Name() string { return "testsystem" }

// Init initializes the System.
func (s *System) Init(rt *paraproc.Runtime) error {
	s.rt = rt
	return nil
}

// Main panics. It should not be called, as testsystem never spawns a
// process that would run StartApp's worker loop.
func (s *System) Main() error { panic("Main called on testsystem") }

// HTTPClient returns an http.Client that can converse with servers
// created by this test system.
func (s *System) HTTPClient() *http.Client { return s.client }

// ListenAndServe panics; testsystem workers are served by
// httptest.Server, not by the worker's own ListenAndServe call.
func (s *System) ListenAndServe(addr string, handler http.Handler) error {
	panic("ListenAndServe called on testsystem")
}

// SelfAddr panics; testsystem never runs StartApp's worker bootstrap
// path, so SelfAddr is never consulted.
func (s *System) SelfAddr() (string, int, error) {
	panic("SelfAddr called on testsystem")
}

// Start starts count new in-process workers, each exposing a real
// paraproc RPC server (Supervisor and Conn services, plus any Services
// paraproc.StartApp was configured with) behind an httptest.Server.
func (s *System) Start(ctx context.Context, count int) ([]*paraproc.Worker, error) {
	out := make([]*paraproc.Worker, count)
	for i := range out {
		s.mu.Lock()
		id := paraproc.WorkerId(fmt.Sprintf("testworker-%d", s.nextId))
		s.nextId++
		s.mu.Unlock()

		_, cancel := context.WithCancel(context.Background())
		httpServer, err := paraproc.NewInProcessWorker(s.rt, id)
		if err != nil {
			cancel()
			return nil, err
		}
		addr := paraproc.ParseWorkerAddress(httpServer.URL)
		w := paraproc.NewInProcessWorkerHandle(s.rt, id, addr, s, func() {
			httpServer.CloseClientConnections()
			httpServer.Close()
		})

		s.mu.Lock()
		s.workers = append(s.workers, &worker{id: id, w: w, cancel: cancel, server: httpServer})
		s.cond.Broadcast()
		s.mu.Unlock()
		out[i] = w
	}
	return out, nil
}

// Exit marks the system as exited; it does not actually terminate the
// process, since testsystem workers share the test binary's process.
func (s *System) Exit(int) { s.exited = true }

func (s *System) KeepaliveConfig() (period, timeout, rpcTimeout time.Duration) {
	if period = s.KeepalivePeriod; period == 0 {
		period = time.Minute
	}
	if timeout = s.KeepaliveTimeout; timeout == 0 {
		timeout = 2 * time.Minute
	}
	if rpcTimeout = s.KeepaliveRpcTimeout; rpcTimeout == 0 {
		rpcTimeout = 10 * time.Second
	}
	return
}
