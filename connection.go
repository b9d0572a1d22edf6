// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/fornaxlabs/paraproc/rpc"
	"github.com/grailbio/base/errors"
)

// ConnectionState is a write-once slot attached to a single logical
// connection between a caller and a worker (spec.md §6.5). A registered
// service can store arbitrary per-connection state exactly once, and read
// it back on every subsequent call that arrives on the same connection;
// a second Set fails rather than silently overwriting the first.
type ConnectionState struct {
	mu        sync.Mutex
	set       bool
	v         interface{}
	teardowns []func()
}

// Set stores v as this connection's state. It fails if state has already
// been set for this connection.
func (c *ConnectionState) Set(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		return errors.E(errors.Precondition, "connection state already set")
	}
	c.set = true
	c.v = v
	return nil
}

// Get returns the previously Set state, if any.
func (c *ConnectionState) Get() (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v, c.set
}

// OnClose registers fn to run when this connection closes (whether via an
// explicit (*Connection).Close or because the connection is abandoned).
// Teardown hooks run in the order they were registered.
func (c *ConnectionState) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardowns = append(c.teardowns, fn)
}

func (c *ConnectionState) teardown() {
	c.mu.Lock()
	fns := c.teardowns
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// connectionManager is the server-side registered "Conn" service: it
// mints connection ids on request, running the Runtime's
// InitConnectionState callback (if any) before a new id is ever handed
// back to a caller, and tracks the resulting ConnectionState until it is
// closed. It runs inside every worker process, alongside the user's own
// registered services.
type connectionManager struct {
	rt *Runtime

	mu    sync.Mutex
	conns map[string]*ConnectionState
}

func newConnectionManager(rt *Runtime) *connectionManager {
	return &connectionManager{rt: rt, conns: make(map[string]*ConnectionState)}
}

// Open allocates a new connection id, synchronously running
// InitConnectionState against its state slot before the id is returned.
// Per spec.md §4.5's invariant #2, no caller ever observes an id for a
// connection whose state isn't already populated; a callback error fails
// the call with InitConnStateFailed and the connection is never
// established.
func (m *connectionManager) Open(ctx context.Context, _ struct{}, id *string) error {
	cs := new(ConnectionState)
	if m.rt != nil && m.rt.initConnState != nil {
		if err := m.rt.initConnState(m.rt, cs); err != nil {
			return errors.E(errors.Invalid, "InitConnStateFailed", err)
		}
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return errors.E(errors.Unavailable, err)
	}
	newID := fmt.Sprintf("%x", buf)
	m.mu.Lock()
	m.conns[newID] = cs
	m.mu.Unlock()
	*id = newID
	return nil
}

// Close runs id's registered teardown hooks and discards its state. Calls
// on a closed connection id are rejected by lookup.
func (m *connectionManager) Close(ctx context.Context, id string, _ *struct{}) error {
	m.mu.Lock()
	cs, ok := m.conns[id]
	delete(m.conns, id)
	m.mu.Unlock()
	if ok {
		cs.teardown()
	}
	return nil
}

// closeAll runs every still-live connection's teardown hooks and discards
// their state, in no particular order. It is invoked once from the
// worker's shutdown cascade (spec.md §4.8 steps 2-4) so that abandoned
// connections are drained even when a caller never issues an explicit
// Close.
func (m *connectionManager) closeAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*ConnectionState)
	m.mu.Unlock()
	for _, cs := range conns {
		cs.teardown()
	}
}

func (m *connectionManager) lookup(id string) (*ConnectionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.conns[id]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("unknown connection %s", id))
	}
	return cs, nil
}

// ConnState returns the ConnectionState belonging to the connection a
// service method call arrived on. It is meant to be called from within a
// registered service method, whose ctx carries the connection id
// attached by the Connection this call was made through.
func (rt *Runtime) ConnState(ctx context.Context) (*ConnectionState, error) {
	id, ok := rpc.ConnFromContext(ctx)
	if !ok {
		return nil, errors.E(errors.Precondition, "call did not arrive on a Connection")
	}
	if rt.conns == nil {
		return nil, errors.E(errors.Precondition, "connection manager not initialized")
	}
	return rt.conns.lookup(id)
}

// Connection is a logical, multi-call session with a single worker. Every
// call made through Run carries the same connection id, so that the
// worker-side ConnectionState set on the first call is visible to every
// subsequent one, per spec.md §6.5.
type Connection struct {
	rt *Runtime
	w  *Worker
	id string
}

// Connect opens a new Connection to w, synchronously running w's
// InitConnectionState callback before returning. A failure returned by
// the worker (InitConnStateFailed, tagged Remote by the rpc server) is
// returned as-is; anything else (dial failure, handshake error) is
// classified ConnectFailed.
func (rt *Runtime) Connect(ctx context.Context, w *Worker) (*Connection, error) {
	var id string
	if err := w.Call(ctx, "Conn.Open", struct{}{}, &id); err != nil {
		if errors.Is(errors.Remote, err) {
			return nil, err
		}
		return nil, errors.E(errors.Unavailable, "ConnectFailed", err)
	}
	return &Connection{rt: rt, w: w, id: id}, nil
}

// Run invokes serviceMethod on the connection's worker, tagging the
// request with this Connection's id so that worker-side service methods
// can recover shared state via (*Runtime).ConnState.
func (c *Connection) Run(ctx context.Context, serviceMethod string, arg, reply interface{}) error {
	return c.w.Call(rpc.WithConn(ctx, c.id), serviceMethod, arg, reply)
}

// Close releases the connection's server-side state. It does not affect
// the underlying worker, which may still serve other connections.
func (c *Connection) Close() error {
	return c.w.Call(context.Background(), "Conn.Close", c.id, nil)
}
