// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fornaxlabs/paraproc/rpc"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// RPCPrefix is the path prefix under which a worker's RPC server and its
// supervisor service are mounted.
const RPCPrefix = "/paraproc/"

// Runtime is a paraproc instance: the root object through which a process
// spawns and communicates with other processes in its tree. Outside of
// tests there is exactly one per process, created by StartApp.
type Runtime struct {
	system System
	index  int32
	name   string

	role      Role
	selfId    WorkerId
	rpcServer *rpc.Server
	rpcClient *rpc.Client
	conns     *connectionManager
	services  map[string]interface{}

	workers *registry

	selfHB        *heartbeater
	heartbeatMode HeartbeatMode

	initWorkerState func(rt *Runtime) (interface{}, error)
	workerState     interface{}

	initConnState func(rt *Runtime, cs *ConnectionState) error

	lateFailures chan error

	mu      sync.Mutex
	running bool
}

// Option customizes a Runtime created by StartApp.
type Option func(*Runtime)

// Name sets a human-readable name for the Runtime. The name is stored on
// the Runtime; no log or diagnostic in this package includes it.
func Name(name string) Option {
	return func(rt *Runtime) { rt.name = name }
}

// Services registers the RPC services this process's worker role should
// expose to its parent, once bootstrap completes. Every process started
// under paraproc's System implementations runs the identical binary, so
// Services is provided once, up front, rather than assigned per spawned
// worker as a spawn parameter.
func Services(services map[string]interface{}) Option {
	return func(rt *Runtime) {
		if rt.services == nil {
			rt.services = make(map[string]interface{})
		}
		for name, svc := range services {
			rt.services[name] = svc
		}
	}
}

// InitWorkerState registers a callback invoked exactly once per worker,
// during bootstrap (spec.md §4.4 step 6), after the heartbeat channel (if
// any) is established and before the RPC server begins accepting
// requests. Its result is stored as the worker's WorkerState, readable by
// every handler via (*Runtime).WorkerState. A failing callback exits the
// worker. The reverse handshake has already completed by then, so the
// master holds a handle to the worker and sees it stop.
func InitWorkerState(fn func(rt *Runtime) (interface{}, error)) Option {
	return func(rt *Runtime) { rt.initWorkerState = fn }
}

// InitConnectionState registers a callback invoked synchronously,
// worker-side, every time a caller opens a new Connection (spec.md §4.5).
// fn populates cs's write-once slot; a non-nil return fails the Connect
// call with InitConnStateFailed and the connection is never established.
func InitConnectionState(fn func(rt *Runtime, cs *ConnectionState) error) Option {
	return func(rt *Runtime) { rt.initConnState = fn }
}

var nextRuntimeIndex int32

// StartApp is the entry point of paraproc. It detects whether the current
// process is a master or a spawned worker, wires up the provided System,
// and either returns (master) or blocks forever (worker). The returned
// Runtime's Shutdown method should be deferred from main so that spawned
// workers are torn down when the master exits:
//
//	func main() {
//	    rt := paraproc.StartApp(paraproc.Local)
//	    defer rt.Shutdown()
//	    ...
//	}
func StartApp(system System, opts ...Option) *Runtime {
	rt := &Runtime{
		index:   atomic.AddInt32(&nextRuntimeIndex, 1) - 1,
		system:  system,
		workers: newRegistry(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.run()
	if system.Name() != "testsystem" && expvar.Get("paraproc.workers") == nil {
		expvar.Publish("paraproc.workers", workerExpvars{rt})
	}
	return rt
}

func (rt *Runtime) run() {
	role, id, err := detectRole()
	if err != nil {
		log.Fatal(err)
	}
	rt.role = role
	rt.selfId = id

	if err := rt.system.Init(rt); err != nil {
		log.Fatal(err)
	}
	var err2 error
	rt.rpcClient, err2 = rpc.NewClient(rt.system.HTTPClient, RPCPrefix)
	if err2 != nil {
		log.Fatal(err2)
	}

	rt.mu.Lock()
	rt.running = true
	rt.mu.Unlock()

	if role == RoleMaster {
		return
	}

	// We are a spawned worker: bring up our RPC server and register
	// services, then either complete the reverse handshake and start the
	// heartbeat channel (ConnectAndShutdownOnDisconnect), or, if no parent
	// coordinates are present, run under the Optional heartbeat mode
	// (spec.md §4.7) for a process launched outside the framework.
	rt.rpcServer = rpc.NewServer()
	sup := newSupervisor(rt)
	rt.rpcServer.Register("Supervisor", sup)
	rt.conns = newConnectionManager(rt)
	rt.rpcServer.Register("Conn", rt.conns)
	for name, svc := range rt.services {
		rt.rpcServer.Register(name, svc)
	}
	rt.lateFailures = make(chan error, 16)

	parentAddr, hasParentAddr := os.LookupEnv(ParentAddrEnv)
	cookie, hasCookie := os.LookupEnv(ParentCookieEnv)
	if hasParentAddr && hasCookie {
		rt.heartbeatMode = ConnectAndShutdownOnDisconnect
		host, port, err := rt.system.SelfAddr()
		if err != nil {
			log.Fatal(err)
		}
		conn, err := reportHandshake(parentAddr, cookie, id, host, port)
		if err != nil {
			log.Fatal(err)
		}
		period, timeout, _ := rt.system.KeepaliveConfig()
		rt.selfHB = newHeartbeater(conn, period, timeout,
			func() { log.Error.Printf("%s: lost contact with parent, exiting", id); rt.system.Exit(1) },
			func() { log.Printf("%s: parent requested shutdown", id); sup.shutdown() },
		)
		go rt.selfHB.run()
	} else {
		rt.heartbeatMode = Optional
		log.Printf("%s: %v: running with no parent heartbeat", id, ErrNoParent)
	}

	if rt.initWorkerState != nil {
		ws, err := rt.initWorkerState(rt)
		if err != nil {
			log.Fatal(errors.E(errors.Invalid, "init worker state", err))
		}
		rt.workerState = ws
	}

	mux := http.NewServeMux()
	mux.Handle(RPCPrefix, &dispatcher{rt: rt, inner: rt.rpcServer})
	go func() {
		log.Fatal(rt.system.ListenAndServe("", mux))
	}()
	log.Fatal(rt.system.Main())
	panic("not reached")
}

// System returns the Runtime's System implementation.
func (rt *Runtime) System() System { return rt.system }

// IsMaster reports whether this process is the root of the process tree.
func (rt *Runtime) IsMaster() bool { return rt.role == RoleMaster }

// Self returns the WorkerId of the current process, or "" on the master.
func (rt *Runtime) Self() WorkerId { return rt.selfId }

// WorkerState returns the value produced by this worker's InitWorkerState
// callback, or nil if none was registered. Safe to call from any
// registered service method: per spec.md §5's shared-resource policy, it
// is set before the RPC server starts accepting requests and is written
// only once more, when the shutdown cascade clears it just before the
// process exits; reads are not synchronized with that final write.
func (rt *Runtime) WorkerState() interface{} { return rt.workerState }

// HeartbeatMode reports which of the spec.md §4.7 policy modes this
// worker is running under.
func (rt *Runtime) HeartbeatMode() HeartbeatMode { return rt.heartbeatMode }

// LateFailures returns the channel on which LateTaskFailure errors from
// background work started with Go are delivered (spec.md §4.9, §7). It is
// only meaningful on a worker Runtime.
func (rt *Runtime) LateFailures() <-chan error { return rt.lateFailures }

// Start launches count new workers, running the current binary under the
// Runtime's System, and returns handles to them once each has completed
// its reverse handshake and binary verification. Start returns at least
// one worker, or an error; per spec.md §4.4, a failed spawn attempt never
// leaves a child process running.
func (rt *Runtime) Start(ctx context.Context, count int) ([]*Worker, error) {
	if !rt.IsMaster() {
		return nil, errors.E(errors.Precondition, "Start may only be called from the master")
	}
	workers, err := rt.system.Start(ctx, count)
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		return nil, errors.E(errors.Unavailable, "no workers started")
	}
	for _, w := range workers {
		rt.workers.put(w)
	}
	return workers, nil
}

// Workers returns a snapshot of every worker currently tracked by this
// Runtime.
func (rt *Runtime) Workers() []*Worker { return rt.workers.snapshot() }

// Worker looks up a previously started worker by id.
func (rt *Runtime) Worker(id WorkerId) *Worker { return rt.workers.get(id) }

// Shutdown requests that every worker started by this Runtime stop, and
// waits (best effort) for them to do so. It is idempotent.
func (rt *Runtime) Shutdown() {
	if err := ShutdownAll(context.Background(), rt.workers.snapshot()); err != nil {
		log.Error.Printf("shutdown: %v", err)
	}
}

// Tail streams a worker's console output, if the Runtime's System
// supports it (see Tailer). It returns an error for Systems, like SSH,
// that have no local view of a worker's stdout/stderr.
func (rt *Runtime) Tail(ctx context.Context, w *Worker) (io.Reader, error) {
	t, ok := rt.system.(Tailer)
	if !ok {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("%s does not support Tail", rt.system.Name()))
	}
	return t.Tail(ctx, w.id)
}
