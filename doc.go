// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package paraproc implements a runtime for parallel computation spread across
OS processes, on one host or many. A paraproc program is both the master
and the worker: the same binary is re-executed by the master to bootstrap
each worker, and a well-known environment variable tells a freshly started
process which role to play.

Computing model

A paraproc program calls StartApp at the very top of main, before any other
initialization runs:

	func main() {
		flag.Parse()
		rt := paraproc.StartApp(paraproc.Local)
		defer rt.Shutdown()

		// driver code...
	}

StartApp never returns when called from a worker process: the worker
finishes its bootstrap (binds an RPC listener, reports back to its parent,
starts its heartbeater) and blocks in its server loop until told to shut
down. It returns immediately in the master.

Services are registered when the Runtime is created, since every worker
runs the same binary with the same options; the driver then asks the
Runtime to spawn workers:

	rt := paraproc.StartApp(paraproc.Local,
		paraproc.Services(map[string]interface{}{
			"Greeter": &greeterService{},
		}))
	defer rt.Shutdown()
	workers, err := rt.Start(ctx, 4)

A service is any Go value whose methods have the shape

	Func(ctx context.Context, arg argType, reply *replyType) error

Values that cross the wire as arguments or replies must be registered with
encoding/gob if they are anything other than a concrete struct known to
both sides (see the rpc package). Methods are named "Service.Method"
("Greeter.Hello", say) when invoked:

	var reply string
	err := worker.Call(ctx, "Greeter.Hello", "world", &reply)

Worker state and connections

A worker may also carry process-wide state, produced once at bootstrap by
an InitWorkerState callback and read by every handler via
(*Runtime).WorkerState:

	rt := paraproc.StartApp(paraproc.Local,
		paraproc.InitWorkerState(func(rt *paraproc.Runtime) (interface{}, error) {
			return newCache(), nil
		}))

In addition to that, a caller may open a Connection to a worker and
receive its own per-connection state, produced once by an
InitConnectionState callback registered alongside the service. This lets a
service keep state scoped to one caller (a cursor, a session) without
leaking it to every other caller of the same worker:

	conn, err := rt.Connect(ctx, worker)
	defer conn.Close()
	err = conn.Run(ctx, "Greeter.Hello", "world", &reply)

Process tree and liveness

Only the master spawns workers: in a worker process StartApp does not
return, and (*Runtime).Start fails with a precondition error, so the tree
is one level deep. Every worker maintains a heartbeat with the master;
when that heartbeat is lost the worker exits, and on the master the
corresponding Worker moves to Stopped with a HeartbeatLost error, reported
by (*Worker).State and (*Worker).Wait. No callback is invoked. There is no cross-host scheduling, load
balancing, or state durability built into paraproc: it provides the process
mechanics, and leaves placement and fault tolerance policy to the caller.
*/
package paraproc
