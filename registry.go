// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// WorkerId is an opaque, globally-unique string assigned by the master at
// spawn time. It is also the value the child finds in its PARALLEL_ROLE
// environment variable.
type WorkerId string

// WorkerAddress is the reachable endpoint of a worker's RPC server.
type WorkerAddress struct {
	Host string
	Port int
}

func (a WorkerAddress) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// nextWorkerSeq allocates monotonically increasing, process-unique
// suffixes for WorkerIds, mirroring the teacher's nextBIndex counter. Ids
// are further namespaced by the spawning Runtime's own index so that a
// worker's children do not collide with a sibling Runtime's children.
var nextWorkerSeq int64

func newWorkerId(ownerIndex int32) WorkerId {
	seq := atomic.AddInt64(&nextWorkerSeq, 1) - 1
	return WorkerId(fmt.Sprintf("w%d-%d", ownerIndex, seq))
}

// registry is the master-side mapping from WorkerId to *Worker. It is
// owned by the Runtime and, per spec.md §5, is mutated only by the
// goroutines that drive a Worker's own lifecycle (never concurrently
// structurally modified from handler code), guarded here with a mutex for
// the cases where driver code inspects it concurrently (Workers(),
// status and profile aggregation).
type registry struct {
	mu      sync.Mutex
	workers map[WorkerId]*Worker
}

func newRegistry() *registry {
	return &registry{workers: make(map[WorkerId]*Worker)}
}

func (r *registry) put(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.id] = w
}

func (r *registry) get(id WorkerId) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[id]
}

func (r *registry) delete(id WorkerId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// snapshot returns every live worker known to the registry, in no
// particular order.
func (r *registry) snapshot() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}
