// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"context"
	"net/http"

	"github.com/grailbio/base/log"
)

// dispatcher sits in front of a worker's rpc.Server and runs every inbound
// call under TryWithin (spec.md §4.9), attaching the call's Scope to its
// context so a registered service method can launch supervised background
// work with Go. The call's own reply is written by inner.ServeHTTP and
// flushed to the caller before TryWithin waits for the call's background
// work, so a handler that just kicks off background work and returns is
// not delayed by it; only a failure surfacing afterward is
// caught here, classified as a LateTaskFailure, and handed to the
// Runtime's LateFailures channel instead of crashing the process.
type dispatcher struct {
	rt    *Runtime
	inner http.Handler
}

func (d *dispatcher) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	err := TryWithin(req.Context(), nil, func(ctx context.Context, scope *Scope) error {
		d.inner.ServeHTTP(w, req.WithContext(withScope(ctx, scope)))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return nil
	})
	if err == nil {
		return
	}
	log.Error.Printf("rpc: late task failure: %v", err)
	select {
	case d.rt.lateFailures <- err:
	default:
	}
}
