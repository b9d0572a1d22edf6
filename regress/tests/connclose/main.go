// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// This is the S6 regression scenario: N connections each register
// per-connection state with a teardown hook; closing every connection
// must run every teardown hook exactly once. The counter lives in the
// worker process, so the master reads it back via an RPC rather than a
// shared variable.
package main

import (
	"context"
	"encoding/gob"
	"log"
	"sync"
	"sync/atomic"

	"github.com/fornaxlabs/paraproc"
)

const n = 100

func init() {
	gob.Register(&initService{})
}

var liveConns int64

// initService runs inside the worker process. Its rt field is wired up
// by an Option passed to StartApp, since the service value must exist
// before StartApp constructs the Runtime it needs to call ConnState.
type initService struct{ rt *paraproc.Runtime }

func (s *initService) Init(ctx context.Context, _ struct{}, _ *struct{}) error {
	cs, err := s.rt.ConnState(ctx)
	if err != nil {
		return err
	}
	if err := cs.Set(struct{}{}); err != nil {
		return nil // already initialized by an earlier call on this connection
	}
	atomic.AddInt64(&liveConns, 1)
	cs.OnClose(func() { atomic.AddInt64(&liveConns, -1) })
	return nil
}

func (s *initService) Count(ctx context.Context, _ struct{}, reply *int64) error {
	*reply = atomic.LoadInt64(&liveConns)
	return nil
}

func main() {
	svc := &initService{}
	rt := paraproc.StartApp(paraproc.Local,
		paraproc.Services(map[string]interface{}{"Init": svc}),
		func(rt *paraproc.Runtime) { svc.rt = rt },
	)
	defer rt.Shutdown()
	ctx := context.Background()
	workers, err := rt.Start(ctx, 1)
	if err != nil {
		log.Fatal(err)
	}
	w := workers[0]

	conns := make([]*paraproc.Connection, n)
	for i := 0; i < n; i++ {
		conn, err := rt.Connect(ctx, w)
		if err != nil {
			log.Fatal(err)
		}
		conns[i] = conn
	}
	var wg sync.WaitGroup
	for i := range conns {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conns[i].Run(ctx, "Init.Init", struct{}{}, nil); err != nil {
				log.Fatal(err)
			}
		}()
	}
	wg.Wait()

	var count int64
	if err := w.Call(ctx, "Init.Count", struct{}{}, &count); err != nil {
		log.Fatal(err)
	}
	if count != n {
		log.Fatalf("after init, liveConns = %d, want %d", count, n)
	}

	for i := range conns {
		if err := conns[i].Close(); err != nil {
			log.Fatal(err)
		}
	}
	if err := w.Call(ctx, "Init.Count", struct{}{}, &count); err != nil {
		log.Fatal(err)
	}
	if count != 0 {
		log.Fatalf("after close, liveConns = %d, want 0", count)
	}
}
