// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// This is the S5 regression scenario: a handler returns its result
// synchronously, then a background task it launched via paraproc.Go fails.
// That failure must surface on the worker's LateFailures channel exactly
// once, rather than propagating to the RPC caller or crashing the worker.
// The channel lives in the worker process, so the master reads it back
// through an RPC rather than observing it directly.
package main

import (
	"context"
	"encoding/gob"
	"errors"
	"log"
	"time"

	"github.com/fornaxlabs/paraproc"
)

func init() {
	gob.Register(&lateService{})
}

// lateService runs inside the worker process. Its rt field is wired up by
// an Option passed to StartApp, since the service value must exist before
// StartApp constructs the Runtime it needs for LateFailures.
type lateService struct{ rt *paraproc.Runtime }

func (s *lateService) Work(ctx context.Context, _ struct{}, reply *int) error {
	*reply = 42
	paraproc.Go(ctx, func(ctx context.Context) error {
		return errors.New("late task failure")
	})
	return nil
}

// CountFailures drains the worker's LateFailures channel for a short
// window and reports how many arrived.
func (s *lateService) CountFailures(ctx context.Context, _ struct{}, reply *int) error {
	n := 0
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-s.rt.LateFailures():
			n++
		case <-deadline:
			*reply = n
			return nil
		}
	}
}

func main() {
	svc := &lateService{}
	rt := paraproc.StartApp(paraproc.Local,
		paraproc.Services(map[string]interface{}{"Late": svc}),
		func(rt *paraproc.Runtime) { svc.rt = rt },
	)
	defer rt.Shutdown()
	ctx := context.Background()
	workers, err := rt.Start(ctx, 1)
	if err != nil {
		log.Fatal(err)
	}
	w := workers[0]

	var reply int
	if err := w.Call(ctx, "Late.Work", struct{}{}, &reply); err != nil {
		log.Fatal(err)
	}
	if reply != 42 {
		log.Fatalf("got %d, want 42", reply)
	}

	var count int
	if err := w.Call(ctx, "Late.CountFailures", struct{}{}, &count); err != nil {
		log.Fatal(err)
	}
	if count != 1 {
		log.Fatalf("got %d late failures, want exactly 1", count)
	}
}
