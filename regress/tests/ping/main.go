// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// This is the S1 regression scenario: spawn a single worker exposing
// Ping, call it, and shut down cleanly.
package main

import (
	"context"
	"encoding/gob"
	"log"

	"github.com/fornaxlabs/paraproc"
)

func init() {
	gob.Register(&pingService{})
}

type pingService struct{}

func (pingService) Ping(ctx context.Context, _ struct{}, reply *string) error {
	*reply = "pong"
	return nil
}

func main() {
	rt := paraproc.StartApp(paraproc.Local, paraproc.Services(map[string]interface{}{
		"Ping": &pingService{},
	}))
	defer rt.Shutdown()
	ctx := context.Background()
	workers, err := rt.Start(ctx, 1)
	if err != nil {
		log.Fatal(err)
	}
	w := workers[0]
	var reply string
	if err := w.Call(ctx, "Ping.Ping", struct{}{}, &reply); err != nil {
		log.Fatal(err)
	}
	if reply != "pong" {
		log.Fatalf("got %q, want %q", reply, "pong")
	}
	if err := w.Shutdown(); err != nil {
		log.Fatal(err)
	}
	if err := w.Wait(ctx); err != nil {
		log.Fatal(err)
	}
}
