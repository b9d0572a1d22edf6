// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package testsystem

import (
	"context"
	"encoding/gob"
	"testing"

	"github.com/fornaxlabs/paraproc"
)

func init() {
	gob.Register(&testService{})
}

type testService struct {
	Index int
}

func (t *testService) Method(ctx context.Context, arg int, reply *int) error {
	*reply = t.Index
	return nil
}

func TestTestSystem(t *testing.T) {
	test := New()
	rt := paraproc.StartApp(test, paraproc.Services(map[string]interface{}{
		"Service": &testService{Index: 1},
	}))
	defer rt.Shutdown()
	ctx := context.Background()
	workers, err := rt.Start(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	w := workers[0]
	if state, err := w.State(); err != nil || state != paraproc.Running {
		t.Fatalf("worker state = %v, %v; want Running", state, err)
	}
	var reply int
	if err := w.Call(ctx, "Service.Method", 0, &reply); err != nil {
		t.Fatal(err)
	}
	if got, want := reply, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTestSystemWait(t *testing.T) {
	test := New()
	rt := paraproc.StartApp(test)
	defer rt.Shutdown()
	if _, err := rt.Start(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	if got, want := test.Wait(3), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := test.N(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTestSystemKillRandom(t *testing.T) {
	test := New()
	rt := paraproc.StartApp(test)
	defer rt.Shutdown()
	if _, err := rt.Start(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if !test.KillRandom() {
		t.Fatal("KillRandom returned false with live workers present")
	}
	if got, want := test.N(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
