// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// teststream exercises a long-lived streaming RPC reply against a real
// spawned worker, asserting that the client side unblocks promptly once
// the stream is exhausted rather than leaking a goroutine waiting on it.
package main

import (
	"bytes"
	"context"
	"encoding/gob"
	"io"
	"io/ioutil"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime/pprof"
	"time"

	"github.com/fornaxlabs/paraproc"
	"github.com/grailbio/base/log"
)

func init() {
	gob.Register(&streamService{})
}

type streamService struct{}

func (*streamService) Empty(ctx context.Context, howlong time.Duration, reply *io.ReadCloser) error {
	go func() {
		if err := http.ListenAndServe("localhost:8090", nil); err != nil {
			log.Fatal(err)
		}
	}()
	*reply = ioutil.NopCloser(bytes.NewReader(nil))
	return nil
}

func main() {
	rt := paraproc.StartApp(paraproc.Local, paraproc.Services(map[string]interface{}{
		"Stream": &streamService{},
	}))
	defer rt.Shutdown()
	ctx := context.Background()
	workers, err := rt.Start(ctx, 1)
	if err != nil {
		log.Fatal(err)
	}
	w := workers[0]
	var rc io.ReadCloser
	if err := w.Call(ctx, "Stream.Empty", time.Second, &rc); err != nil {
		log.Fatal(err)
	}
	go func() {
		time.Sleep(3 * time.Second)
		pprof.Lookup("goroutine").WriteTo(os.Stderr, 1)
		log.Fatal("should be dead by now")
	}()
	if _, err := io.Copy(ioutil.Discard, rc); err != nil {
		log.Fatal(err)
	}
}
