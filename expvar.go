// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"
)

type workerExpvars struct{ rt *Runtime }

// String returns a JSON-formatted string representing the exported
// variables of all underlying workers.
func (v workerExpvars) String() string {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	var (
		mu   sync.Mutex
		vars = make(map[string]Expvars)
	)
	for _, w := range v.rt.Workers() {
		w := w
		g.Go(func() error {
			var wvars Expvars
			if err := w.Call(ctx, "Supervisor.Expvars", struct{}{}, &wvars); err != nil {
				log.Error.Printf("failed to retrieve variables for %s: %v", w.Addr, err)
				return nil
			}
			mu.Lock()
			vars[w.Addr.String()] = wvars
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b, errMarshal := json.Marshal(err.Error())
		if errMarshal != nil {
			log.Error.Printf("workerExpvars marshal: %v", errMarshal)
			return `"error"`
		}
		return string(b)
	}
	b, err := json.Marshal(vars)
	if err != nil {
		log.Error.Printf("workerExpvars marshal: %v", err)
		return `"error"`
	}
	return string(b)
}
