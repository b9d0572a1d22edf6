// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"context"
	"time"

	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"
)

// shutdownDrainTimeout bounds how long ShutdownAll waits for workers to
// acknowledge a graceful Shutdown before escalating to Kill.
const shutdownDrainTimeout = 15 * time.Second

// ShutdownAll requests a graceful stop of every worker in workers
// concurrently, falling back to Kill for any worker that does not
// confirm within shutdownDrainTimeout. It is the cascade used when a
// parent process itself is asked to shut down: every descendant must be
// accounted for before the parent exits, per spec.md §4.6.
func ShutdownAll(ctx context.Context, workers []*Worker) error {
	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := w.Shutdown(); err != nil {
				log.Error.Printf("%s: requesting shutdown: %v", w.ID(), err)
			}
			waitCtx, cancel := context.WithTimeout(ctx, shutdownDrainTimeout)
			defer cancel()
			if err := w.Wait(waitCtx); err != nil {
				log.Error.Printf("%s: did not confirm shutdown, killing: %v", w.ID(), err)
				w.Kill()
			}
			return nil
		})
	}
	return g.Wait()
}
