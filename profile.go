// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"
)

// profileRequest names a runtime/pprof named profile and its debug level,
// mirrored to the worker's Supervisor.Profile RPC.
type profileRequest struct {
	Which string
	Debug int
}

// ProfileHandler returns an HTTP handler that collects the named pprof
// profile (or, for which == "profile", a CPU profile) from every worker
// known to rt and serves the merged result.
func ProfileHandler(rt *Runtime, which string) http.Handler { return &profileHandler{rt, which} }

// profileHandler implements an HTTP handler for a profile. The handler
// gathers profiles from all workers (at the time of collection) and
// returns a merged profile representing all cluster activity.
type profileHandler struct {
	rt    *Runtime
	which string
}

func (p *profileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sec, _ := strconv.ParseInt(r.FormValue("seconds"), 10, 64)
	if sec == 0 {
		sec = 30
	}
	debug, _ := strconv.Atoi(r.FormValue("debug"))
	g, ctx := errgroup.WithContext(r.Context())
	var (
		mu       sync.Mutex
		profiles = map[*Worker][]byte{}
		workers  = p.rt.Workers()
	)
	for _, wk := range workers {
		if state, _ := wk.State(); state != Running {
			continue
		}
		wk := wk
		g.Go(func() error {
			var rc io.ReadCloser
			if p.which == "profile" {
				if err := wk.Call(ctx, "Supervisor.CPUProfile", time.Duration(sec)*time.Second, &rc); err != nil {
					log.Error.Printf("failed to collect profile from %s: %v", wk.Addr, err)
					return nil
				}
			} else {
				if err := wk.Call(ctx, "Supervisor.Profile", profileRequest{p.which, debug}, &rc); err != nil {
					log.Error.Printf("failed to collect profile from %s: %v", wk.Addr, err)
					return nil
				}
			}
			defer rc.Close()
			b, err := io.ReadAll(rc)
			if err != nil {
				log.Error.Printf("failed to read profile from %s: %v", wk.Addr, err)
				return nil
			}
			mu.Lock()
			profiles[wk] = b
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		profileErrorf(w, http.StatusInternalServerError, "failed to fetch profiles: %v", err)
		return
	}
	if len(profiles) == 0 {
		profileErrorf(w, http.StatusNotFound, "no profiles are available at this time")
		return
	}
	if debug > 0 {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		sort.Slice(workers, func(i, j int) bool { return workers[i].Addr.String() < workers[j].Addr.String() })
		for _, wk := range workers {
			prof := profiles[wk]
			if prof == nil {
				continue
			}
			fmt.Fprintf(w, "%s:\n", wk.Addr)
			w.Write(prof)
			fmt.Fprintln(w)
		}
		return
	}

	var parsed []*profile.Profile
	for wk, b := range profiles {
		prof, err := profile.Parse(bytes.NewReader(b))
		if err != nil {
			log.Error.Printf("failed to parse profile from %s: %v", wk.Addr, err)
			continue
		}
		parsed = append(parsed, prof)
	}
	prof, err := profile.Merge(parsed)
	if err != nil {
		profileErrorf(w, http.StatusInternalServerError, "profile merge error: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := prof.Write(w); err != nil {
		profileErrorf(w, http.StatusInternalServerError, "failed to write profile: %v", err)
	}
}

func profileErrorf(w http.ResponseWriter, code int, message string, args ...interface{}) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Go-Pprof", "1")
	w.WriteHeader(code)
	fmt.Fprintf(w, message, args...)
}
