// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"text/tabwriter"
	"text/template"
	"time"

	"github.com/grailbio/base/data"
	"golang.org/x/sync/errgroup"
)

var startTime = time.Now()

var statusTemplate = template.Must(template.New("status").
	Funcs(template.FuncMap{
		"human": func(v interface{}) string {
			switch v := v.(type) {
			case int:
				return data.Size(v).String()
			case int64:
				return data.Size(v).String()
			case uint64:
				return data.Size(v).String()
			default:
				return fmt.Sprintf("(!%T)%v", v, v)
			}
		},
		"ns": func(v interface{}) string {
			switch v := v.(type) {
			case int:
				return time.Duration(v).String()
			case int64:
				return time.Duration(v).String()
			case uint64:
				return time.Duration(v).String()
			default:
				return fmt.Sprintf("(!%T)%v", v, v)
			}
		},
	}).
	Parse(`{{.worker.Addr}}
	memory:
		total:	{{human .mem.System.Total}}
		used:	{{human .mem.System.Used}}
		(percent):	{{printf "%.1f%%" .mem.System.UsedPercent}}
		available:	{{human .mem.System.Available}}
		runtime:	{{human .mem.Runtime.Sys}}
	runtime:
		uptime:	{{.uptime}}
		pausetime:	{{ns .mem.Runtime.PauseTotalNs}}
		(last):	{{ns .lastpause}}
	disk:
		total:	{{human .disk.Usage.Total}}
		available:	{{human .disk.Usage.Free}}
		used:	{{human .disk.Usage.Used}}
		(percent):	{{printf "%.1f%%" .disk.Usage.UsedPercent}}
	load: {{printf "%.1f %.1f %.1f" .load.Averages.Load1 .load.Averages.Load5 .load.Averages.Load15}}
`))

// StatusHandler returns an HTTP handler that displays a plain-text status
// page for every worker known to rt, including memory, disk, and load
// diagnostics gathered live from each one.
func StatusHandler(rt *Runtime) http.Handler { return &statusHandler{rt} }

// statusHandler implements an HTTP handler that displays worker statuses.
type statusHandler struct{ rt *Runtime }

func (s *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	workers := s.rt.Workers()
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].Addr.String() < workers[j].Addr.String()
	})
	infos := make([]workerInfo, len(workers))
	g, ctx := errgroup.WithContext(r.Context())
	for i, wk := range workers {
		if state, _ := wk.State(); state != Running {
			infos[i].err = fmt.Errorf("worker state %s", state)
			continue
		}
		i, wk := i, wk
		g.Go(func() error {
			infos[i] = allInfo(ctx, wk)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		http.Error(w, fmt.Sprint(err), 500)
		return
	}
	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 1, ' ', 0)
	defer tw.Flush()
	for i, info := range infos {
		wk := workers[i]
		if info.err != nil {
			fmt.Fprintln(&tw, wk.Addr, ":", info.err)
			continue
		}
		err := statusTemplate.Execute(&tw, map[string]interface{}{
			"worker":    wk,
			"mem":       info.MemInfo,
			"disk":      info.DiskInfo,
			"load":      info.LoadInfo,
			"uptime":    time.Since(startTime),
			"lastpause": info.MemInfo.Runtime.PauseNs[(info.MemInfo.Runtime.NumGC+255)%256],
		})
		if err != nil {
			panic(err)
		}
	}
}

type workerInfo struct {
	err error
	MemInfo
	DiskInfo
	LoadInfo
}

func allInfo(ctx context.Context, w *Worker) workerInfo {
	g, ctx := errgroup.WithContext(ctx)
	var (
		mem  MemInfo
		disk DiskInfo
		load LoadInfo
	)
	g.Go(func() error {
		var err error
		mem, err = w.MemInfo(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		disk, err = w.DiskInfo(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		load, err = w.LoadInfo(ctx)
		return err
	})
	err := g.Wait()
	return workerInfo{err, mem, disk, load}
}
