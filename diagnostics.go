// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"context"
	"encoding/json"
	"expvar"
	"io"
	goruntime "runtime"
	"runtime/pprof"

	"github.com/grailbio/base/errors"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
)

// MemInfo reports a worker's memory usage, combining the host's overall
// view (via gopsutil) with the Go runtime's own allocator statistics.
type MemInfo struct {
	System  *mem.VirtualMemoryStat
	Runtime goruntime.MemStats
}

// DiskInfo reports a worker's disk usage for its root filesystem.
type DiskInfo struct {
	Usage *disk.UsageStat
}

// LoadInfo reports a worker's system load averages.
type LoadInfo struct {
	Averages *load.AvgStat
}

// Expvars is a worker's exported variables (as published via expvar),
// gathered as JSON-encoded values keyed by variable name.
type Expvars map[string]json.RawMessage

// MemInfo, DiskInfo, and LoadInfo, are the worker-side diagnostics served
// through the Supervisor service; they back the /status page and the
// "human" functions in status.go's template.
func (s *supervisor) MemInfo(ctx context.Context, _ struct{}, reply *MemInfo) error {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return err
	}
	reply.System = vm
	goruntime.ReadMemStats(&reply.Runtime)
	return nil
}

func (s *supervisor) DiskInfo(ctx context.Context, _ struct{}, reply *DiskInfo) error {
	usage, err := disk.Usage("/")
	if err != nil {
		return err
	}
	reply.Usage = usage
	return nil
}

func (s *supervisor) LoadInfo(ctx context.Context, _ struct{}, reply *LoadInfo) error {
	avg, err := load.Avg()
	if err != nil {
		return err
	}
	reply.Averages = avg
	return nil
}

func (s *supervisor) Expvars(ctx context.Context, _ struct{}, reply *Expvars) error {
	out := make(Expvars)
	expvar.Do(func(kv expvar.KeyValue) {
		out[kv.Key] = json.RawMessage(kv.Value.String())
	})
	*reply = out
	return nil
}

// Profile captures a named runtime/pprof profile (see runtime/pprof.Lookup)
// and streams it back in pprof's native format.
func (s *supervisor) Profile(ctx context.Context, req profileRequest, reply *io.ReadCloser) error {
	p := pprof.Lookup(req.Which)
	if p == nil {
		return errors.E(errors.NotExist, "no such profile: "+req.Which)
	}
	r, w := io.Pipe()
	*reply = r
	go func() {
		w.CloseWithError(p.WriteTo(w, req.Debug))
	}()
	return nil
}

// MemInfo returns w's current memory diagnostics.
func (w *Worker) MemInfo(ctx context.Context) (MemInfo, error) {
	var info MemInfo
	err := w.Call(ctx, "Supervisor.MemInfo", struct{}{}, &info)
	return info, err
}

// DiskInfo returns w's current disk diagnostics.
func (w *Worker) DiskInfo(ctx context.Context) (DiskInfo, error) {
	var info DiskInfo
	err := w.Call(ctx, "Supervisor.DiskInfo", struct{}{}, &info)
	return info, err
}

// LoadInfo returns w's current load average diagnostics.
func (w *Worker) LoadInfo(ctx context.Context) (LoadInfo, error) {
	var info LoadInfo
	err := w.Call(ctx, "Supervisor.LoadInfo", struct{}{}, &info)
	return info, err
}
