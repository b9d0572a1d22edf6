// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"context"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// supervisor is the control service installed on every worker, alongside
// whatever Services the process was started with. It answers the
// master's liveness and diagnostic RPCs and owns the process's graceful
// shutdown path.
type supervisor struct {
	rt *Runtime

	saveFds              map[int]int
	stdoutTee, stderrTee *fdTee

	mu          sync.Mutex
	didShutdown bool
}

func newSupervisor(rt *Runtime) *supervisor {
	s := &supervisor{rt: rt, saveFds: make(map[int]int)}
	var err error
	s.stderrTee, err = s.teeFd(syscall.Stderr, "/dev/stderr")
	if err != nil {
		log.Error.Printf("failed to tee stderr: %v", err)
	}
	s.stdoutTee, err = s.teeFd(syscall.Stdout, "/dev/stdout")
	if err != nil {
		log.Error.Printf("failed to tee stdout: %v", err)
	}
	return s
}

// newInProcessSupervisor builds a supervisor without splicing the
// process's real stdout/stderr fds, for use by testsystem, where many
// simulated workers share one OS process and dup2'ing fd 1/2 repeatedly
// would corrupt each other's output. Tail requests against such a
// supervisor report an errors.Invalid error, as for an fd that cannot be
// tailed.
func newInProcessSupervisor(rt *Runtime) *supervisor {
	return &supervisor{rt: rt, saveFds: make(map[int]int)}
}

// teeFd duplicates fd, preserving the original destination for the
// process's own use, and splices a pipe in its place so that anything
// subsequently written to fd is also captured by a tee for remote
// tailing via the Tail RPC.
func (s *supervisor) teeFd(fd int, name string) (*fdTee, error) {
	save, err := syscall.Dup(fd)
	if err != nil {
		return nil, err
	}
	s.saveFds[fd] = save
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	if err := syscall.Dup2(int(w.Fd()), fd); err != nil {
		return nil, err
	}
	w.Close()
	t := newFdTee(maxTeeBuffer)
	orig := os.NewFile(uintptr(save), name)
	t.Tee(orig)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				_, _ = t.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return t, nil
}

const maxTeeBuffer = 1 << 20

// Tail streams output written to a worker's stdout or stderr (fd 1 or 2,
// per syscall.Stdout/syscall.Stderr) since the call was made. It works
// regardless of Spawn Engine, unlike the Local-only Tailer interface.
func (s *supervisor) Tail(ctx context.Context, fd int, reply *io.ReadCloser) error {
	var t *fdTee
	switch fd {
	case syscall.Stdout:
		t = s.stdoutTee
	case syscall.Stderr:
		t = s.stderrTee
	}
	if t == nil {
		return errors.E(errors.Invalid, "cannot tail fd")
	}
	r, w := io.Pipe()
	t.Tee(w)
	*reply = r
	return nil
}

// Info describes a worker's identity, for the master's bookkeeping and
// diagnostics.
type Info struct {
	Goos, Goarch string
	Hash         BinaryHash
}

// Info returns this worker's Info.
func (s *supervisor) Info(ctx context.Context, _ struct{}, info *Info) error {
	hash, err := hashBinary()
	if err != nil {
		return err
	}
	info.Goos = runtime.GOOS
	info.Goarch = runtime.GOARCH
	info.Hash = hash
	return nil
}

// Ping replies immediately with the sequence number given, so that
// callers can measure round-trip latency independent of the heartbeat
// channel.
func (s *supervisor) Ping(ctx context.Context, seq int, reply *int) error {
	*reply = seq
	return nil
}

// Setargs replaces os.Args, for use immediately before Exec.
func (s *supervisor) Setargs(ctx context.Context, args []string, _ *struct{}) error {
	os.Args = args
	return nil
}

// Exec reads a new binary image from its argument and replaces the
// current process with it via exec(2). The worker's handshake and
// heartbeat state does not survive: the replacement image must perform
// its own handshake as if freshly spawned.
func (s *supervisor) Exec(ctx context.Context, image io.Reader, _ *struct{}) error {
	f, err := os.CreateTemp("", "paraproc-exec-")
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, image); err != nil {
		f.Close()
		return err
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(path, 0755); err != nil {
		return err
	}
	log.Printf("exec %s %s", path, strings.Join(os.Args, " "))
	return syscall.Exec(path, os.Args, os.Environ())
}

// CPUProfile captures a CPU profile of the worker process for dur (or 30
// seconds, if dur is zero) and streams it back in pprof's native format.
func (s *supervisor) CPUProfile(ctx context.Context, dur time.Duration, reply *io.ReadCloser) error {
	if dur == 0 {
		dur = 30 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < dur {
		return errors.E(errors.Invalid, "context deadline too short for requested profile duration")
	}
	r, w := io.Pipe()
	*reply = r
	go func() {
		if err := pprof.StartCPUProfile(w); err != nil {
			w.CloseWithError(err)
			return
		}
		var waitErr error
		select {
		case <-time.After(dur):
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
		pprof.StopCPUProfile()
		w.CloseWithError(waitErr)
	}()
	return nil
}

// Shutdown is invoked remotely by the master to request that the worker
// exit gracefully; it is also invoked locally when the worker's own
// heartbeater receives a Shutdown frame, per spec.md §4.6.
func (s *supervisor) Shutdown(ctx context.Context, _ struct{}, _ *struct{}) error {
	s.shutdownLocked()
	return nil
}

func (s *supervisor) shutdown() { s.shutdownLocked() }

// shutdownLocked runs the worker's half of the Shutdown Cascade
// (spec.md §4.8 steps 1-4): stop is implicit once Exit is called, so what
// remains here is draining every live connection's teardown hooks before
// releasing WorkerState and exiting.
func (s *supervisor) shutdownLocked() {
	s.mu.Lock()
	if s.didShutdown {
		s.mu.Unlock()
		return
	}
	s.didShutdown = true
	s.mu.Unlock()
	log.Printf("%s: shutting down", s.rt.Self())
	if s.rt.conns != nil {
		s.rt.conns.closeAll()
	}
	s.rt.workerState = nil
	s.rt.system.Exit(0)
}
