// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/net/http2"

	"github.com/fornaxlabs/paraproc/internal/authority"
	"github.com/fornaxlabs/paraproc/internal/ioprefix"
	"github.com/fornaxlabs/paraproc/internal/tee"
)

// selfAddrEnv carries the address a locally-spawned worker should report
// during its reverse handshake; it is the local analogue of the
// parent-contact variables in role.go, but names the worker's own
// listening address rather than its parent's.
const selfAddrEnv = "PARALLEL_SELF_ADDR"

const authorityEnv = "PARALLEL_AUTHORITY"

// Local is a System that spawns workers as child processes of the
// current process, all on the same host.
var Local System = new(localSystem)

// LocalEcho, if true, additionally copies every Local worker's combined
// stdout/stderr to the master's own stderr, each line prefixed with the
// worker's id. It is off by default since a large cluster would otherwise
// flood the master's console; it is most useful for local development
// with a handful of workers.
var LocalEcho = false

type localSystem struct {
	rt            *Runtime
	authorityPath string
	authority     *authority.T

	mu     sync.Mutex
	muxers map[WorkerId]*tee.Writer
}

func (s *localSystem) Name() string { return "local" }

func (s *localSystem) Init(rt *Runtime) error {
	s.rt = rt
	if rt.IsMaster() {
		f, err := os.CreateTemp("", "paraproc-authority-")
		if err != nil {
			return err
		}
		s.authorityPath = f.Name()
		f.Close()
		os.Remove(s.authorityPath)
		s.authority, err = authority.New(s.authorityPath)
		s.muxers = make(map[WorkerId]*tee.Writer)
		return err
	}
	s.authorityPath = os.Getenv(authorityEnv)
	if s.authorityPath == "" {
		return errors.E(errors.Invalid, "missing "+authorityEnv)
	}
	var err error
	s.authority, err = authority.New(s.authorityPath)
	return err
}

func (s *localSystem) Start(ctx context.Context, count int) ([]*Worker, error) {
	workers := make([]*Worker, 0, count)
	for i := 0; i < count; i++ {
		w, err := s.startOne(ctx)
		if err != nil {
			for _, started := range workers {
				started.Kill()
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func (s *localSystem) startOne(ctx context.Context) (*Worker, error) {
	hl, err := newHandshakeListener()
	if err != nil {
		return nil, err
	}
	defer hl.Close()

	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, errors.E(errors.Unavailable, "SpawnFailed", err)
	}
	ln.Close() // we only wanted a free port; the child will bind it.
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	id := newWorkerId(s.rt.index)
	env, err := buildChildEnv(os.Environ(), id, hl.Addr(), hl.cookie, []string{
		fmt.Sprintf("%s=localhost:%d", selfAddrEnv, port),
		fmt.Sprintf("%s=%s", authorityEnv, s.authorityPath),
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = env
	muxer := new(tee.Writer)
	cmd.Stdout = muxer
	cmd.Stderr = muxer
	if err := cmd.Start(); err != nil {
		return nil, errors.E(errors.Unavailable, "SpawnFailed", err)
	}

	s.mu.Lock()
	s.muxers[id] = muxer
	s.mu.Unlock()

	if LocalEcho {
		muxer.Tee(ioprefix.PrefixWriter(os.Stderr, fmt.Sprintf("[%s] ", id)))
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	frame, conn, err := hl.accept(id)
	if err != nil {
		_ = cmd.Process.Kill()
		<-exited
		return nil, err
	}
	ok, err := binariesMatch(frame.Hash)
	if err != nil {
		conn.Close()
		_ = cmd.Process.Kill()
		<-exited
		return nil, err
	}
	if !ok {
		conn.Close()
		_ = cmd.Process.Kill()
		<-exited
		return nil, errors.E(errors.Invalid, "SpawnFailed", "BinaryMismatch")
	}

	addr := WorkerAddress{Host: frame.Host, Port: frame.Port}
	kill := func() { _ = cmd.Process.Kill() }
	hb := newHeartbeater(conn, time.Minute, 2*time.Minute, nil, nil)
	w := newWorker(s.rt, id, addr, s, hb, kill)
	hb.onLost = func() { w.transition(Stopped, errors.E(errors.Unavailable, "HeartbeatLost")) }
	hb.onShutdown = func() { w.transition(Stopping, nil) }
	go hb.run()
	go func() {
		err := <-exited
		if err != nil {
			log.Error.Printf("worker %s exited: %v", id, err)
		}
		w.transition(Stopped, err)
	}()
	return w, nil
}

func (*localSystem) Main() error {
	select {}
}

func (s *localSystem) Serve(ln net.Listener, handler http.Handler) error {
	server, err := s.newServer(handler)
	if err != nil {
		return err
	}
	server.Addr = ln.Addr().String()
	return server.ServeTLS(ln, "", "")
}

func (s *localSystem) ListenAndServe(addr string, handler http.Handler) error {
	if addr == "" {
		_, port, err := s.SelfAddr()
		if err != nil {
			return err
		}
		addr = fmt.Sprintf("0.0.0.0:%d", port)
	}
	server, err := s.newServer(handler)
	if err != nil {
		return err
	}
	server.Addr = addr
	return server.ListenAndServeTLS("", "")
}

func (s *localSystem) newServer(handler http.Handler) (*http.Server, error) {
	_, serverConfig, err := s.authority.HTTPSConfig()
	if err != nil {
		return nil, err
	}
	server := &http.Server{Handler: handler, TLSConfig: serverConfig}
	if err := http2.ConfigureServer(server, &http2.Server{MaxConcurrentStreams: maxConcurrentStreams}); err != nil {
		return nil, err
	}
	return server, nil
}

func (s *localSystem) HTTPClient() *http.Client {
	config, _, err := s.authority.HTTPSConfig()
	if err != nil {
		log.Fatal(err)
	}
	transport := &http.Transport{TLSClientConfig: config}
	http2.ConfigureTransport(transport)
	return &http.Client{Transport: transport, Timeout: httpTimeout}
}

func (s *localSystem) SelfAddr() (string, int, error) {
	addr := os.Getenv(selfAddrEnv)
	if addr == "" {
		return "", 0, errors.E(errors.Invalid, "missing "+selfAddrEnv)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.E(errors.Invalid, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.E(errors.Invalid, err)
	}
	if host == "" {
		host = "localhost"
	}
	return host, port, nil
}

func (*localSystem) Exit(code int) { os.Exit(code) }

// Tail returns a reader of a locally-spawned worker's combined
// stdout/stderr, tee'd live from the process for as long as ctx remains
// active. It satisfies the optional Tailer interface.
func (s *localSystem) Tail(ctx context.Context, id WorkerId) (io.Reader, error) {
	s.mu.Lock()
	muxer := s.muxers[id]
	s.mu.Unlock()
	if muxer == nil {
		return nil, errors.E(errors.NotExist, "worker not under management")
	}
	r, w := io.Pipe()
	go func() {
		cancel := muxer.Tee(w)
		<-ctx.Done()
		cancel()
		w.CloseWithError(ctx.Err())
	}()
	return r, nil
}

func (*localSystem) KeepaliveConfig() (period, timeout, rpcTimeout time.Duration) {
	return time.Minute, 2 * time.Minute, 10 * time.Second
}

const maxConcurrentStreams = 20000
const httpTimeout = 30 * time.Second
