// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"

	"github.com/fornaxlabs/paraproc/rpc"
)

// NewInProcessWorker is exported for testsystem's use: it builds a real
// paraproc RPC server (Supervisor and Conn services, plus any Services rt
// was started with) and serves it from an httptest.Server, without
// spawning a process or touching the real stdout/stderr fds.
func NewInProcessWorker(rt *Runtime, id WorkerId) (*httptest.Server, error) {
	server := rpc.NewServer()
	server.Register("Supervisor", newInProcessSupervisor(rt))
	server.Register("Conn", newConnectionManager(rt))
	for name, svc := range rt.services {
		server.Register(name, svc)
	}
	mux := http.NewServeMux()
	mux.Handle(RPCPrefix, &dispatcher{rt: rt, inner: server})
	return httptest.NewServer(mux), nil
}

// ParseWorkerAddress extracts a WorkerAddress from an httptest.Server's
// URL, for testsystem's use.
func ParseWorkerAddress(rawurl string) WorkerAddress {
	u, err := url.Parse(rawurl)
	if err != nil {
		return WorkerAddress{}
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return WorkerAddress{Host: u.Host}
	}
	port, _ := strconv.Atoi(portStr)
	return WorkerAddress{Host: host, Port: port}
}

// NewInProcessWorkerHandle constructs a *Worker with no heartbeat
// channel, for use by Systems (testsystem) whose workers run in-process
// and so have no real reverse-handshake connection to heartbeat over.
func NewInProcessWorkerHandle(rt *Runtime, id WorkerId, addr WorkerAddress, sys System, kill func()) *Worker {
	return newWorker(rt, id, addr, sys, nil, kill)
}
