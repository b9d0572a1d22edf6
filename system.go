// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"context"
	"io"
	"net/http"
	"time"
)

// A System implements a Spawn Engine target: a way of turning a spawn
// request into a running child process and an HTTP client capable of
// talking to it (and to other children of the same System). paraproc ships
// two: Local (fork/exec on the current host) and SSH (a remote-shell
// command run over an SSH session).
type System interface {
	// Name identifies this System implementation. It appears in error
	// messages, and StartApp checks it to skip publishing expvars under
	// testsystem; it is not passed to spawned children.
	Name() string

	// Init prepares the System for use. It is called once, by StartApp, in
	// both the master and every worker.
	Init(rt *Runtime) error

	// Main is called by a worker, after bootstrap, to take over the
	// process until shutdown. It must not return unless it is returning an
	// error; StartApp treats a Main that returns as fatal.
	Main() error

	// HTTPClient returns an *http.Client usable to reach machines started
	// by this System.
	HTTPClient() *http.Client

	// ListenAndServe serves handler for incoming RPCs on addr (or on a
	// System-chosen address/port if addr is empty, e.g. taken from the
	// environment the Spawn Engine set up for this child).
	ListenAndServe(addr string, handler http.Handler) error

	// SelfAddr returns the host and port this worker should report to its
	// parent during the reverse handshake. It is meaningless on the
	// master and is only ever called from a spawned worker process.
	SelfAddr() (host string, port int, err error)

	// Start launches count new worker processes and returns handles for
	// them once their reverse handshake has completed and their binary
	// hash has been verified.
	Start(ctx context.Context, count int) ([]*Worker, error)

	// Exit terminates the current process with the given status code.
	Exit(code int)

	// KeepaliveConfig returns this System's default heartbeat interval,
	// disconnect timeout, and per-RPC timeout for management calls.
	KeepaliveConfig() (period, timeout, rpcTimeout time.Duration)
}

// Tailer is implemented by Systems that can stream a locally-observable
// copy of a worker's console output back to the caller (currently just
// Local, which captures its children's stdout/stderr directly).
type Tailer interface {
	Tail(ctx context.Context, id WorkerId) (io.Reader, error)
}

// FdMode enumerates redirections for a worker's standard output and error
// streams. No System in this package applies them: Local always copies a
// child's stdout and stderr to the tee that Tail reads, and SSH keeps only
// the remote stderr, for its exit log.
type FdMode int

const (
	// DevNull discards the stream.
	DevNull FdMode = iota
	// FileAppend appends the stream to a file, creating it if necessary.
	FileAppend
	// FileTruncate truncates (or creates) a file and writes the stream to it.
	FileTruncate
)

// FdRedirect names a single fd redirection: a mode plus, for the file
// modes, the path to redirect to.
type FdRedirect struct {
	Mode FdMode
	Path string
}
