// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// HeartbeatMode selects how a worker reacts to the state of its
// connection to its parent, per spec.md §4.7.
type HeartbeatMode int

const (
	// ConnectAndShutdownOnDisconnect dials the parent's reverse-handshake
	// listener, maintains a bidirectional heartbeat over that connection
	// for the life of the worker, and shuts the worker down the moment the
	// channel is declared dead. This is the mode every worker spawned by a
	// Runtime's own Spawn Engine runs under.
	ConnectAndShutdownOnDisconnect HeartbeatMode = iota
	// Optional is the mode of a worker-role process launched outside the
	// framework: PARALLEL_ROLE is set but PARALLEL_PARENT_ADDR or
	// PARALLEL_PARENT_COOKIE is not.
	// There is no parent to heartbeat against, so the worker simply serves
	// its RPC port indefinitely.
	Optional
)

func (m HeartbeatMode) String() string {
	switch m {
	case ConnectAndShutdownOnDisconnect:
		return "ConnectAndShutdownOnDisconnect"
	case Optional:
		return "Optional"
	default:
		return "invalid"
	}
}

// ErrNoParent is the condition reported when a worker starts under
// Optional heartbeat mode, for lack of parent-contact environment
// variables.
var ErrNoParent = errors.E(errors.Precondition, "NoParent")

// heartbeatFrame is the unit exchanged over a worker's handshake
// connection for the lifetime of the worker, per spec.md §4.6. Both sides
// send Tick at period and expect a Tick back within timeout; either side
// may instead send Shutdown to request a graceful stop.
type heartbeatFrame struct {
	Kind heartbeatKind
}

type heartbeatKind int

const (
	tickFrame heartbeatKind = iota
	shutdownFrame
)

// heartbeater drives one side of the bidirectional heartbeat protocol on
// a worker's handshake connection. It is symmetric: the same type runs on
// the master (one instance per worker) and on the worker (one instance,
// talking to its parent).
type heartbeater struct {
	conn   net.Conn
	period time.Duration
	dead   time.Duration

	enc *gob.Encoder
	dec *gob.Decoder

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool

	onLost     func()
	onShutdown func()
}

func newHeartbeater(conn net.Conn, period, dead time.Duration, onLost, onShutdown func()) *heartbeater {
	return &heartbeater{
		conn:       conn,
		period:     period,
		dead:       dead,
		enc:        gob.NewEncoder(conn),
		dec:        gob.NewDecoder(conn),
		lastSeen:   time.Now(),
		onLost:     onLost,
		onShutdown: onShutdown,
	}
}

// run drives the send loop and blocks the receive loop until the
// connection fails, a Shutdown frame arrives, or Close is called. Callers
// run it in its own goroutine.
func (h *heartbeater) run() {
	go h.sendLoop()
	h.recvLoop()
}

func (h *heartbeater) sendLoop() {
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	for range ticker.C {
		if h.isClosed() {
			return
		}
		if err := h.enc.Encode(heartbeatFrame{Kind: tickFrame}); err != nil {
			return
		}
	}
}

func (h *heartbeater) recvLoop() {
	for {
		if err := h.conn.SetReadDeadline(time.Now().Add(h.dead)); err != nil {
			h.fail()
			return
		}
		var frame heartbeatFrame
		if err := h.dec.Decode(&frame); err != nil {
			h.fail()
			return
		}
		h.mu.Lock()
		h.lastSeen = time.Now()
		h.mu.Unlock()
		if frame.Kind == shutdownFrame {
			if h.onShutdown != nil {
				h.onShutdown()
			}
			return
		}
	}
}

func (h *heartbeater) fail() {
	if h.isClosed() {
		return
	}
	log.Error.Printf("heartbeat: connection to %s lost", h.conn.RemoteAddr())
	if h.onLost != nil {
		h.onLost()
	}
}

// requestShutdown sends a Shutdown frame, asking the peer to stop. The
// peer closing the channel afterwards is then expected, and is not
// reported through onLost.
func (h *heartbeater) requestShutdown() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.enc.Encode(heartbeatFrame{Kind: shutdownFrame})
}

func (h *heartbeater) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *heartbeater) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return h.conn.Close()
}
