// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"crypto/rand"
	"encoding/gob"
	"fmt"
	"net"
	"time"

	"github.com/grailbio/base/errors"
)

// handshakeFrame is the one-shot message a freshly started worker sends to
// its parent's reverse-handshake listener, per spec.md §6. It is encoded
// with encoding/gob directly on the accepted net.Conn, with no additional
// framing: the connection carries exactly one frame and is then retained
// as the heartbeat channel (heartbeat.go) for the lifetime of the worker.
type handshakeFrame struct {
	WorkerId WorkerId
	Host     string
	Port     int
	Hash     BinaryHash
	Cookie   string
}

// spawnTimeout bounds how long the parent waits for a spawned child's
// reverse handshake before declaring the spawn a failure.
const spawnTimeout = 2 * time.Minute

// handshakeListener is the master-side "parent-contact endpoint": a
// one-shot TCP listener that accepts exactly one connection per spawned
// child and reads that child's handshakeFrame from it.
type handshakeListener struct {
	ln     net.Listener
	cookie string
}

func newHandshakeListener() (*handshakeListener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.E(errors.Unavailable, "SpawnFailed", err)
	}
	cookie := randomCookie()
	return &handshakeListener{ln: ln, cookie: cookie}, nil
}

func (h *handshakeListener) Addr() string { return h.ln.Addr().String() }
func (h *handshakeListener) Close() error { return h.ln.Close() }

// accept waits up to spawnTimeout for the child to connect and report its
// handshake frame. The returned net.Conn is retained by the caller as the
// heartbeat channel; it must not be closed by accept's caller until the
// worker is being torn down.
func (h *handshakeListener) accept(wantId WorkerId) (handshakeFrame, net.Conn, error) {
	type result struct {
		frame handshakeFrame
		conn  net.Conn
		err   error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := h.ln.Accept()
		if err != nil {
			done <- result{err: errors.E(errors.Unavailable, "SpawnFailed", err)}
			return
		}
		var frame handshakeFrame
		if err := gob.NewDecoder(conn).Decode(&frame); err != nil {
			conn.Close()
			done <- result{err: errors.E(errors.Unavailable, "SpawnFailed", err)}
			return
		}
		if frame.Cookie != h.cookie {
			conn.Close()
			done <- result{err: errors.E(errors.Unavailable, "SpawnFailed", "cookie mismatch")}
			return
		}
		if frame.WorkerId != wantId {
			conn.Close()
			done <- result{err: errors.E(errors.Unavailable, "SpawnFailed",
				fmt.Sprintf("unexpected worker id %s (wanted %s)", frame.WorkerId, wantId))}
			return
		}
		done <- result{frame: frame, conn: conn}
	}()
	select {
	case r := <-done:
		return r.frame, r.conn, r.err
	case <-time.After(spawnTimeout):
		return handshakeFrame{}, nil, errors.E(errors.Unavailable, "SpawnFailed", "handshake timed out")
	}
}

// reportHandshake is the worker-side half: it dials the parent address
// found in the environment and sends a single handshakeFrame describing
// this worker's RPC endpoint and binary hash. The returned net.Conn is
// kept open and reused as the heartbeat channel.
func reportHandshake(parentAddr, cookie string, id WorkerId, host string, port int) (net.Conn, error) {
	hash, err := hashBinary()
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", parentAddr, 30*time.Second)
	if err != nil {
		return nil, errors.E(errors.Unavailable, err)
	}
	frame := handshakeFrame{WorkerId: id, Host: host, Port: port, Hash: hash, Cookie: cookie}
	if err := gob.NewEncoder(conn).Encode(frame); err != nil {
		conn.Close()
		return nil, errors.E(errors.Unavailable, err)
	}
	return conn, nil
}

func randomCookie() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Extremely unlikely; fall back to a time-derived value rather
		// than failing the spawn over cookie entropy.
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", b)
}
