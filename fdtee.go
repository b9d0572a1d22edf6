// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"io"
	"sync"
)

// fdTeeWriter drives one destination of an fdTee: it owns a small queue of
// pending writes to w and applies backpressure to the queue (never to the
// fd being tee'd) so that a slow tail consumer can't stall the worker's
// own stdout/stderr.
type fdTeeWriter struct {
	w         io.Writer
	maxBuffer int
	mu        sync.Mutex
	cond      *sync.Cond
	bufs      [][]byte
	pending   int
	err       error
}

func newFdTeeWriter(w io.Writer, maxBuffer int) *fdTeeWriter {
	tw := &fdTeeWriter{w: w, maxBuffer: maxBuffer}
	tw.cond = sync.NewCond(&tw.mu)
	return tw
}

func (w *fdTeeWriter) drain() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.err == nil {
		for len(w.bufs) == 0 {
			w.cond.Wait()
		}
		buf := w.bufs[0]
		w.bufs = w.bufs[1:]
		w.mu.Unlock()
		_, err := w.w.Write(buf)
		w.mu.Lock()
		w.err = err
		w.pending -= len(buf)
		w.cond.Broadcast()
	}
	return w.err
}

func (w *fdTeeWriter) enqueue(p []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return false
	}
	if len(p)+w.pending > w.maxBuffer {
		return false
	}
	w.pending += len(p)
	w.bufs = append(w.bufs, p)
	w.cond.Broadcast()
	return true
}

func (w *fdTeeWriter) flush() {
	w.mu.Lock()
	for w.err == nil && w.pending > 0 {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

// fdTee is an io.Writer that copies a worker's duplicated stdout or
// stderr fd to zero or more remote Tail subscribers, used by
// supervisor.teeFd. The underlying writes happen asynchronously and are
// buffered up to a configured limit, after which further writes to a
// slow subscriber are dropped until its buffer drains; a subscriber is
// never allowed to backpressure the fd it's tailing.
type fdTee struct {
	mu        sync.Mutex
	writers   map[*fdTeeWriter]bool
	maxBuffer int
}

func newFdTee(maxBuffer int) *fdTee {
	return &fdTee{
		writers:   make(map[*fdTeeWriter]bool),
		maxBuffer: maxBuffer,
	}
}

// Tee starts forwarding writes to w, until w returns an error.
func (t *fdTee) Tee(w io.Writer) {
	tw := newFdTeeWriter(w, t.maxBuffer)
	t.mu.Lock()
	t.writers[tw] = true
	t.mu.Unlock()
	go func() {
		_ = tw.drain()
		// TODO(marius): log the returned error. The tricky part is that
		// logging may trigger a write. Perhaps there should be a
		// "distinguished writer" to which we can log safely.
		t.mu.Lock()
		delete(t.writers, tw)
		t.mu.Unlock()
	}()
}

// Flush returns once every buffered byte has reached every currently
// subscribed writer.
func (t *fdTee) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tw := range t.writers {
		tw.flush()
	}
}

// Write asynchronously enqueues p to every current subscriber, subject to
// the buffer limits described above. It always returns len(p), nil.
func (t *fdTee) Write(p []byte) (n int, err error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	t.mu.Lock()
	for tw := range t.writers {
		tw.enqueue(buf)
		// TODO(marius): log this, as above.
	}
	t.mu.Unlock()
	return len(p), nil
}
