package filebuf

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"strings"
	"testing"
)

type fakeReadCloser struct {
	io.Reader
	closed bool
}

func (r *fakeReadCloser) Close() error {
	r.closed = true
	return nil
}

type errorReader struct {
	err error
}

func (r errorReader) Read(p []byte) (int, error) {
	return 0, r.err
}

// TestFileBuf verifies that we can create, read from, and close a FileBuf.
func TestFileBuf(t *testing.T) {
	in := make([]byte, 1<<20)
	rand.Read(in)
	rc := &fakeReadCloser{
		Reader: bytes.NewReader(append([]byte{}, in...)),
	}
	b, err := New(rc)
	if err != nil {
		t.Fatal(err)
	}
	out, err := ioutil.ReadAll(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, in) {
		t.Errorf("read back %d bytes, want %d matching the original", len(out), len(in))
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if !rc.closed {
		t.Error("underlying reader was not closed")
	}
}

// TestFileBufReadError verifies that an error reading from the underlying
// reader is propagated.
func TestFileBufReadError(t *testing.T) {
	r := errorReader{fmt.Errorf("test error")}
	_, err := New(r)
	if err == nil || !strings.Contains(err.Error(), "test error") {
		t.Errorf("got %v, want an error containing %q", err, "test error")
	}
}
