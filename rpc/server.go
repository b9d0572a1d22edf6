// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rpc

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/fornaxlabs/paraproc/internal/filebuf"
)

// methodErrorCode is the HTTP status used to signal that the method
// returned an error (as opposed to a transport-level failure). The error
// itself is gob-encoded in the response body.
const methodErrorCode = 590

// ctxConnKey is the context key under which the connection id of the
// request that triggered a service method call is stored; see WithConn
// and ConnFromContext.
type ctxConnKey struct{}

// WithConn returns a context derived from ctx that carries conn as its
// connection id. Server.ServeHTTP attaches the value of the request's
// X-Rpc-Conn header this way before dispatching to a service method, so
// that services may recover the connection a call arrived on.
func WithConn(ctx context.Context, conn string) context.Context {
	return context.WithValue(ctx, ctxConnKey{}, conn)
}

// ConnFromContext returns the connection id attached by WithConn, if any.
func ConnFromContext(ctx context.Context) (string, bool) {
	conn, ok := ctx.Value(ctxConnKey{}).(string)
	return conn, ok
}

// connHeader is the HTTP header the Client sets, and the Server reads,
// to carry a caller-chosen connection id alongside an RPC call.
const connHeader = "X-Rpc-Conn"

type method struct {
	receiver reflect.Value
	argType  reflect.Type
	replType reflect.Type
	fn       reflect.Value
	streamIn bool
	streamOut bool
}

// A Server serves RPC methods registered against it. Its zero value is
// not usable; create one with NewServer.
//
// A Server implements http.Handler: mount it under a prefix and use the
// same prefix when constructing the matching Client.
type Server struct {
	mu       sync.Mutex
	services map[string]map[string]*method
}

// NewServer creates a new, empty Server.
func NewServer() *Server {
	return &Server{services: make(map[string]map[string]*method)}
}

// Register installs the methods of rcvr under name. Every exported method
// of rcvr with the signature
//
//	func(ctx context.Context, arg ArgType, reply *ReplyType) error
//
// is registered as "name.Method". ArgType may be an io.Reader, indicating
// that the method consumes a stream; ReplyType may be io.ReadCloser,
// indicating that the method produces one.
func (s *Server) Register(name string, rcvr interface{}) {
	v := reflect.ValueOf(rcvr)
	t := v.Type()
	methods := make(map[string]*method)
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if m.Func.Type().NumIn() != 4 || m.Func.Type().NumOut() != 1 {
			continue
		}
		ft := m.Func.Type()
		if ft.In(1) != reflect.TypeOf((*context.Context)(nil)).Elem() {
			continue
		}
		if ft.Out(0) != reflect.TypeOf((*error)(nil)).Elem() {
			continue
		}
		argType := ft.In(2)
		replType := ft.In(3)
		if replType.Kind() != reflect.Ptr {
			continue
		}
		methods[m.Name] = &method{
			receiver:  v,
			argType:   argType,
			replType:  replType.Elem(),
			fn:        m.Func,
			streamIn:  argType == reflect.TypeOf((*io.Reader)(nil)).Elem(),
			streamOut: replType.Elem() == reflect.TypeOf((*io.ReadCloser)(nil)).Elem(),
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[name] = methods
}

func (s *Server) lookup(serviceMethod string) (*method, error) {
	name, meth, ok := strings.Cut(serviceMethod, ".")
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("malformed service method %q", serviceMethod))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	methods, ok := s.services[name]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("service %s not registered", name))
	}
	m, ok := methods[meth]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("method %s not found on service %s", meth, name))
	}
	return m, nil
}

// ServeHTTP implements http.Handler. It dispatches each request as a
// call to the service method named by the request's URL, relative to
// the Server's mount prefix, writing back a gob-encoded reply or, on
// method error, an encoded *errors.Error with status methodErrorCode.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	serviceMethod := strings.TrimPrefix(req.URL.Path, "/")
	if i := strings.LastIndex(req.URL.Path, "/"); i >= 0 {
		serviceMethod = req.URL.Path[i+1:]
		// Service methods are "Service.Method", carried whole in the
		// final path segment.
	}
	m, err := s.lookup(serviceMethod)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx := req.Context()
	if conn := req.Header.Get(connHeader); conn != "" {
		ctx = WithConn(ctx, conn)
	}

	var argv reflect.Value
	if m.streamIn {
		argv = reflect.ValueOf(io.Reader(req.Body))
	} else {
		argPtr := reflect.New(m.argType)
		if req.ContentLength != 0 || req.Header.Get("Content-Type") == gobContentType {
			if err := gob.NewDecoder(req.Body).Decode(argPtr.Interface()); err != nil && err != io.EOF {
				s.writeError(w, errors.E(errors.Invalid, "error decoding argument", err))
				return
			}
		}
		argv = argPtr.Elem()
	}

	replPtr := reflect.New(m.replType)
	args := []reflect.Value{m.receiver, reflect.ValueOf(ctx), argv, replPtr}
	results := m.fn.Call(args)
	if errv := results[0]; !errv.IsNil() {
		// Errors returned by the method itself are tagged Remote, so that a
		// caller can tell them apart from failures of its own transport.
		s.writeError(w, errors.E(errors.Remote, errv.Interface().(error)))
		return
	}

	if m.streamOut {
		rc, _ := replPtr.Elem().Interface().(io.ReadCloser)
		if rc == nil {
			s.writeError(w, errors.E(errors.Invalid, "method did not produce a stream"))
			return
		}
		defer rc.Close()
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, rc); err != nil {
			log.Error.Printf("rpc: error streaming reply for %s: %v", serviceMethod, err)
		}
		return
	}

	b := new(bytes.Buffer)
	if err := gob.NewEncoder(b).Encode(replPtr.Interface()); err != nil {
		s.writeError(w, errors.E(errors.Invalid, "error encoding reply", err))
		return
	}
	w.Header().Set("Content-Type", gobContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b.Bytes())
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	e := errors.Recover(err)
	w.Header().Set("Content-Type", gobContentType)
	w.WriteHeader(methodErrorCode)
	if encErr := gob.NewEncoder(w).Encode(e); encErr != nil {
		log.Error.Printf("rpc: error encoding error reply: %v", encErr)
	}
}

// Flush drains r into a temporary file (see internal/filebuf) and returns
// an io.ReadCloser over the result, so that a method may close the original reader (e.g. a pipe
// tied to a now-finished goroutine) before returning.
func Flush(r io.Reader) io.ReadCloser {
	b, err := filebuf.New(r)
	if err != nil {
		return errReadCloser{err}
	}
	return b
}

type errReadCloser struct{ err error }

func (e errReadCloser) Read([]byte) (int, error) { return 0, e.err }
func (e errReadCloser) Close() error              { return nil }
