// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/http2"

	"github.com/fornaxlabs/paraproc/internal/authority"
)

// SSHConfig configures the SSH System: the set of remote hosts it may
// spawn workers on, the binary's path on those hosts (assumed identical
// across all of them and already deployed there), and the credentials
// used to connect.
type SSHConfig struct {
	Hosts      []string
	BinaryPath string
	User       string
	Signer     ssh.Signer
	Port       int
}

// NewSSHSystem creates a System that spawns workers on remote hosts over
// SSH, running a remote shell command rather than a local fork/exec.
// Unlike Local, the spawned workers are not children of this process in
// the OS sense: their lifetime is tracked purely through the reverse
// handshake and heartbeat channel.
func NewSSHSystem(cfg SSHConfig) System {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &sshSystem{cfg: cfg}
}

type sshSystem struct {
	rt  *Runtime
	cfg SSHConfig

	authorityPath string
	authority     *authority.T

	mu   sync.Mutex
	next int

	selfOnce sync.Once
	selfLn   net.Listener
	selfErr  error
}

// selfListener lazily binds this worker's single listening socket. Both
// SelfAddr (reporting the address during the reverse handshake) and
// ListenAndServe (actually serving on it) must agree on the same
// listener, since the SSH System has no equivalent of Local's
// pre-reserved port.
func (s *sshSystem) selfListener() (net.Listener, error) {
	s.selfOnce.Do(func() {
		s.selfLn, s.selfErr = net.Listen("tcp", ":0")
	})
	return s.selfLn, s.selfErr
}

func (s *sshSystem) Name() string { return "ssh" }

func (s *sshSystem) Init(rt *Runtime) error {
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

func (s *sshSystem) pickHost() (string, error) {
	if len(s.cfg.Hosts) == 0 {
		return "", errors.E(errors.Invalid, "SSH system has no configured hosts")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.cfg.Hosts[s.next%len(s.cfg.Hosts)]
	s.next++
	return h, nil
}

func (s *sshSystem) dial(host string) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.cfg.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // hosts are operator-provisioned, not third-party.
		Timeout:         30 * time.Second,
	}
	return ssh.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(s.cfg.Port)), config)
}

func (s *sshSystem) Start(ctx context.Context, count int) ([]*Worker, error) {
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

func (s *sshSystem) startOne(ctx context.Context) (*Worker, error) {
	host, err := s.pickHost()
	if err != nil {
		return nil, err
	}
	client, err := s.dial(host)
	if err != nil {
		return nil, errors.E(errors.Unavailable, "SpawnFailed", err)
	}

	hl, err := newHandshakeListener()
	if err != nil {
		client.Close()
		return nil, err
	}
	defer hl.Close()

	id := newWorkerId(s.rt.index)
	// The remote worker reports back to this host's handshake listener,
	// which must be reachable from the remote side; deployments behind
	// NAT must configure Hosts with a forwarding-capable address or run
	// an SSH remote port forward out of band.
	env, err := buildChildEnv(nil, id, hl.Addr(), hl.cookie, []string{
		fmt.Sprintf("%s=%s", authorityEnv, s.authorityPath),
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, errors.E(errors.Unavailable, "SpawnFailed", err)
	}
	cmd := remoteCommand(s.cfg.BinaryPath, env)
	var stderr bytes.Buffer
	session.Stderr = &stderr
	if err := session.Start(cmd); err != nil {
		session.Close()
		client.Close()
		return nil, errors.E(errors.Unavailable, "SpawnFailed", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- session.Wait() }()

	frame, conn, err := hl.accept(id)
	if err != nil {
		session.Close()
		client.Close()
		<-exited
		return nil, err
	}
	ok, err := binariesMatch(frame.Hash)
	if err != nil {
		conn.Close()
		session.Close()
		client.Close()
		<-exited
		return nil, err
	}
	if !ok {
		conn.Close()
		session.Close()
		client.Close()
		<-exited
		return nil, errors.E(errors.Invalid, "SpawnFailed", "BinaryMismatch")
	}

	addr := WorkerAddress{Host: frame.Host, Port: frame.Port}
	kill := func() {
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		_ = client.Close()
	}
	hb := newHeartbeater(conn, time.Minute, 2*time.Minute, nil, nil)
	w := newWorker(s.rt, id, addr, s, hb, kill)
	hb.onLost = func() { w.transition(Stopped, errors.E(errors.Unavailable, "HeartbeatLost")) }
	hb.onShutdown = func() { w.transition(Stopping, nil) }
	go hb.run()
	go func() {
		err := <-exited
		if err != nil {
			log.Error.Printf("worker %s (ssh %s) exited: %v; stderr: %s", id, host, err, stderr.String())
		}
		_ = client.Close()
		w.transition(Stopped, err)
	}()
	return w, nil
}

// remoteCommand builds the shell command line that runs the worker
// binary on a remote host with an explicit environment, since ssh
// sessions do not carry an Env map the way os/exec.Cmd does.
func remoteCommand(binaryPath string, env []string) string {
	var b bytes.Buffer
	for _, kv := range env {
		fmt.Fprintf(&b, "export %s; ", shellQuote(kv))
	}
	fmt.Fprintf(&b, "exec %s", shellQuote(binaryPath))
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (*sshSystem) Main() error {
	select {}
}

func (s *sshSystem) HTTPClient() *http.Client {
	config, _, err := s.authority.HTTPSConfig()
	if err != nil {
		log.Fatal(err)
	}
	transport := &http.Transport{TLSClientConfig: config}
	http2.ConfigureTransport(transport)
	return &http.Client{Transport: transport, Timeout: httpTimeout}
}

func (s *sshSystem) ListenAndServe(addr string, handler http.Handler) error {
	ln, err := s.selfListener()
	if err != nil {
		return err
	}
	_, serverConfig, err := s.authority.HTTPSConfig()
	if err != nil {
		return err
	}
	server := &http.Server{Handler: handler, TLSConfig: serverConfig}
	if err := http2.ConfigureServer(server, &http2.Server{MaxConcurrentStreams: maxConcurrentStreams}); err != nil {
		return err
	}
	return server.ServeTLS(ln, "", "")
}

func (s *sshSystem) SelfAddr() (string, int, error) {
	ln, err := s.selfListener()
	if err != nil {
		return "", 0, errors.E(errors.Unavailable, err)
	}
	host, err := os.Hostname()
	if err != nil {
		return "", 0, errors.E(errors.Unavailable, err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port, nil
}

func (*sshSystem) Exit(code int) { os.Exit(code) }

func (*sshSystem) KeepaliveConfig() (period, timeout, rpcTimeout time.Duration) {
	return time.Minute, 3 * time.Minute, 15 * time.Second
}
