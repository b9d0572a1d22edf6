// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package driver provides a convenient API for paraproc masters. It
// should be preferred over using the raw paraproc APIs directly.
// Programs using the driver package should have the following form:
//
//	func main() {
//	    flag.Parse()
//	    rt, shutdown := driver.Start(paraproc.Services(map[string]interface{}{
//	        "MyService": &myService{},
//	    }))
//	    defer shutdown()
//	    // driver code, using rt.Start, rt.Connect, ...
//	}
package driver

import (
	"flag"
	"net/http"
	"net/http/pprof"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/fornaxlabs/paraproc"
	"github.com/grailbio/base/log"
)

var (
	systemFlag  = flag.String("system", "local", "spawn engine to run the paraproc cluster on: local or ssh")
	sshHosts    = flag.String("ssh-hosts", "", "comma-separated list of hosts to spawn workers on, for -system=ssh")
	sshUser     = flag.String("ssh-user", "", "username for -system=ssh")
	sshBinPath  = flag.String("ssh-binpath", "", "path to this binary on remote hosts, for -system=ssh")
	sshKeyFile  = flag.String("ssh-key", "", "path to a private key file for -system=ssh")
	statusAddr  = flag.String("status-addr", "", "if set, serve a status and pprof page on this address")
	localEcho   = flag.Bool("echo", false, "for -system=local, also copy each worker's output to this process's stderr, prefixed by worker id")
)

// Start reads this package's flags (flag.Parse must already have been called) and
// starts a paraproc Runtime configured accordingly. Any Options given are
// passed through to paraproc.StartApp, so a caller that registers worker
// Services should do so here rather than after Start returns (a spawned
// worker process never returns from StartApp). The returned shutdown
// function should be deferred from main.
func Start(opts ...paraproc.Option) (rt *paraproc.Runtime, shutdown func()) {
	var system paraproc.System
	switch *systemFlag {
	case "local":
		system = paraproc.Local
		paraproc.LocalEcho = *localEcho
	case "ssh":
		system = sshSystemFromFlags()
	default:
		log.Fatalf("unrecognized system %s", *systemFlag)
	}
	rt = paraproc.StartApp(system, opts...)
	if *statusAddr != "" && rt.IsMaster() {
		go serveStatus(rt, *statusAddr)
	}
	return rt, rt.Shutdown
}

func sshSystemFromFlags() paraproc.System {
	if *sshHosts == "" || *sshUser == "" || *sshBinPath == "" || *sshKeyFile == "" {
		log.Fatal("-system=ssh requires -ssh-hosts, -ssh-user, -ssh-binpath, and -ssh-key")
	}
	key, err := os.ReadFile(*sshKeyFile)
	if err != nil {
		log.Fatal(err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		log.Fatal(err)
	}
	return paraproc.NewSSHSystem(paraproc.SSHConfig{
		Hosts:      splitHosts(*sshHosts),
		User:       *sshUser,
		BinaryPath: *sshBinPath,
		Signer:     signer,
	})
}

func splitHosts(s string) []string {
	var hosts []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				hosts = append(hosts, s[start:i])
			}
			start = i + 1
		}
	}
	return hosts
}

func serveStatus(rt *paraproc.Runtime, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/status", paraproc.StatusHandler(rt))
	mux.Handle("/debug/pprof/cluster/goroutine", paraproc.ProfileHandler(rt, "goroutine"))
	mux.Handle("/debug/pprof/cluster/heap", paraproc.ProfileHandler(rt, "heap"))
	mux.Handle("/debug/pprof/cluster/profile", paraproc.ProfileHandler(rt, "profile"))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	log.Error.Printf("status: %v", http.ListenAndServe(addr, mux))
}
