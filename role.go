// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"os"
	"strings"

	"github.com/grailbio/base/errors"
)

// RoleEnv is the reserved environment variable that a spawned process
// consults to determine its role. It is absent for the master and set to
// the worker's WorkerId for a worker.
const RoleEnv = "PARALLEL_ROLE"

// ParentAddrEnv carries the host:port of the parent's reverse-handshake
// listener.
const ParentAddrEnv = "PARALLEL_PARENT_ADDR"

// ParentCookieEnv carries the opaque cookie a worker echoes back to its
// parent during the reverse handshake.
const ParentCookieEnv = "PARALLEL_PARENT_COOKIE"

// reservedEnv lists every environment variable this package manages on
// behalf of a spawned child. The Environment Builder (env.go) refuses to
// let caller-supplied values override any of these.
var reservedEnv = map[string]bool{
	RoleEnv:         true,
	ParentAddrEnv:   true,
	ParentCookieEnv: true,
}

// Role classifies a process as it starts up.
type Role int

const (
	// RoleMaster is the role of the process that was invoked directly by
	// the user, with no PARALLEL_ROLE set.
	RoleMaster Role = iota
	// RoleWorker is the role of a process spawned by the Spawn Engine.
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleWorker:
		return "worker"
	default:
		return "invalid"
	}
}

// detectRole inspects the process environment and classifies the current
// process. It is called exactly once, from StartApp, before any user code
// has a chance to run. If PARALLEL_ROLE is present but does not parse as a
// valid WorkerId, detectRole fails with an errors.Invalid ("EnvInvalid" in
// spec terms) error.
func detectRole() (role Role, id WorkerId, err error) {
	v, ok := os.LookupEnv(RoleEnv)
	if !ok {
		return RoleMaster, "", nil
	}
	id = WorkerId(v)
	if err := id.validate(); err != nil {
		return RoleMaster, "", errors.E(errors.Invalid, "malformed "+RoleEnv, err)
	}
	return RoleWorker, id, nil
}

// validate reports whether id looks like a value the Environment Builder
// could have produced: non-empty, and free of characters that would be
// ambiguous in an env var or in the reverse-handshake frame.
func (id WorkerId) validate() error {
	s := string(id)
	if s == "" {
		return errors.E(errors.Invalid, "empty worker id")
	}
	if strings.ContainsAny(s, "\x00\n=") {
		return errors.E(errors.Invalid, "worker id contains reserved characters")
	}
	return nil
}
