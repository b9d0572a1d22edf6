// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

// buildChildEnv constructs the environment a spawned child should inherit.
// It starts from base (typically os.Environ()), strips any library-reserved
// keys base happens to carry (e.g. because the current process is itself a
// worker, and we don't want a grandchild inheriting its parent's handshake
// coordinates), sets the role marker and parent-contact variables for id,
// and finally merges extra.
//
// buildChildEnv is a pure function: it performs no I/O and has no side
// effects, so tests can exercise it directly against a fake environment
// (see spec's Design Notes on confining env I/O to construction time).
func buildChildEnv(base []string, id WorkerId, parentAddr, cookie string, extra []string) ([]string, error) {
	for _, kv := range extra {
		k, _, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("malformed env entry %q", kv))
		}
		if reservedEnv[k] {
			return nil, errors.E(errors.Invalid, "ReservedEnvKey", fmt.Sprintf("extra env may not override %s", k))
		}
	}
	env := make([]string, 0, len(base)+len(extra)+3)
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if reservedEnv[k] {
			continue
		}
		env = append(env, kv)
	}
	env = append(env,
		RoleEnv+"="+string(id),
		ParentAddrEnv+"="+parentAddr,
		ParentCookieEnv+"="+cookie,
	)
	env = append(env, extra...)
	return env, nil
}
