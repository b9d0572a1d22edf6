// Copyright 2024 Fornax Labs. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package paraproc

import (
	"crypto/md5"
	"io"
	"os"
	"sync"

	"github.com/grailbio/base/errors"
)

// BinaryHash is an MD5 content digest of the currently running executable.
// Spec.md §4.3 mandates MD5 specifically (not a stronger, slower digest):
// the hash is used purely as an identity check between processes that are
// assumed to be running trusted, non-adversarial binaries, so collision
// resistance is not a design goal.
type BinaryHash [md5.Size]byte

var (
	binaryPathOnce sync.Once
	binaryPath     string
	binaryPathErr  error

	binaryHashOnce sync.Once
	binaryHash     BinaryHash
	binaryHashErr  error
)

// locateBinary returns the absolute path of the currently running
// executable. The result of the first call, error included, is cached
// and returned by every later call.
func locateBinary() (string, error) {
	binaryPathOnce.Do(func() {
		binaryPath, binaryPathErr = os.Executable()
		if binaryPathErr != nil {
			binaryPathErr = errors.E(errors.NotExist, "BinaryNotLocatable", binaryPathErr)
		}
	})
	return binaryPath, binaryPathErr
}

// openBinary opens the currently running executable for reading.
func openBinary() (io.ReadCloser, error) {
	path, err := locateBinary()
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// hashBinary returns the MD5 digest of the currently running executable,
// computed once and cached for the lifetime of the process.
func hashBinary() (BinaryHash, error) {
	binaryHashOnce.Do(func() {
		r, err := openBinary()
		if err != nil {
			binaryHashErr = err
			return
		}
		defer r.Close()
		h := md5.New()
		if _, err := io.Copy(h, r); err != nil {
			binaryHashErr = errors.E(errors.Invalid, "BinaryReadFailed", err)
			return
		}
		copy(binaryHash[:], h.Sum(nil))
	})
	return binaryHash, binaryHashErr
}

// binariesMatch reports whether a peer's reported hash matches ours.
func binariesMatch(peer BinaryHash) (bool, error) {
	mine, err := hashBinary()
	if err != nil {
		return false, err
	}
	return mine == peer, nil
}
