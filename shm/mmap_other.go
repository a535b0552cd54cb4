// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// +build !linux,!darwin

package shm

import "github.com/grailbio/base/errors"

type file struct {
	data     []byte
	dev, ino uint64
}

var errNotSupported = errors.E(errors.NotSupported, "shared memory is not supported on this platform")

func create(name string, p []byte) (*file, error) { return nil, errNotSupported }
func open(name string, n int) (*file, error)      { return nil, errNotSupported }
func (f *file) protect() error                    { return errNotSupported }
func unmap(b []byte) error                        { return errNotSupported }
