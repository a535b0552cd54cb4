// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// +build linux darwin

package shm

import (
	"fmt"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sys/unix"
)

// A file is a mapped shared-memory file.
type file struct {
	data     []byte
	dev, ino uint64
}

// create creates the file name, which must not exist, sizes it to
// hold p, maps it read-write, and copies p into the mapping.
func create(name string, p []byte) (*file, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.E("create shared memory file", err)
	}
	defer f.Close()
	cleanup := func() {
		if err := os.Remove(name); err != nil {
			log.Error.Printf("shm: remove %s: %v", name, err)
		}
	}
	if err := f.Truncate(int64(len(p))); err != nil {
		cleanup()
		return nil, errors.E(errors.OOM, fmt.Sprintf("size %s to %d bytes", name, len(p)), err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, len(p), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, errors.E(errors.OOM, fmt.Sprintf("map %s", name), err)
	}
	copy(data, p)
	mf := &file{data: data}
	if err := mf.stat(f); err != nil {
		unix.Munmap(data)
		cleanup()
		return nil, err
	}
	return mf, nil
}

// open maps the existing file name, of size n, read-only.
func open(name string, n int) (*file, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	mf := new(file)
	if err := mf.stat(f); err != nil {
		return nil, err
	}
	if mf.data, err = unix.Mmap(int(f.Fd()), 0, n, unix.PROT_READ, unix.MAP_SHARED); err != nil {
		return nil, errors.E(errors.OOM, fmt.Sprintf("map %s", name), err)
	}
	return mf, nil
}

func (f *file) stat(osf *os.File) error {
	var st unix.Stat_t
	if err := unix.Fstat(int(osf.Fd()), &st); err != nil {
		return err
	}
	f.dev, f.ino = uint64(st.Dev), uint64(st.Ino)
	return nil
}

// protect makes the mapping read-only.
func (f *file) protect() error {
	return unix.Mprotect(f.data, unix.PROT_READ)
}

func unmap(b []byte) error {
	return unix.Munmap(b)
}
