// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shm publishes large read-only numeric datasets once per
// machine. The machine leader writes the dataset into a file in a
// shared-memory filesystem and every process on the machine maps the
// file, so that a machine holds a single physical copy regardless of
// how many processes use it. After publication every mapping,
// including the writer's, is read-only: attempts to write to a
// published region fault.
package shm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/once"
	"github.com/grailbio/bigsim/chunked"
	"github.com/grailbio/bigsim/group"
	"github.com/grailbio/bigsim/payload"
)

// publishTag tags the move of a payload from a root that does not
// lead its machine to its leader.
const publishTag = 1

// DefaultDir returns the default directory for shared-memory files:
// /dev/shm where it exists, and the system temporary directory
// otherwise.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

type options struct {
	dir   string
	chunk []chunked.Option
}

// An Option configures a publication.
type Option func(*options)

// Dir sets the directory in which shared-memory files are created.
func Dir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// MaxBytes sets the chunk ceiling used to move the payload between
// machines.
func MaxBytes(n int) Option {
	opt := chunked.MaxBytes(n)
	return func(o *options) {
		o.chunk = append(o.chunk, opt)
	}
}

// A Region is a published, read-only shared-memory region.
type Region struct {
	name   string
	dev    uint64
	ino    uint64
	header payload.Header
	data   []byte

	closed once.Task
}

// Name returns the path of the file that backed the region. The file
// is unlinked once every process on the machine has mapped it.
func (r *Region) Name() string { return r.name }

// Ino returns the device and inode of the file backing the region.
// Processes that map the same physical copy report the same identity.
func (r *Region) Ino() (dev, ino uint64) { return r.dev, r.ino }

// Len returns the size of the region in bytes.
func (r *Region) Len() int { return len(r.data) }

// Header returns the header of the published payload.
func (r *Region) Header() payload.Header { return r.header }

// Bytes returns the region's read-only memory.
func (r *Region) Bytes() []byte { return r.data }

// Array returns the published payload as an array that aliases the
// region's read-only memory.
func (r *Region) Array() payload.Array {
	data := r.data
	if data == nil {
		data = []byte{}
	}
	return payload.Array{DType: r.header.DType, Shape: r.header.Shape, Data: data}
}

// Float64s returns the published payload as a read-only []float64.
func (r *Region) Float64s() []float64 { return r.Array().Float64s() }

// Float32s returns the published payload as a read-only []float32.
func (r *Region) Float32s() []float32 { return r.Array().Float32s() }

// Int64s returns the published payload as a read-only []int64.
func (r *Region) Int64s() []int64 { return r.Array().Int64s() }

// Close unmaps the region. Views of the region must not be used
// after Close.
func (r *Region) Close() error {
	return r.closed.Do(func() error {
		if r.data == nil {
			return nil
		}
		err := unmap(r.data)
		r.data = nil
		return err
	})
}

func (r *Region) String() string {
	return fmt.Sprintf("%s (%s, %s)", r.name, r.header, data.Size(len(r.data)))
}

// Publish publishes the numeric payload v, a numeric slice or
// payload.Array held by the process with world rank root, to every
// process in the group. Other processes pass a nil v. Publish returns
// each process's read-only view of its machine's copy. The region is
// registered with the group and is unmapped when the group is
// closed.
//
// Publish is collective over the whole group. It proceeds as
// follows: root broadcasts the payload's header; if root does not
// lead its machine, it sends the payload to its leader; the root's
// leader broadcasts the payload to the other machine leaders; each
// leader writes the payload into a new shared-memory file; after a
// machine barrier the other processes map the file, and the leader
// makes its own mapping read-only; after a group barrier the leader
// unlinks the file.
//
// Failures to allocate or map memory are returned to every process
// on the affected machine; callers typically run Publish under
// group.Guard so that such failures abort the group.
func Publish(ctx context.Context, g *group.Group, root int, v interface{}, opts ...Option) (*Region, error) {
	o := options{dir: DefaultDir()}
	for _, opt := range opts {
		opt(&o)
	}
	world := g.World()
	var hb []byte
	if g.Rank() == root {
		hb = []byte{}
		if payload.Numeric(v) {
			if h, _, err := payload.Encode(v); err == nil && h.Kind == payload.Raw {
				hb, _ = h.MarshalBinary()
			}
		}
	}
	hb, err := world.BcastBytes(ctx, hb, root)
	if err != nil {
		return nil, err
	}
	if len(hb) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("shm.Publish: rank %d did not provide a numeric payload", root))
	}
	r := new(Region)
	if err := r.header.UnmarshalBinary(hb); err != nil {
		return nil, err
	}
	if r.header.Len == 0 {
		return r, world.Barrier(ctx)
	}

	var (
		rootMachine = g.MachineOf(root)
		rootLeader  = g.LeaderOf(rootMachine)
		arr         payload.Array
	)
	if root != rootLeader {
		// The move to the leader runs on a private context so that it
		// cannot match the caller's point-to-point traffic.
		move, err := world.Dup(ctx)
		if err != nil {
			return nil, err
		}
		switch g.Rank() {
		case root:
			if _, err := chunked.Send(ctx, move, rootLeader, publishTag, v, o.chunk...); err != nil {
				return nil, err
			}
		case rootLeader:
			if _, _, err := chunked.Recv(ctx, move, root, publishTag, &arr); err != nil {
				return nil, err
			}
		}
	} else if g.Rank() == root {
		if arr, err = toArray(v); err != nil {
			return nil, err
		}
	}
	if g.IsLeader() {
		// Leaders are ranked by machine index.
		if _, err := chunked.Bcast(ctx, g.Leaders(), rootMachine, &arr, o.chunk...); err != nil {
			return nil, err
		}
	}

	machine := g.Machine()
	var (
		status []byte
		f      *file
	)
	if g.IsLeader() {
		name := uniqueName(filepath.Join(o.dir, fmt.Sprintf("bigsim-%s-%d", g.RunID(), g.MachineIndex())))
		f, err = create(name, arr.Data)
		if err != nil {
			log.Error.Printf("shm.Publish: rank %d: %v", g.Rank(), err)
			status = []byte{}
		} else {
			status = []byte(name)
		}
	}
	if status, err = machine.BcastBytes(ctx, status, 0); err != nil {
		return nil, err
	}
	if len(status) == 0 {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("shm.Publish: leader of machine %d failed to allocate %s",
			g.MachineIndex(), data.Size(r.header.Len)))
	}
	r.name = string(status)
	if err := machine.Barrier(ctx); err != nil {
		return nil, err
	}
	if g.IsLeader() {
		err = f.protect()
	} else {
		f, err = open(r.name, r.header.Len)
	}
	if err != nil {
		return nil, errors.E(errors.Fatal, "shm.Publish", err)
	}
	r.data, r.dev, r.ino = f.data, f.dev, f.ino
	g.OnClose(r)
	if err := world.Barrier(ctx); err != nil {
		return nil, err
	}
	if g.IsLeader() {
		if err := os.Remove(r.name); err != nil {
			log.Error.Printf("shm.Publish: unlink %s: %v", r.name, err)
		}
		log.Debug.Printf("shm.Publish: machine %d: published %s", g.MachineIndex(), r)
	}
	return r, nil
}

func toArray(v interface{}) (payload.Array, error) {
	switch arr := v.(type) {
	case payload.Array:
		return arr, nil
	case *payload.Array:
		return *arr, nil
	}
	return payload.NewArray(v)
}

var (
	namesMu sync.Mutex
	names   = make(map[string]int)
)

// uniqueName returns a name, derived from base, that has not been
// returned before by this process.
func uniqueName(base string) string {
	namesMu.Lock()
	defer namesMu.Unlock()
	n := names[base]
	names[base]++
	return fmt.Sprintf("%s-%d", base, n)
}

// A Quantity is a numeric value with a unit of measure and a class
// describing how the value is interpreted.
type Quantity struct {
	Value payload.Array
	Unit  string
	Class string
}

// A SharedQuantity is a published quantity: its value is held in a
// shared region.
type SharedQuantity struct {
	*Region
	Unit  string
	Class string
}

// Value returns the quantity's value, aliasing the region's
// read-only memory.
func (q *SharedQuantity) Value() payload.Array { return q.Array() }

type quantityMeta struct {
	Unit, Class string
}

// PublishQuantity publishes the quantity held by the process with
// world rank root; other processes pass nil. The unit and class are
// broadcast to every process; the value is published through shared
// memory as by Publish. PublishQuantity is collective over the whole
// group.
func PublishQuantity(ctx context.Context, g *group.Group, root int, q *Quantity, opts ...Option) (*SharedQuantity, error) {
	var (
		meta  quantityMeta
		value interface{}
	)
	if g.Rank() == root && q != nil {
		meta = quantityMeta{q.Unit, q.Class}
		value = q.Value
	}
	if _, err := chunked.Bcast(ctx, g.World(), root, &meta); err != nil {
		return nil, err
	}
	r, err := Publish(ctx, g, root, value, opts...)
	if err != nil {
		return nil, err
	}
	return &SharedQuantity{Region: r, Unit: meta.Unit, Class: meta.Class}, nil
}
