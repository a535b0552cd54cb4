// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package group establishes a process group's topology: which
// processes share a machine, which process leads each machine, and
// the communicators that connect them. It also provides the group's
// abort hook: any unrecoverable failure in one process terminates the
// whole group, so that no process blocks forever in a collective
// operation with a peer that will never arrive.
package group

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/transport"
)

type options struct {
	size int
}

// An Option configures Setup.
type Option func(*options)

// Size sets the group size that the calling process was configured
// with. Setup fails if any process's configured size differs from
// the size of the group. By default the endpoint's size is used.
func Size(n int) Option {
	return func(o *options) {
		o.size = n
	}
}

// A Group is a process group with its machine topology.
type Group struct {
	ep      transport.Endpoint
	world   *comm.Comm
	machine *comm.Comm
	leaders *comm.Comm
	runID   string

	// machineOf maps world ranks to machine indices.
	machineOf []int
	// leaderOf maps machine indices to the world rank of their leader.
	leaderOf []int
	hosts    []string

	mu      sync.Mutex
	closers []io.Closer
}

// Setup computes the topology of the process group attached to ep.
// Processes reporting the same host are placed on the same machine;
// machines are indexed in order of their first rank. The machine
// leader is the lowest world rank on each machine.
//
// Setup is collective over the whole group. If the processes
// disagree on the size of the group, the group is aborted and Setup
// returns an errors.Invalid error.
func Setup(ctx context.Context, ep transport.Endpoint, opts ...Option) (*Group, error) {
	o := options{size: ep.Size()}
	for _, opt := range opts {
		opt(&o)
	}
	g := &Group{ep: ep, world: comm.World(ep)}
	rec := make([]byte, 8+len(ep.Host()))
	binary.LittleEndian.PutUint64(rec, uint64(o.size))
	copy(rec[8:], ep.Host())
	recs, err := g.world.Allgather(ctx, rec)
	if err != nil {
		return nil, err
	}
	var (
		machines = make(map[string]int)
		size     = g.world.Size()
	)
	g.machineOf = make([]int, size)
	g.hosts = make([]string, size)
	for r, rec := range recs {
		if len(rec) < 8 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("group: malformed record from rank %d", r))
		}
		if n := int(binary.LittleEndian.Uint64(rec)); n != size {
			err := errors.E(errors.Invalid,
				fmt.Sprintf("group: rank %d was configured for a group of %d processes, but the group has %d", r, n, size))
			log.Error.Printf("rank %d: %v", ep.Rank(), err)
			ep.Abort(1)
			return nil, err
		}
		host := string(rec[8:])
		g.hosts[r] = host
		m, ok := machines[host]
		if !ok {
			m = len(machines)
			machines[host] = m
			g.leaderOf = append(g.leaderOf, r)
		}
		g.machineOf[r] = m
	}
	if g.machine, err = g.world.Split(ctx, g.machineOf[ep.Rank()], ep.Rank()); err != nil {
		return nil, err
	}
	if g.leaders, err = g.world.Split(ctx, g.machine.Rank(), ep.Rank()); err != nil {
		return nil, err
	}
	var id []byte
	if ep.Rank() == 0 {
		id = make([]byte, 8)
		if _, err := rand.Read(id); err != nil {
			return nil, err
		}
	}
	if id, err = g.world.BcastBytes(ctx, id, 0); err != nil {
		return nil, err
	}
	g.runID = hex.EncodeToString(id)
	if err := g.world.Barrier(ctx); err != nil {
		return nil, err
	}
	if ep.Rank() == 0 {
		log.Printf("process group %s: %d processes on %d machines", g.runID, size, len(g.leaderOf))
	}
	log.Debug.Printf("rank %d: machine %d (%s) local rank %d/%d",
		ep.Rank(), g.MachineIndex(), ep.Host(), g.LocalRank(), g.machine.Size())
	return g, nil
}

// Rank returns the calling process's rank in the group.
func (g *Group) Rank() int { return g.world.Rank() }

// Size returns the number of processes in the group.
func (g *Group) Size() int { return g.world.Size() }

// World returns the communicator that connects every process.
func (g *Group) World() *comm.Comm { return g.world }

// Machine returns the communicator that connects the processes on
// the calling process's machine, ranked by world rank.
func (g *Group) Machine() *comm.Comm { return g.machine }

// Leaders returns the communicator that connects the processes
// sharing the calling process's machine-local rank. For machine
// leaders, it connects exactly the leaders, ranked by machine index.
func (g *Group) Leaders() *comm.Comm { return g.leaders }

// Endpoint returns the group's transport endpoint.
func (g *Group) Endpoint() transport.Endpoint { return g.ep }

// MachineIndex returns the index of the calling process's machine.
func (g *Group) MachineIndex() int { return g.machineOf[g.Rank()] }

// NumMachines returns the number of machines in the group.
func (g *Group) NumMachines() int { return len(g.leaderOf) }

// LocalRank returns the calling process's rank on its machine.
func (g *Group) LocalRank() int { return g.machine.Rank() }

// IsLeader tells whether the calling process leads its machine.
func (g *Group) IsLeader() bool { return g.machine.Rank() == 0 }

// Leader returns the world rank of the calling process's machine
// leader.
func (g *Group) Leader() int { return g.leaderOf[g.MachineIndex()] }

// MachineOf returns the machine index of the process with the
// provided world rank.
func (g *Group) MachineOf(rank int) int { return g.machineOf[rank] }

// LeaderOf returns the world rank of the leader of the provided
// machine.
func (g *Group) LeaderOf(machine int) int { return g.leaderOf[machine] }

// Host returns the host reported by the process with the provided
// world rank.
func (g *Group) Host(rank int) string { return g.hosts[rank] }

// RunID returns an identifier, shared by every process, that is
// unique to this instance of the group.
func (g *Group) RunID() string { return g.runID }

// Abort terminates the whole group with the provided exit status.
func (g *Group) Abort(code int) {
	g.ep.Abort(code)
}

// Fatal logs err and aborts the whole group with status 1.
func (g *Group) Fatal(err error) {
	log.Error.Printf("rank %d: fatal: %v", g.Rank(), err)
	g.Abort(1)
}

// Guard runs f. If f returns an error or panics, Guard logs the
// failure and aborts the whole group with status 1. Guard returns the
// error, if any; panics are converted to errors.Fatal errors.
func (g *Group) Guard(f func() error) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Errorf("panic: %v\n%s", e, debug.Stack()))
		}
		if err != nil {
			g.Fatal(err)
		}
	}()
	return f()
}

// RecoverAbort recovers a panic in the calling goroutine and aborts
// the group. It must be deferred directly:
//
//	defer group.RecoverAbort(g)
func RecoverAbort(g *Group) {
	if e := recover(); e != nil {
		g.Fatal(errors.E(errors.Fatal, fmt.Errorf("panic: %v\n%s", e, debug.Stack())))
	}
}

// OnClose registers c to be closed when the group is closed.
// Registered closers are closed in reverse order.
func (g *Group) OnClose(c io.Closer) {
	g.mu.Lock()
	g.closers = append(g.closers, c)
	g.mu.Unlock()
}

// Close releases resources registered with the group and closes the
// group's endpoint. Close is not collective, but processes should
// not close the group while peers may still communicate with them.
func (g *Group) Close(ctx context.Context) error {
	g.mu.Lock()
	closers := g.closers
	g.closers = nil
	g.mu.Unlock()
	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		if e := closers[i].Close(); e != nil && err == nil {
			err = e
		}
	}
	if e := g.ep.Close(); e != nil && err == nil {
		err = e
	}
	return err
}
