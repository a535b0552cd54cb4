// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package local implements an in-process process group: each rank is
// an endpoint backed by an in-memory mailbox, and ranks are typically
// run in separate goroutines. Payloads are copied on send so that
// ranks never share message memory, as they would not across process
// boundaries. Local worlds are used in tests and for single-binary
// runs.
package local

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigsim/stats"
	"github.com/grailbio/bigsim/transport"
	"golang.org/x/sync/errgroup"
)

// A World is a statically sized, in-process process group.
type World struct {
	maxMessage int
	hosts      []string
	endpoints  []*endpoint

	abortOnce sync.Once
	aborted   chan struct{}
	code      int
}

// An Option configures a World.
type Option func(w *World)

// MaxMessage sets the per-message size ceiling of every endpoint in
// the world.
func MaxMessage(n int) Option {
	if n <= 0 {
		panic("local.MaxMessage: n <= 0")
	}
	return func(w *World) {
		w.maxMessage = n
	}
}

// Hosts assigns machine identities to ranks: rank i reports
// hosts[i]. The number of hosts must match the size of the world.
func Hosts(hosts ...string) Option {
	return func(w *World) {
		w.hosts = hosts
	}
}

// Machines partitions the world into m simulated machines of
// contiguous ranks, as evenly as possible.
func Machines(m int) Option {
	if m <= 0 {
		panic("local.Machines: m <= 0")
	}
	return func(w *World) {
		n := len(w.endpoints)
		w.hosts = make([]string, n)
		for i := range w.hosts {
			w.hosts[i] = fmt.Sprintf("machine%d", i*m/n)
		}
	}
}

// New returns a new world of n endpoints.
func New(n int, opts ...Option) *World {
	if n <= 0 {
		panic("local.New: n <= 0")
	}
	w := &World{
		maxMessage: transport.DefaultMaxMessage,
		endpoints:  make([]*endpoint, n),
		aborted:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.hosts == nil {
		w.hosts = make([]string, n)
		for i := range w.hosts {
			w.hosts[i] = "localhost"
		}
	}
	if len(w.hosts) != n {
		panic(fmt.Sprintf("local.New: %d hosts provided for %d ranks", len(w.hosts), n))
	}
	for i := range w.endpoints {
		sm := stats.NewMap()
		w.endpoints[i] = &endpoint{
			world:   w,
			rank:    i,
			mailbox: transport.NewMailbox(),
			stats:   sm,
			traffic: stats.NewTraffic(sm),
		}
	}
	return w
}

// Size returns the number of ranks in the world.
func (w *World) Size() int { return len(w.endpoints) }

// Endpoint returns the endpoint for the provided rank.
func (w *World) Endpoint(rank int) transport.Endpoint {
	return w.endpoints[rank]
}

// Abort terminates the world with the provided exit status. Every
// pending and future operation on every endpoint fails with
// transport.ErrAborted. Only the first abort's status is retained.
func (w *World) Abort(code int) {
	w.abortOnce.Do(func() {
		w.code = code
		close(w.aborted)
		for _, e := range w.endpoints {
			e.mailbox.Fail(transport.ErrAborted)
		}
	})
}

// Aborted returns a channel that is closed when the world is
// aborted.
func (w *World) Aborted() <-chan struct{} {
	return w.aborted
}

// ExitCode returns the status with which the world was aborted, or 0
// if it was not.
func (w *World) ExitCode() int {
	select {
	case <-w.aborted:
		return w.code
	default:
		return 0
	}
}

// Run runs fn once for each rank, each in its own goroutine, and
// waits for all of them to return. If any rank returns an error or
// panics, the world is aborted with status 1, so that ranks blocked
// in communication with it return rather than hang. Run returns the
// first error encountered.
func (w *World) Run(ctx context.Context, fn func(ctx context.Context, ep transport.Endpoint) error) error {
	var g errgroup.Group
	for i := range w.endpoints {
		ep := w.endpoints[i]
		g.Go(func() (err error) {
			defer func() {
				if e := recover(); e != nil {
					err = errors.E(errors.Fatal, fmt.Errorf("rank %d panicked: %v\n%s", ep.rank, e, debug.Stack()))
				}
				if err != nil {
					log.Error.Printf("rank %d: %v", ep.rank, err)
					w.Abort(1)
				}
			}()
			return fn(ctx, ep)
		})
	}
	return g.Wait()
}

type endpoint struct {
	world   *World
	rank    int
	mailbox *transport.Mailbox
	stats   *stats.Map
	traffic stats.Traffic
}

func (e *endpoint) Rank() int       { return e.rank }
func (e *endpoint) Size() int       { return len(e.world.endpoints) }
func (e *endpoint) Host() string    { return e.world.hosts[e.rank] }
func (e *endpoint) MaxMessage() int { return e.world.maxMessage }

func (e *endpoint) Send(ctx context.Context, dst int, m transport.Message) error {
	if err := transport.CheckRank(dst, e.Size()); err != nil {
		return err
	}
	if err := transport.CheckSize(e.world.maxMessage, m); err != nil {
		return err
	}
	select {
	case <-e.world.aborted:
		return transport.ErrAborted
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Src = e.rank
	if m.Payload != nil {
		m.Payload = append([]byte(nil), m.Payload...)
	}
	e.traffic.Sent(len(m.Payload))
	e.world.endpoints[dst].mailbox.Put(m)
	return nil
}

func (e *endpoint) Recv(ctx context.Context, src int, cid uint64, tag int) (transport.Message, error) {
	m, err := e.mailbox.Get(ctx, src, cid, tag)
	if err == nil {
		e.traffic.Received(len(m.Payload))
	}
	return m, err
}

func (e *endpoint) Abort(code int) {
	log.Error.Printf("rank %d: aborting process group with status %d", e.rank, code)
	e.world.Abort(code)
}

func (e *endpoint) Stats() stats.Values {
	return e.stats.Snapshot()
}

func (e *endpoint) Close() error { return nil }
