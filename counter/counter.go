// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package counter implements a distributed work counter: a single
// integer owned by one serving rank, from which every rank in a
// communicator draws unique, gapless work indices.
//
// The counter is served by an actor goroutine on the serving rank.
// The actor owns the counter's value exclusively and communicates
// only through request and reply messages, so that the serving rank's
// own calls follow the same protocol as every other rank's.
package counter

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/stats"
)

// Protocol tags. Requests and shutdowns travel on the request
// communicator, replies on the reply communicator.
const (
	tagRequest = iota
	tagShutdown
	tagReply
)

// A Counter is a client handle to a distributed work counter. Every
// rank in the counter's communicator holds one; the serving rank's
// handle additionally runs the counter's actor.
type Counter struct {
	server   int
	req, rep *comm.Comm

	// mu serializes client calls on this rank: replies are matched
	// only by source and tag.
	mu    sync.Mutex
	freed bool

	done chan error

	stats           *stats.Map
	issued, peeks   *stats.Int
	served, current *stats.Int
}

// New creates a counter served by the member of c with rank server.
// The counter's value starts at 0. New is collective over c.
func New(ctx context.Context, c *comm.Comm, server int) (*Counter, error) {
	if server < 0 || server >= c.Size() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("counter: server rank %d out of range [0, %d)", server, c.Size()))
	}
	req, err := c.Dup(ctx)
	if err != nil {
		return nil, err
	}
	rep, err := c.Dup(ctx)
	if err != nil {
		return nil, err
	}
	ctr := &Counter{
		server: server,
		req:    req,
		rep:    rep,
		stats:  stats.NewMap(),
	}
	ctr.issued = ctr.stats.Int("counter.issued")
	ctr.peeks = ctr.stats.Int("counter.peeks")
	if c.Rank() == server {
		ctr.served = ctr.stats.Int("counter.served")
		ctr.current = ctr.stats.Int("counter.value")
		ctr.done = make(chan error, 1)
		go func() {
			ctr.done <- ctr.serve()
		}()
	}
	return ctr, nil
}

// serve runs the counter's actor loop until it receives a shutdown
// request or the group is aborted.
func (c *Counter) serve() error {
	// The actor outlives any single client call; it is stopped by
	// the shutdown protocol or by aborting the group.
	ctx := context.Background()
	var value int64
	for {
		b, st, err := c.req.Recv(ctx, comm.AnySource, comm.AnyTag)
		if err != nil {
			log.Error.Printf("counter: server: %v", err)
			return err
		}
		switch st.Tag {
		case tagShutdown:
			log.Debug.Printf("counter: shut down after issuing %d indices", value)
			return nil
		case tagRequest:
			if len(b) != 8 {
				log.Error.Printf("counter: malformed request of %d bytes from rank %d", len(b), st.Source)
				// An empty reply rejects the request.
				if err := c.rep.Send(ctx, st.Source, tagReply, nil); err != nil {
					return err
				}
				continue
			}
			incr := int64(binary.LittleEndian.Uint64(b))
			if err := c.rep.Send(ctx, st.Source, tagReply, putInt64(value)); err != nil {
				log.Error.Printf("counter: server: reply to rank %d: %v", st.Source, err)
				return err
			}
			value += incr
			c.served.Add(1)
			c.current.Set(value)
		default:
			log.Error.Printf("counter: unexpected tag %d from rank %d", st.Tag, st.Source)
		}
	}
}

// Next returns the counter's current value and increments it. Values
// returned by Next across all ranks are unique and, taken together,
// form the sequence 0, 1, 2, ....
func (c *Counter) Next(ctx context.Context) (int64, error) {
	v, err := c.fetchAdd(ctx, 1)
	if err == nil {
		c.issued.Add(1)
	}
	return v, err
}

// CurrentValue returns the counter's current value without
// incrementing it.
func (c *Counter) CurrentValue(ctx context.Context) (int64, error) {
	v, err := c.fetchAdd(ctx, 0)
	if err == nil {
		c.peeks.Add(1)
	}
	return v, err
}

func (c *Counter) fetchAdd(ctx context.Context, incr int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freed {
		return 0, errors.E(errors.Precondition, "counter: use after free")
	}
	if err := c.req.Send(ctx, c.server, tagRequest, putInt64(incr)); err != nil {
		return 0, err
	}
	b, _, err := c.rep.Recv(ctx, c.server, tagReply)
	if err != nil {
		return 0, err
	}
	switch len(b) {
	case 8:
	case 0:
		return 0, errors.E(errors.Integrity, "counter: request rejected by server")
	default:
		return 0, errors.E(errors.Integrity, fmt.Sprintf("counter: malformed reply of %d bytes", len(b)))
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// Free releases the counter. Free is collective over the counter's
// communicator: every rank must call it once it will make no further
// requests. Free waits until every rank has called it; then the
// serving rank shuts down the actor and waits for it to exit.
func (c *Counter) Free(ctx context.Context) error {
	c.mu.Lock()
	if c.freed {
		c.mu.Unlock()
		return nil
	}
	c.freed = true
	c.mu.Unlock()
	if err := c.rep.Barrier(ctx); err != nil {
		return err
	}
	if c.done == nil {
		return nil
	}
	if err := c.req.Send(ctx, c.server, tagShutdown, nil); err != nil {
		return err
	}
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the counter's statistics on this rank.
func (c *Counter) Stats() stats.Values {
	return c.stats.Snapshot()
}

func putInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

// A Queue is a bounded sequence of work indices drawn from a
// counter.
type Queue struct {
	*Counter
	// N is the number of work items.
	N int64
}

// Next returns the next work index. It returns false once the
// queue's N items have been handed out.
func (q Queue) Next(ctx context.Context) (int64, bool, error) {
	i, err := q.Counter.Next(ctx)
	if err != nil {
		return 0, false, err
	}
	return i, i < q.N, nil
}
