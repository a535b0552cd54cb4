// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm implements communicators: ordered subsets of a process
// group over which point-to-point messages and collective operations
// are exchanged. Communicators are built on a transport.Endpoint;
// derived communicators (Split, Dup) share the endpoint but use
// distinct communication contexts, so their traffic never mixes.
//
// Collective operations (Bcast, Gather, Gatherv, Allgather, Barrier,
// the reductions, Split, and Dup) must be called by every member of
// the communicator, in the same order. A member that skips a
// collective call stalls the others indefinitely. Collective calls on
// a single communicator must not be made concurrently.
//
// Point-to-point messages are subject to the endpoint's size ceiling
// (see MaxMessage). Collective messages are segmented at the ceiling,
// so collectives of any size succeed; callers moving large payloads
// should still use package chunked, which bounds the size of each
// transfer and reports the chunks it used.
package comm

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/transport"
	"github.com/spaolacci/murmur3"
)

// AnySource matches messages from any member in Recv.
const AnySource = transport.AnySource

// AnyTag matches messages with any tag in Recv.
const AnyTag = transport.AnyTag

// Undefined is the color passed to Split by members that should
// not belong to any of the resulting communicators.
const Undefined = -1

const (
	worldID       = 1
	collectiveBit = 1 << 63
)

// Status describes a received message.
type Status struct {
	// Source is the communicator rank of the sender.
	Source int
	// Tag is the message's tag.
	Tag int
}

// A Comm is a communicator.
type Comm struct {
	ep      transport.Endpoint
	id      uint64
	members []int
	index   map[int]int
	rank    int
	seq     uint64
}

// World returns the communicator containing every process in the
// endpoint's group, ranked as in the group.
func World(ep transport.Endpoint) *Comm {
	members := make([]int, ep.Size())
	for i := range members {
		members[i] = i
	}
	return newComm(ep, worldID, members)
}

func newComm(ep transport.Endpoint, id uint64, members []int) *Comm {
	c := &Comm{
		ep:      ep,
		id:      id &^ collectiveBit,
		members: members,
		index:   make(map[int]int, len(members)),
		rank:    -1,
	}
	for i, r := range members {
		c.index[r] = i
		if r == ep.Rank() {
			c.rank = i
		}
	}
	if c.rank < 0 {
		panic(fmt.Sprintf("comm: rank %d is not a member of %v", ep.Rank(), members))
	}
	return c
}

// Rank returns the calling process's rank in the communicator.
func (c *Comm) Rank() int { return c.rank }

// Size returns the number of members in the communicator.
func (c *Comm) Size() int { return len(c.members) }

// WorldRank returns the group rank of the member with communicator
// rank r.
func (c *Comm) WorldRank(r int) int { return c.members[r] }

// Members returns the group ranks of the communicator's members, in
// communicator rank order.
func (c *Comm) Members() []int {
	return append([]int(nil), c.members...)
}

// ID returns the communicator's context identifier. Members of a
// communicator agree on its ID.
func (c *Comm) ID() uint64 { return c.id }

// Endpoint returns the endpoint underlying the communicator.
func (c *Comm) Endpoint() transport.Endpoint { return c.ep }

// MaxMessage returns the maximum size of a single message on this
// communicator.
func (c *Comm) MaxMessage() int { return c.ep.MaxMessage() }

// Send sends b to the member with rank dst, tagged with tag. Tags
// must be non-negative.
func (c *Comm) Send(ctx context.Context, dst, tag int, b []byte) error {
	if tag < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("invalid tag %d", tag))
	}
	if err := transport.CheckRank(dst, c.Size()); err != nil {
		return err
	}
	return c.ep.Send(ctx, c.members[dst], transport.Message{Context: c.id, Tag: tag, Payload: b})
}

// Recv receives a message from member src (or AnySource) with the
// provided tag (or AnyTag).
func (c *Comm) Recv(ctx context.Context, src, tag int) ([]byte, Status, error) {
	wsrc := transport.AnySource
	if src != AnySource {
		if err := transport.CheckRank(src, c.Size()); err != nil {
			return nil, Status{}, err
		}
		wsrc = c.members[src]
	}
	m, err := c.ep.Recv(ctx, wsrc, c.id, tag)
	if err != nil {
		return nil, Status{}, err
	}
	return m.Payload, Status{Source: c.index[m.Src], Tag: m.Tag}, nil
}

// Split partitions the communicator: members passing the same color
// form a new communicator, ranked by key and then by their rank in
// c. Members passing Undefined receive a nil communicator.
func (c *Comm) Split(ctx context.Context, color, key int) (*Comm, error) {
	seq := c.next()
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(int64(color)))
	binary.LittleEndian.PutUint64(b[8:], uint64(int64(key)))
	parts, err := c.Allgather(ctx, b[:])
	if err != nil {
		return nil, err
	}
	if color == Undefined {
		return nil, nil
	}
	type entry struct{ key, rank int }
	var entries []entry
	for r, p := range parts {
		if len(p) != 16 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("split: malformed contribution from rank %d", r))
		}
		if int(int64(binary.LittleEndian.Uint64(p[:8]))) != color {
			continue
		}
		entries = append(entries, entry{int(int64(binary.LittleEndian.Uint64(p[8:]))), r})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key < entries[j].key
		}
		return entries[i].rank < entries[j].rank
	})
	members := make([]int, len(entries))
	for i, e := range entries {
		members[i] = c.members[e.rank]
	}
	return newComm(c.ep, deriveID(c.id, seq, color), members), nil
}

// Dup returns a new communicator with the same members as c, but
// with a distinct communication context.
func (c *Comm) Dup(ctx context.Context) (*Comm, error) {
	return c.Split(ctx, 0, c.rank)
}

// deriveID computes the context identifier of a communicator derived
// from parent by the seq'th collective call on it, for the provided
// color. All members derive the same identifier independently.
func deriveID(parent uint64, seq int, color int) uint64 {
	var b [24]byte
	binary.LittleEndian.PutUint64(b[:8], parent)
	binary.LittleEndian.PutUint64(b[8:16], uint64(seq))
	binary.LittleEndian.PutUint64(b[16:], uint64(int64(color)))
	id := murmur3.Sum64(b[:]) &^ collectiveBit
	if id == 0 || id == worldID {
		id += 2
	}
	return id
}

func (c *Comm) next() int {
	return int(atomic.AddUint64(&c.seq, 1))
}

// csend sends a collective message. Payloads at or above the
// endpoint's ceiling are split into segments of exactly the ceiling,
// terminated by a shorter (possibly empty) segment, so collectives
// never fail on the transport's size limit.
func (c *Comm) csend(ctx context.Context, dst, tag int, b []byte) error {
	var (
		max = c.ep.MaxMessage()
		m   = transport.Message{Context: c.id | collectiveBit, Tag: tag}
	)
	for {
		n := len(b)
		if n > max {
			n = max
		}
		m.Payload = b[:n]
		if err := c.ep.Send(ctx, c.members[dst], m); err != nil {
			return err
		}
		b = b[n:]
		if n < max {
			return nil
		}
	}
}

// crecv receives a collective message sent by csend, reassembling
// its segments.
func (c *Comm) crecv(ctx context.Context, src, tag int) ([]byte, error) {
	var (
		max = c.ep.MaxMessage()
		b   []byte
	)
	for {
		m, err := c.ep.Recv(ctx, c.members[src], c.id|collectiveBit, tag)
		if err != nil {
			return nil, err
		}
		if b == nil && len(m.Payload) < max {
			return m.Payload, nil
		}
		b = append(b, m.Payload...)
		if len(m.Payload) < max {
			return b, nil
		}
	}
}
