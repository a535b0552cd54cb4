// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transport defines the point-to-point messaging substrate
// on which bigsim's collective operations are built. An Endpoint is a
// single process's attachment to a statically sized process group;
// messages are addressed by rank and matched on receipt by source,
// communication context, and tag.
//
// Every endpoint imposes a hard ceiling on the size of a single
// message, modeling the fixed-width size field of the underlying
// transport. Layers above are responsible for splitting larger
// payloads.
package transport

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/stats"
)

const (
	// AnySource matches messages from any source in Recv.
	AnySource = -1
	// AnyTag matches messages with any tag in Recv.
	AnyTag = -1

	// DefaultMaxMessage is the default per-message size ceiling: the
	// largest length representable by a signed 32-bit size field.
	DefaultMaxMessage = math.MaxInt32
)

// ErrAborted is returned by operations on endpoints whose process
// group has been aborted.
var ErrAborted = errors.E(errors.Canceled, "process group aborted")

// A Message is a unit of point-to-point communication.
type Message struct {
	// Src is the rank of the sending endpoint.
	Src int
	// Context identifies the communicator on which the message
	// was sent. Messages from different contexts never match.
	Context uint64
	// Tag is a user- or protocol-defined message tag.
	Tag int
	// Payload is the message body. Endpoints take ownership of
	// payloads passed to Send.
	Payload []byte
}

// Matches tells whether the message matches the provided
// source, context, and tag, either of which may be wildcards.
func (m Message) Matches(src int, cid uint64, tag int) bool {
	return m.Context == cid &&
		(src == AnySource || src == m.Src) &&
		(tag == AnyTag || tag == m.Tag)
}

// An Endpoint is one process's view of a process group.
//
// Send and Recv may be called concurrently. Messages sent from one
// endpoint to another with the same context and tag are received
// in the order they were sent.
type Endpoint interface {
	// Rank returns this endpoint's rank in [0, Size).
	Rank() int
	// Size returns the number of processes in the group.
	Size() int
	// Host returns the identity of the machine on which this
	// endpoint runs. Endpoints reporting the same host share
	// physical memory.
	Host() string
	// MaxMessage returns the maximum payload size, in bytes, of a
	// single message.
	MaxMessage() int

	// Send delivers a message to the endpoint with rank dst. The
	// message's Src is set by the endpoint. Send fails with an
	// errors.Invalid error if the payload exceeds MaxMessage.
	Send(ctx context.Context, dst int, m Message) error
	// Recv blocks until a message matching the provided source,
	// context, and tag arrives, and returns it.
	Recv(ctx context.Context, src int, cid uint64, tag int) (Message, error)

	// Abort terminates the whole process group with the provided
	// exit status. Abort does not wait for remote processes.
	Abort(code int)
	// Stats returns a snapshot of the endpoint's traffic counters.
	Stats() stats.Values
	// Close releases resources associated with the endpoint.
	Close() error
}

// CheckSize returns an error if the message m exceeds the
// provided ceiling.
func CheckSize(max int, m Message) error {
	if len(m.Payload) > max {
		return errors.E(errors.Invalid,
			fmt.Sprintf("message of %d bytes exceeds the transport limit of %d bytes", len(m.Payload), max))
	}
	return nil
}

// CheckRank returns an error if rank is not a valid destination in
// a group of the provided size.
func CheckRank(rank, size int) error {
	if rank < 0 || rank >= size {
		return errors.E(errors.Invalid, fmt.Sprintf("rank %d out of range [0, %d)", rank, size))
	}
	return nil
}
