// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
)

// A Mailbox queues messages delivered to an endpoint until they are
// matched by a receive. Messages are matched in arrival order, so
// messages from a single source with the same context and tag are
// received in the order they were delivered.
type Mailbox struct {
	mu    sync.Mutex
	cond  *ctxsync.Cond
	queue []Message
	err   error
}

// NewMailbox returns a new, empty mailbox.
func NewMailbox() *Mailbox {
	b := new(Mailbox)
	b.cond = ctxsync.NewCond(&b.mu)
	return b
}

// Put enqueues a message. Messages put into a failed mailbox are
// dropped.
func (b *Mailbox) Put(m Message) {
	b.mu.Lock()
	if b.err == nil {
		b.queue = append(b.queue, m)
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// Get dequeues the first message matching the provided source,
// context, and tag, blocking until one arrives, the mailbox fails,
// or the context is done.
func (b *Mailbox) Get(ctx context.Context, src int, cid uint64, tag int) (Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		for i, m := range b.queue {
			if !m.Matches(src, cid, tag) {
				continue
			}
			copy(b.queue[i:], b.queue[i+1:])
			b.queue[len(b.queue)-1] = Message{}
			b.queue = b.queue[:len(b.queue)-1]
			return m, nil
		}
		if b.err != nil {
			return Message{}, b.err
		}
		if err := b.cond.Wait(ctx); err != nil {
			return Message{}, err
		}
	}
}

// Len returns the number of queued messages.
func (b *Mailbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Fail fails the mailbox, discarding queued messages: pending and
// future calls to Get return err. Only the first failure is
// retained.
func (b *Mailbox) Fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
		b.queue = nil
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}
