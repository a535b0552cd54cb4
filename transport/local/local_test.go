// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package local

import (
	"context"
	"fmt"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/transport"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestSendRecv(t *testing.T) {
	w := New(2)
	ctx := context.Background()
	buf := []byte("hello")
	assert.NoError(t, w.Endpoint(0).Send(ctx, 1, transport.Message{Context: 3, Tag: 9, Payload: buf}))
	// The payload is copied on send.
	buf[0] = 'j'
	m, err := w.Endpoint(1).Recv(ctx, 0, 3, 9)
	assert.NoError(t, err)
	expect.EQ(t, string(m.Payload), "hello")
	expect.EQ(t, m.Src, 0)
	vals := w.Endpoint(0).Stats()
	expect.EQ(t, vals["sent.msgs"], int64(1))
	expect.EQ(t, vals["sent.bytes"], int64(5))
}

func TestMaxMessage(t *testing.T) {
	w := New(2, MaxMessage(8))
	ctx := context.Background()
	ep := w.Endpoint(0)
	expect.EQ(t, ep.MaxMessage(), 8)
	assert.NoError(t, ep.Send(ctx, 1, transport.Message{Payload: make([]byte, 8)}))
	err := ep.Send(ctx, 1, transport.Message{Payload: make([]byte, 9)})
	expect.True(t, errors.Is(errors.Invalid, err))
	err = ep.Send(ctx, 2, transport.Message{})
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestMachines(t *testing.T) {
	w := New(5, Machines(2))
	var hosts []string
	for i := 0; i < w.Size(); i++ {
		hosts = append(hosts, w.Endpoint(i).Host())
	}
	expect.EQ(t, hosts, []string{"machine0", "machine0", "machine0", "machine1", "machine1"})
}

func TestRunAborts(t *testing.T) {
	w := New(4)
	ctx := context.Background()
	err := w.Run(ctx, func(ctx context.Context, ep transport.Endpoint) error {
		if ep.Rank() == 2 {
			return fmt.Errorf("rank 2 failed")
		}
		// Wait for a message that never arrives.
		_, err := ep.Recv(ctx, transport.AnySource, 0, transport.AnyTag)
		if !errors.Is(errors.Canceled, err) {
			t.Errorf("rank %d: unexpected error %v", ep.Rank(), err)
		}
		return err
	})
	if err == nil {
		t.Fatal("expected error")
	}
	expect.EQ(t, w.ExitCode(), 1)
	select {
	case <-w.Aborted():
	default:
		t.Error("world not aborted")
	}
	err = w.Endpoint(0).Send(ctx, 1, transport.Message{})
	expect.True(t, errors.Is(errors.Canceled, err))
}

func TestRunPanic(t *testing.T) {
	w := New(2)
	err := w.Run(context.Background(), func(ctx context.Context, ep transport.Endpoint) error {
		if ep.Rank() == 1 {
			panic("boom")
		}
		_, err := ep.Recv(ctx, 1, 0, 0)
		return err
	})
	if err == nil {
		t.Fatal("expected error")
	}
	expect.EQ(t, w.ExitCode(), 1)
}
