// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// +build linux darwin

package rusage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/grailbio/bigsim/group"
	"github.com/grailbio/bigsim/transport"
	"github.com/grailbio/bigsim/transport/local"
	"github.com/grailbio/testutil/expect"
)

func TestNormalize(t *testing.T) {
	expect.EQ(t, normalize("linux", 3), int64(3<<10))
	expect.EQ(t, normalize("darwin", 3), int64(3))
}

func TestSelf(t *testing.T) {
	n, err := Self()
	expect.NoError(t, err)
	expect.True(t, n > 0)
}

func TestGroupPeak(t *testing.T) {
	w := local.New(4, local.Machines(2))
	var (
		mu       sync.Mutex
		machines = make([]int64, w.Size())
		peaks    = make([]int64, w.Size())
		oks      = make([]bool, w.Size())
	)
	err := w.Run(context.Background(), func(ctx context.Context, ep transport.Endpoint) error {
		g, err := group.Setup(ctx, ep)
		if err != nil {
			return err
		}
		m, err := MachinePeak(ctx, g)
		if err != nil {
			return err
		}
		peak, ok, err := GroupPeak(ctx, g)
		if err != nil {
			return err
		}
		if err := Report(ctx, g); err != nil {
			return err
		}
		mu.Lock()
		machines[ep.Rank()] = m
		peaks[ep.Rank()] = peak
		oks[ep.Rank()] = ok
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	expect.EQ(t, oks, []bool{true, false, false, false})
	// Peak RSS only grows, so the later group peak bounds the earlier
	// machine totals.
	for r, m := range machines {
		if m <= 0 {
			t.Errorf("rank %d: machine peak %d", r, m)
		}
	}
	expect.True(t, peaks[0] >= machines[0], fmt.Sprint(peaks[0], machines[0]))
	expect.EQ(t, peaks[1], int64(0))
}
