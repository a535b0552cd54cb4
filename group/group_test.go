// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package group

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/transport"
	"github.com/grailbio/bigsim/transport/local"
	"github.com/grailbio/testutil/expect"
)

func TestTopology(t *testing.T) {
	w := local.New(5, local.Hosts("a", "b", "a", "c", "b"))
	var (
		mu     sync.Mutex
		groups = make([]*Group, w.Size())
	)
	err := w.Run(context.Background(), func(ctx context.Context, ep transport.Endpoint) error {
		g, err := Setup(ctx, ep)
		if err != nil {
			return err
		}
		mu.Lock()
		groups[ep.Rank()] = g
		mu.Unlock()
		// Leaders communicate among themselves.
		if g.IsLeader() {
			n, err := g.Leaders().AllreduceInt64(ctx, 1, comm.Sum)
			if err != nil {
				return err
			}
			if n != 3 {
				return fmt.Errorf("got %d leaders, want 3", n)
			}
		}
		return g.World().Barrier(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
	var (
		machines, locals, leaders []int
		leaderMembers             = groups[0].Leaders().Members()
	)
	for _, g := range groups {
		machines = append(machines, g.MachineIndex())
		locals = append(locals, g.LocalRank())
		leaders = append(leaders, g.Leader())
		expect.EQ(t, g.NumMachines(), 3)
		expect.EQ(t, g.RunID(), groups[0].RunID())
	}
	expect.EQ(t, machines, []int{0, 1, 0, 2, 1})
	expect.EQ(t, locals, []int{0, 0, 1, 0, 1})
	expect.EQ(t, leaders, []int{0, 1, 0, 3, 1})
	expect.EQ(t, leaderMembers, []int{0, 1, 3})
	expect.EQ(t, groups[2].Leaders().Members(), []int{2, 4})
	expect.EQ(t, groups[4].Machine().Members(), []int{1, 4})
	expect.True(t, groups[3].IsLeader())
	expect.False(t, groups[4].IsLeader())
	expect.EQ(t, groups[0].MachineOf(4), 1)
	expect.EQ(t, groups[0].LeaderOf(2), 3)
	expect.EQ(t, groups[1].Host(2), "a")
	expect.EQ(t, len(groups[0].RunID()), 16)
}

func TestSetupSmallCeiling(t *testing.T) {
	w := local.New(4, local.MaxMessage(4),
		local.Hosts("alpha.example.com", "beta.example.com", "alpha.example.com", "beta.example.com"))
	var hosts [4]string
	err := w.Run(context.Background(), func(ctx context.Context, ep transport.Endpoint) error {
		g, err := Setup(ctx, ep)
		if err != nil {
			return err
		}
		hosts[g.Rank()] = g.Host((g.Rank() + 1) % g.Size())
		if g.NumMachines() != 2 {
			return fmt.Errorf("got %d machines, want 2", g.NumMachines())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	expect.EQ(t, hosts, [4]string{"beta.example.com", "alpha.example.com", "beta.example.com", "alpha.example.com"})
}

func TestSizeMismatch(t *testing.T) {
	w := local.New(3)
	err := w.Run(context.Background(), func(ctx context.Context, ep transport.Endpoint) error {
		var opts []Option
		if ep.Rank() == 1 {
			opts = append(opts, Size(4))
		}
		_, err := Setup(ctx, ep, opts...)
		if !errors.Is(errors.Invalid, err) && !errors.Is(errors.Canceled, err) {
			t.Errorf("rank %d: unexpected error %v", ep.Rank(), err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	expect.EQ(t, w.ExitCode(), 1)
}

// TestAbortDuringCollective checks that when one process fails while
// others are blocked in a collective operation, the whole group is
// aborted and every process returns.
func TestAbortDuringCollective(t *testing.T) {
	w := local.New(4, local.Machines(2))
	var (
		ready, entered sync.WaitGroup
		errs           = make([]error, 4)
	)
	ready.Add(4)
	entered.Add(2)
	err := w.Run(context.Background(), func(ctx context.Context, ep transport.Endpoint) error {
		g, err := Setup(ctx, ep)
		if err != nil {
			return err
		}
		// Every rank must be past Setup before the failure, since an
		// abort discards messages that are delivered but not received.
		ready.Done()
		ready.Wait()
		errs[ep.Rank()] = g.Guard(func() error {
			switch ep.Rank() {
			case 0, 1:
				entered.Done()
				// Blocks: ranks 2 and 3 never join.
				return g.World().Barrier(ctx)
			case 2:
				entered.Wait()
				return fmt.Errorf("simulated failure")
			default:
				<-w.Aborted()
				return nil
			}
		})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	expect.EQ(t, w.ExitCode(), 1)
	expect.EQ(t, errs[2].Error(), "simulated failure")
	for _, r := range []int{0, 1} {
		if !errors.Is(errors.Canceled, errs[r]) {
			t.Errorf("rank %d: unexpected error %v", r, errs[r])
		}
	}
	expect.NoError(t, errs[3])
}

func TestGuardPanic(t *testing.T) {
	w := local.New(2)
	err := w.Run(context.Background(), func(ctx context.Context, ep transport.Endpoint) error {
		g, err := Setup(ctx, ep)
		if err != nil {
			return err
		}
		if ep.Rank() == 1 {
			err := g.Guard(func() error { panic("boom") })
			if !errors.Match(errors.E(errors.Fatal), err) {
				t.Errorf("unexpected error %v", err)
			}
			return nil
		}
		<-w.Aborted()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	expect.EQ(t, w.ExitCode(), 1)
}

func TestRecoverAbort(t *testing.T) {
	w := local.New(1)
	g, err := Setup(context.Background(), w.Endpoint(0))
	if err != nil {
		t.Fatal(err)
	}
	func() {
		defer RecoverAbort(g)
		panic("boom")
	}()
	expect.EQ(t, w.ExitCode(), 1)
}

type closer struct {
	order *[]string
	name  string
}

func (c closer) Close() error {
	*c.order = append(*c.order, c.name)
	return nil
}

func TestClose(t *testing.T) {
	w := local.New(1)
	g, err := Setup(context.Background(), w.Endpoint(0))
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	g.OnClose(closer{&order, "first"})
	g.OnClose(closer{&order, "second"})
	expect.NoError(t, g.Close(context.Background()))
	expect.EQ(t, order, []string{"second", "first"})
}
