// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rusage aggregates peak resident memory across a process
// group: per process, per machine, and for the group as a whole.
package rusage

import (
	"context"
	"expvar"
	"runtime"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/group"
)

var vars = expvar.NewMap("rusage")

var selfv, machinev, groupv expvar.Int

func init() {
	vars.Set("self", &selfv)
	vars.Set("machine", &machinev)
	vars.Set("group", &groupv)
}

// Self returns the peak resident set size of the calling process, in
// bytes.
func Self() (int64, error) {
	maxrss, err := maxRSS()
	if err != nil {
		return 0, err
	}
	n := normalize(runtime.GOOS, maxrss)
	selfv.Set(n)
	return n, nil
}

// normalize converts a maxrss value reported by getrusage on the
// provided operating system to bytes. Linux reports kibibytes;
// darwin reports bytes.
func normalize(goos string, maxrss int64) int64 {
	if goos == "darwin" {
		return maxrss
	}
	return maxrss << 10
}

// MachinePeak returns the sum of the peak resident set sizes of the
// processes on the calling process's machine. Every process on the
// machine receives the total. MachinePeak is collective over the
// group's machine communicator.
func MachinePeak(ctx context.Context, g *group.Group) (int64, error) {
	self, err := Self()
	if err != nil {
		return 0, err
	}
	total, err := g.Machine().AllreduceInt64(ctx, self, comm.Sum)
	if err != nil {
		return 0, err
	}
	machinev.Set(total)
	return total, nil
}

// GroupPeak returns the largest machine total computed by
// MachinePeak. The result is valid only on world rank 0, where ok is
// true. GroupPeak is collective over the whole group.
func GroupPeak(ctx context.Context, g *group.Group) (peak int64, ok bool, err error) {
	total, err := MachinePeak(ctx, g)
	if err != nil {
		return 0, false, err
	}
	peak, err = g.World().ReduceInt64(ctx, total, comm.Max, 0)
	if err != nil || g.Rank() != 0 {
		return 0, false, err
	}
	groupv.Set(peak)
	return peak, true, nil
}

// Report computes GroupPeak and logs it on rank 0. Report is
// collective over the whole group.
func Report(ctx context.Context, g *group.Group) error {
	peak, ok, err := GroupPeak(ctx, g)
	if err != nil {
		return err
	}
	if ok {
		log.Printf("peak machine memory: %s across %d machines", data.Size(peak), g.NumMachines())
	}
	return nil
}
