// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command simdemo is a small simulation built on bigsim. Rank 0
// generates a sky of point sources and publishes it once per
// machine; every rank then draws (baseline, frequency) tasks from a
// shared work counter and computes the visibility of the sky for
// each; the results are gathered at rank 0, which reports them along
// with the group's peak memory use.
//
// Run it as a local group of processes:
//
//	bigsim run -n 4 -machines 2 simdemo -sources 100000 -tasks 64
//
// or within a single process:
//
//	simdemo -local 4 -machines 2
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigsim/chunked"
	"github.com/grailbio/bigsim/counter"
	"github.com/grailbio/bigsim/payload"
	"github.com/grailbio/bigsim/rusage"
	"github.com/grailbio/bigsim/shm"
	"github.com/grailbio/bigsim/simcmd"
)

var (
	nsources = flag.Int("sources", 10000, "number of point sources in the sky")
	ntasks   = flag.Int("tasks", 32, "number of (baseline, frequency) tasks")
	nfreqs   = flag.Int("freqs", 4, "number of frequency channels")
	seed     = flag.Int64("seed", 1, "random seed for the sky")
)

const (
	freqStart = 100e6
	freqStep  = 1e6
)

// A result is the visibility computed for one task.
type result struct {
	Task     int64
	Baseline int
	Freq     float64
	Re, Im   float64
}

func main() {
	simcmd.Main(simulate)
}

func simulate(ctx context.Context, env *simcmd.Env, args []string) error {
	var (
		g   = env.Group
		cfg = env.Config
	)
	must.True(*nfreqs > 0, "-freqs must be positive")
	task := env.Status.Group(fmt.Sprintf("rank %d", g.Rank())).Start("publishing sky")

	// The sky is a (3, nsources) array of (l, m, flux).
	var sky *shm.Quantity
	if g.Rank() == 0 {
		value, err := payload.NewArray(genSky(*nsources, *seed), 3, *nsources)
		if err != nil {
			return err
		}
		sky = &shm.Quantity{Value: value, Unit: "Jy", Class: "sky"}
	}
	shared, err := shm.PublishQuantity(ctx, g, 0, sky, cfg.ShmOptions()...)
	if err != nil {
		return err
	}
	var (
		data = shared.Value().Float64s()
		n    = len(data) / 3
		ls   = data[:n]
		ms   = data[n : 2*n]
		flux = data[2*n:]
	)
	task.Printf("sky: %s, %d sources", shared.Unit, n)

	server := cfg.CounterRank
	if server >= g.Size() {
		server = 0
	}
	ctr, err := counter.New(ctx, g.World(), server)
	if err != nil {
		return err
	}
	queue := counter.Queue{Counter: ctr, N: int64(*ntasks)}
	var results []result
	for {
		i, ok, err := queue.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		baseline, freq := int(i)/(*nfreqs), freqStart+float64(int(i)%(*nfreqs))*freqStep
		re, im := visibility(ls, ms, flux, baseline, freq)
		results = append(results, result{i, baseline, freq, re, im})
		task.Printf("computed %d tasks", len(results))
	}
	task.Done()
	if err := ctr.Free(ctx); err != nil {
		return err
	}

	var all [][]result
	rec, err := chunked.Gather(ctx, g.World(), 0, results, &all, cfg.ChunkOptions()...)
	if err != nil {
		return err
	}
	if g.Rank() == 0 {
		var flat []result
		for r, rs := range all {
			log.Debug.Printf("rank %d computed %d tasks", r, len(rs))
			flat = append(flat, rs...)
		}
		sort.Slice(flat, func(i, j int) bool { return flat[i].Task < flat[j].Task })
		must.True(len(flat) == *ntasks, "gathered ", len(flat), " results, expected ", *ntasks)
		for _, r := range flat {
			fmt.Printf("task %d baseline %d freq %.0f: %.6g%+.6gi\n", r.Task, r.Baseline, r.Freq, r.Re, r.Im)
		}
		log.Printf("gathered %d results in %d chunks; counter stats: %s", len(flat), len(rec.Ranges), ctr.Stats())
	}
	return rusage.Report(ctx, g)
}

// genSky returns the direction cosines and fluxes of n random point
// sources, laid out as l..., m..., flux....
func genSky(n int, seed int64) []float64 {
	r := rand.New(rand.NewSource(seed))
	sky := make([]float64, 3*n)
	for i := 0; i < n; i++ {
		sky[i] = r.Float64()*2 - 1
		sky[n+i] = r.Float64()*2 - 1
		sky[2*n+i] = r.ExpFloat64()
	}
	return sky
}

// visibility computes the visibility of the sky on an east-west
// baseline of the provided index, at the provided frequency.
func visibility(ls, ms, flux []float64, baseline int, freq float64) (re, im float64) {
	const c = 299792458.0
	var (
		u = float64(baseline+1) * 14.6 * freq / c
		v = float64(baseline+1) * 2.1 * freq / c
	)
	for i := range flux {
		phase := -2 * math.Pi * (u*ls[i] + v*ms[i])
		re += flux[i] * math.Cos(phase)
		im += flux[i] * math.Sin(phase)
	}
	return
}
