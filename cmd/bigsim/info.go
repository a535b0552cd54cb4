// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/grailbio/base/must"
	"github.com/grailbio/bigsim/simconfig"
)

func infoUsage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigsim info [-n procs] [-machines m]

Command info prints the bigsim configuration read from `, simconfig.Path, `
and the layout of a group of n processes launched by bigsim run on m
simulated machines: each rank's machine, machine-local rank, and
machine leader.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func infoCmd(args []string) {
	var (
		flags    = flag.NewFlagSet("bigsim info", flag.ExitOnError)
		n        = flags.Int("n", 2, "number of processes")
		machines = flags.Int("machines", 1, "number of simulated machines")
	)
	flags.Usage = func() { infoUsage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 || *n <= 0 || *machines <= 0 || *machines > *n {
		flags.Usage()
	}
	var c *simconfig.Config
	must.Nil(loadProfile().Instance("bigsim", &c))
	fmt.Printf("configuration: %s\n\n", c)
	printLayout(os.Stdout, *n, *machines)
}

// printLayout prints the placement of n ranks on m machines, as
// arranged by bigsim run.
func printLayout(w io.Writer, n, m int) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "rank\tmachine\tlocal rank\tleader")
	var (
		leader = -1
		local  int
		last   = -1
	)
	for i := 0; i < n; i++ {
		machine := machineOf(i, n, m)
		if machine != last {
			leader, local, last = i, 0, machine
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\n", i, machine, local, leader)
		local++
	}
	tw.Flush()
}
