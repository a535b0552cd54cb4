// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigsim/simflags"
	"golang.org/x/sync/errgroup"
)

func runUsage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigsim run [-n procs] [-machines m] [-baseport port] program [args...]

Command run launches n copies of program on this machine, each
placed in the process group by the bigsim bootstrap environment
(BIGSIM_RANK, BIGSIM_SIZE, BIGSIM_ADDRS, BIGSIM_HOST). The processes
are spread over m simulated machines of contiguous ranks. If any
process exits unsuccessfully, the remaining processes are killed and
run exits with that process's status.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func runCmd(args []string) {
	var (
		flags      = flag.NewFlagSet("bigsim run", flag.ExitOnError)
		n          = flags.Int("n", 2, "number of processes")
		machines   = flags.Int("machines", 1, "number of simulated machines")
		baseport   = flags.Int("baseport", 0, "listen port of rank 0; ranks listen on consecutive ports; 0 picks free ports")
		maxMessage = flags.Int("max-message", 0, "per-message ceiling passed to every process; 0 uses the configured value")
	)
	flags.Usage = func() { runUsage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() == 0 || *n <= 0 || *machines <= 0 || *machines > *n {
		flags.Usage()
	}
	addrs, err := listenAddrs(*n, *baseport)
	must.Nil(err)
	hostname, err := os.Hostname()
	must.Nil(err)
	hosts := make([]string, *n)
	for i := range hosts {
		hosts[i] = hostname
		if *machines > 1 {
			hosts[i] = fmt.Sprintf("%s/%d", hostname, machineOf(i, *n, *machines))
		}
	}
	code := launch(context.Background(), flags.Arg(0), flags.Args()[1:], addrs, hosts, *maxMessage)
	os.Exit(code)
}

// machineOf returns the simulated machine of rank i when n ranks
// are spread over m machines in contiguous blocks.
func machineOf(i, n, m int) int {
	return i * m / n
}

// listenAddrs returns n loopback listen addresses. If baseport is
// zero, free ports are chosen by the kernel.
func listenAddrs(n, baseport int) ([]string, error) {
	addrs := make([]string, n)
	if baseport > 0 {
		for i := range addrs {
			addrs[i] = fmt.Sprintf("127.0.0.1:%d", baseport+i)
		}
		return addrs, nil
	}
	for i := range addrs {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		addrs[i] = lis.Addr().String()
		lis.Close()
	}
	return addrs, nil
}

// launch runs the program once per address and waits for every
// process. It returns the status of the first process to fail, or 0.
func launch(ctx context.Context, program string, args, addrs, hosts []string, maxMessage int) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		g    errgroup.Group
		once sync.Once
		code int
	)
	fail := func(rank, status int) {
		once.Do(func() {
			code = status
			log.Error.Printf("rank %d exited with status %d; terminating the group", rank, status)
			cancel()
		})
	}
	for rank := range addrs {
		rank := rank
		cmd := exec.CommandContext(ctx, program, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), simflags.Env(rank, len(addrs), addrs, hosts[rank], maxMessage)...)
		if err := cmd.Start(); err != nil {
			log.Error.Printf("rank %d: %v", rank, err)
			fail(rank, 1)
			break
		}
		g.Go(func() error {
			err := cmd.Wait()
			if err == nil {
				return nil
			}
			status := 1
			if exit, ok := err.(*exec.ExitError); ok && exit.ExitCode() > 0 {
				status = exit.ExitCode()
			}
			fail(rank, status)
			return err
		})
	}
	_ = g.Wait()
	return code
}
