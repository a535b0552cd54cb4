// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package simcmd provides utilities for implementing bigsim
// programs. The main entry point, simcmd.Main, places the process in
// its process group according to a common set of flags and the
// bootstrap environment, and then invokes the user's code once per
// process.
//
// A simcmd program follows this form:
//
//	func main() {
//		simcmd.Main(func(ctx context.Context, env *simcmd.Env, args []string) error {
//			g := env.Group
//			// Publish inputs, draw work from a counter, gather results...
//			return nil
//		})
//	}
//
// Any error returned by the user's code, and any panic, including
// failures reported through package must, aborts the whole group.
package simcmd

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigsim/chunked"
	"github.com/grailbio/bigsim/group"
	"github.com/grailbio/bigsim/simconfig"
	"github.com/grailbio/bigsim/simflags"
	"github.com/grailbio/bigsim/stats"
	"github.com/grailbio/bigsim/transport"
	"github.com/grailbio/bigsim/transport/local"
	"github.com/grailbio/bigsim/transport/rpcmesh"
)

// Env is the environment in which a bigsim program runs.
type Env struct {
	// Group is the process group.
	Group *group.Group
	// Config is the process's configuration.
	Config *simconfig.Config
	// Status displays the program's progress.
	Status *status.Status
}

// A Func is the body of a bigsim program. It is invoked once in each
// process of the group.
type Func func(ctx context.Context, env *Env, args []string) error

// Main is a convenient entry point for a simcmd. Main does not
// return. It parses (global) flags, reads the configuration, joins
// the process group, and invokes the provided func with the group
// and the unparsed arguments. If the -local flag is given, Main
// instead runs the whole group in this process.
//
// Main terminates the program after the func returns in every
// process. If the func fails in any process, the group is aborted
// and every process exits with status 1.
func Main(main Func) {
	var fl simflags.Flags
	if err := simflags.RegisterFlags(flag.CommandLine, &fl, ""); err != nil {
		log.Fatal(err)
	}
	simconfig.RegisterFlags()
	log.AddFlags()
	flag.Parse()
	cfg, err := simconfig.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := fl.Validate(); err != nil {
		log.Fatal(err)
	}
	must.Func = mustPanic
	st := new(status.Status)
	DisplayStatus(fl, st)
	ctx := context.Background()
	if fl.Local > 0 {
		code, err := RunLocal(ctx, fl.Local, fl.Machines, cfg, st, flag.Args(), main)
		if err != nil {
			log.Error.Printf("%v", err)
		}
		os.Exit(code)
	}
	ep, err := rpcmesh.Dial(ctx, fl.MeshConfig(cfg.MaxMessage))
	if err != nil {
		log.Fatal(err)
	}
	if fl.QuietStdout && ep.Rank() != 0 {
		if _, err := discardStdout(); err != nil {
			log.Fatal(err)
		}
	}
	if err := Run(ctx, ep, fl.GroupSize(), cfg, st, flag.Args(), main); err != nil {
		// Failures inside the program abort the group themselves.
		log.Error.Printf("rank %d: %v", ep.Rank(), err)
		ep.Abort(1)
	}
	os.Exit(0)
}

// discardStdout redirects os.Stdout to the null device. It returns
// a func that restores the previous standard output.
func discardStdout() (restore func(), err error) {
	null, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	stdout := os.Stdout
	os.Stdout = null
	return func() {
		os.Stdout = stdout
		null.Close()
	}, nil
}

// mustPanic reports must failures by panicking, so that they are
// recovered by the group's guard and abort the group.
func mustPanic(v ...interface{}) {
	panic(errors.E(errors.Fatal, fmt.Sprint(v...)))
}

// Run runs main in the process attached to ep, which was configured
// for a group of the provided size. Run sets up the group, runs main
// under the group's guard, reports the group's traffic, and closes
// the group.
func Run(ctx context.Context, ep transport.Endpoint, size int, cfg *simconfig.Config, st *status.Status, args []string, main Func) error {
	g, err := group.Setup(ctx, ep, group.Size(size))
	if err != nil {
		return err
	}
	defer group.RecoverAbort(g)
	env := &Env{Group: g, Config: cfg, Status: st}
	if err := g.Guard(func() error { return main(ctx, env, args) }); err != nil {
		return err
	}
	if err := reportTraffic(ctx, g); err != nil {
		return err
	}
	if err := g.World().Barrier(ctx); err != nil {
		return err
	}
	return g.Close(ctx)
}

// reportTraffic gathers the endpoint traffic counters of every
// process and logs their totals on rank 0.
func reportTraffic(ctx context.Context, g *group.Group) error {
	local := g.Endpoint().Stats()
	log.Debug.Printf("rank %d: %s", g.Rank(), local)
	var all []stats.Values
	if _, err := chunked.Gather(ctx, g.World(), 0, local, &all); err != nil {
		return err
	}
	if g.Rank() == 0 {
		total := make(stats.Values)
		for _, v := range all {
			total.Merge(v)
		}
		log.Printf("group traffic: %s", total)
	}
	return nil
}

// RunLocal runs main in a group of n in-process ranks placed on the
// provided number of simulated machines. It returns the group's exit
// status along with the first error, if any.
func RunLocal(ctx context.Context, n, machines int, cfg *simconfig.Config, st *status.Status, args []string, main Func) (int, error) {
	w := local.New(n, local.Machines(machines), local.MaxMessage(cfg.MaxMessage))
	err := w.Run(ctx, func(ctx context.Context, ep transport.Endpoint) error {
		return Run(ctx, ep, n, cfg, st, args, main)
	})
	return w.ExitCode(), err
}

// DisplayStatus arranges for the program's status to be displayed
// on the console and/or a web page depending on the flags specified
// on the command line. The web page is hosted at /debug/status on
// http.DefaultServeMux.
func DisplayStatus(fl simflags.Flags, st *status.Status) {
	if fl.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, st)
	}
	if len(fl.HTTPAddress.Address) > 0 {
		http.Handle("/debug/status", status.Handler(st))
		go func() {
			log.Printf("HTTP Status at: %v", fl.HTTPAddress)
			err := http.ListenAndServe(fl.HTTPAddress.Address, nil)
			if err != nil {
				log.Error.Printf("Failed to start HTTP at: %v: %v", fl.HTTPAddress, err)
			}
		}()
	}
}
