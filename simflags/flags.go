// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package simflags provides flag support for bigsim processes. A
// process learns its place in the process group from the environment
// set by its launcher (see the bigsim command); flags override the
// environment.
package simflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/transport/rpcmesh"
)

// Environment variables read by FromEnv.
const (
	EnvRank       = "BIGSIM_RANK"
	EnvSize       = "BIGSIM_SIZE"
	EnvAddrs      = "BIGSIM_ADDRS"
	EnvHost       = "BIGSIM_HOST"
	EnvMaxMessage = "BIGSIM_MAX_MESSAGE"
)

// AddrsFlag is a comma-separated list of listen addresses, indexed
// by rank.
type AddrsFlag []string

// String implements flag.Value.String.
func (a *AddrsFlag) String() string {
	return strings.Join(*a, ",")
}

// Set implements flag.Value.Set.
func (a *AddrsFlag) Set(v string) error {
	*a = nil
	if v == "" {
		return nil
	}
	for _, addr := range strings.Split(v, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return fmt.Errorf("empty address in %q", v)
		}
		*a = append(*a, addr)
	}
	return nil
}

// Get implements flag.Getter.Get.
func (a *AddrsFlag) Get() interface{} {
	return []string(*a)
}

// Flags represents the flags that place a process in a bigsim
// process group.
type Flags struct {
	Rank       int
	Size       int
	Addrs      AddrsFlag
	Host       string
	MaxMessage int

	// Local, if positive, runs the program as a group of Local
	// in-process ranks instead of joining a mesh.
	Local int
	// Machines is the number of simulated machines of a local group.
	Machines int

	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	// QuietStdout discards the standard output of processes other
	// than rank 0 in a mesh.
	QuietStdout bool

	fs *flag.FlagSet
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	Rank        int
	Size        int
	Addrs       string
	Host        string
	MaxMessage  int
	HTTPAddress string
}

// FromEnv returns defaults populated from the bootstrap environment
// variables, as looked up by getenv.
func FromEnv(getenv func(string) string) (Defaults, error) {
	var (
		d   Defaults
		err error
	)
	ints := []struct {
		name string
		p    *int
	}{
		{EnvRank, &d.Rank},
		{EnvSize, &d.Size},
		{EnvMaxMessage, &d.MaxMessage},
	}
	for _, v := range ints {
		s := getenv(v.name)
		if s == "" {
			continue
		}
		if *v.p, err = strconv.Atoi(s); err != nil {
			return d, errors.E(errors.Invalid, fmt.Sprintf("%s: not an integer: %q", v.name, s))
		}
	}
	d.Addrs = getenv(EnvAddrs)
	d.Host = getenv(EnvHost)
	return d, nil
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (f *Flags) Output() io.Writer {
	if f.fs == nil {
		return os.Stderr
	}
	if wr := f.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// RegisterFlags registers the bigsim flags with the supplied flag
// set, taking defaults from the process environment. The flag names
// are prefixed with the supplied prefix.
func RegisterFlags(fs *flag.FlagSet, f *Flags, prefix string) error {
	d, err := FromEnv(os.Getenv)
	if err != nil {
		return err
	}
	RegisterFlagsWithDefaults(fs, f, prefix, d)
	return nil
}

// RegisterFlagsWithDefaults registers the bigsim flags with the
// supplied flag set and defaults. The flag names are prefixed with
// the supplied prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, f *Flags, prefix string, d Defaults) {
	fs.IntVar(&f.Rank, prefix+"rank", d.Rank, "rank of this process")
	fs.IntVar(&f.Size, prefix+"size", d.Size, "number of processes in the group")
	fs.Var(&f.Addrs, prefix+"addrs", "comma-separated listen addresses of the group's processes, indexed by rank")
	f.Addrs.Set(d.Addrs)
	fs.StringVar(&f.Host, prefix+"host", d.Host, "machine identity of this process; defaults to the hostname")
	fs.IntVar(&f.MaxMessage, prefix+"max-message", d.MaxMessage, "maximum size in bytes of a single message; 0 uses the configured value")
	fs.IntVar(&f.Local, prefix+"local", 0, "run as a group of this many in-process ranks")
	fs.IntVar(&f.Machines, prefix+"machines", 1, "number of simulated machines of a local group")
	fs.Var(&f.HTTPAddress, prefix+"http", "address of http status server")
	if d.HTTPAddress != "" {
		f.HTTPAddress.Set(d.HTTPAddress)
		f.HTTPAddress.Specified = false
	}
	fs.BoolVar(&f.ConsoleStatus, prefix+"console-status", false, "print status to stdout")
	fs.BoolVar(&f.QuietStdout, prefix+"quiet-stdout", true, "discard standard output on processes other than rank 0")
	f.fs = fs
}

// Validate checks that the flags describe a usable place in a
// group.
func (f *Flags) Validate() error {
	if f.Local > 0 {
		if f.Machines <= 0 || f.Machines > f.Local {
			return errors.E(errors.Invalid, fmt.Sprintf("cannot place %d local ranks on %d machines", f.Local, f.Machines))
		}
		return nil
	}
	if len(f.Addrs) == 0 {
		return errors.E(errors.Invalid, "no group addresses: set -addrs or "+EnvAddrs)
	}
	if f.Rank < 0 || f.Rank >= len(f.Addrs) {
		return errors.E(errors.Invalid, fmt.Sprintf("rank %d out of range for %d addresses", f.Rank, len(f.Addrs)))
	}
	return nil
}

// GroupSize returns the size of the group this process was
// configured for.
func (f *Flags) GroupSize() int {
	if f.Local > 0 {
		return f.Local
	}
	if f.Size > 0 {
		return f.Size
	}
	return len(f.Addrs)
}

// MeshConfig returns the mesh configuration described by the flags.
// The ceiling maxMessage is used unless the flags override it.
func (f *Flags) MeshConfig(maxMessage int) rpcmesh.Config {
	if f.MaxMessage > 0 {
		maxMessage = f.MaxMessage
	}
	return rpcmesh.Config{
		Rank:       f.Rank,
		Addrs:      f.Addrs,
		Host:       f.Host,
		MaxMessage: maxMessage,
	}
}

// Env returns the bootstrap environment for the process with the
// provided rank in a group listening on addrs. Host and maxMessage
// are omitted when empty.
func Env(rank, size int, addrs []string, host string, maxMessage int) []string {
	env := []string{
		fmt.Sprintf("%s=%d", EnvRank, rank),
		fmt.Sprintf("%s=%d", EnvSize, size),
		fmt.Sprintf("%s=%s", EnvAddrs, strings.Join(addrs, ",")),
	}
	if host != "" {
		env = append(env, fmt.Sprintf("%s=%s", EnvHost, host))
	}
	if maxMessage > 0 {
		env = append(env, fmt.Sprintf("%s=%d", EnvMaxMessage, maxMessage))
	}
	return env
}
