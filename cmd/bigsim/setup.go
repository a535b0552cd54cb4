// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigsim/simconfig"
)

func setupUsage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigsim setup [-max-message n] [-chunk-bytes n] [-shm-dir dir] [-counter-rank r]

Command setup writes the bigsim configuration profile at `, simconfig.Path, `.
If a profile already exists, it is modified in place; only the
parameters given on the command line are changed.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func setupCmd(args []string) {
	var (
		flags       = flag.NewFlagSet("bigsim setup", flag.ExitOnError)
		maxMessage  = flags.Int("max-message", 0, "maximum size in bytes of a single transport message")
		chunkBytes  = flags.Int("chunk-bytes", -1, "chunk size in bytes for large transfers; 0 uses max-message")
		shmDir      = flags.String("shm-dir", "", "directory for shared-memory files")
		counterRank = flags.Int("counter-rank", -1, "world rank serving work counters")
	)
	flags.Usage = func() { setupUsage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}

	profile := loadProfile()
	if *maxMessage > 0 {
		must.Nil(profile.Set("bigsim.max-message", strconv.Itoa(*maxMessage)))
	}
	if *chunkBytes >= 0 {
		must.Nil(profile.Set("bigsim.chunk-bytes", strconv.Itoa(*chunkBytes)))
	}
	if *shmDir != "" {
		must.Nil(profile.Set("bigsim.shm-dir", *shmDir))
	}
	if *counterRank >= 0 {
		must.Nil(profile.Set("bigsim.counter-rank", strconv.Itoa(*counterRank)))
	}
	var c *simconfig.Config
	must.Nil(profile.Instance("bigsim", &c))

	var buf bytes.Buffer
	must.Nil(profile.PrintTo(&buf))
	must.Nil(os.MkdirAll(filepath.Dir(simconfig.Path), 0777))
	must.Nil(ioutil.WriteFile(simconfig.Path+".setup", buf.Bytes(), 0666))
	must.Nil(os.Rename(simconfig.Path+".setup", simconfig.Path))
	log.Printf("wrote configuration to %s: %s", simconfig.Path, c)
}

// loadProfile returns the profile at simconfig.Path, or a fresh
// profile if none exists.
func loadProfile() *config.Profile {
	profile := config.New()
	f, err := os.Open(simconfig.Path)
	if err == nil {
		must.Nil(profile.Parse(f))
		must.Nil(f.Close())
	} else {
		must.True(os.IsNotExist(err), err)
	}
	return profile
}
