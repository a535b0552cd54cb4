// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package simconfig provides bigsim's shared configuration. It uses
// the configuration mechanism in package
// github.com/grailbio/base/config, registering the profile instance
// "bigsim", and reads a default profile from $HOME/.bigsim/config.
// Configurations may be written using the bigsim command's setup
// subcommand.
package simconfig

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigsim/chunked"
	"github.com/grailbio/bigsim/shm"
	"github.com/grailbio/bigsim/transport"
)

// Path determines the location of the bigsim profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bigsim/config")

// Config holds the tunables of a bigsim process.
type Config struct {
	// MaxMessage is the per-message ceiling of the transport.
	MaxMessage int
	// ChunkBytes is the chunk ceiling of chunked operations; 0 uses
	// the transport ceiling.
	ChunkBytes int
	// ShmDir is the directory in which shared-memory files are
	// created.
	ShmDir string
	// CounterRank is the world rank that serves work counters.
	CounterRank int
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		MaxMessage:  transport.DefaultMaxMessage,
		ShmDir:      shm.DefaultDir(),
		CounterRank: 0,
	}
}

func init() {
	config.Register("bigsim", func(inst *config.Constructor) {
		c := Default()
		inst.IntVar(&c.MaxMessage, "max-message", c.MaxMessage, "maximum size in bytes of a single transport message")
		inst.IntVar(&c.ChunkBytes, "chunk-bytes", c.ChunkBytes, "chunk size in bytes for large transfers; 0 uses max-message")
		inst.StringVar(&c.ShmDir, "shm-dir", c.ShmDir, "directory for shared-memory files")
		inst.IntVar(&c.CounterRank, "counter-rank", c.CounterRank, "world rank serving work counters")
		inst.Doc = "bigsim configures the bigsim coordination runtime"
		inst.New = func() (interface{}, error) {
			if err := c.Validate(); err != nil {
				return nil, err
			}
			return c, nil
		}
	})
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.MaxMessage <= 0 {
		return fmt.Errorf("bigsim.max-message: must be positive, got %d", c.MaxMessage)
	}
	if c.ChunkBytes < 0 {
		return fmt.Errorf("bigsim.chunk-bytes: must not be negative, got %d", c.ChunkBytes)
	}
	if c.CounterRank < 0 {
		return fmt.Errorf("bigsim.counter-rank: must not be negative, got %d", c.CounterRank)
	}
	return nil
}

// ChunkOptions returns the chunked options implied by the
// configuration.
func (c *Config) ChunkOptions() []chunked.Option {
	if c.ChunkBytes == 0 {
		return nil
	}
	return []chunked.Option{chunked.MaxBytes(c.ChunkBytes)}
}

// ShmOptions returns the publication options implied by the
// configuration.
func (c *Config) ShmOptions() []shm.Option {
	opts := []shm.Option{shm.Dir(c.ShmDir)}
	if c.ChunkBytes > 0 {
		opts = append(opts, shm.MaxBytes(c.ChunkBytes))
	}
	return opts
}

func (c *Config) String() string {
	chunk := "max-message"
	if c.ChunkBytes > 0 {
		chunk = data.Size(c.ChunkBytes).String()
	}
	return fmt.Sprintf("max-message:%s chunk:%s shm:%s counter-rank:%d",
		data.Size(c.MaxMessage), chunk, c.ShmDir, c.CounterRank)
}

// RegisterFlags registers the configuration flags (-profile, -set)
// with the default flag set.
func RegisterFlags() {
	config.RegisterFlags("", Path)
}

// Load processes the configuration flags and returns the configured
// "bigsim" instance.
func Load() (*Config, error) {
	if err := config.ProcessFlags(); err != nil {
		return nil, err
	}
	var c *Config
	if err := config.Instance("bigsim", &c); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse registers configuration flags, calls flag.Parse, and
// returns the configuration. Parse panics if the configuration is
// invalid.
func Parse() *Config {
	RegisterFlags()
	flag.Parse()
	c, err := Load()
	must.Nil(err)
	return c
}
