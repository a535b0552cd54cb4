// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rpcmesh implements a transport endpoint for a group of
// separate processes connected by a full mesh of RPC peers. Each
// process serves a "Mesh" service over HTTP; messages are delivered
// by calling the destination's Mesh.Deliver method, and an abort is
// fanned out to every peer through Mesh.Abort.
package rpcmesh

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/bigmachine/rpc"
	"github.com/grailbio/bigsim/stats"
	"github.com/grailbio/bigsim/transport"
	"golang.org/x/sync/errgroup"
)

// Prefix is the HTTP path prefix under which the mesh service is
// served.
const Prefix = "/bigrpc/"

const (
	// maxOutstanding bounds the number of concurrent outbound calls.
	maxOutstanding = 64
	// maxTries bounds the number of delivery attempts made when
	// calls fail with network errors.
	maxTries = 6
	// abortTimeout bounds the time spent notifying peers of an abort.
	abortTimeout = 5 * time.Second
)

var (
	retryPolicy = retry.MaxTries(retry.Backoff(50*time.Millisecond, time.Second, 1.5), maxTries)
	dialPolicy  = retry.Backoff(50*time.Millisecond, 2*time.Second, 1.5)
)

// Config describes a process's place in a mesh.
type Config struct {
	// Rank is the process's rank.
	Rank int
	// Addrs holds the listen address (host:port) of each rank.
	Addrs []string
	// Host is the machine identity reported by the endpoint. It
	// defaults to os.Hostname.
	Host string
	// MaxMessage is the per-message ceiling. It defaults to
	// transport.DefaultMaxMessage.
	MaxMessage int
	// Listener, if provided, is used in place of listening on
	// Addrs[Rank].
	Listener net.Listener
	// Exit is called with the group's exit status when the group is
	// aborted. It defaults to os.Exit.
	Exit func(code int)
}

// A Mesh is a transport.Endpoint connected to its peers by RPC.
type Mesh struct {
	rank       int
	addrs      []string
	host       string
	maxMessage int
	exit       func(int)

	client  *rpc.Client
	server  *http.Server
	limiter *limiter.Limiter
	mailbox *transport.Mailbox

	stats   *stats.Map
	traffic stats.Traffic
	retries *stats.Int

	mu   sync.Mutex
	seqs []uint64
	seen []dedup

	abortOnce sync.Once
}

// Dial starts serving the mesh service for the configured rank and
// blocks until every peer in the mesh answers a ping.
func Dial(ctx context.Context, config Config) (*Mesh, error) {
	size := len(config.Addrs)
	if err := transport.CheckRank(config.Rank, size); err != nil {
		return nil, err
	}
	m := &Mesh{
		rank:       config.Rank,
		addrs:      make([]string, size),
		host:       config.Host,
		maxMessage: config.MaxMessage,
		exit:       config.Exit,
		limiter:    limiter.New(),
		mailbox:    transport.NewMailbox(),
		stats:      stats.NewMap(),
		seqs:       make([]uint64, size),
		seen:       make([]dedup, size),
	}
	for i, addr := range config.Addrs {
		if !strings.Contains(addr, "://") {
			addr = "http://" + addr
		}
		m.addrs[i] = addr
	}
	if m.host == "" {
		var err error
		if m.host, err = os.Hostname(); err != nil {
			return nil, errors.E("rpcmesh: hostname", err)
		}
	}
	if m.maxMessage <= 0 {
		m.maxMessage = transport.DefaultMaxMessage
	}
	if m.exit == nil {
		m.exit = os.Exit
	}
	m.traffic = stats.NewTraffic(m.stats)
	m.retries = m.stats.Int("rpc.retries")
	m.limiter.Release(maxOutstanding)

	var err error
	m.client, err = rpc.NewClient(func() *http.Client { return http.DefaultClient }, Prefix)
	if err != nil {
		return nil, err
	}
	server := rpc.NewServer()
	if err := server.Register("Mesh", &service{m}); err != nil {
		return nil, err
	}
	lis := config.Listener
	if lis == nil {
		if lis, err = net.Listen("tcp", config.Addrs[config.Rank]); err != nil {
			return nil, errors.E(errors.Net, "rpcmesh: listen", err)
		}
	}
	mux := http.NewServeMux()
	mux.Handle(Prefix, server)
	m.server = &http.Server{Handler: mux}
	go func() {
		if err := m.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Error.Printf("rpcmesh: rank %d: serve: %v", m.rank, err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := range m.addrs {
		i := i
		g.Go(func() error { return m.ping(gctx, i) })
	}
	if err := g.Wait(); err != nil {
		m.server.Close()
		return nil, err
	}
	log.Debug.Printf("rpcmesh: rank %d: connected to %d peers", m.rank, size)
	return m, nil
}

// ping waits until the peer with the provided rank answers.
func (m *Mesh) ping(ctx context.Context, peer int) error {
	for retries := 0; ; retries++ {
		var rank int
		err := m.client.Call(ctx, m.addrs[peer], "Mesh.Ping", m.rank, &rank)
		if err == nil {
			if rank != peer {
				return errors.E(errors.Invalid,
					fmt.Sprintf("rpcmesh: peer at %s reports rank %d, expected %d", m.addrs[peer], rank, peer))
			}
			return nil
		}
		if retries%20 == 19 {
			log.Printf("rpcmesh: rank %d: still waiting for rank %d at %s: %v", m.rank, peer, m.addrs[peer], err)
		}
		if err := retry.Wait(ctx, dialPolicy, retries); err != nil {
			return errors.E(errors.Net, fmt.Sprintf("rpcmesh: dial rank %d", peer), err)
		}
	}
}

// Rank implements transport.Endpoint.
func (m *Mesh) Rank() int { return m.rank }

// Size implements transport.Endpoint.
func (m *Mesh) Size() int { return len(m.addrs) }

// Host implements transport.Endpoint.
func (m *Mesh) Host() string { return m.host }

// MaxMessage implements transport.Endpoint.
func (m *Mesh) MaxMessage() int { return m.maxMessage }

// envelope is the wire form of a delivered message. Seq numbers the
// messages from one source to one destination, so that deliveries
// retried after a network error are not queued twice.
type envelope struct {
	transport.Message
	Seq uint64
}

// Send implements transport.Endpoint. Send returns once the
// destination has queued the message.
func (m *Mesh) Send(ctx context.Context, dst int, msg transport.Message) error {
	if err := transport.CheckRank(dst, m.Size()); err != nil {
		return err
	}
	if err := transport.CheckSize(m.maxMessage, msg); err != nil {
		return err
	}
	msg.Src = m.rank
	m.mu.Lock()
	env := envelope{Message: msg, Seq: m.seqs[dst]}
	m.seqs[dst]++
	m.mu.Unlock()
	if err := m.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.limiter.Release(1)
	for retries := 0; ; retries++ {
		err := m.client.Call(ctx, m.addrs[dst], "Mesh.Deliver", env, nil)
		if err == nil {
			m.traffic.Sent(len(msg.Payload))
			return nil
		}
		if !errors.Is(errors.Net, err) && !errors.IsTemporary(err) {
			return err
		}
		log.Error.Printf("rpcmesh: rank %d: deliver to rank %d (attempt %d): %v", m.rank, dst, retries+1, err)
		m.retries.Add(1)
		if werr := retry.Wait(ctx, retryPolicy, retries); werr != nil {
			return errors.E(errors.Net, fmt.Sprintf("rpcmesh: deliver to rank %d", dst), err)
		}
	}
}

// Recv implements transport.Endpoint.
func (m *Mesh) Recv(ctx context.Context, src int, cid uint64, tag int) (transport.Message, error) {
	msg, err := m.mailbox.Get(ctx, src, cid, tag)
	if err == nil {
		m.traffic.Received(len(msg.Payload))
	}
	return msg, err
}

// Abort implements transport.Endpoint. Abort notifies every peer,
// waiting a bounded time for their acknowledgement, and then exits
// the process with the provided status.
func (m *Mesh) Abort(code int) {
	log.Error.Printf("rpcmesh: rank %d: aborting process group with status %d", m.rank, code)
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for i := range m.addrs {
		if i == m.rank {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := m.client.Call(ctx, m.addrs[i], "Mesh.Abort", code, nil); err != nil {
				log.Debug.Printf("rpcmesh: rank %d: notify rank %d of abort: %v", m.rank, i, err)
			}
		}(i)
	}
	wg.Wait()
	m.terminate(code)
}

// terminate fails pending operations and exits with the provided
// status. Only the first call has effect.
func (m *Mesh) terminate(code int) {
	m.abortOnce.Do(func() {
		m.mailbox.Fail(transport.ErrAborted)
		m.exit(code)
	})
}

// Stats implements transport.Endpoint.
func (m *Mesh) Stats() stats.Values {
	return m.stats.Snapshot()
}

// Close stops serving the mesh service.
func (m *Mesh) Close() error {
	return m.server.Close()
}

// deliver queues an incoming envelope unless it is a duplicate.
func (m *Mesh) deliver(env envelope) error {
	if err := transport.CheckRank(env.Src, m.Size()); err != nil {
		return err
	}
	m.mu.Lock()
	fresh := m.seen[env.Src].add(env.Seq)
	m.mu.Unlock()
	if fresh {
		m.mailbox.Put(env.Message)
	}
	return nil
}

// dedup tracks the sequence numbers received from one source: every
// number below next has been received, as has every number in seen.
type dedup struct {
	next uint64
	seen map[uint64]bool
}

// add records seq and tells whether it was seen for the first time.
func (d *dedup) add(seq uint64) bool {
	if seq < d.next || d.seen[seq] {
		return false
	}
	if seq == d.next {
		d.next++
	} else {
		if d.seen == nil {
			d.seen = make(map[uint64]bool)
		}
		d.seen[seq] = true
	}
	for d.seen[d.next] {
		delete(d.seen, d.next)
		d.next++
	}
	return true
}

// service is the Mesh RPC service.
type service struct {
	m *Mesh
}

// Deliver queues a message sent by a peer.
func (s *service) Deliver(ctx context.Context, env envelope, _ *struct{}) error {
	return s.m.deliver(env)
}

// Abort terminates this process with the provided status.
func (s *service) Abort(ctx context.Context, code int, _ *struct{}) error {
	log.Error.Printf("rpcmesh: rank %d: process group aborted with status %d", s.m.rank, code)
	s.m.mailbox.Fail(transport.ErrAborted)
	// The process exits once the reply is on its way.
	go s.m.terminate(code)
	return nil
}

// Ping replies with the rank of the serving process.
func (s *service) Ping(ctx context.Context, from int, rank *int) error {
	*rank = s.m.rank
	return nil
}
