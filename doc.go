// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package bigsim is a coordination layer for simulations that run as a
statically sized group of cooperating processes spread over one or
more machines.

A bigsim program runs the same code in every process of its group
(see package simcmd). The group is established once, at startup, by
package group: processes that report the same host share a machine,
and the lowest-ranked process on each machine leads it. The group
offers three services on top of that topology:

Chunked transfers (package chunked) broadcast and gather payloads of
any size, splitting them into messages no larger than the transport's
per-message ceiling. Numeric arrays are moved raw; other values are
gob encoded and checksummed (package payload).

Shared-memory publication (package shm) places a single read-only
copy of a large numeric dataset on each machine, written by the
machine leader and mapped by every process on the machine.

The work counter (package counter) hands out unique, gapless work
indices to every process from a single serving rank, so that
processes pull work at their own pace.

Processes communicate through package comm, which provides
communicators with point-to-point and collective operations over a
transport endpoint: an in-process world for tests and single-binary
runs (package transport/local), or a mesh of RPC peers
(package transport/rpcmesh). Any unrecoverable failure in one process
aborts the whole group, so that no process blocks forever waiting for
a peer that will never arrive.

Package rusage reports the peak memory use of the group, and the
bigsim command launches groups of local processes.
*/
package bigsim
