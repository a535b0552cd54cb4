// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides named counters for transport endpoints and
// coordination services. Counters belong to a Map, which can be
// snapshotted into Values; Values from many processes can be merged
// for reporting.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Values is a snapshot of the values in a Map.
type Values map[string]int64

// Merge adds every value in w into v.
func (v Values) Merge(w Values) {
	for k, x := range w {
		v[k] += x
	}
}

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name, creating it if it
// does not already exist.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// Snapshot returns the current values of all counters in the map.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] = v.Get()
	}
	m.mu.Unlock()
	return vals
}

// An Int is an integer counter that may be updated atomically. A nil
// Int discards updates and reads as zero.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Set sets the counter's value to val.
func (v *Int) Set(val int64) {
	if v == nil {
		return
	}
	atomic.StoreInt64(&v.val, val)
}

// Get returns the current value of a counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}

// Traffic holds the standard counters maintained by a transport
// endpoint.
type Traffic struct {
	SentMsgs, SentBytes *Int
	RecvMsgs, RecvBytes *Int
}

// NewTraffic registers the standard traffic counters in m.
func NewTraffic(m *Map) Traffic {
	return Traffic{
		SentMsgs:  m.Int("sent.msgs"),
		SentBytes: m.Int("sent.bytes"),
		RecvMsgs:  m.Int("recv.msgs"),
		RecvBytes: m.Int("recv.bytes"),
	}
}

// Sent records the transmission of a message of n bytes.
func (t Traffic) Sent(n int) {
	t.SentMsgs.Add(1)
	t.SentBytes.Add(int64(n))
}

// Received records the receipt of a message of n bytes.
func (t Traffic) Received(n int) {
	t.RecvMsgs.Add(1)
	t.RecvBytes.Add(int64(n))
}
