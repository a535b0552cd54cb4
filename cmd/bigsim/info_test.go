// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/grailbio/testutil/expect"
)

func TestMachineOf(t *testing.T) {
	var got []int
	for i := 0; i < 5; i++ {
		got = append(got, machineOf(i, 5, 2))
	}
	expect.EQ(t, got, []int{0, 0, 0, 1, 1})
}

func TestPrintLayout(t *testing.T) {
	var b bytes.Buffer
	printLayout(&b, 4, 2)
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	expect.EQ(t, len(lines), 5)
	expect.EQ(t, strings.Fields(lines[3]), []string{"2", "1", "0", "2"})
	expect.EQ(t, strings.Fields(lines[4]), []string{"3", "1", "1", "2"})
}

func TestListenAddrs(t *testing.T) {
	addrs, err := listenAddrs(3, 7000)
	expect.NoError(t, err)
	expect.EQ(t, addrs, []string{"127.0.0.1:7000", "127.0.0.1:7001", "127.0.0.1:7002"})
	addrs, err = listenAddrs(2, 0)
	expect.NoError(t, err)
	expect.EQ(t, len(addrs), 2)
	expect.NEQ(t, addrs[0], addrs[1])
}
