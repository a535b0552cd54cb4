// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// +build linux darwin

package shm

import (
	"context"
	"fmt"
	"io/ioutil"
	"reflect"
	"runtime/debug"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/group"
	"github.com/grailbio/bigsim/payload"
	"github.com/grailbio/bigsim/transport"
	"github.com/grailbio/bigsim/transport/local"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
)

func publishAll(t *testing.T, w *local.World, fn func(ctx context.Context, g *group.Group) (*Region, error)) []*Region {
	t.Helper()
	var (
		mu      sync.Mutex
		regions = make([]*Region, w.Size())
	)
	err := w.Run(context.Background(), func(ctx context.Context, ep transport.Endpoint) error {
		g, err := group.Setup(ctx, ep)
		if err != nil {
			return err
		}
		r, err := fn(ctx, g)
		if err != nil {
			return err
		}
		mu.Lock()
		regions[ep.Rank()] = r
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return regions
}

func TestPublish(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "shm")
	defer cleanup()
	const N = 10000
	want := make([]float64, N)
	for i := range want {
		want[i] = float64(i) * 0.5
	}
	w := local.New(4, local.Machines(2))
	regions := publishAll(t, w, func(ctx context.Context, g *group.Group) (*Region, error) {
		var v interface{}
		if g.Rank() == 0 {
			v = want
		}
		return Publish(ctx, g, 0, v, Dir(dir), MaxBytes(4096))
	})
	for i, r := range regions {
		if !reflect.DeepEqual(r.Float64s(), want) {
			t.Errorf("rank %d: payload mismatch", i)
		}
		expect.EQ(t, r.Len(), N*8)
		expect.EQ(t, r.Header().Shape, []int{N})
	}
	// One physical copy per machine.
	dev0, ino0 := regions[0].Ino()
	dev1, ino1 := regions[1].Ino()
	dev2, ino2 := regions[2].Ino()
	dev3, ino3 := regions[3].Ino()
	expect.True(t, dev0 == dev1 && ino0 == ino1)
	expect.True(t, dev2 == dev3 && ino2 == ino3)
	expect.True(t, ino0 != ino2)
	expect.EQ(t, regions[0].Name(), regions[1].Name())
	expect.NEQ(t, regions[0].Name(), regions[2].Name())
	// Backing files are unlinked after publication.
	infos, err := ioutil.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	expect.EQ(t, len(infos), 0)
	for _, r := range regions {
		expect.NoError(t, r.Close())
	}
}

func TestPublishNonLeaderRoot(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "shm")
	defer cleanup()
	want := []int64{3, 1, 4, 1, 5, 9, 2, 6}
	w := local.New(5, local.Hosts("a", "a", "b", "b", "b"))
	regions := publishAll(t, w, func(ctx context.Context, g *group.Group) (*Region, error) {
		var v interface{}
		if g.Rank() == 3 {
			v = want
		}
		return Publish(ctx, g, 3, v, Dir(dir), MaxBytes(16))
	})
	for i, r := range regions {
		expect.EQ(t, r.Int64s(), want, "rank %d", i)
	}
}

func TestPublishUserTraffic(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "shm")
	defer cleanup()
	want := []int64{2, 7, 1, 8}
	tags := []int{publishTag, 1 << 20}
	w := local.New(2, local.Hosts("a", "a"))
	regions := publishAll(t, w, func(ctx context.Context, g *group.Group) (*Region, error) {
		world := g.World()
		var v interface{}
		if g.Rank() == 1 {
			v = want
			for _, tag := range tags {
				if err := world.Send(ctx, 0, tag, []byte(fmt.Sprint("user ", tag))); err != nil {
					return nil, err
				}
			}
		}
		r, err := Publish(ctx, g, 1, v, Dir(dir))
		if err != nil || g.Rank() != 0 {
			return r, err
		}
		for _, tag := range tags {
			b, _, err := world.Recv(ctx, 1, tag)
			if err != nil {
				return nil, err
			}
			if got, want := string(b), fmt.Sprint("user ", tag); got != want {
				return nil, fmt.Errorf("got %q, want %q", got, want)
			}
		}
		return r, nil
	})
	for i, r := range regions {
		expect.EQ(t, r.Int64s(), want, "rank %d", i)
		expect.NoError(t, r.Close())
	}
}

func TestPublishReadOnly(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "shm")
	defer cleanup()
	w := local.New(2)
	regions := publishAll(t, w, func(ctx context.Context, g *group.Group) (*Region, error) {
		var v interface{}
		if g.Rank() == 0 {
			v = []float32{1, 2, 3}
		}
		return Publish(ctx, g, 0, v, Dir(dir))
	})
	// Both the writer's and the reader's mappings are read-only.
	for i, r := range regions {
		if !faults(func() { r.Float32s()[0] = 42 }) {
			t.Errorf("rank %d: write to published region did not fault", i)
		}
		expect.EQ(t, r.Float32s(), []float32{1, 2, 3})
	}
}

func faults(f func()) (faulted bool) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if e := recover(); e != nil {
			faulted = true
		}
	}()
	f()
	return false
}

func TestPublishEmpty(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "shm")
	defer cleanup()
	w := local.New(3, local.Machines(2))
	regions := publishAll(t, w, func(ctx context.Context, g *group.Group) (*Region, error) {
		var v interface{}
		if g.Rank() == 1 {
			v = []float64{}
		}
		return Publish(ctx, g, 1, v, Dir(dir))
	})
	for _, r := range regions {
		expect.EQ(t, r.Len(), 0)
		expect.EQ(t, len(r.Float64s()), 0)
		expect.NoError(t, r.Close())
	}
}

func TestPublishNotNumeric(t *testing.T) {
	w := local.New(2)
	err := w.Run(context.Background(), func(ctx context.Context, ep transport.Endpoint) error {
		g, err := group.Setup(ctx, ep)
		if err != nil {
			return err
		}
		var v interface{}
		if g.Rank() == 0 {
			v = "not numeric"
		}
		_, err = Publish(ctx, g, 0, v)
		if !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("rank %d: unexpected error %v", g.Rank(), err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPublishQuantity(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "shm")
	defer cleanup()
	data := []float64{1, 2, 3, 4, 5, 6}
	w := local.New(4, local.Machines(2))
	var (
		mu  sync.Mutex
		qs  = make([]*SharedQuantity, w.Size())
		arr = make([]float64, len(data))
	)
	copy(arr, data)
	err := w.Run(context.Background(), func(ctx context.Context, ep transport.Endpoint) error {
		g, err := group.Setup(ctx, ep)
		if err != nil {
			return err
		}
		var q *Quantity
		if g.Rank() == 2 {
			value, err := payload.NewArray(arr, 2, 3)
			if err != nil {
				return err
			}
			q = &Quantity{Value: value, Unit: "Jy", Class: "flux"}
		}
		sq, err := PublishQuantity(ctx, g, 2, q, Dir(dir))
		if err != nil {
			return err
		}
		if got := sq.Value().Float64s(); !reflect.DeepEqual(got, data) {
			return fmt.Errorf("rank %d: got %v, want %v", ep.Rank(), got, data)
		}
		mu.Lock()
		qs[ep.Rank()] = sq
		mu.Unlock()
		return g.Close(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, q := range qs {
		expect.EQ(t, q.Unit, "Jy", "rank %d", i)
		expect.EQ(t, q.Class, "flux", "rank %d", i)
		expect.EQ(t, q.Header().Shape, []int{2, 3})
	}
}
