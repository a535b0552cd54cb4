// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chunked

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/payload"
	"github.com/grailbio/bigsim/transport"
	"github.com/grailbio/bigsim/transport/local"
	"github.com/grailbio/testutil/expect"
)

func run(t *testing.T, n int, fn func(ctx context.Context, c *comm.Comm) error, opts ...local.Option) {
	t.Helper()
	w := local.New(n, opts...)
	err := w.Run(context.Background(), func(ctx context.Context, ep transport.Endpoint) error {
		return fn(ctx, comm.World(ep))
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPlan(t *testing.T) {
	for _, c := range []struct {
		total, ceiling int
		want           Plan
	}{
		{0, 100, Plan{}},
		{1, 100, Plan{{0, 1}}},
		{99, 100, Plan{{0, 99}}},
		{100, 100, Plan{{0, 100}}},
		{101, 100, Plan{{0, 100}, {100, 101}}},
		{200, 100, Plan{{0, 100}, {100, 200}}},
		{350, 100, Plan{{0, 100}, {100, 200}, {200, 300}, {300, 350}}},
		{5, 1, Plan{{0, 1}, {1, 2}, {2, 3}, {3, 4}, {4, 5}}},
	} {
		plan := NewPlan(c.total, c.ceiling)
		if !reflect.DeepEqual(plan, c.want) {
			t.Errorf("NewPlan(%d, %d): got %v, want %v", c.total, c.ceiling, plan, c.want)
		}
		if got, want := plan.Total(), c.total; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestPlanProperties(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	for i := 0; i < 1000; i++ {
		total, ceiling := r.Intn(10000), 1+r.Intn(500)
		plan := NewPlan(total, ceiling)
		off := 0
		for j, rg := range plan {
			if rg.Start != off {
				t.Fatalf("%d/%d: range %d starts at %d, want %d", total, ceiling, j, rg.Start, off)
			}
			if rg.Len() <= 0 || rg.Len() > ceiling {
				t.Fatalf("%d/%d: range %v has invalid length", total, ceiling, rg)
			}
			if j < len(plan)-1 && rg.Len() != ceiling {
				t.Fatalf("%d/%d: short interior range %v", total, ceiling, rg)
			}
			off = rg.End
		}
		if off != total {
			t.Fatalf("%d/%d: plan covers %d bytes", total, ceiling, off)
		}
	}
}

func TestPlanInvalidCeiling(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewPlan(10, 0)
}

func TestBcastBoundaries(t *testing.T) {
	const ceiling = 100
	for _, size := range []int{0, 1, 99, 100, 101, 199, 200, 201, 350, 1000} {
		size := size
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			want := make([]byte, size)
			rand.New(rand.NewSource(int64(size))).Read(want)
			run(t, 4, func(ctx context.Context, c *comm.Comm) error {
				var v []byte
				if c.Rank() == 1 {
					v = want
				}
				rec, err := Bcast(ctx, c, 1, &v, MaxBytes(ceiling))
				if err != nil {
					return err
				}
				if !bytes.Equal(v, want) {
					return fmt.Errorf("rank %d: payload mismatch", c.Rank())
				}
				if got, want := rec.Ranges, NewPlan(size, ceiling); !reflect.DeepEqual(got, want) {
					return fmt.Errorf("got plan %v, want %v", got, want)
				}
				return nil
			}, local.MaxMessage(ceiling))
		})
	}
}

func TestBcastRanges(t *testing.T) {
	run(t, 3, func(ctx context.Context, c *comm.Comm) error {
		v := payload.Array{DType: payload.Uint8, Shape: []int{350}}
		if c.Rank() == 0 {
			v.Data = bytes.Repeat([]byte{7}, 350)
		}
		rec, err := Bcast(ctx, c, 0, &v, MaxBytes(100))
		if err != nil {
			return err
		}
		var lens []int
		for _, r := range rec.Ranges {
			lens = append(lens, r.Len())
		}
		if got, want := fmt.Sprint(lens), "[100 100 100 50]"; got != want {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		if rec.Ceiling != 100 || rec.Total != 350 {
			return fmt.Errorf("unexpected record %+v", rec)
		}
		if !bytes.Equal(v.Data, bytes.Repeat([]byte{7}, 350)) {
			return fmt.Errorf("rank %d: payload mismatch", c.Rank())
		}
		return nil
	})
}

type config struct {
	Name    string
	Weights map[string]float64
}

func TestBcastEncoded(t *testing.T) {
	want := config{"sky", map[string]float64{"a": 1, "b": 2.5}}
	run(t, 5, func(ctx context.Context, c *comm.Comm) error {
		var v config
		if c.Rank() == 3 {
			v = want
		}
		// The endpoint ceiling bounds MaxBytes.
		rec, err := Bcast(ctx, c, 3, &v, MaxBytes(1<<20))
		if err != nil {
			return err
		}
		if rec.Ceiling != 16 {
			return fmt.Errorf("got ceiling %d, want 16", rec.Ceiling)
		}
		if !reflect.DeepEqual(v, want) {
			return fmt.Errorf("rank %d: got %v, want %v", c.Rank(), v, want)
		}
		return nil
	}, local.MaxMessage(16))
}

func TestBcastEncodeError(t *testing.T) {
	w := local.New(3)
	err := w.Run(context.Background(), func(ctx context.Context, ep transport.Endpoint) error {
		c := comm.World(ep)
		// Gob cannot encode channels.
		var v chan int
		if c.Rank() == 0 {
			v = make(chan int)
		}
		_, err := Bcast(ctx, c, 0, &v)
		if !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("rank %d: unexpected error %v", c.Rank(), err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGatherSkewed(t *testing.T) {
	for _, sizes := range [][]int{
		{0, 0, 0, 0},
		{0, 1000, 0, 3},
		{250, 1, 99, 100},
		{1000, 0, 0, 0},
		{0, 0, 0, 1000},
	} {
		sizes := sizes
		t.Run(fmt.Sprint(sizes), func(t *testing.T) {
			run(t, len(sizes), func(ctx context.Context, c *comm.Comm) error {
				in := make([]float64, sizes[c.Rank()])
				for i := range in {
					in[i] = float64(c.Rank()*10000 + i)
				}
				var out [][]float64
				rec, err := Gather(ctx, c, 2, in, &out, MaxBytes(128))
				if err != nil {
					return err
				}
				if c.Rank() != 2 {
					if rec != nil || out != nil {
						return fmt.Errorf("rank %d: unexpected result", c.Rank())
					}
					return nil
				}
				if len(out) != len(sizes) {
					return fmt.Errorf("got %d results, want %d", len(out), len(sizes))
				}
				for r, vals := range out {
					if len(vals) != sizes[r] {
						return fmt.Errorf("member %d: got %d values, want %d", r, len(vals), sizes[r])
					}
					for i, v := range vals {
						if v != float64(r*10000+i) {
							return fmt.Errorf("member %d: value %d: got %v", r, i, v)
						}
					}
				}
				for _, rg := range rec.Ranges {
					if rg.Len() > 128 {
						return fmt.Errorf("range %v exceeds ceiling", rg)
					}
				}
				return nil
			})
		})
	}
}

func TestGatherEncoded(t *testing.T) {
	run(t, 3, func(ctx context.Context, c *comm.Comm) error {
		var in interface{}
		if c.Rank() != 1 {
			in = config{Name: fmt.Sprint("rank", c.Rank())}
		}
		var out []config
		if _, err := Gather(ctx, c, 0, in, &out, MaxBytes(10)); err != nil {
			return err
		}
		if c.Rank() == 0 {
			want := []config{{Name: "rank0"}, {}, {Name: "rank2"}}
			if !reflect.DeepEqual(out, want) {
				return fmt.Errorf("got %v, want %v", out, want)
			}
		}
		return nil
	})
}

func TestGatherInterface(t *testing.T) {
	run(t, 3, func(ctx context.Context, c *comm.Comm) error {
		var nums []interface{}
		if _, err := Gather(ctx, c, 0, []int32{int32(c.Rank())}, &nums); err != nil {
			return err
		}
		if c.Rank() == 0 {
			if got, want := nums, []interface{}{[]int32{0}, []int32{1}, []int32{2}}; !reflect.DeepEqual(got, want) {
				return fmt.Errorf("got %v, want %v", got, want)
			}
		}
		var names []interface{}
		_, err := Gather(ctx, c, 0, fmt.Sprint("rank ", c.Rank()), &names)
		if c.Rank() != 0 {
			return err
		}
		if !errors.Is(errors.Invalid, err) || !strings.Contains(err.Error(), "concrete type") {
			return fmt.Errorf("unexpected error %v", err)
		}
		return nil
	})
}

func TestSendRecv(t *testing.T) {
	want := make([]int64, 1000)
	for i := range want {
		want[i] = int64(i * i)
	}
	run(t, 2, func(ctx context.Context, c *comm.Comm) error {
		switch c.Rank() {
		case 0:
			rec, err := Send(ctx, c, 1, 7, want, MaxBytes(1000))
			if err != nil {
				return err
			}
			if len(rec.Ranges) != 8 {
				return fmt.Errorf("got %d ranges, want 8", len(rec.Ranges))
			}
		case 1:
			var got []int64
			rec, src, err := Recv(ctx, c, comm.AnySource, 7, &got)
			if err != nil {
				return err
			}
			if src != 0 {
				return fmt.Errorf("got source %d", src)
			}
			if rec.Ceiling != 1000 {
				return fmt.Errorf("got ceiling %d", rec.Ceiling)
			}
			if !reflect.DeepEqual(got, want) {
				return fmt.Errorf("payload mismatch")
			}
		}
		return nil
	})
}

func TestTinyTransportCeiling(t *testing.T) {
	run(t, 4, func(ctx context.Context, c *comm.Comm) error {
		var out []string
		rec, err := Gather(ctx, c, 1, fmt.Sprint("r", c.Rank(), "!"), &out)
		if err != nil {
			return err
		}
		if rec.Ceiling != 4 {
			return fmt.Errorf("got ceiling %d, want 4", rec.Ceiling)
		}
		if c.Rank() == 1 {
			if got, want := out, []string{"r0!", "r1!", "r2!", "r3!"}; !reflect.DeepEqual(got, want) {
				return fmt.Errorf("got %v, want %v", got, want)
			}
		}
		want := payload.Array{DType: payload.Float64, Shape: []int{2, 3}, Data: make([]byte, 48)}
		for i := range want.Data {
			want.Data[i] = byte(i)
		}
		var v payload.Array
		if c.Rank() == 0 {
			v = want
		}
		if _, err := Bcast(ctx, c, 0, &v); err != nil {
			return err
		}
		if !reflect.DeepEqual(v, want) {
			return fmt.Errorf("rank %d: got %v, want %v", c.Rank(), v, want)
		}
		switch c.Rank() {
		case 2:
			_, err = Send(ctx, c, 3, 1, want)
		case 3:
			var got payload.Array
			if _, _, err = Recv(ctx, c, comm.AnySource, 1, &got); err == nil && !reflect.DeepEqual(got, want) {
				err = fmt.Errorf("got %v, want %v", got, want)
			}
		}
		return err
	}, local.MaxMessage(4))
}

func TestOverlap(t *testing.T) {
	r := Range{100, 200}
	expect.EQ(t, r.overlap(0, 50), Range{})
	expect.EQ(t, r.overlap(50, 100), Range{50, 100})
	expect.EQ(t, r.overlap(120, 10), Range{0, 10})
	expect.EQ(t, r.overlap(150, 100), Range{0, 50})
	expect.EQ(t, r.overlap(200, 10), Range{})
}
