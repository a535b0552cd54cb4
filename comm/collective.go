// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
)

// An Op is an associative, commutative reduction operator.
type Op func(x, y int64) int64

var (
	// Sum is the Op that adds its operands.
	Sum Op = func(x, y int64) int64 { return x + y }
	// Max is the Op that returns the larger operand.
	Max Op = func(x, y int64) int64 {
		if x > y {
			return x
		}
		return y
	}
	// Min is the Op that returns the smaller operand.
	Min Op = func(x, y int64) int64 {
		if x < y {
			return x
		}
		return y
	}
)

// Bcast broadcasts the contents of buf on the root to every other
// member, where it is copied into buf. Every member must pass a
// buffer of the same length.
func (c *Comm) Bcast(ctx context.Context, buf []byte, root int) error {
	b, err := c.tree(ctx, c.next(), root, buf)
	if err != nil {
		return err
	}
	if c.rank == root {
		return nil
	}
	if len(b) != len(buf) {
		return errors.E(errors.Invalid,
			fmt.Sprintf("bcast: received %d bytes into a buffer of %d bytes", len(b), len(buf)))
	}
	copy(buf, b)
	return nil
}

// BcastBytes broadcasts b from the root and returns it on every
// member. The argument is ignored on non-root members.
func (c *Comm) BcastBytes(ctx context.Context, b []byte, root int) ([]byte, error) {
	if c.rank != root {
		b = nil
	}
	return c.tree(ctx, c.next(), root, b)
}

// tree performs a binomial-tree broadcast of b from the root: each
// member receives the payload from its parent and forwards it to its
// children, completing in ceil(log2(size)) rounds.
func (c *Comm) tree(ctx context.Context, tag, root int, b []byte) ([]byte, error) {
	if err := c.checkRoot(root); err != nil {
		return nil, err
	}
	var (
		size = c.Size()
		vr   = (c.rank - root + size) % size
		mask = 1
	)
	for mask < size {
		if vr&mask != 0 {
			var err error
			if b, err = c.crecv(ctx, (vr-mask+root)%size, tag); err != nil {
				return nil, err
			}
			break
		}
		mask <<= 1
	}
	for mask >>= 1; mask > 0; mask >>= 1 {
		if vr+mask < size {
			if err := c.csend(ctx, (vr+mask+root)%size, tag, b); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

// Gather collects b from every member at the root, which receives
// them in rank order. Non-root members receive nil.
func (c *Comm) Gather(ctx context.Context, b []byte, root int) ([][]byte, error) {
	if err := c.checkRoot(root); err != nil {
		return nil, err
	}
	tag := c.next()
	if c.rank != root {
		return nil, c.csend(ctx, root, tag, b)
	}
	parts := make([][]byte, c.Size())
	for r := range parts {
		if r == root {
			parts[r] = b
			continue
		}
		var err error
		if parts[r], err = c.crecv(ctx, r, tag); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

// Gatherv collects variable-size contributions at the root: the
// contribution of member r is placed at recv[displs[r]:displs[r]+counts[r]].
// Recv, counts, and displs are significant only at the root. A
// member's contribution may be empty; it must have exactly the length
// that the root expects.
func (c *Comm) Gatherv(ctx context.Context, send, recv []byte, counts, displs []int, root int) error {
	if err := c.checkRoot(root); err != nil {
		return err
	}
	tag := c.next()
	if c.rank != root {
		return c.csend(ctx, root, tag, send)
	}
	if len(counts) != c.Size() || len(displs) != c.Size() {
		return errors.E(errors.Invalid, "gatherv: counts and displacements must have one entry per member")
	}
	for r := 0; r < c.Size(); r++ {
		b := send
		if r != root {
			var err error
			if b, err = c.crecv(ctx, r, tag); err != nil {
				return err
			}
		}
		if len(b) != counts[r] {
			return errors.E(errors.Invalid,
				fmt.Sprintf("gatherv: member %d contributed %d bytes, expected %d", r, len(b), counts[r]))
		}
		if displs[r] < 0 || displs[r]+counts[r] > len(recv) {
			return errors.E(errors.Invalid,
				fmt.Sprintf("gatherv: member %d's contribution [%d, %d) exceeds receive buffer of %d bytes",
					r, displs[r], displs[r]+counts[r], len(recv)))
		}
		copy(recv[displs[r]:], b)
	}
	return nil
}

// Allgather collects b from every member and returns all
// contributions, in rank order, to every member.
func (c *Comm) Allgather(ctx context.Context, b []byte) ([][]byte, error) {
	parts, err := c.Gather(ctx, b, 0)
	if err != nil {
		return nil, err
	}
	var packed []byte
	if c.rank == 0 {
		packed = pack(parts)
	}
	if packed, err = c.BcastBytes(ctx, packed, 0); err != nil {
		return nil, err
	}
	return unpack(packed, c.Size())
}

// Barrier blocks until every member has entered it.
func (c *Comm) Barrier(ctx context.Context) error {
	if _, err := c.Gather(ctx, nil, 0); err != nil {
		return err
	}
	_, err := c.BcastBytes(ctx, nil, 0)
	return err
}

// BcastInt64 broadcasts v from the root.
func (c *Comm) BcastInt64(ctx context.Context, v int64, root int) (int64, error) {
	b, err := c.BcastBytes(ctx, putInt64(v), root)
	if err != nil {
		return 0, err
	}
	return getInt64(b)
}

// AllgatherInt64 collects v from every member and returns all
// values, in rank order, to every member.
func (c *Comm) AllgatherInt64(ctx context.Context, v int64) ([]int64, error) {
	parts, err := c.Allgather(ctx, putInt64(v))
	if err != nil {
		return nil, err
	}
	return getInt64s(parts)
}

// ReduceInt64 combines v from every member with op, in rank order,
// and returns the result at the root. Non-root members receive 0.
func (c *Comm) ReduceInt64(ctx context.Context, v int64, op Op, root int) (int64, error) {
	parts, err := c.Gather(ctx, putInt64(v), root)
	if err != nil || c.rank != root {
		return 0, err
	}
	vals, err := getInt64s(parts)
	if err != nil {
		return 0, err
	}
	acc := vals[0]
	for _, x := range vals[1:] {
		acc = op(acc, x)
	}
	return acc, nil
}

// AllreduceInt64 combines v from every member with op and returns
// the result to every member.
func (c *Comm) AllreduceInt64(ctx context.Context, v int64, op Op) (int64, error) {
	acc, err := c.ReduceInt64(ctx, v, op, 0)
	if err != nil {
		return 0, err
	}
	return c.BcastInt64(ctx, acc, 0)
}

func (c *Comm) checkRoot(root int) error {
	if root < 0 || root >= c.Size() {
		return errors.E(errors.Invalid, fmt.Sprintf("root %d out of range [0, %d)", root, c.Size()))
	}
	return nil
}

func putInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func getInt64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("expected 8-byte integer, got %d bytes", len(b)))
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func getInt64s(parts [][]byte) ([]int64, error) {
	vals := make([]int64, len(parts))
	for i, p := range parts {
		var err error
		if vals[i], err = getInt64(p); err != nil {
			return nil, err
		}
	}
	return vals, nil
}

// pack frames a list of byte slices as a count followed by
// length-prefixed entries.
func pack(parts [][]byte) []byte {
	n := binary.MaxVarintLen64
	for _, p := range parts {
		n += binary.MaxVarintLen64 + len(p)
	}
	b := make([]byte, n)
	off := binary.PutUvarint(b, uint64(len(parts)))
	for _, p := range parts {
		off += binary.PutUvarint(b[off:], uint64(len(p)))
		off += copy(b[off:], p)
	}
	return b[:off]
}

func unpack(b []byte, want int) ([][]byte, error) {
	n, off := binary.Uvarint(b)
	if off <= 0 || int(n) != want {
		return nil, errors.E(errors.Invalid, "allgather: malformed frame")
	}
	parts := make([][]byte, n)
	for i := range parts {
		m, k := binary.Uvarint(b[off:])
		if k <= 0 || uint64(len(b)-off-k) < m {
			return nil, errors.E(errors.Invalid, "allgather: malformed frame")
		}
		off += k
		parts[i] = b[off : off+int(m)]
		off += int(m)
	}
	return parts, nil
}
