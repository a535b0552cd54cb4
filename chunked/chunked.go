// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chunked implements collective and point-to-point transfers
// of payloads that exceed the transport's per-message size ceiling.
// Payloads are encoded with package payload; the encoded bytes are
// then split by a Plan into ranges no larger than the ceiling, and
// each range is moved by a single message.
//
// The ceiling of an operation is the smaller of the communicator's
// MaxMessage and the MaxBytes option. All participants of an
// operation must agree on the ceiling.
package chunked

import (
	"context"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigsim/comm"
	"github.com/grailbio/bigsim/payload"
)

type options struct {
	maxBytes int
}

// An Option configures a chunked operation.
type Option func(*options)

// MaxBytes sets the maximum number of payload bytes moved by a
// single message. It is bounded by the communicator's MaxMessage.
func MaxBytes(n int) Option {
	if n <= 0 {
		panic("chunked.MaxBytes: n <= 0")
	}
	return func(o *options) {
		o.maxBytes = n
	}
}

func ceiling(c *comm.Comm, opts []Option) int {
	o := options{maxBytes: c.MaxMessage()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxBytes > c.MaxMessage() {
		return c.MaxMessage()
	}
	return o.maxBytes
}

// Bcast broadcasts the value pointed to by v from the root to every
// member of c, where it is decoded into *v. Numeric slices and
// payload.Arrays are transferred raw; other values are gob encoded.
// The root's *v is left unchanged.
//
// Bcast is collective: every member of c must call it with the same
// root and options.
func Bcast(ctx context.Context, c *comm.Comm, root int, v interface{}, opts ...Option) (*Record, error) {
	ptr := reflect.ValueOf(v)
	if ptr.Kind() != reflect.Ptr || ptr.IsNil() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("chunked.Bcast: non-pointer %T", v))
	}
	var (
		hb, body []byte
		encErr   error
	)
	if c.Rank() == root {
		var h payload.Header
		h, body, encErr = payload.Encode(ptr.Elem().Interface())
		if encErr == nil {
			hb, encErr = h.MarshalBinary()
		}
		if encErr != nil {
			// An empty header tells the other members that the root
			// failed.
			hb = []byte{}
		}
	}
	hb, err := c.BcastBytes(ctx, hb, root)
	if err != nil {
		return nil, err
	}
	if encErr != nil {
		return nil, encErr
	}
	if len(hb) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("chunked.Bcast: root %d failed to encode its payload", root))
	}
	var h payload.Header
	if err := h.UnmarshalBinary(hb); err != nil {
		return nil, err
	}
	rec := &Record{
		Ceiling: ceiling(c, opts),
		Total:   h.Len,
	}
	rec.Ranges = NewPlan(h.Len, rec.Ceiling)
	if len(rec.Ranges) > 1 && c.Rank() == root {
		log.Debug.Printf("chunked.Bcast: %s payload in %d chunks of at most %s",
			data.Size(h.Len), len(rec.Ranges), data.Size(rec.Ceiling))
	}
	if c.Rank() != root {
		body = make([]byte, h.Len)
	}
	for _, r := range rec.Ranges {
		if err := c.Bcast(ctx, body[r.Start:r.End], root); err != nil {
			return nil, err
		}
	}
	if c.Rank() != root {
		if err := payload.Decode(h, body, v); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// Gather collects the value in from every member of c at the root.
// Out must be a pointer to a slice whose element type can hold each
// member's value; at the root, it is set to a slice with one element
// per member, in rank order. Contributions may differ in size and
// may be empty (a nil in decodes to the zero value). An element type
// of interface{} holds numeric contributions only; gob-encoded values
// require a concrete element type.
//
// Gather returns a nil Record on members other than the root, whose
// out is left untouched. Gather is collective: every member of c
// must call it with the same root and options.
func Gather(ctx context.Context, c *comm.Comm, root int, in, out interface{}, opts ...Option) (*Record, error) {
	frame, encErr := payload.Frame(in)
	n := int64(len(frame))
	if encErr != nil {
		n = -1
	}
	lens, err := c.AllgatherInt64(ctx, n)
	if err != nil {
		return nil, err
	}
	if encErr != nil {
		return nil, encErr
	}
	offs := make([]int, len(lens)+1)
	for i, l := range lens {
		if l < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("chunked.Gather: member %d failed to encode its payload", i))
		}
		offs[i+1] = offs[i] + int(l)
	}
	total := offs[len(lens)]
	rec := &Record{
		Ceiling: ceiling(c, opts),
		Total:   total,
	}
	rec.Ranges = NewPlan(total, rec.Ceiling)
	if len(rec.Ranges) > 1 && c.Rank() == root {
		log.Debug.Printf("chunked.Gather: %s from %d members in %d chunks of at most %s",
			data.Size(total), c.Size(), len(rec.Ranges), data.Size(rec.Ceiling))
	}
	var (
		recv   []byte
		counts []int
		displs []int
		me     = c.Rank()
	)
	if me == root {
		recv = make([]byte, total)
		counts = make([]int, c.Size())
		displs = make([]int, c.Size())
	}
	for _, r := range rec.Ranges {
		local := r.overlap(offs[me], len(frame))
		if me == root {
			for i := range counts {
				o := r.overlap(offs[i], int(lens[i]))
				counts[i] = o.Len()
				displs[i] = 0
				if o.Len() > 0 {
					displs[i] = offs[i] + o.Start - r.Start
				}
			}
		}
		var chunk []byte
		if me == root {
			chunk = recv[r.Start:r.End]
		}
		if err := c.Gatherv(ctx, frame[local.Start:local.End], chunk, counts, displs, root); err != nil {
			return nil, err
		}
	}
	if me != root {
		return nil, nil
	}
	ptr := reflect.ValueOf(out)
	if ptr.Kind() != reflect.Ptr || ptr.IsNil() || ptr.Elem().Kind() != reflect.Slice {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("chunked.Gather: out must be a pointer to a slice, not %T", out))
	}
	typ := ptr.Elem().Type()
	result := reflect.MakeSlice(typ, c.Size(), c.Size())
	for i := range lens {
		elem := reflect.New(typ.Elem())
		if err := payload.Unframe(recv[offs[i]:offs[i+1]], elem.Interface()); err != nil {
			return nil, errors.E(fmt.Sprintf("chunked.Gather: member %d", i), err)
		}
		result.Index(i).Set(elem.Elem())
	}
	ptr.Elem().Set(result)
	return rec, nil
}

// Send transfers the value v to member dst of c. The value is
// received by a matching call to Recv. Messages are sent on the
// provided tag, which should not be used concurrently for other
// traffic between the two members.
func Send(ctx context.Context, c *comm.Comm, dst, tag int, v interface{}, opts ...Option) (*Record, error) {
	h, body, err := payload.Encode(v)
	if err != nil {
		return nil, err
	}
	hb, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	rec := &Record{
		Ceiling: ceiling(c, opts),
		Total:   h.Len,
	}
	rec.Ranges = NewPlan(h.Len, rec.Ceiling)
	// The first message carries the ceiling so that the receiver
	// can reproduce the plan.
	msg := make([]byte, binary.MaxVarintLen64+len(hb))
	n := binary.PutUvarint(msg, uint64(rec.Ceiling))
	n += copy(msg[n:], hb)
	if err := sendSegments(ctx, c, dst, tag, msg[:n]); err != nil {
		return nil, err
	}
	for _, r := range rec.Ranges {
		if err := c.Send(ctx, dst, tag, body[r.Start:r.End]); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// Recv receives a value sent by Send from member src (or
// comm.AnySource) on the provided tag, and decodes it into the value
// pointed to by v. It returns the rank of the sender.
func Recv(ctx context.Context, c *comm.Comm, src, tag int, v interface{}) (*Record, int, error) {
	msg, src, err := recvSegments(ctx, c, src, tag)
	if err != nil {
		return nil, -1, err
	}
	ceil, n := binary.Uvarint(msg)
	if n <= 0 || ceil == 0 {
		return nil, src, errors.E(errors.Integrity, "chunked.Recv: malformed preamble")
	}
	var h payload.Header
	if err := h.UnmarshalBinary(msg[n:]); err != nil {
		return nil, src, err
	}
	rec := &Record{
		Ceiling: int(ceil),
		Total:   h.Len,
	}
	rec.Ranges = NewPlan(h.Len, rec.Ceiling)
	body := make([]byte, h.Len)
	for _, r := range rec.Ranges {
		chunk, _, err := c.Recv(ctx, src, tag)
		if err != nil {
			return nil, src, err
		}
		if len(chunk) != r.Len() {
			return nil, src, errors.E(errors.Integrity,
				fmt.Sprintf("chunked.Recv: chunk %s has %d bytes", r, len(chunk)))
		}
		copy(body[r.Start:], chunk)
	}
	if err := payload.Decode(h, body, v); err != nil {
		return nil, src, err
	}
	return rec, src, nil
}

// sendSegments sends b to dst as a sequence of messages no larger
// than the communicator's ceiling. The sequence ends with a message
// shorter than the ceiling, which may be empty.
func sendSegments(ctx context.Context, c *comm.Comm, dst, tag int, b []byte) error {
	max := c.MaxMessage()
	for {
		n := len(b)
		if n > max {
			n = max
		}
		if err := c.Send(ctx, dst, tag, b[:n]); err != nil {
			return err
		}
		b = b[n:]
		if n < max {
			return nil
		}
	}
}

// recvSegments receives a sequence sent by sendSegments. The first
// segment may come from any source matching src; the rest are taken
// from the same sender.
func recvSegments(ctx context.Context, c *comm.Comm, src, tag int) ([]byte, int, error) {
	var (
		max = c.MaxMessage()
		b   []byte
	)
	for {
		seg, status, err := c.Recv(ctx, src, tag)
		if err != nil {
			return nil, -1, err
		}
		src = status.Source
		b = append(b, seg...)
		if len(seg) < max {
			return b, src, nil
		}
	}
}
