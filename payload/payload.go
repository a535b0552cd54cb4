// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package payload implements the tagged encoding used to move values
// between processes. Numeric slices and Arrays are encoded Raw: their
// memory is transmitted as-is together with a dtype and shape. All
// other values are Encoded with gob and protected by a CRC-32
// checksum. Decoders dispatch on the kind tag carried in the Header.
//
// Raw payloads are transmitted in host byte order; processes in a
// group are assumed to share it.
package payload

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"reflect"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Kind tags the encoding of a payload.
type Kind uint8

const (
	// Raw payloads are numeric memory with a dtype and shape.
	Raw Kind = 1 + iota
	// Encoded payloads are gob streams followed by a little-endian
	// CRC-32 (IEEE) checksum of the stream.
	Encoded
)

func (k Kind) String() string {
	switch k {
	case Raw:
		return "raw"
	case Encoded:
		return "encoded"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// A Header describes an encoded payload.
type Header struct {
	Kind Kind
	// DType and Shape describe Raw payloads.
	DType DType
	Shape []int
	// Len is the length of the encoded payload in bytes.
	Len int
}

func (h Header) String() string {
	if h.Kind == Raw {
		return fmt.Sprintf("%s %s%v (%d bytes)", h.Kind, h.DType, h.Shape, h.Len)
	}
	return fmt.Sprintf("%s (%d bytes)", h.Kind, h.Len)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, 2+binary.MaxVarintLen64*(2+len(h.Shape)))
	b[0] = byte(h.Kind)
	b[1] = byte(h.DType)
	off := 2
	off += binary.PutUvarint(b[off:], uint64(len(h.Shape)))
	for _, d := range h.Shape {
		off += binary.PutUvarint(b[off:], uint64(d))
	}
	off += binary.PutUvarint(b[off:], uint64(h.Len))
	return b[:off], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *Header) UnmarshalBinary(b []byte) error {
	n, err := h.unmarshal(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return errors.E(errors.Integrity, "payload: trailing bytes after header")
	}
	return nil
}

func (h *Header) unmarshal(b []byte) (int, error) {
	malformed := errors.E(errors.Integrity, "payload: malformed header")
	if len(b) < 2 {
		return 0, malformed
	}
	h.Kind = Kind(b[0])
	h.DType = DType(b[1])
	off := 2
	next := func() (int, bool) {
		v, n := binary.Uvarint(b[off:])
		if n <= 0 || v > uint64(^uint(0)>>1) {
			return 0, false
		}
		off += n
		return int(v), true
	}
	ndim, ok := next()
	if !ok || ndim > len(b) {
		return 0, malformed
	}
	h.Shape = nil
	if ndim > 0 {
		h.Shape = make([]int, ndim)
	}
	for i := range h.Shape {
		if h.Shape[i], ok = next(); !ok {
			return 0, malformed
		}
	}
	if h.Len, ok = next(); !ok {
		return 0, malformed
	}
	switch h.Kind {
	case Raw:
		if !h.DType.Valid() {
			return 0, errors.E(errors.Integrity, fmt.Sprintf("payload: invalid dtype %s", h.DType))
		}
	case Encoded:
	default:
		return 0, errors.E(errors.Integrity, fmt.Sprintf("payload: invalid kind %s", h.Kind))
	}
	return off, nil
}

// Numeric tells whether v would be encoded Raw.
func Numeric(v interface{}) bool {
	switch v.(type) {
	case Array, *Array:
		return true
	}
	t := reflect.TypeOf(v)
	return t != nil && t.Kind() == reflect.Slice && DTypeOf(t.Elem()).Valid()
}

// Encode encodes v. Numeric slices and well-formed Arrays are
// encoded Raw and the returned bytes alias their memory; other values
// are gob encoded. A nil v encodes as an empty Encoded payload, which
// decodes to the zero value.
func Encode(v interface{}) (Header, []byte, error) {
	switch arr := v.(type) {
	case *Array:
		if arr == nil {
			return Header{}, nil, errors.E(errors.Invalid, "payload: encode nil *Array")
		}
		v = *arr
	case nil:
		return Header{Kind: Encoded}, nil, nil
	}
	if arr, ok := v.(Array); ok {
		h, b, err := encodeArray(arr)
		if err == nil {
			return h, b, nil
		}
		// Arrays whose data does not match their type and shape are
		// not raw-transportable; they are gob encoded as is.
		log.Debug.Printf("%v; falling back to gob", err)
	} else if Numeric(v) {
		arr, err := NewArray(v)
		if err != nil {
			return Header{}, nil, err
		}
		return encodeArray(arr)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return Header{}, nil, errors.E(errors.Invalid, fmt.Sprintf("payload: encode %T", v), err)
	}
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(sum[:])
	return Header{Kind: Encoded, Len: buf.Len()}, buf.Bytes(), nil
}

func encodeArray(arr Array) (Header, []byte, error) {
	if !arr.DType.Valid() {
		return Header{}, nil, errors.E(errors.Invalid, fmt.Sprintf("payload: invalid dtype %s", arr.DType))
	}
	n, err := numElems(arr.Shape)
	if err != nil {
		return Header{}, nil, err
	}
	if n*arr.DType.Size() != len(arr.Data) {
		return Header{}, nil, errors.E(errors.Invalid,
			fmt.Sprintf("payload: %s has %d bytes of data", arr, len(arr.Data)))
	}
	return Header{Kind: Raw, DType: arr.DType, Shape: append([]int(nil), arr.Shape...), Len: len(arr.Data)}, arr.Data, nil
}

// Decode decodes the payload b, described by h, into the value
// pointed to by v. Raw payloads may be decoded into a *Array, a
// pointer to a slice of the payload's element type, or an
// *interface{} (which receives a typed slice for one-dimensional
// payloads and an Array otherwise). Encoded payloads must be decoded
// into a pointer to a concrete type. Decoded raw values may alias b.
//
// Decode fails with an errors.Integrity error if b does not match
// its header or its checksum, and with an errors.Invalid error if v
// cannot hold the payload.
func Decode(h Header, b []byte, v interface{}) error {
	ptr := reflect.ValueOf(v)
	if ptr.Kind() != reflect.Ptr || ptr.IsNil() {
		return errors.E(errors.Invalid, fmt.Sprintf("payload: decode into non-pointer %T", v))
	}
	if len(b) != h.Len {
		return errors.E(errors.Integrity,
			fmt.Sprintf("payload: %s header, but received %d bytes", h, len(b)))
	}
	switch h.Kind {
	case Raw:
		return decodeRaw(h, b, ptr.Elem())
	case Encoded:
		return decodeEncoded(b, ptr.Elem())
	}
	return errors.E(errors.Integrity, fmt.Sprintf("payload: invalid kind %s", h.Kind))
}

func decodeRaw(h Header, b []byte, dst reflect.Value) error {
	if !h.DType.Valid() {
		return errors.E(errors.Integrity, fmt.Sprintf("payload: invalid dtype %s", h.DType))
	}
	n, err := numElems(h.Shape)
	if err != nil {
		return err
	}
	if n*h.DType.Size() != len(b) {
		return errors.E(errors.Integrity, fmt.Sprintf("payload: %s does not match its length", h))
	}
	if !aligned(b, h.DType) {
		b = append([]byte(nil), b...)
	}
	arr := Array{DType: h.DType, Shape: append([]int(nil), h.Shape...), Data: b}
	switch {
	case dst.Type() == reflect.TypeOf(arr):
		dst.Set(reflect.ValueOf(arr))
	case dst.Kind() == reflect.Interface && dst.NumMethod() == 0:
		if len(h.Shape) == 1 {
			dst.Set(view(b, h.DType))
		} else {
			dst.Set(reflect.ValueOf(arr))
		}
	case dst.Kind() == reflect.Slice && reflect.SliceOf(h.DType.Type()).ConvertibleTo(dst.Type()):
		dst.Set(view(b, h.DType).Convert(dst.Type()))
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("payload: cannot decode %s into %s", h, dst.Type()))
	}
	return nil
}

func decodeEncoded(b []byte, dst reflect.Value) error {
	if len(b) == 0 {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	if len(b) < 4 {
		return errors.E(errors.Integrity, "payload: truncated encoded payload")
	}
	body := b[:len(b)-4]
	sum, expect := crc32.ChecksumIEEE(body), binary.LittleEndian.Uint32(b[len(b)-4:])
	if sum != expect {
		return errors.E(errors.Integrity, fmt.Errorf("computed checksum %x but expected checksum %x", sum, expect))
	}
	if dst.Kind() == reflect.Interface {
		return errors.E(errors.Invalid,
			fmt.Sprintf("payload: gob-encoded payload cannot be decoded into interface type %s; use a concrete type", dst.Type()))
	}
	// Gob reuses existing memory; always decode into a fresh value.
	fresh := reflect.New(dst.Type())
	if err := gob.NewDecoder(bytes.NewReader(body)).DecodeValue(fresh); err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("payload: decode into %s", dst.Type()), err)
	}
	dst.Set(fresh.Elem())
	return nil
}

// Frame encodes v into a self-describing frame consisting of the
// payload's header followed by its bytes.
func Frame(v interface{}) ([]byte, error) {
	h, body, err := Encode(v)
	if err != nil {
		return nil, err
	}
	hb, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(hb)+len(body))
	frame = append(frame, hb...)
	return append(frame, body...), nil
}

// Unframe decodes the frame b, produced by Frame, into v. The
// decoded value may alias b.
func Unframe(b []byte, v interface{}) error {
	var h Header
	n, err := h.unmarshal(b)
	if err != nil {
		return err
	}
	return Decode(h, b[n:], v)
}
