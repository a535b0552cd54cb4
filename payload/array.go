// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package payload

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/grailbio/base/errors"
)

// An Array is a dense, row-major n-dimensional numeric array. Its
// elements are stored in Data in host byte order.
type Array struct {
	DType DType
	Shape []int
	Data  []byte
}

// NewArray returns an array that views the numeric slice v with the
// provided shape. If no shape is given, the array is one-dimensional.
// The array's data aliases v's memory.
func NewArray(v interface{}, shape ...int) (Array, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return Array{}, errors.E(errors.Invalid, fmt.Sprintf("payload: %T is not a slice", v))
	}
	dtype := DTypeOf(rv.Type().Elem())
	if !dtype.Valid() {
		return Array{}, errors.E(errors.Invalid, fmt.Sprintf("payload: %T is not a numeric slice", v))
	}
	if len(shape) == 0 {
		shape = []int{rv.Len()}
	}
	n, err := numElems(shape)
	if err != nil {
		return Array{}, err
	}
	if n != rv.Len() {
		return Array{}, errors.E(errors.Invalid,
			fmt.Sprintf("payload: shape %v does not match slice of length %d", shape, rv.Len()))
	}
	return Array{dtype, append([]int(nil), shape...), bytesOf(rv)}, nil
}

// Len returns the number of elements in the array.
func (a Array) Len() int {
	if !a.DType.Valid() {
		return 0
	}
	return len(a.Data) / a.DType.Size()
}

// Slice returns the array's elements as a one-dimensional slice of
// the array's element type, aliasing Data.
func (a Array) Slice() interface{} {
	return view(a.Data, a.DType).Interface()
}

// Float64s returns the array's elements as a []float64 aliasing
// Data. It panics if the array's dtype is not Float64.
func (a Array) Float64s() []float64 {
	a.must(Float64)
	return a.Slice().([]float64)
}

// Float32s returns the array's elements as a []float32 aliasing
// Data. It panics if the array's dtype is not Float32.
func (a Array) Float32s() []float32 {
	a.must(Float32)
	return a.Slice().([]float32)
}

// Int64s returns the array's elements as a []int64 aliasing Data. It
// panics if the array's dtype is not Int64.
func (a Array) Int64s() []int64 {
	a.must(Int64)
	return a.Slice().([]int64)
}

// Int32s returns the array's elements as a []int32 aliasing Data. It
// panics if the array's dtype is not Int32.
func (a Array) Int32s() []int32 {
	a.must(Int32)
	return a.Slice().([]int32)
}

func (a Array) must(d DType) {
	if a.DType != d {
		panic(fmt.Sprintf("payload: %s view of %s array", d, a.DType))
	}
}

func (a Array) String() string {
	return fmt.Sprintf("array(%s%v)", a.DType, a.Shape)
}

func numElems(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, errors.E(errors.Invalid, fmt.Sprintf("payload: invalid shape %v", shape))
		}
		n *= d
	}
	return n, nil
}

// bytesOf returns the memory underlying the numeric slice v.
func bytesOf(v reflect.Value) []byte {
	n := v.Len() * int(v.Type().Elem().Size())
	if n == 0 {
		return []byte{}
	}
	var b []byte
	h := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	h.Data = v.Pointer()
	h.Len = n
	h.Cap = n
	return b
}

// view returns a slice of element type dtype that aliases b. The
// length of b must be a multiple of the element size.
func view(b []byte, dtype DType) reflect.Value {
	p := reflect.New(reflect.SliceOf(dtype.Type()))
	if n := len(b) / dtype.Size(); n > 0 {
		h := (*reflect.SliceHeader)(unsafe.Pointer(p.Pointer()))
		h.Data = uintptr(unsafe.Pointer(&b[0]))
		h.Len = n
		h.Cap = n
	} else {
		p.Elem().Set(reflect.MakeSlice(p.Type().Elem(), 0, 0))
	}
	return p.Elem()
}

// aligned tells whether b may be viewed as a slice of dtype.
func aligned(b []byte, dtype DType) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&b[0]))%uintptr(dtype.Type().Align()) == 0
}
