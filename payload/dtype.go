// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package payload

import (
	"fmt"
	"reflect"
)

// A DType is the element type of a raw numeric payload.
type DType uint8

// The supported raw element types.
const (
	Invalid DType = iota
	Uint8
	Int8
	Int16
	Int32
	Int64
	Uint16
	Uint32
	Uint64
	Float32
	Float64
	Complex64
	Complex128

	maxDType
)

var dtypes = [maxDType]struct {
	name string
	typ  reflect.Type
}{
	Invalid:    {"invalid", nil},
	Uint8:      {"uint8", reflect.TypeOf(uint8(0))},
	Int8:       {"int8", reflect.TypeOf(int8(0))},
	Int16:      {"int16", reflect.TypeOf(int16(0))},
	Int32:      {"int32", reflect.TypeOf(int32(0))},
	Int64:      {"int64", reflect.TypeOf(int64(0))},
	Uint16:     {"uint16", reflect.TypeOf(uint16(0))},
	Uint32:     {"uint32", reflect.TypeOf(uint32(0))},
	Uint64:     {"uint64", reflect.TypeOf(uint64(0))},
	Float32:    {"float32", reflect.TypeOf(float32(0))},
	Float64:    {"float64", reflect.TypeOf(float64(0))},
	Complex64:  {"complex64", reflect.TypeOf(complex64(0))},
	Complex128: {"complex128", reflect.TypeOf(complex128(0))},
}

// String returns the dtype's name.
func (d DType) String() string {
	if d >= maxDType {
		return fmt.Sprintf("dtype(%d)", d)
	}
	return dtypes[d].name
}

// Valid tells whether d is a supported element type.
func (d DType) Valid() bool { return d > Invalid && d < maxDType }

// Type returns the Go type of an element of type d.
func (d DType) Type() reflect.Type {
	if !d.Valid() {
		return nil
	}
	return dtypes[d].typ
}

// Size returns the size, in bytes, of an element of type d.
func (d DType) Size() int {
	if !d.Valid() {
		return 0
	}
	return int(dtypes[d].typ.Size())
}

// DTypeOf returns the dtype of elements of Go type t, or Invalid if
// t is not a supported element type. Named types are matched by
// their underlying kind.
func DTypeOf(t reflect.Type) DType {
	switch t.Kind() {
	case reflect.Uint8:
		return Uint8
	case reflect.Int8:
		return Int8
	case reflect.Int16:
		return Int16
	case reflect.Int32:
		return Int32
	case reflect.Int64:
		return Int64
	case reflect.Uint16:
		return Uint16
	case reflect.Uint32:
		return Uint32
	case reflect.Uint64:
		return Uint64
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	case reflect.Complex64:
		return Complex64
	case reflect.Complex128:
		return Complex128
	}
	return Invalid
}
