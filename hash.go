// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// MethodSignature returns the canonical string a method id is hashed from:
//
//	Name(0:int,1:pkg.Args)->int
//
// Type names are package-qualified but not import-path qualified, so ids
// stay stable across builds that move a package.
func MethodSignature(name string, params []reflect.Type, ret reflect.Type) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(i))
		b.WriteByte(':')
		b.WriteString(signatureTypeName(p))
	}
	b.WriteString(")->")
	b.WriteString(signatureTypeName(ret))
	return b.String()
}

// EventSignature returns the canonical string an event id is hashed from.
func EventSignature(name string, arg reflect.Type) string {
	return "event " + name + "(" + signatureTypeName(arg) + ")"
}

// HashMethod folds the 64-bit xxhash of a method signature to 32 bits.
func HashMethod(signature string) uint32 {
	h := xxhash.Sum64String(signature)
	return uint32(h) ^ uint32(h>>32)
}

// HashEvent returns the 64-bit event id. The session id is xored into the
// low 32 bits with no check against the hash bits it overlaps; the scheme
// is fixed for wire compatibility.
func HashEvent(signature string, session uint32) uint64 {
	return xxhash.Sum64String(signature) ^ uint64(session)
}

func signatureTypeName(t reflect.Type) string {
	if t == nil {
		return "void"
	}
	return t.String()
}
