// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"reflect"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
)

func TestMethodSignature(t *testing.T) {
	intType := reflect.TypeOf(0)
	require.Equal(t, "Sum(0:int,1:int)->int", MethodSignature("Sum", []reflect.Type{intType, intType}, intType))
	require.Equal(t, "Touch()->void", MethodSignature("Touch", nil, nil))
	require.Equal(t, "event Tick(int64)", EventSignature("Tick", reflect.TypeOf(int64(0))))
	require.Equal(t, "event Ping(void)", EventSignature("Ping", nil))
}

func TestHashMethodFoldsBothHalves(t *testing.T) {
	sig := "Sum(0:int,1:int)->int"
	h := xxhash.Sum64String(sig)
	require.Equal(t, uint32(h)^uint32(h>>32), HashMethod(sig))
	require.Equal(t, HashMethod(sig), HashMethod(sig))
	require.NotEqual(t, HashMethod(sig), HashMethod("Sum(0:int,1:int64)->int"))
}

func TestHashEventSession(t *testing.T) {
	sig := "event Tick(int64)"
	require.Equal(t, xxhash.Sum64String(sig), HashEvent(sig, 0))
	require.Equal(t, xxhash.Sum64String(sig)^7, HashEvent(sig, 7))
	require.NotEqual(t, HashEvent(sig, 1), HashEvent(sig, 2))
}
