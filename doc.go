// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package duplex is a bidirectional RPC and event engine over a duplex
// byte channel. Either end of a connection may call methods on the other
// and subscribe to its events.
//
// # Interfaces
//
// Both ends build a Registry from the same InterfaceDef. Method ids are a
// 32-bit fold of the xxhash64 of the method signature; event ids are the
// xxhash64 of the event signature combined with the interface session.
//
//	def, err := duplex.Describe(reflect.TypeOf((*Calculator)(nil)).Elem(),
//	    duplex.EventDef{Name: "Overflow", Arg: reflect.TypeOf(int64(0))})
//	reg, err := duplex.NewRegistry(def)
//
// # Usage
//
// Server usage:
//
//	l, err := duplex.Listen(":9000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	b, err := duplex.Bind(reg, &calculator{})
//	conn, err := duplex.AcceptConn(l, reg, b)
//
// Client usage:
//
//	conn, err := duplex.DialConn(ctx, "localhost:9000", reg, nil, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	sum, err := duplex.Invoke[int](ctx, conn.Dispatcher(), "Sum", 12, 11)
//	sub, err := conn.Subscribe(ctx, "Overflow", func(arg interface{}) { ... })
//
// # Wire format
//
// Every frame starts after a custom offset of bytes reserved for the
// transport, followed by a one-byte opcode. Integers are little-endian.
//
//	Call                      [1][corr u32][method u32][len u32 x n][params]
//	MethodExecuted            [2][corr u32]
//	ResultReturned            [3][corr u32][result]
//	ExceptionThrown           [4][corr u32][envelope]
//	MethodNotImplemented      [5][corr u32]
//	TriggerEvent              [6][event u64]
//	TriggerEventWithParameter [7][event u64][len u32][arg]
//	SubscribeEvent            [8][count u16][event u64 x count]
//	UnsubscribeEvent          [9][count u16][event u64 x count]
//
// # Transports
//
// The stream transport (default) frames TCP with a length prefix kept in
// the reserved bytes. The grpc transport carries frames on a
// bidirectional gRPC stream. NewPipe connects two ends in memory.
//
//	t, err := duplex.Dial(ctx, addr, duplex.WithTransport(duplex.TransportGRPC))
package duplex
