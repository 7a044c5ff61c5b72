// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"encoding/binary"
	"math"
	"strconv"
)

// Opcode identifies a frame kind. It is the first byte after the custom
// offset.
type Opcode uint8

const (
	OpCall Opcode = iota + 1
	OpMethodExecuted
	OpResultReturned
	OpExceptionThrown
	OpMethodNotImplemented
	OpTriggerEvent
	OpTriggerEventWithParameter
	OpSubscribeEvent
	OpUnsubscribeEvent
)

var opcodeNames = [...]string{
	OpCall:                      "Call",
	OpMethodExecuted:            "MethodExecuted",
	OpResultReturned:            "ResultReturned",
	OpExceptionThrown:           "ExceptionThrown",
	OpMethodNotImplemented:      "MethodNotImplemented",
	OpTriggerEvent:              "TriggerEvent",
	OpTriggerEventWithParameter: "TriggerEventWithParameter",
	OpSubscribeEvent:            "SubscribeEvent",
	OpUnsubscribeEvent:          "UnsubscribeEvent",
}

func (o Opcode) Valid() bool {
	return o >= OpCall && o <= OpUnsubscribeEvent
}

func (o Opcode) String() string {
	if o.Valid() {
		return opcodeNames[o]
	}
	return "Opcode(" + strconv.Itoa(int(o)) + ")"
}

// isResponse reports whether o answers a Call.
func (o Opcode) isResponse() bool {
	switch o {
	case OpMethodExecuted, OpResultReturned, OpExceptionThrown, OpMethodNotImplemented:
		return true
	}
	return false
}

const (
	opcodeSize      = 1
	correlationSize = 4
	methodIDSize    = 4
	eventIDSize     = 8
	lengthSize      = 4
	countSize       = 2

	responseHeaderSize = opcodeSize + correlationSize
	triggerHeaderSize  = opcodeSize + eventIDSize

	// MaxBatch is the most event ids one Subscribe/Unsubscribe frame holds.
	MaxBatch = math.MaxUint16
)

var le = binary.LittleEndian

// ReadOpcode validates and returns the opcode of frame.
func ReadOpcode(frame []byte, offset int) (Opcode, error) {
	if offset < 0 || len(frame) < offset+opcodeSize {
		return 0, protocolErrorf(0, "frame of %d bytes too short for offset %d", len(frame), offset)
	}
	op := Opcode(frame[offset])
	if !op.Valid() {
		return op, protocolErrorf(op, "unknown opcode")
	}
	return op, nil
}

func callHeaderSize(params int) int {
	return opcodeSize + correlationSize + methodIDSize + params*lengthSize
}

// writeCallHeader writes the fixed part of a Call frame and returns the
// position of the first parameter byte. The length table is zeroed and
// filled by putParamLength.
func writeCallHeader(b []byte, off int, correlationID, methodID uint32, params int) int {
	b[off] = byte(OpCall)
	le.PutUint32(b[off+1:], correlationID)
	le.PutUint32(b[off+5:], methodID)
	table := off + opcodeSize + correlationSize + methodIDSize
	for i := 0; i < params; i++ {
		le.PutUint32(b[table+i*lengthSize:], 0)
	}
	return off + callHeaderSize(params)
}

func putParamLength(b []byte, off, index, length int) {
	le.PutUint32(b[off+opcodeSize+correlationSize+methodIDSize+index*lengthSize:], uint32(length))
}

func decodeCallHeader(frame []byte, off int) (correlationID, methodID uint32, err error) {
	if len(frame) < off+callHeaderSize(0) {
		return 0, 0, protocolErrorf(OpCall, "truncated header")
	}
	return le.Uint32(frame[off+1:]), le.Uint32(frame[off+5:]), nil
}

// decodeCallParams slices the n serialized parameters out of a Call
// frame. Parameter offsets are cumulative sums of the length table.
func decodeCallParams(frame []byte, off, n int) ([][]byte, error) {
	table := off + opcodeSize + correlationSize + methodIDSize
	pos := off + callHeaderSize(n)
	if len(frame) < pos {
		return nil, protocolErrorf(OpCall, "truncated length table for %d parameters", n)
	}
	params := make([][]byte, n)
	for i := 0; i < n; i++ {
		length := int(le.Uint32(frame[table+i*lengthSize:]))
		if length < 0 || pos+length > len(frame) {
			return nil, protocolErrorf(OpCall, "parameter %d length %d overruns frame", i, length)
		}
		params[i] = frame[pos : pos+length]
		pos += length
	}
	return params, nil
}

// writeResponseHeader writes [opcode][correlation id] and returns the
// payload position.
func writeResponseHeader(b []byte, off int, op Opcode, correlationID uint32) int {
	b[off] = byte(op)
	le.PutUint32(b[off+1:], correlationID)
	return off + responseHeaderSize
}

func decodeResponse(frame []byte, off int) (Opcode, uint32, []byte, error) {
	op, err := ReadOpcode(frame, off)
	if err != nil {
		return op, 0, nil, err
	}
	if !op.isResponse() {
		return op, 0, nil, protocolErrorf(op, "not a response frame")
	}
	if len(frame) < off+responseHeaderSize {
		return op, 0, nil, protocolErrorf(op, "truncated header")
	}
	payload := frame[off+responseHeaderSize:]
	switch op {
	case OpMethodExecuted, OpMethodNotImplemented:
		payload = nil
	}
	return op, le.Uint32(frame[off+1:]), payload, nil
}

// writeTriggerHeader writes the event header. With a parameter the length
// slot is left for putTriggerLength and the parameter position returned.
func writeTriggerHeader(b []byte, off int, eventID uint64, withParam bool) int {
	op := OpTriggerEvent
	if withParam {
		op = OpTriggerEventWithParameter
	}
	b[off] = byte(op)
	le.PutUint64(b[off+1:], eventID)
	if !withParam {
		return off + triggerHeaderSize
	}
	le.PutUint32(b[off+triggerHeaderSize:], 0)
	return off + triggerHeaderSize + lengthSize
}

func putTriggerLength(b []byte, off, length int) {
	le.PutUint32(b[off+triggerHeaderSize:], uint32(length))
}

func decodeTrigger(frame []byte, off int) (eventID uint64, param []byte, hasParam bool, err error) {
	op, err := ReadOpcode(frame, off)
	if err != nil {
		return 0, nil, false, err
	}
	if op != OpTriggerEvent && op != OpTriggerEventWithParameter {
		return 0, nil, false, protocolErrorf(op, "not a trigger frame")
	}
	if len(frame) < off+triggerHeaderSize {
		return 0, nil, false, protocolErrorf(op, "truncated header")
	}
	eventID = le.Uint64(frame[off+1:])
	if op == OpTriggerEvent {
		return eventID, nil, false, nil
	}
	pos := off + triggerHeaderSize
	if len(frame) < pos+lengthSize {
		return 0, nil, false, protocolErrorf(op, "truncated parameter length")
	}
	length := int(le.Uint32(frame[pos:]))
	pos += lengthSize
	if length < 0 || pos+length > len(frame) {
		return 0, nil, false, protocolErrorf(op, "parameter length %d overruns frame", length)
	}
	return eventID, frame[pos : pos+length], true, nil
}

func subscriptionFrameSize(off, count int) int {
	return off + opcodeSize + countSize + count*eventIDSize
}

// encodeSubscription writes a Subscribe or Unsubscribe frame for ids into
// a buffer rented from pool. len(ids) must not exceed MaxBatch.
func encodeSubscription(pool *BufferPool, off int, op Opcode, ids []uint64) *Buffer {
	size := subscriptionFrameSize(off, len(ids))
	buf := pool.Rent(size)
	b := buf.B
	clear(b[:off])
	b[off] = byte(op)
	le.PutUint16(b[off+1:], uint16(len(ids)))
	pos := off + opcodeSize + countSize
	for _, id := range ids {
		le.PutUint64(b[pos:], id)
		pos += eventIDSize
	}
	buf.B = b[:size]
	return buf
}

func decodeSubscription(frame []byte, off int) (Opcode, []uint64, error) {
	op, err := ReadOpcode(frame, off)
	if err != nil {
		return op, nil, err
	}
	if op != OpSubscribeEvent && op != OpUnsubscribeEvent {
		return op, nil, protocolErrorf(op, "not a subscription frame")
	}
	if len(frame) < off+opcodeSize+countSize {
		return op, nil, protocolErrorf(op, "truncated count")
	}
	count := int(le.Uint16(frame[off+1:]))
	if len(frame) < subscriptionFrameSize(off, count) {
		return op, nil, protocolErrorf(op, "truncated id list of %d entries", count)
	}
	ids := make([]uint64, count)
	pos := off + opcodeSize + countSize
	for i := range ids {
		ids[i] = le.Uint64(frame[pos:])
		pos += eventIDSize
	}
	return op, ids, nil
}
