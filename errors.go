// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrProtocol marks a malformed frame. It is fatal to the frame only.
	ErrProtocol = errors.ConstError("duplex: protocol error")

	// ErrCallCancelled is returned when the caller's context ends before
	// a response arrives.
	ErrCallCancelled = errors.ConstError("duplex: call cancelled")

	// ErrClosed is returned for calls that were outstanding, or started,
	// after the endpoint closed.
	ErrClosed = errors.ConstError("duplex: closed")

	// ErrDisposed is returned by a publisher after Dispose.
	ErrDisposed = errors.ConstError("duplex: disposed")

	ErrUnknownSizeClass = errors.ConstError("duplex: buffer does not match a pool size class")
	ErrBufferReleased   = errors.ConstError("duplex: buffer already released")
)

// ProtocolError describes why a frame was rejected.
type ProtocolError struct {
	Opcode Opcode
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("duplex: protocol error (opcode %s): %s", e.Opcode, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

func protocolErrorf(op Opcode, format string, args ...interface{}) error {
	return &ProtocolError{Opcode: op, Reason: fmt.Sprintf(format, args...)}
}
