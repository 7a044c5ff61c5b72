// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/juju/errors"
	"github.com/vmihailenco/msgpack/v4"
)

// Serializer turns typed values into and out of byte ranges. Both methods
// must be safe for concurrent use.
type Serializer interface {
	// Serialize writes v as type t into buf starting at offset and returns
	// the end position. If buf is too small it is grown with Ensure, which
	// keeps every byte before offset; callers re-read buf.B afterwards.
	Serialize(t reflect.Type, buf *Buffer, offset int, v interface{}) (int, error)

	// Deserialize decodes data as a value of type t.
	Deserialize(t reflect.Type, data []byte) (interface{}, error)

	// Name identifies the serializer in configuration.
	Name() string
}

// bufferWriter appends into a Buffer from a fixed start position, growing
// it in place.
type bufferWriter struct {
	buf *Buffer
	pos int
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	w.buf.Ensure(w.pos+len(p), w.pos)
	copy(w.buf.B[w.pos:], p)
	w.pos += len(p)
	return len(p), nil
}

func (w *bufferWriter) WriteByte(c byte) error {
	w.buf.Ensure(w.pos+1, w.pos)
	w.buf.B[w.pos] = c
	w.pos++
	return nil
}

func (w *bufferWriter) WriteString(s string) (int, error) {
	w.buf.Ensure(w.pos+len(s), w.pos)
	copy(w.buf.B[w.pos:], s)
	w.pos += len(s)
	return len(s), nil
}

// MsgpackSerializer is the default serializer.
type MsgpackSerializer struct{}

func (MsgpackSerializer) Name() string { return "msgpack" }

func (MsgpackSerializer) Serialize(t reflect.Type, buf *Buffer, offset int, v interface{}) (int, error) {
	w := &bufferWriter{buf: buf, pos: offset}
	enc := msgpack.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		return offset, errors.Annotatef(err, "msgpack encode %s", signatureTypeName(t))
	}
	return w.pos, nil
}

func (MsgpackSerializer) Deserialize(t reflect.Type, data []byte) (interface{}, error) {
	ptr := reflect.New(t)
	if err := msgpack.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, errors.Annotatef(err, "msgpack decode %s", signatureTypeName(t))
	}
	return ptr.Elem().Interface(), nil
}

// JSONSerializer encodes values as JSON.
type JSONSerializer struct{}

func (JSONSerializer) Name() string { return "json" }

func (JSONSerializer) Serialize(t reflect.Type, buf *Buffer, offset int, v interface{}) (int, error) {
	w := &bufferWriter{buf: buf, pos: offset}
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		return offset, errors.Annotatef(err, "json encode %s", signatureTypeName(t))
	}
	// Encoder terminates every value with a newline.
	return w.pos - 1, nil
}

func (JSONSerializer) Deserialize(t reflect.Type, data []byte) (interface{}, error) {
	ptr := reflect.New(t)
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(ptr.Interface()); err != nil {
		return nil, errors.Annotatef(err, "json decode %s", signatureTypeName(t))
	}
	return ptr.Elem().Interface(), nil
}

// SerializerByName returns a built-in serializer.
func SerializerByName(name string) (Serializer, error) {
	switch name {
	case "", "msgpack":
		return MsgpackSerializer{}, nil
	case "json":
		return JSONSerializer{}, nil
	default:
		return nil, errors.NotValidf("serializer %q", name)
	}
}

var defaultSerializer Serializer = MsgpackSerializer{}
