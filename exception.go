// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/juju/errors"
)

// EnvelopeKind tags the shape of a marshaled error.
type EnvelopeKind uint8

const (
	KindGeneric EnvelopeKind = iota
	KindArgument
	KindObjectDisposed
	KindAggregate
	KindOpaque
)

// Envelope is the serializer-agnostic form of an error crossing the wire.
type Envelope struct {
	Kind       EnvelopeKind `msgpack:"kind" json:"kind"`
	TypeName   string       `msgpack:"type,omitempty" json:"type,omitempty"`
	Message    string       `msgpack:"message" json:"message"`
	StackTrace string       `msgpack:"stack,omitempty" json:"stack,omitempty"`
	HResult    int32        `msgpack:"hresult,omitempty" json:"hresult,omitempty"`
	Source     string       `msgpack:"source,omitempty" json:"source,omitempty"`
	ParamName  string       `msgpack:"param,omitempty" json:"param,omitempty"`
	ObjectName string       `msgpack:"object,omitempty" json:"object,omitempty"`
	Code       string       `msgpack:"code,omitempty" json:"code,omitempty"`
	Inner      *Envelope    `msgpack:"inner,omitempty" json:"inner,omitempty"`
	Inners     []Envelope   `msgpack:"inners,omitempty" json:"inners,omitempty"`
}

var envelopeType = reflect.TypeOf(Envelope{})

// Exception holds the fields every marshaled error carries. A remote
// error of the generic kind unpacks to *Exception.
type Exception struct {
	Message    string
	StackTrace string
	HResult    int32
	Source     string
	// Code is the juju/errors kind the remote error satisfied, if any.
	Code  string
	Inner error
}

func (e *Exception) Error() string { return e.Message }

func (e *Exception) Unwrap() error { return e.Inner }

// Is reports whether target is the juju/errors kind carried in Code.
func (e *Exception) Is(target error) bool {
	c, ok := target.(errors.ConstError)
	return ok && e.Code != "" && string(c) == e.Code
}

// errorKinds are the juju/errors kinds that survive the wire. The first
// kind an error satisfies is sent as its code.
var errorKinds = []errors.ConstError{
	errors.Timeout,
	errors.UserNotFound,
	errors.NotFound,
	errors.Unauthorized,
	errors.NotImplemented,
	errors.AlreadyExists,
	errors.NotSupported,
	errors.NotValid,
	errors.NotProvisioned,
	errors.NotAssigned,
	errors.BadRequest,
	errors.MethodNotAllowed,
	errors.Forbidden,
	errors.QuotaLimitExceeded,
	errors.NotYetAvailable,
}

func errorCode(err error) string {
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return string(kind)
		}
	}
	return ""
}

func knownCode(code string) string {
	for _, kind := range errorKinds {
		if string(kind) == code {
			return code
		}
	}
	return ""
}

// ArgumentError reports an invalid argument.
type ArgumentError struct {
	Exception
	ParamName string
}

func NewArgumentError(paramName, message string) *ArgumentError {
	return &ArgumentError{Exception: Exception{Message: message}, ParamName: paramName}
}

func (e *ArgumentError) Error() string {
	if e.ParamName == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (parameter %q)", e.Message, e.ParamName)
}

// ObjectDisposedError reports use of a disposed object.
type ObjectDisposedError struct {
	Exception
	ObjectName string
}

func NewObjectDisposedError(objectName string) *ObjectDisposedError {
	return &ObjectDisposedError{
		Exception:  Exception{Message: "cannot access a disposed object"},
		ObjectName: objectName,
	}
}

func (e *ObjectDisposedError) Error() string {
	if e.ObjectName == "" {
		return e.Message
	}
	return e.Message + ": " + e.ObjectName
}

// AggregateError collects several errors.
type AggregateError struct {
	Exception
	Errors []error
}

func NewAggregateError(errs ...error) *AggregateError {
	return &AggregateError{
		Exception: Exception{Message: "one or more errors occurred"},
		Errors:    errs,
	}
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		parts = append(parts, err.Error())
	}
	return e.Message + " (" + strings.Join(parts, "; ") + ")"
}

func (e *AggregateError) Unwrap() []error { return e.Errors }

// RemoteCallError stands in for a remote error whose type could not be
// rebuilt locally. TypeName keeps the remote type.
type RemoteCallError struct {
	Exception
	TypeName string
}

func (e *RemoteCallError) Error() string {
	return e.TypeName + ": " + e.Message
}

// RemoteError is returned by a call whose remote implementation failed.
// Cause is the reconstructed error.
type RemoteError struct {
	Method string
	Cause  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("duplex: remote %s failed: %v", e.Method, e.Cause)
}

func (e *RemoteError) Unwrap() error { return e.Cause }

// ErrorConstructors rebuilds an opaque error type. Unpack tries them in
// field order and uses the first one set that returns a non-nil error.
type ErrorConstructors struct {
	WithInner   func(message string, inner error) error
	WithMessage func(message string) error
	Default     func() error
}

// ExceptionMarshaler packs errors into envelopes and back. Full fidelity
// is only guaranteed for the built-in kinds; other types need a
// registration or come back as *RemoteCallError.
type ExceptionMarshaler struct {
	mu    sync.RWMutex
	ctors map[string]ErrorConstructors
}

func NewExceptionMarshaler() *ExceptionMarshaler {
	return &ExceptionMarshaler{ctors: make(map[string]ErrorConstructors)}
}

// Register makes the error type of sample reconstructible.
func (m *ExceptionMarshaler) Register(sample error, ctors ErrorConstructors) {
	m.RegisterName(QualifiedTypeName(sample), ctors)
}

// RegisterName registers constructors under a qualified type name.
func (m *ExceptionMarshaler) RegisterName(typeName string, ctors ErrorConstructors) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctors[typeName] = ctors
}

// genericTypes are treated as plain message errors.
var genericTypes = map[string]bool{
	"*errors.errorString":                   true,
	"*fmt.wrapError":                        true,
	"*fmt.wrapErrors":                       true,
	"*errors.joinError":                     true,
	"*github.com/juju/errors.Err":           true,
	"*github.com/juju/errors.locationError": true,
	"*github.com/juju/errors.errWithType":   true,
	"*github.com/luxfi/duplex.Exception":    true,
	"github.com/juju/errors.ConstError":     true,
	"*github.com/luxfi/duplex.RemoteError":  true,
}

// Pack converts err into an envelope. stack is used when err carries no
// trace of its own.
func (m *ExceptionMarshaler) Pack(err error, stack string) Envelope {
	return m.pack(err, stack, 0)
}

const maxEnvelopeDepth = 32

func (m *ExceptionMarshaler) pack(err error, stack string, depth int) Envelope {
	if depth > maxEnvelopeDepth {
		return Envelope{Kind: KindGeneric, Message: err.Error()}
	}
	var env Envelope
	switch e := err.(type) {
	case *ArgumentError:
		env = exceptionEnvelope(KindArgument, &e.Exception)
		env.ParamName = e.ParamName
	case *ObjectDisposedError:
		env = exceptionEnvelope(KindObjectDisposed, &e.Exception)
		env.ObjectName = e.ObjectName
	case *AggregateError:
		env = exceptionEnvelope(KindAggregate, &e.Exception)
		env.Inner = nil
		for _, inner := range e.Errors {
			env.Inners = append(env.Inners, m.pack(inner, "", depth+1))
		}
	case *RemoteCallError:
		env = exceptionEnvelope(KindOpaque, &e.Exception)
		env.TypeName = e.TypeName
	case *Exception:
		env = exceptionEnvelope(KindGeneric, e)
	default:
		typeName := QualifiedTypeName(err)
		env = Envelope{Kind: KindGeneric, Message: err.Error()}
		if !genericTypes[typeName] {
			env.Kind = KindOpaque
			env.TypeName = typeName
		}
		if trace := errors.ErrorStack(err); trace != err.Error() {
			env.StackTrace = trace
		}
	}
	if env.Inner == nil && env.Kind != KindAggregate {
		if multi, ok := err.(interface{ Unwrap() []error }); ok {
			for _, inner := range multi.Unwrap() {
				if inner != nil {
					env.Inners = append(env.Inners, m.pack(inner, "", depth+1))
				}
			}
		} else if inner := stderrors.Unwrap(err); inner != nil {
			packed := m.pack(inner, "", depth+1)
			env.Inner = &packed
		}
	}
	env.Code = errorCode(err)
	if env.StackTrace == "" {
		env.StackTrace = stack
	}
	return env
}

func exceptionEnvelope(kind EnvelopeKind, e *Exception) Envelope {
	return Envelope{
		Kind:       kind,
		Message:    e.Message,
		StackTrace: e.StackTrace,
		HResult:    e.HResult,
		Source:     e.Source,
	}
}

// Unpack rebuilds an error from env.
func (m *ExceptionMarshaler) Unpack(env Envelope) error {
	base := Exception{
		Message:    env.Message,
		StackTrace: env.StackTrace,
		HResult:    env.HResult,
		Source:     env.Source,
		Code:       knownCode(env.Code),
	}
	switch {
	case env.Inner != nil:
		base.Inner = m.Unpack(*env.Inner)
	case len(env.Inners) > 0 && env.Kind != KindAggregate:
		inners := make([]error, 0, len(env.Inners))
		for _, inner := range env.Inners {
			inners = append(inners, m.Unpack(inner))
		}
		base.Inner = stderrors.Join(inners...)
	}
	switch env.Kind {
	case KindArgument:
		return &ArgumentError{Exception: base, ParamName: env.ParamName}
	case KindObjectDisposed:
		return &ObjectDisposedError{Exception: base, ObjectName: env.ObjectName}
	case KindAggregate:
		errs := make([]error, 0, len(env.Inners))
		for _, inner := range env.Inners {
			errs = append(errs, m.Unpack(inner))
		}
		return &AggregateError{Exception: base, Errors: errs}
	case KindOpaque:
		if err := m.construct(env.TypeName, env.Message, base.Inner); err != nil {
			return err
		}
		return &RemoteCallError{Exception: base, TypeName: env.TypeName}
	default:
		return &base
	}
}

func (m *ExceptionMarshaler) construct(typeName, message string, inner error) error {
	m.mu.RLock()
	ctors, ok := m.ctors[typeName]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if ctors.WithInner != nil {
		if err := ctors.WithInner(message, inner); err != nil {
			return err
		}
	}
	if ctors.WithMessage != nil {
		if err := ctors.WithMessage(message); err != nil {
			return err
		}
	}
	if ctors.Default != nil {
		return ctors.Default()
	}
	return nil
}

// QualifiedTypeName returns the import-path qualified name of v's type,
// e.g. "*github.com/luxfi/duplex.ArgumentError".
func QualifiedTypeName(v interface{}) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "<nil>"
	}
	prefix := ""
	for t.Kind() == reflect.Ptr {
		prefix += "*"
		t = t.Elem()
	}
	if t.PkgPath() == "" || t.Name() == "" {
		return prefix + t.String()
	}
	return prefix + t.PkgPath() + "." + t.Name()
}
