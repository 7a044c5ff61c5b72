// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultWaitTimeout bounds how long a call waits for its response.
const DefaultWaitTimeout = 30 * time.Second

// ConnOption configures a Conn and the components it owns.
type ConnOption func(*connOptions)

type connOptions struct {
	serializer  Serializer
	offset      int
	waitTimeout time.Duration // zero disables the bound
	pool        *BufferPool
	log         logrus.FieldLogger
	metrics     *Metrics
	exceptions  *ExceptionMarshaler
	authorizer  Authorizer
}

func newConnOptions(opts []ConnOption) *connOptions {
	o := &connOptions{
		serializer:  defaultSerializer,
		waitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.pool == nil {
		o.pool = NewBufferPool(PoolCapped, DefaultMaxPoolSize)
	}
	if o.log == nil {
		o.log = logrus.StandardLogger()
	}
	if o.exceptions == nil {
		o.exceptions = NewExceptionMarshaler()
	}
	return o
}

// WithSerializer sets the object serializer. Both ends must agree.
func WithSerializer(s Serializer) ConnOption {
	return func(o *connOptions) { o.serializer = s }
}

// WithCustomOffset reserves n leading bytes in every frame for the
// transport. Both ends must agree.
func WithCustomOffset(n int) ConnOption {
	return func(o *connOptions) {
		if n >= 0 {
			o.offset = n
		}
	}
}

// WithWaitTimeout bounds how long a call waits for its response.
func WithWaitTimeout(d time.Duration) ConnOption {
	return func(o *connOptions) {
		if d > 0 {
			o.waitTimeout = d
		}
	}
}

// WithoutWaitTimeout lets calls wait until their context ends.
func WithoutWaitTimeout() ConnOption {
	return func(o *connOptions) { o.waitTimeout = 0 }
}

// WithBufferPool shares a pool between connections.
func WithBufferPool(p *BufferPool) ConnOption {
	return func(o *connOptions) { o.pool = p }
}

func WithLogger(l logrus.FieldLogger) ConnOption {
	return func(o *connOptions) { o.log = l }
}

func WithMetrics(m *Metrics) ConnOption {
	return func(o *connOptions) { o.metrics = m }
}

// WithExceptionMarshaler sets the marshaler holding registered error
// constructors.
func WithExceptionMarshaler(m *ExceptionMarshaler) ConnOption {
	return func(o *connOptions) { o.exceptions = m }
}

// WithAuthorizer sets the permission check run before each event is
// delivered to the remote peer of the Conn.
func WithAuthorizer(a Authorizer) ConnOption {
	return func(o *connOptions) { o.authorizer = a }
}

// Config is the file form of the options.
type Config struct {
	CustomOffset int        `yaml:"custom_offset"`
	WaitTimeout  string     `yaml:"wait_timeout"`
	Serializer   string     `yaml:"serializer"`
	Pool         PoolConfig `yaml:"pool"`
}

type PoolConfig struct {
	Mode          string `yaml:"mode"`
	MaxBufferSize int    `yaml:"max_buffer_size"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Annotate(err, "parsing config")
	}
	if _, err := cfg.Options(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Options converts the config into ConnOptions.
func (c *Config) Options() ([]ConnOption, error) {
	if c.CustomOffset < 0 {
		return nil, errors.NotValidf("custom_offset %d", c.CustomOffset)
	}
	opts := []ConnOption{WithCustomOffset(c.CustomOffset)}

	switch t := strings.TrimSpace(c.WaitTimeout); t {
	case "":
	case "none", "0":
		opts = append(opts, WithoutWaitTimeout())
	default:
		d, err := time.ParseDuration(t)
		if err != nil || d < 0 {
			return nil, errors.NotValidf("wait_timeout %q", c.WaitTimeout)
		}
		opts = append(opts, WithWaitTimeout(d))
	}

	ser, err := SerializerByName(c.Serializer)
	if err != nil {
		return nil, errors.Trace(err)
	}
	opts = append(opts, WithSerializer(ser))

	switch c.Pool.Mode {
	case "", "capped":
		opts = append(opts, WithBufferPool(NewBufferPool(PoolCapped, c.Pool.MaxBufferSize)))
	case "disabled":
		opts = append(opts, WithBufferPool(NewBufferPool(PoolDisabled, 0)))
	default:
		return nil, errors.NotValidf("pool mode %q", c.Pool.Mode)
	}
	return opts, nil
}
