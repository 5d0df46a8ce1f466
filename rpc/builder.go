package rpc

import (
	"errors"
	"fmt"
	"net"
	"time"

	"gosuda.org/ivory/rpc/compress"
	"gosuda.org/ivory/rpc/proto"
)

// DefaultAddress is the listen address used when none is configured.
const DefaultAddress = "127.0.0.1:8989"

// DefaultBackoffUnit is the base accept backoff.
const DefaultBackoffUnit = time.Second

// ServerBuilder configures a Server. The configuration is fixed once Build
// returns.
type ServerBuilder struct {
	address        string
	maxConnections int64
	dispatcher     Dispatcher
	observer       Observer
	codecs         *proto.CodecRegistry
	compressors    *compress.Registry
	backoffUnit    time.Duration
	maxFrameSize   int
	listener       net.Listener
}

// NewServerBuilder returns a builder with the defaults: DefaultAddress, no
// connection bound, LogObserver, every built-in codec and compressor.
func NewServerBuilder() *ServerBuilder {
	return &ServerBuilder{
		address:     DefaultAddress,
		backoffUnit: DefaultBackoffUnit,
	}
}

// Address sets the TCP listen address.
func (b *ServerBuilder) Address(addr string) *ServerBuilder {
	b.address = addr
	return b
}

// MaxConnections bounds the number of concurrent sessions. Zero means no bound.
func (b *ServerBuilder) MaxConnections(n int64) *ServerBuilder {
	b.maxConnections = n
	return b
}

func (b *ServerBuilder) Dispatcher(d Dispatcher) *ServerBuilder {
	b.dispatcher = d
	return b
}

func (b *ServerBuilder) Observer(o Observer) *ServerBuilder {
	b.observer = o
	return b
}

func (b *ServerBuilder) Codecs(r *proto.CodecRegistry) *ServerBuilder {
	b.codecs = r
	return b
}

func (b *ServerBuilder) Compressors(r *compress.Registry) *ServerBuilder {
	b.compressors = r
	return b
}

// BackoffUnit sets the unit of the accept backoff schedule.
func (b *ServerBuilder) BackoffUnit(d time.Duration) *ServerBuilder {
	b.backoffUnit = d
	return b
}

// MaxFrameSize bounds frame bodies in bytes. Zero means unbounded.
func (b *ServerBuilder) MaxFrameSize(n int) *ServerBuilder {
	b.maxFrameSize = n
	return b
}

// Listener makes the server accept from l instead of binding Address.
func (b *ServerBuilder) Listener(l net.Listener) *ServerBuilder {
	b.listener = l
	return b
}

// Build validates the configuration and creates the server.
func (b *ServerBuilder) Build() (*Server, error) {
	var errs []error
	if b.listener == nil && b.address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if b.maxConnections < 0 {
		errs = append(errs, fmt.Errorf("max connections must not be negative, got %d", b.maxConnections))
	}
	if b.backoffUnit <= 0 {
		errs = append(errs, fmt.Errorf("backoff unit must be positive, got %s", b.backoffUnit))
	}
	if b.maxFrameSize < 0 {
		errs = append(errs, fmt.Errorf("max frame size must not be negative, got %d", b.maxFrameSize))
	}

	codecs := b.codecs
	if codecs == nil {
		codecs = proto.DefaultCodecs()
	}
	if _, err := codecs.Bootstrap(); err != nil {
		errs = append(errs, err)
	}
	compressors := b.compressors
	if compressors == nil {
		compressors = compress.Default()
	}
	dispatcher := b.dispatcher
	if dispatcher == nil {
		dispatcher = NewServeMux()
	}
	observer := b.observer
	if observer == nil {
		observer = LogObserver{}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("rpc: invalid server config: %w", errors.Join(errs...))
	}

	return &Server{
		address:     b.address,
		listener:    b.listener,
		backoffUnit: b.backoffUnit,
		gate:        NewGate(b.maxConnections),
		session: &sessionConfig{
			dispatcher:   dispatcher,
			observer:     observer,
			codecs:       codecs,
			compressors:  compressors,
			maxFrameSize: b.maxFrameSize,
		},
		notifier: newShutdownNotifier(),
		ready:    make(chan struct{}),
	}, nil
}
