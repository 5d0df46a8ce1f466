package proto

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gosuda.org/ivory/rpc/metadata"
)

var (
	// ErrUnknownCodec is returned when a codec name is not registered.
	ErrUnknownCodec = errors.New("proto: unknown codec")
	// ErrMalformedFrame is returned when a frame body cannot be decoded.
	ErrMalformedFrame = errors.New("proto: malformed frame")
)

// Codec serializes frame bodies. Implementations must be safe for concurrent use.
type Codec interface {
	// Name is the value advertised under metadata.KeyCodecType.
	Name() string
	// Marshal appends the encoded frame body to dst.
	Marshal(dst []byte, f *Frame) ([]byte, error)
	// Unmarshal decodes a frame body. The frame must not retain data.
	Unmarshal(data []byte, f *Frame) error
}

// CodecRegistry maps codec names to codecs.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewCodecRegistry creates a registry holding the given codecs.
func NewCodecRegistry(codecs ...Codec) *CodecRegistry {
	r := &CodecRegistry{codecs: make(map[string]Codec, len(codecs))}
	for _, c := range codecs {
		r.Register(c)
	}
	return r
}

// DefaultCodecs returns a registry with the protobuf and JSON codecs.
func DefaultCodecs() *CodecRegistry {
	return NewCodecRegistry(ProtobufCodec{}, JSONCodec{})
}

// Register adds or replaces a codec.
func (r *CodecRegistry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[c.Name()] = c
}

// Lookup returns the codec registered under name.
func (r *CodecRegistry) Lookup(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c, nil
}

// Bootstrap returns the codec every connection starts with.
func (r *CodecRegistry) Bootstrap() (Codec, error) {
	return r.Lookup(metadata.DefaultCodec)
}

// Names returns the registered codec names, sorted.
func (r *CodecRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
