// Package compress provides the payload compression registry. Compression is
// selected per frame through the metadata.KeyCompressType key.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"

	"gosuda.org/ivory/rpc/metadata"
)

var (
	// ErrUnknownCompression is returned when a compression name is not registered.
	ErrUnknownCompression = errors.New("compress: unknown compression")
	// ErrCorruptPayload is returned when a payload fails to decompress.
	ErrCorruptPayload = errors.New("compress: corrupt payload")
)

// Compressor compresses and decompresses frame payloads.
// Implementations must be safe for concurrent use.
type Compressor interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// Registry maps compression names to compressors.
type Registry struct {
	mu    sync.RWMutex
	comps map[string]Compressor
}

// NewRegistry creates a registry holding the given compressors. The identity
// compressor is always present.
func NewRegistry(comps ...Compressor) *Registry {
	r := &Registry{comps: map[string]Compressor{metadata.CompressNone: None{}}}
	for _, c := range comps {
		r.Register(c)
	}
	return r
}

// Default returns a registry with every built-in compressor.
func Default() *Registry {
	return NewRegistry(Gzip{}, &Zstd{}, Snappy{}, Brotli{})
}

// Register adds or replaces a compressor.
func (r *Registry) Register(c Compressor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comps[c.Name()] = c
}

// Lookup returns the compressor registered under name.
func (r *Registry) Lookup(name string) (Compressor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.comps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
	return c, nil
}

// Names returns the registered compression names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.comps))
	for name := range r.comps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// None passes payloads through unchanged.
type None struct{}

func (None) Name() string                          { return metadata.CompressNone }
func (None) Compress(src []byte) ([]byte, error)   { return src, nil }
func (None) Decompress(src []byte) ([]byte, error) { return src, nil }

// Gzip implements compress.gzip.
type Gzip struct{}

var gzipWriters = sync.Pool{New: func() any { return gzip.NewWriter(io.Discard) }}

func (Gzip) Name() string { return metadata.CompressGzip }

func (Gzip) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(w)
	w.Reset(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Gzip) Decompress(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, corrupt(err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, corrupt(err)
	}
	return out, nil
}

// Zstd implements compress.zstd. The zero value is ready to use.
type Zstd struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func (*Zstd) Name() string { return metadata.CompressZstd }

func (z *Zstd) init() error {
	z.once.Do(func() {
		z.enc, z.err = zstd.NewWriter(nil)
		if z.err != nil {
			return
		}
		z.dec, z.err = zstd.NewReader(nil)
	})
	return z.err
}

func (z *Zstd) Compress(src []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	return z.enc.EncodeAll(src, nil), nil
}

func (z *Zstd) Decompress(src []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	out, err := z.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, corrupt(err)
	}
	return out, nil
}

// Snappy implements compress.snappy (block format).
type Snappy struct{}

func (Snappy) Name() string { return metadata.CompressSnappy }

func (Snappy) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (Snappy) Decompress(src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, corrupt(err)
	}
	return out, nil
}

// Brotli implements compress.brotli.
type Brotli struct{}

func (Brotli) Name() string { return metadata.CompressBrotli }

func (Brotli) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Brotli) Decompress(src []byte) ([]byte, error) {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(src)))
	if err != nil {
		return nil, corrupt(err)
	}
	return out, nil
}

func corrupt(err error) error {
	return fmt.Errorf("%w: %v", ErrCorruptPayload, err)
}

// Encode compresses a frame payload with c. Empty payloads are never compressed.
func Encode(c Compressor, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	return c.Compress(payload)
}

// Decode reverses Encode.
func Decode(c Compressor, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	return c.Decompress(payload)
}
