package compress

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosuda.org/ivory/rpc/metadata"
)

func TestRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"small":      []byte("hi"),
		"repetitive": bytes.Repeat([]byte("ivory "), 4096),
		"binary":     {0x00, 0x01, 0xfe, 0xff, 0x00},
	}

	r := Default()
	for _, name := range r.Names() {
		c, err := r.Lookup(name)
		require.NoError(t, err)

		for label, payload := range payloads {
			t.Run(name+"/"+label, func(t *testing.T) {
				packed, err := Encode(c, payload)
				require.NoError(t, err)

				unpacked, err := Decode(c, packed)
				require.NoError(t, err)
				assert.Equal(t, payload, unpacked)
			})
		}
	}
}

func TestCompressionShrinksRepetitivePayload(t *testing.T) {
	payload := []byte(strings.Repeat("abcdefgh", 8192))
	for _, c := range []Compressor{Gzip{}, &Zstd{}, Snappy{}, Brotli{}} {
		packed, err := c.Compress(payload)
		require.NoError(t, err, c.Name())
		assert.Less(t, len(packed), len(payload)/4, c.Name())
	}
}

func TestEmptyPayloadIsNotCompressed(t *testing.T) {
	for _, c := range []Compressor{Gzip{}, &Zstd{}, Snappy{}, Brotli{}} {
		packed, err := Encode(c, nil)
		require.NoError(t, err)
		assert.Empty(t, packed)

		unpacked, err := Decode(c, nil)
		require.NoError(t, err)
		assert.Empty(t, unpacked)
	}
}

func TestCorruptPayload(t *testing.T) {
	payload := bytes.Repeat([]byte("truncate me please "), 1024)
	for _, c := range []Compressor{Gzip{}, &Zstd{}, Snappy{}, Brotli{}} {
		packed, err := c.Compress(payload)
		require.NoError(t, err, c.Name())

		_, err = c.Decompress(packed[:len(packed)/2])
		require.Error(t, err, c.Name())
		assert.True(t, errors.Is(err, ErrCorruptPayload), c.Name())
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{metadata.CompressNone}, r.Names())

	_, err := r.Lookup(metadata.CompressGzip)
	assert.True(t, errors.Is(err, ErrUnknownCompression))

	r.Register(Gzip{})
	c, err := r.Lookup(metadata.CompressGzip)
	require.NoError(t, err)
	assert.Equal(t, metadata.CompressGzip, c.Name())

	assert.Equal(t, []string{
		metadata.CompressBrotli,
		metadata.CompressGzip,
		metadata.CompressNone,
		metadata.CompressSnappy,
		metadata.CompressZstd,
	}, Default().Names())
}

func TestConcurrentUse(t *testing.T) {
	payload := bytes.Repeat([]byte("concurrent"), 512)
	comps := []Compressor{Gzip{}, &Zstd{}, Snappy{}, Brotli{}}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 16; i++ {
		for _, c := range comps {
			wg.Add(1)
			go func(c Compressor) {
				defer wg.Done()
				packed, err := c.Compress(payload)
				if err != nil {
					errs <- err
					return
				}
				out, err := c.Decompress(packed)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(out, payload) {
					errs <- errors.New(c.Name() + ": mismatch")
				}
			}(c)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
