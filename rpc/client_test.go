package rpc

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosuda.org/ivory/rpc/metadata"
)

func TestClientCodecsAndCompression(t *testing.T) {
	srv, _ := startServer(t, testServer())
	payload := bytes.Repeat([]byte("multiplexed "), 512)

	for _, codec := range []string{metadata.CodecProtobuf, metadata.CodecJSON} {
		for _, compression := range []string{
			metadata.CompressNone,
			metadata.CompressGzip,
			metadata.CompressZstd,
			metadata.CompressSnappy,
			metadata.CompressBrotli,
		} {
			t.Run(codec+"/"+compression, func(t *testing.T) {
				client := dialClient(t, srv, WithCodec(codec), WithCompression(compression))
				for range 3 {
					reply, err := client.Call(context.Background(), "Echo.Say", payload, metadata.MD{"k": "v"})
					require.NoError(t, err)
					assert.Equal(t, payload, reply.Payload)
					assert.Equal(t, "v", reply.Metadata["k"])
					assert.Equal(t, codec, reply.Metadata[metadata.KeyCodecType])
					assert.Equal(t, compression, reply.Metadata[metadata.KeyCompressType])
				}

				reply, err := client.Call(context.Background(), "Echo.Say", nil, nil)
				require.NoError(t, err)
				assert.Empty(t, reply.Payload)
			})
		}
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	srv, _ := startServer(t, testServer())
	client := dialClient(t, srv, WithCompression(metadata.CompressSnappy))

	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := []byte(fmt.Sprintf("call-%d", i))
			reply, err := client.Call(context.Background(), "Echo.Say", msg, nil)
			if assert.NoError(t, err) {
				assert.Equal(t, msg, reply.Payload)
			}
		}()
	}
	wg.Wait()
}

func TestClientCallContextCanceled(t *testing.T) {
	release := make(chan struct{})
	mux := newEchoMux()
	mux.HandleFunc("Slow.Wait", func(_ context.Context, req *Request) (*Response, error) {
		<-release
		return &Response{Payload: req.Payload}, nil
	})
	srv, _ := startServer(t, testServer().Dispatcher(mux))
	client := dialClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, "Slow.Wait", []byte("x"), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)

	// The late response is dropped and the client keeps working.
	reply, err := client.Call(context.Background(), "Echo.Say", []byte("y"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), reply.Payload)
}

func TestClientClose(t *testing.T) {
	srv, _ := startServer(t, testServer())
	client := dialClient(t, srv)

	rtt, err := client.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, rtt > 0)

	require.NoError(t, client.Close())
	_, err = client.Call(context.Background(), "Echo.Say", nil, nil)
	require.ErrorIs(t, err, ErrClientClosed)
	require.ErrorIs(t, client.Notify("Echo.Say", nil, nil), ErrClientClosed)
	_, err = client.Ping(context.Background())
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestClientRejectsUnknownOptions(t *testing.T) {
	srv, _ := startServer(t, testServer())
	ctx := context.Background()

	_, err := Dial(ctx, srv.Addr().String(), WithCodec("codec.msgpack"))
	require.Error(t, err)
	_, err = Dial(ctx, srv.Addr().String(), WithCompression("compress.lz4"))
	require.Error(t, err)
}
