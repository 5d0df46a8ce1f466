package rpc

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosuda.org/ivory/rpc/metadata"
	"gosuda.org/ivory/rpc/proto"
)

func newPipeConnections(t *testing.T, maxFrameSize int) (*Connection, *Connection) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	ca, err := NewConnection(a, proto.DefaultCodecs(), maxFrameSize)
	require.NoError(t, err)
	cb, err := NewConnection(b, proto.DefaultCodecs(), maxFrameSize)
	require.NoError(t, err)
	return ca, cb
}

func encodeFrame(t *testing.T, c proto.Codec, f *proto.Frame) []byte {
	t.Helper()
	b, err := proto.AppendFrame(nil, c, f)
	require.NoError(t, err)
	return b
}

func TestConnectionLargeFrame(t *testing.T) {
	client, server := newPipeConnections(t, 0)
	payload := bytes.Repeat([]byte("ivory"), 64*1024)

	go func() {
		_ = client.Send(proto.NewRequest(1, "Blob.Put", payload, nil))
	}()

	f, err := server.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, metadata.KindRequest, f.Kind)
	assert.Equal(t, "Blob.Put", f.ServicePath)
	assert.Equal(t, payload, f.Payload)
	assert.Greater(t, len(server.rbuf), len(payload))
}

func TestConnectionByteAtATime(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	conn, err := NewConnection(b, proto.DefaultCodecs(), 0)
	require.NoError(t, err)
	defer conn.Close()

	raw := encodeFrame(t, proto.ProtobufCodec{}, proto.NewRequest(9, "Echo.Say", []byte("hi"), nil))
	go func() {
		for i := range raw {
			if _, err := a.Write(raw[i : i+1]); err != nil {
				return
			}
		}
	}()

	f, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.EqualValues(t, 9, f.SeqID)
	assert.Equal(t, []byte("hi"), f.Payload)
}

func TestConnectionSeveralFramesInOneWrite(t *testing.T) {
	a, b := net.Pipe()
	conn, err := NewConnection(b, proto.DefaultCodecs(), 0)
	require.NoError(t, err)
	defer conn.Close()

	var raw []byte
	for seq := int64(1); seq <= 3; seq++ {
		raw = append(raw, encodeFrame(t, proto.ProtobufCodec{}, proto.NewRequest(seq, "Echo.Say", nil, nil))...)
	}
	go func() {
		_, _ = a.Write(raw)
		_ = a.Close()
	}()

	for seq := int64(1); seq <= 3; seq++ {
		f, err := conn.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, seq, f.SeqID)
	}
	_, err = conn.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestConnectionTruncated(t *testing.T) {
	a, b := net.Pipe()
	conn, err := NewConnection(b, proto.DefaultCodecs(), 0)
	require.NoError(t, err)
	defer conn.Close()

	raw := encodeFrame(t, proto.ProtobufCodec{}, proto.NewRequest(1, "Echo.Say", []byte("truncated"), nil))
	go func() {
		_, _ = a.Write(raw[:len(raw)/2])
		_ = a.Close()
	}()

	_, err = conn.ReadFrame()
	require.ErrorIs(t, err, proto.ErrTruncatedFrame)
}

func TestConnectionMalformedBody(t *testing.T) {
	a, b := net.Pipe()
	conn, err := NewConnection(b, proto.DefaultCodecs(), 0)
	require.NoError(t, err)
	defer conn.Close()

	body := []byte{0xff, 0xff, 0xff}
	raw := binary.BigEndian.AppendUint32(nil, uint32(len(body)))
	go func() {
		_, _ = a.Write(append(raw, body...))
		_ = a.Close()
	}()

	_, err = conn.ReadFrame()
	require.ErrorIs(t, err, proto.ErrMalformedFrame)
}

func TestConnectionMaxFrameSize(t *testing.T) {
	client, _ := newPipeConnections(t, 64)

	err := client.WriteFrame(proto.NewRequest(1, "Blob.Put", make([]byte, 128), nil))
	require.ErrorIs(t, err, proto.ErrFrameTooLarge)

	a, b := net.Pipe()
	defer a.Close()
	conn, err := NewConnection(b, proto.DefaultCodecs(), 64)
	require.NoError(t, err)
	defer conn.Close()
	go func() {
		_, _ = a.Write(binary.BigEndian.AppendUint32(nil, 1<<20))
	}()
	_, err = conn.ReadFrame()
	require.ErrorIs(t, err, proto.ErrFrameTooLarge)
}

func TestConnectionCodecNegotiation(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	writer, err := NewConnection(b, proto.DefaultCodecs(), 0)
	require.NoError(t, err)
	defer writer.Close()

	first := proto.NewRequest(1, "Echo.Say", []byte("one"), metadata.WithCodec(nil, metadata.CodecJSON))
	second := proto.NewRequest(2, "Echo.Say", []byte("two"), metadata.WithCodec(nil, metadata.CodecJSON))
	go func() {
		_ = writer.Send(first)
		_ = writer.Send(second)
	}()

	readBody := func() []byte {
		header := make([]byte, proto.HeaderLen)
		_, err := io.ReadFull(a, header)
		require.NoError(t, err)
		body := make([]byte, binary.BigEndian.Uint32(header))
		_, err = io.ReadFull(a, body)
		require.NoError(t, err)
		return body
	}

	// The advertising frame still goes out with the bootstrap codec.
	f, err := proto.DecodeFrame(readBody(), proto.ProtobufCodec{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.SeqID)

	body := readBody()
	require.NotEmpty(t, body)
	assert.Equal(t, byte('{'), body[0])
	f, err = proto.DecodeFrame(body, proto.JSONCodec{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.SeqID)
	assert.Equal(t, []byte("two"), f.Payload)
}

func TestConnectionReadSwitchesCodec(t *testing.T) {
	client, server := newPipeConnections(t, 0)
	assert.Equal(t, metadata.CodecProtobuf, server.PeerCodec())

	go func() {
		for seq := int64(1); seq <= 3; seq++ {
			_ = client.Send(proto.NewRequest(seq, "Echo.Say", []byte("x"), metadata.WithCodec(nil, metadata.CodecJSON)))
		}
	}()

	for seq := int64(1); seq <= 3; seq++ {
		f, err := server.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, seq, f.SeqID)
		assert.Equal(t, metadata.CodecJSON, server.PeerCodec())
	}
}

func TestConnectionUnknownCodecDoesNotSwitch(t *testing.T) {
	client, server := newPipeConnections(t, 0)
	go func() {
		_ = client.Send(proto.NewRequest(1, "Echo.Say", nil, metadata.WithCodec(nil, "codec.msgpack")))
		_ = client.Send(proto.NewRequest(2, "Echo.Say", nil, nil))
	}()

	for seq := int64(1); seq <= 2; seq++ {
		f, err := server.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, seq, f.SeqID)
	}
	assert.Equal(t, metadata.CodecProtobuf, server.PeerCodec())
}
