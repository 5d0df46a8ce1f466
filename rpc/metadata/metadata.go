// Package metadata defines the reserved frame metadata keys and the pure
// negotiation helpers that resolve message kind, codec and compression from them.
package metadata

import (
	"errors"
	"fmt"
)

// Reserved metadata keys. The spellings are part of the wire contract.
const (
	KeyCompressType = "X-RPC-Compress-Type"
	KeyMsgType      = "X-RPC-Msg-Type"
	KeyCodecType    = "X-Rpc-Codec-Type"
)

// Codec names.
const (
	CodecJSON     = "codec.json"
	CodecProtobuf = "codec.protobuf"

	// DefaultCodec is used when a frame does not advertise a codec and is
	// also the bootstrap codec of every new connection.
	DefaultCodec = CodecProtobuf
)

// Compression names.
const (
	CompressNone   = "compress.none"
	CompressGzip   = "compress.gzip"
	CompressZstd   = "compress.zstd"
	CompressSnappy = "compress.snappy"
	CompressBrotli = "compress.brotli"

	DefaultCompression = CompressNone
)

// ErrMalformedMetadata is returned when the message kind is missing or unknown.
var ErrMalformedMetadata = errors.New("metadata: malformed metadata")

// MD is the string metadata map carried by every frame.
type MD map[string]string

// Kind is the message kind of a frame.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRequest
	KindResponse
	KindError
	KindNotify
	KindPing
	KindPong
)

var kindNames = [...]string{
	KindUnknown:  "",
	KindRequest:  "msg.request",
	KindResponse: "msg.response",
	KindError:    "msg.error",
	KindNotify:   "msg.notify",
	KindPing:     "msg.ping",
	KindPong:     "msg.pong",
}

// String returns the wire value of the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) && k != KindUnknown {
		return kindNames[k]
	}
	return fmt.Sprintf("msg.unknown(%d)", uint8(k))
}

// ParseKind maps a wire value to a Kind.
func ParseKind(s string) (Kind, bool) {
	for k := KindRequest; int(k) < len(kindNames); k++ {
		if kindNames[k] == s {
			return k, true
		}
	}
	return KindUnknown, false
}

// MessageKind resolves the message kind of a frame.
func MessageKind(md MD) (Kind, error) {
	v, ok := md[KeyMsgType]
	if !ok {
		return KindUnknown, fmt.Errorf("%w: missing %s", ErrMalformedMetadata, KeyMsgType)
	}
	k, ok := ParseKind(v)
	if !ok {
		return KindUnknown, fmt.Errorf("%w: unrecognized message kind %q", ErrMalformedMetadata, v)
	}
	return k, nil
}

// Codec resolves the codec name, falling back to DefaultCodec.
func Codec(md MD) string {
	if v, ok := AdvertisedCodec(md); ok {
		return v
	}
	return DefaultCodec
}

// AdvertisedCodec reports the codec named by the metadata, if any.
func AdvertisedCodec(md MD) (string, bool) {
	v := md[KeyCodecType]
	return v, v != ""
}

// Compression resolves the compression name, falling back to DefaultCompression.
func Compression(md MD) string {
	if v := md[KeyCompressType]; v != "" {
		return v
	}
	return DefaultCompression
}

// IsReserved reports whether key is one of the reserved keys.
func IsReserved(key string) bool {
	switch key {
	case KeyMsgType, KeyCodecType, KeyCompressType:
		return true
	}
	return false
}

// WithMessageKind stamps the message kind onto md and returns it.
// A nil md is allocated.
func WithMessageKind(md MD, k Kind) MD {
	return set(md, KeyMsgType, k.String())
}

// WithCodec stamps the codec name onto md and returns it.
func WithCodec(md MD, name string) MD {
	return set(md, KeyCodecType, name)
}

// WithCompression stamps the compression name onto md and returns it.
func WithCompression(md MD, name string) MD {
	return set(md, KeyCompressType, name)
}

// Stamp returns a copy of custom with the reserved keys set. Reserved keys
// already present in custom are replaced; every other key is preserved.
// Empty codec or compression names are left unset.
func Stamp(custom MD, k Kind, codec, compression string) MD {
	md := custom.Clone()
	md = WithMessageKind(md, k)
	if codec != "" {
		md = WithCodec(md, codec)
	}
	if compression != "" {
		md = WithCompression(md, compression)
	}
	return md
}

// Clone returns a shallow copy; the copy of a nil MD is an empty MD.
func (md MD) Clone() MD {
	out := make(MD, len(md)+3)
	for k, v := range md {
		out[k] = v
	}
	return out
}

// Custom returns a copy of md without the reserved keys.
func (md MD) Custom() MD {
	out := make(MD, len(md))
	for k, v := range md {
		if !IsReserved(k) {
			out[k] = v
		}
	}
	return out
}

func set(md MD, key, value string) MD {
	if md == nil {
		md = make(MD, 3)
	}
	md[key] = value
	return md
}
