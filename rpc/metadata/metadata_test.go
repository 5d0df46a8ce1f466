package metadata

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageKind(t *testing.T) {
	tests := []struct {
		name    string
		md      MD
		want    Kind
		wantErr bool
	}{
		{"request", MD{KeyMsgType: "msg.request"}, KindRequest, false},
		{"response", MD{KeyMsgType: "msg.response"}, KindResponse, false},
		{"error", MD{KeyMsgType: "msg.error"}, KindError, false},
		{"notify", MD{KeyMsgType: "msg.notify"}, KindNotify, false},
		{"ping", MD{KeyMsgType: "msg.ping"}, KindPing, false},
		{"pong", MD{KeyMsgType: "msg.pong"}, KindPong, false},
		{"missing", MD{"x-trace": "1"}, KindUnknown, true},
		{"nil", nil, KindUnknown, true},
		{"unrecognized", MD{KeyMsgType: "msg.bogus"}, KindUnknown, true},
		{"empty value", MD{KeyMsgType: ""}, KindUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MessageKind(tt.md)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedMetadata))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCodecAndCompressionDefaults(t *testing.T) {
	assert.Equal(t, CodecProtobuf, Codec(nil))
	assert.Equal(t, CodecProtobuf, Codec(MD{KeyCodecType: ""}))
	assert.Equal(t, CodecJSON, Codec(MD{KeyCodecType: CodecJSON}))

	assert.Equal(t, CompressNone, Compression(MD{}))
	assert.Equal(t, CompressGzip, Compression(MD{KeyCompressType: CompressGzip}))

	_, ok := AdvertisedCodec(MD{})
	assert.False(t, ok)
	name, ok := AdvertisedCodec(MD{KeyCodecType: CodecJSON})
	assert.True(t, ok)
	assert.Equal(t, CodecJSON, name)
}

func TestStampPreservesCustomKeys(t *testing.T) {
	custom := MD{
		"x-trace-id": "abc",
		KeyMsgType:   "msg.request",
	}

	md := Stamp(custom, KindResponse, CodecJSON, CompressGzip)

	assert.Equal(t, "abc", md["x-trace-id"])
	assert.Equal(t, "msg.response", md[KeyMsgType])
	assert.Equal(t, CodecJSON, md[KeyCodecType])
	assert.Equal(t, CompressGzip, md[KeyCompressType])

	// the caller's map is untouched
	assert.Equal(t, "msg.request", custom[KeyMsgType])
	_, ok := custom[KeyCodecType]
	assert.False(t, ok)
}

func TestStampSkipsEmptyNames(t *testing.T) {
	md := Stamp(nil, KindPong, "", "")
	assert.Equal(t, MD{KeyMsgType: "msg.pong"}, md)
}

func TestWithHelpersAllocate(t *testing.T) {
	md := WithMessageKind(nil, KindPing)
	require.NotNil(t, md)
	assert.Equal(t, "msg.ping", md[KeyMsgType])

	md = WithCodec(md, CodecJSON)
	md = WithCompression(md, CompressZstd)
	assert.Len(t, md, 3)
}

func TestCustom(t *testing.T) {
	md := MD{
		KeyMsgType:      "msg.request",
		KeyCodecType:    CodecJSON,
		KeyCompressType: CompressNone,
		"tenant":        "t1",
	}
	assert.Equal(t, MD{"tenant": "t1"}, md.Custom())
}

func TestKindString(t *testing.T) {
	for k := KindRequest; k <= KindPong; k++ {
		parsed, ok := ParseKind(k.String())
		require.True(t, ok, k.String())
		assert.Equal(t, k, parsed)
	}
	assert.Equal(t, "msg.unknown(0)", KindUnknown.String())
	_, ok := ParseKind("")
	assert.False(t, ok)
}
