package proto

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"gosuda.org/ivory/rpc/metadata"
)

// Field numbers of the binary frame schema. Fields 1-4 keep the layout of the
// request message; response status fields follow.
//
//	message Frame {
//	  string              service_path   = 1;
//	  map<string, string> metadata       = 2;
//	  bytes               payload        = 3;
//	  int64               seq_id         = 4;
//	  uint32              status_code    = 5;
//	  string              status_message = 6;
//	}
const (
	fieldServicePath   protowire.Number = 1
	fieldMetadata      protowire.Number = 2
	fieldPayload       protowire.Number = 3
	fieldSeqID         protowire.Number = 4
	fieldStatusCode    protowire.Number = 5
	fieldStatusMessage protowire.Number = 6

	fieldMapKey   protowire.Number = 1
	fieldMapValue protowire.Number = 2
)

// ProtobufCodec encodes frames in protobuf wire format. It is the bootstrap codec.
type ProtobufCodec struct{}

var _ Codec = ProtobufCodec{}

func (ProtobufCodec) Name() string { return metadata.CodecProtobuf }

func (ProtobufCodec) Marshal(dst []byte, f *Frame) ([]byte, error) {
	if f.ServicePath != "" {
		dst = protowire.AppendTag(dst, fieldServicePath, protowire.BytesType)
		dst = protowire.AppendString(dst, f.ServicePath)
	}

	md := f.wireMetadata()
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := md[k]
		entryLen := protowire.SizeTag(fieldMapKey) + protowire.SizeBytes(len(k)) +
			protowire.SizeTag(fieldMapValue) + protowire.SizeBytes(len(v))
		dst = protowire.AppendTag(dst, fieldMetadata, protowire.BytesType)
		dst = protowire.AppendVarint(dst, uint64(entryLen))
		dst = protowire.AppendTag(dst, fieldMapKey, protowire.BytesType)
		dst = protowire.AppendString(dst, k)
		dst = protowire.AppendTag(dst, fieldMapValue, protowire.BytesType)
		dst = protowire.AppendString(dst, v)
	}

	if len(f.Payload) > 0 {
		dst = protowire.AppendTag(dst, fieldPayload, protowire.BytesType)
		dst = protowire.AppendBytes(dst, f.Payload)
	}
	if f.SeqID != 0 {
		dst = protowire.AppendTag(dst, fieldSeqID, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(f.SeqID))
	}
	if f.StatusCode != 0 {
		dst = protowire.AppendTag(dst, fieldStatusCode, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(f.StatusCode))
	}
	if f.StatusMessage != "" {
		dst = protowire.AppendTag(dst, fieldStatusMessage, protowire.BytesType)
		dst = protowire.AppendString(dst, f.StatusMessage)
	}
	return dst, nil
}

func (ProtobufCodec) Unmarshal(data []byte, f *Frame) error {
	*f = Frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return malformed(protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldServicePath && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return malformed(protowire.ParseError(n))
			}
			f.ServicePath = v
			data = data[n:]
		case num == fieldMetadata && typ == protowire.BytesType:
			entry, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return malformed(protowire.ParseError(n))
			}
			k, v, err := unmarshalMapEntry(entry)
			if err != nil {
				return err
			}
			if f.Metadata == nil {
				f.Metadata = make(metadata.MD)
			}
			f.Metadata[k] = v
			data = data[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return malformed(protowire.ParseError(n))
			}
			if len(v) > 0 {
				f.Payload = append([]byte(nil), v...)
			}
			data = data[n:]
		case num == fieldSeqID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return malformed(protowire.ParseError(n))
			}
			f.SeqID = int64(v)
			data = data[n:]
		case num == fieldStatusCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return malformed(protowire.ParseError(n))
			}
			f.StatusCode = uint32(v)
			data = data[n:]
		case num == fieldStatusMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return malformed(protowire.ParseError(n))
			}
			f.StatusMessage = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return malformed(protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	f.resolveKind()
	return nil
}

func unmarshalMapEntry(data []byte) (key, value string, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", "", malformed(protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType || (num != fieldMapKey && num != fieldMapValue) {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", "", malformed(protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeString(data)
		if n < 0 {
			return "", "", malformed(protowire.ParseError(n))
		}
		if num == fieldMapKey {
			key = v
		} else {
			value = v
		}
		data = data[n:]
	}
	return key, value, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
}
