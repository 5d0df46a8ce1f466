package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gosuda.org/ivory/rpc/metadata"
)

// JSONCodec encodes frames as JSON objects. Payloads are base64 strings.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

type jsonFrame struct {
	ServicePath   string            `json:"service_path,omitempty"`
	StatusCode    uint32            `json:"status_code,omitempty"`
	StatusMessage string            `json:"status_message,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	SeqID         int64             `json:"seq_id"`
}

func (JSONCodec) Name() string { return metadata.CodecJSON }

func (JSONCodec) Marshal(dst []byte, f *Frame) ([]byte, error) {
	b, err := json.Marshal(jsonFrame{
		ServicePath:   f.ServicePath,
		StatusCode:    f.StatusCode,
		StatusMessage: f.StatusMessage,
		Metadata:      f.wireMetadata(),
		Payload:       f.Payload,
		SeqID:         f.SeqID,
	})
	if err != nil {
		return dst, err
	}
	return append(dst, b...), nil
}

// Unmarshal ignores unknown object fields but rejects anything after the
// object.
func (JSONCodec) Unmarshal(data []byte, f *Frame) error {
	var jf jsonFrame
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&jf); err != nil {
		return malformed(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return malformed(fmt.Errorf("trailing data after frame object at offset %d", dec.InputOffset()))
	}
	*f = Frame{
		ServicePath:   jf.ServicePath,
		StatusCode:    jf.StatusCode,
		StatusMessage: jf.StatusMessage,
		Metadata:      jf.Metadata,
		Payload:       jf.Payload,
		SeqID:         jf.SeqID,
	}
	f.resolveKind()
	return nil
}
