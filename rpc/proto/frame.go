// Package proto defines the RPC frame, its length-prefixed wire layout and
// the codecs that serialize frame bodies.
package proto

import (
	"gosuda.org/ivory/rpc/metadata"
)

// PingSeqID is the reserved seq_id carried by ping and pong frames.
const PingSeqID int64 = -1

// Status codes carried by response and error frames.
const (
	StatusOK              uint32 = 0x00
	StatusNotFound        uint32 = 0x01
	StatusInvalidArgument uint32 = 0x02
	StatusInternal        uint32 = 0x03
	StatusUnavailable     uint32 = 0x04
	StatusProtocolError   uint32 = 0x05
	StatusUnsupported     uint32 = 0x06
)

// Frame is one self-contained protocol message.
type Frame struct {
	Kind metadata.Kind

	// ServicePath is set on requests and notifications.
	ServicePath string

	// StatusCode and StatusMessage are set on responses and errors.
	StatusCode    uint32
	StatusMessage string

	Metadata metadata.MD
	Payload  []byte
	SeqID    int64
}

// NewRequest builds a request frame. md is copied and stamped with the message kind.
func NewRequest(seqID int64, servicePath string, payload []byte, md metadata.MD) *Frame {
	return &Frame{
		Kind:        metadata.KindRequest,
		ServicePath: servicePath,
		Metadata:    metadata.Stamp(md, metadata.KindRequest, "", ""),
		Payload:     payload,
		SeqID:       seqID,
	}
}

// NewNotify builds a notification frame; notifications are never answered.
func NewNotify(servicePath string, payload []byte, md metadata.MD) *Frame {
	return &Frame{
		Kind:        metadata.KindNotify,
		ServicePath: servicePath,
		Metadata:    metadata.Stamp(md, metadata.KindNotify, "", ""),
		Payload:     payload,
	}
}

// NewResponse builds a response frame tagged with the request's seq_id.
func NewResponse(seqID int64, code uint32, message string, payload []byte, md metadata.MD) *Frame {
	return &Frame{
		Kind:          metadata.KindResponse,
		StatusCode:    code,
		StatusMessage: message,
		Metadata:      metadata.Stamp(md, metadata.KindResponse, "", ""),
		Payload:       payload,
		SeqID:         seqID,
	}
}

// NewError builds an error frame for a failing frame whose seq_id is known.
func NewError(seqID int64, code uint32, message string, md metadata.MD) *Frame {
	return &Frame{
		Kind:          metadata.KindError,
		StatusCode:    code,
		StatusMessage: message,
		Metadata:      metadata.Stamp(md, metadata.KindError, "", ""),
		SeqID:         seqID,
	}
}

// NewPing builds a ping frame.
func NewPing(md metadata.MD) *Frame {
	return &Frame{
		Kind:     metadata.KindPing,
		Metadata: metadata.Stamp(md, metadata.KindPing, "", ""),
		SeqID:    PingSeqID,
	}
}

// NewPong builds the answer to a ping.
func NewPong(md metadata.MD) *Frame {
	return &Frame{
		Kind:     metadata.KindPong,
		Metadata: metadata.Stamp(md, metadata.KindPong, "", ""),
		SeqID:    PingSeqID,
	}
}

// resolveKind fills Kind from the decoded metadata. A missing or unknown
// kind leaves KindUnknown; the session decides how to treat it.
func (f *Frame) resolveKind() {
	k, err := metadata.MessageKind(f.Metadata)
	if err != nil {
		f.Kind = metadata.KindUnknown
		return
	}
	f.Kind = k
}

// wireMetadata returns the metadata that goes on the wire: the frame's map with
// the message kind of f.Kind stamped over it when the kind is known.
func (f *Frame) wireMetadata() metadata.MD {
	if f.Kind == metadata.KindUnknown {
		return f.Metadata
	}
	if v, ok := f.Metadata[metadata.KeyMsgType]; ok && v == f.Kind.String() {
		return f.Metadata
	}
	return metadata.WithMessageKind(f.Metadata.Clone(), f.Kind)
}
