package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"gosuda.org/ivory/rpc/compress"
	"gosuda.org/ivory/rpc/metadata"
	"gosuda.org/ivory/rpc/proto"
)

type clientOptions struct {
	codec        string
	compression  string
	codecs       *proto.CodecRegistry
	compressors  *compress.Registry
	maxFrameSize int
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// WithCodec selects the codec advertised on outgoing frames.
func WithCodec(name string) ClientOption {
	return func(o *clientOptions) { o.codec = name }
}

// WithCompression selects the payload compression of outgoing frames.
func WithCompression(name string) ClientOption {
	return func(o *clientOptions) { o.compression = name }
}

func WithCodecs(r *proto.CodecRegistry) ClientOption {
	return func(o *clientOptions) { o.codecs = r }
}

func WithCompressors(r *compress.Registry) ClientOption {
	return func(o *clientOptions) { o.compressors = r }
}

func WithMaxFrameSize(n int) ClientOption {
	return func(o *clientOptions) { o.maxFrameSize = n }
}

// Reply is a successful or status-carrying response.
type Reply struct {
	Metadata metadata.MD
	Payload  []byte
	Status   uint32
	Message  string
}

// Client multiplexes calls over one connection. It is safe for concurrent use.
type Client struct {
	conn        *Connection
	codec       string
	compression compress.Compressor
	compressors *compress.Registry

	nextSeq atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *proto.Frame
	pongs   []chan struct{}
	err     error
	done    chan struct{}
	readerr chan struct{}
}

// Dial connects to a server over TCP.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, err := NewClient(conn, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient runs the client protocol over an established stream.
func NewClient(conn net.Conn, opts ...ClientOption) (*Client, error) {
	o := clientOptions{
		codec:       metadata.DefaultCodec,
		compression: metadata.DefaultCompression,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.codecs == nil {
		o.codecs = proto.DefaultCodecs()
	}
	if o.compressors == nil {
		o.compressors = compress.Default()
	}
	if _, err := o.codecs.Lookup(o.codec); err != nil {
		return nil, err
	}
	comp, err := o.compressors.Lookup(o.compression)
	if err != nil {
		return nil, err
	}

	framed, err := NewConnection(conn, o.codecs, o.maxFrameSize)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:        framed,
		codec:       o.codec,
		compression: comp,
		compressors: o.compressors,
		pending:     make(map[int64]chan *proto.Frame),
		done:        make(chan struct{}),
		readerr:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call sends a request and waits for its response. A response with a
// non-zero status is returned together with a *StatusError; an error frame
// yields only the *StatusError.
func (c *Client) Call(ctx context.Context, servicePath string, payload []byte, md metadata.MD) (*Reply, error) {
	body, err := compress.Encode(c.compression, payload)
	if err != nil {
		return nil, err
	}

	seq := c.nextSeq.Add(1)
	f := proto.NewRequest(seq, servicePath, body, md)
	f.Metadata = metadata.WithCodec(f.Metadata, c.codec)
	f.Metadata = metadata.WithCompression(f.Metadata, c.compression.Name())

	ch := make(chan *proto.Frame, 1)
	if err := c.register(seq, ch); err != nil {
		return nil, err
	}
	if err := c.conn.Send(f); err != nil {
		c.unregister(seq)
		return nil, c.fail(err)
	}

	select {
	case resp := <-ch:
		return c.reply(resp)
	case <-ctx.Done():
		c.unregister(seq)
		return nil, ctx.Err()
	case <-c.done:
		select {
		case resp := <-ch:
			return c.reply(resp)
		default:
		}
		return nil, c.closedErr()
	}
}

func (c *Client) reply(f *proto.Frame) (*Reply, error) {
	if f.Kind == metadata.KindError {
		return nil, &StatusError{Code: f.StatusCode, Message: f.StatusMessage}
	}
	comp, err := c.compressors.Lookup(metadata.Compression(f.Metadata))
	if err != nil {
		return nil, err
	}
	payload, err := compress.Decode(comp, f.Payload)
	if err != nil {
		return nil, err
	}
	r := &Reply{
		Metadata: f.Metadata,
		Payload:  payload,
		Status:   f.StatusCode,
		Message:  f.StatusMessage,
	}
	if f.StatusCode != proto.StatusOK {
		return r, &StatusError{Code: f.StatusCode, Message: f.StatusMessage}
	}
	return r, nil
}

// Notify sends a notification. The server never answers it.
func (c *Client) Notify(servicePath string, payload []byte, md metadata.MD) error {
	body, err := compress.Encode(c.compression, payload)
	if err != nil {
		return err
	}
	f := proto.NewNotify(servicePath, body, md)
	f.Metadata = metadata.WithCodec(f.Metadata, c.codec)
	f.Metadata = metadata.WithCompression(f.Metadata, c.compression.Name())

	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	if err := c.conn.Send(f); err != nil {
		return c.fail(err)
	}
	return nil
}

// Ping sends a ping and returns the round trip time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return 0, c.closedErr()
	}
	c.pongs = append(c.pongs, ch)
	c.mu.Unlock()

	f := proto.NewPing(nil)
	f.Metadata = metadata.WithCodec(f.Metadata, c.codec)

	started := time.Now()
	if err := c.conn.Send(f); err != nil {
		return 0, c.fail(err)
	}
	select {
	case <-ch:
		return time.Since(started), nil
	case <-ctx.Done():
		c.mu.Lock()
		if i := slices.Index(c.pongs, ch); i >= 0 {
			c.pongs = slices.Delete(c.pongs, i, i+1)
		}
		c.mu.Unlock()
		return 0, ctx.Err()
	case <-c.done:
		return 0, c.closedErr()
	}
}

// Close closes the connection and waits for the reader to exit.
func (c *Client) Close() error {
	c.fail(ErrClientClosed)
	err := c.conn.Close()
	<-c.readerr
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Done is closed once the client can no longer be used.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) register(seq int64, ch chan *proto.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.pending[seq] = ch
	return nil
}

func (c *Client) unregister(seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, seq)
}

func (c *Client) readLoop() {
	defer close(c.readerr)
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrClientClosed
			}
			c.fail(err)
			return
		}

		switch f.Kind {
		case metadata.KindResponse, metadata.KindError:
			c.mu.Lock()
			ch, ok := c.pending[f.SeqID]
			delete(c.pending, f.SeqID)
			c.mu.Unlock()
			if !ok {
				log.Debug().Int64("seq_id", f.SeqID).Str("kind", f.Kind.String()).Msg("[client] dropping unmatched frame")
				continue
			}
			ch <- f

		case metadata.KindPong:
			c.mu.Lock()
			if len(c.pongs) > 0 {
				ch := c.pongs[0]
				c.pongs = c.pongs[1:]
				ch <- struct{}{}
			}
			c.mu.Unlock()

		case metadata.KindPing:
			pong := proto.NewPong(nil)
			pong.Metadata = metadata.WithCodec(pong.Metadata, c.codec)
			if err := c.conn.Send(pong); err != nil {
				c.fail(err)
				return
			}

		default:
			log.Debug().Str("kind", f.Kind.String()).Msg("[client] ignoring frame")
		}
	}
}

// fail marks the client unusable and returns the first recorded error.
func (c *Client) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
		close(c.done)
	}
	return c.err
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(c.err, ErrClientClosed) {
		return ErrClientClosed
	}
	return fmt.Errorf("%w: %w", ErrClientClosed, c.err)
}
