package rpc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"gosuda.org/ivory/rpc/metadata"
	"gosuda.org/ivory/rpc/proto"
	"gosuda.org/ivory/rpc/utils/pool"
)

// Connection frames a byte stream. ReadFrame must be called from a single
// goroutine; WriteFrame, Flush and Send may be called concurrently.
//
// Codecs are negotiated per direction. Both directions start with the
// bootstrap codec. Once an inbound frame advertises a registered codec, the
// following inbound frames are decoded with it; once an outbound frame
// advertising a codec has been written, the following outbound frames are
// encoded with it.
type Connection struct {
	conn         net.Conn
	codecs       *proto.CodecRegistry
	maxFrameSize int

	// read side, owned by the reader
	rbuf      []byte
	r, w      int
	want      int
	eof       bool
	readCodec proto.Codec
	peerCodec atomic.Value

	wmu        sync.Mutex
	bw         *bufio.Writer
	writeCodec proto.Codec
}

// NewConnection wraps conn. maxFrameSize bounds frame bodies in both
// directions; zero means unbounded.
func NewConnection(conn net.Conn, codecs *proto.CodecRegistry, maxFrameSize int) (*Connection, error) {
	bootstrap, err := codecs.Bootstrap()
	if err != nil {
		return nil, fmt.Errorf("bootstrap codec: %w", err)
	}
	c := &Connection{
		conn:         conn,
		codecs:       codecs,
		maxFrameSize: maxFrameSize,
		rbuf:         make([]byte, pool.InitialReadBuffer),
		readCodec:    bootstrap,
		bw:           bufio.NewWriterSize(conn, pool.InitialReadBuffer),
		writeCodec:   bootstrap,
	}
	c.peerCodec.Store(bootstrap.Name())
	return c, nil
}

// ReadFrame returns the next complete frame. It returns io.EOF when the peer
// closed the stream between frames and proto.ErrTruncatedFrame when it closed
// inside one.
func (c *Connection) ReadFrame() (*proto.Frame, error) {
	for {
		f, err := c.parseFrame()
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
		if c.eof {
			if c.r == c.w {
				return nil, io.EOF
			}
			return nil, proto.ErrTruncatedFrame
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// parseFrame decodes one frame from the buffered bytes, or returns nil when
// more bytes are needed.
func (c *Connection) parseFrame() (*proto.Frame, error) {
	buffered := c.rbuf[c.r:c.w]
	n := proto.FrameLen(buffered)
	if n == 0 {
		c.want = proto.HeaderLen
		return nil, nil
	}
	if c.maxFrameSize > 0 && n-proto.HeaderLen > c.maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", proto.ErrFrameTooLarge, n-proto.HeaderLen, c.maxFrameSize)
	}
	if len(buffered) < n {
		c.want = n
		return nil, nil
	}

	f, err := proto.DecodeFrame(buffered[proto.HeaderLen:n], c.readCodec)
	if err != nil {
		return nil, err
	}
	c.r += n
	if c.r == c.w {
		c.r, c.w = 0, 0
	}
	c.want = 0

	if name, ok := metadata.AdvertisedCodec(f.Metadata); ok && name != c.readCodec.Name() {
		if codec, err := c.codecs.Lookup(name); err == nil {
			c.readCodec = codec
			c.peerCodec.Store(name)
		}
	}
	return f, nil
}

func (c *Connection) fill() error {
	if c.r > 0 {
		n := copy(c.rbuf, c.rbuf[c.r:c.w])
		c.r, c.w = 0, n
	}
	need := max(c.want, c.w+1)
	c.rbuf = pool.Grow(c.rbuf, c.w, need)

	n, err := c.conn.Read(c.rbuf[c.w:])
	c.w += n
	if err != nil {
		if errors.Is(err, io.EOF) {
			c.eof = true
			return nil
		}
		return err
	}
	return nil
}

// PeerCodec returns the codec the peer currently encodes with.
func (c *Connection) PeerCodec() string {
	return c.peerCodec.Load().(string)
}

// WriteFrame encodes f into the write buffer without flushing it.
func (c *Connection) WriteFrame(f *proto.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writeFrame(f)
}

func (c *Connection) writeFrame(f *proto.Frame) error {
	buf := pool.Get()
	defer pool.Put(buf)

	b, err := proto.AppendFrame(buf.B[:0], c.writeCodec, f)
	buf.B = b
	if err != nil {
		return err
	}
	if body := len(b) - proto.HeaderLen; c.maxFrameSize > 0 && body > c.maxFrameSize {
		return fmt.Errorf("%w: %d bytes, limit %d", proto.ErrFrameTooLarge, body, c.maxFrameSize)
	}
	if _, err := c.bw.Write(b); err != nil {
		return err
	}

	if name, ok := metadata.AdvertisedCodec(f.Metadata); ok && name != c.writeCodec.Name() {
		if codec, err := c.codecs.Lookup(name); err == nil {
			c.writeCodec = codec
		}
	}
	return nil
}

// Flush writes buffered frames to the stream.
func (c *Connection) Flush() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.bw.Flush()
}

// Send writes and flushes f.
func (c *Connection) Send(f *proto.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.writeFrame(f); err != nil {
		return err
	}
	return c.bw.Flush()
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying stream.
func (c *Connection) Close() error {
	return c.conn.Close()
}
