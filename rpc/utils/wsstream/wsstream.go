// Package wsstream carries byte streams over WebSocket binary messages so
// that RPC connections can be served behind HTTP infrastructure.
package wsstream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type wsConn interface {
	NextReader() (messageType int, r io.Reader, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// WsStream is a net.Conn over a WebSocket. Every Write is sent as one binary
// message; reads continue across message boundaries.
type WsStream struct {
	Conn          wsConn
	currentReader io.Reader
	writeMu       sync.Mutex
	readMu        sync.Mutex
}

var _ net.Conn = (*WsStream)(nil)

func (g *WsStream) Read(p []byte) (n int, err error) {
	g.readMu.Lock()
	defer g.readMu.Unlock()
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if g.currentReader == nil {
			_, reader, err := g.Conn.NextReader()
			if err != nil {
				return 0, closeToEOF(err)
			}
			g.currentReader = reader
		}

		n, err = g.currentReader.Read(p)
		if err == io.EOF {
			g.currentReader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, closeToEOF(err)
	}
}

func (g *WsStream) Write(p []byte) (n int, err error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := g.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, closeToEOF(err)
	}
	return len(p), nil
}

func (g *WsStream) Close() error {
	return g.Conn.Close()
}

func (g *WsStream) LocalAddr() net.Addr  { return g.Conn.LocalAddr() }
func (g *WsStream) RemoteAddr() net.Addr { return g.Conn.RemoteAddr() }

func (g *WsStream) SetDeadline(t time.Time) error {
	return errors.Join(g.Conn.SetReadDeadline(t), g.Conn.SetWriteDeadline(t))
}

func (g *WsStream) SetReadDeadline(t time.Time) error  { return g.Conn.SetReadDeadline(t) }
func (g *WsStream) SetWriteDeadline(t time.Time) error { return g.Conn.SetWriteDeadline(t) }

func closeToEOF(err error) error {
	if err == nil {
		return nil
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) || strings.HasPrefix(err.Error(), "websocket: close ") {
		return io.EOF
	}
	return err
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Listener is a net.Listener fed by WebSocket upgrades. Mount it as an HTTP
// handler; every upgraded request becomes an accepted connection.
type Listener struct {
	addr   net.Addr
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

var _ net.Listener = (*Listener)(nil)

// NewListener creates a listener reporting addr as its address.
func NewListener(addr net.Addr) *Listener {
	return &Listener{
		addr:   addr,
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and blocks until the connection is
// accepted or the listener is closed.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	select {
	case <-l.closed:
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("[wsstream] websocket upgrade failed")
		return
	}

	stream := &WsStream{Conn: wsConn}
	select {
	case l.conns <- stream:
	case <-l.closed:
		_ = wsConn.Close()
	case <-r.Context().Done():
		_ = wsConn.Close()
	}
}

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Dial opens a WebSocket stream to url (ws:// or wss://).
func Dial(ctx context.Context, url string) (net.Conn, error) {
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &WsStream{Conn: wsConn}, nil
}
