package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"gosuda.org/ivory/rpc/compress"
	"gosuda.org/ivory/rpc/metadata"
	"gosuda.org/ivory/rpc/proto"
)

const outboxSize = 64

// sessionConfig is the part of the server configuration sessions read.
type sessionConfig struct {
	dispatcher   Dispatcher
	observer     Observer
	codecs       *proto.CodecRegistry
	compressors  *compress.Registry
	maxFrameSize int
}

type readResult struct {
	f   *proto.Frame
	err error
}

// session serves one accepted connection until the peer leaves, the peer
// breaks the protocol, or shutdown is observed and pending work has drained.
type session struct {
	id     xid.ID
	cfg    *sessionConfig
	conn   *Connection
	peer   net.Addr
	watch  *shutdownWatch
	token  *completionToken
	permit *Permit
	onExit func()

	pending  *inflight
	draining bool

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	frames     chan readResult
	stopRead   chan struct{}
	readerDone chan struct{}

	outbox      chan *proto.Frame
	writerDone  chan struct{}
	writeFailed chan struct{}
	failOnce    sync.Once
	writeErr    error
}

func newSession(cfg *sessionConfig, conn *Connection, permit *Permit, watch *shutdownWatch, token *completionToken, onExit func()) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:          xid.New(),
		cfg:         cfg,
		conn:        conn,
		peer:        conn.RemoteAddr(),
		watch:       watch,
		token:       token,
		permit:      permit,
		onExit:      onExit,
		pending:     newInflight(),
		ctx:         ctx,
		cancel:      cancel,
		frames:      make(chan readResult),
		stopRead:    make(chan struct{}),
		readerDone:  make(chan struct{}),
		outbox:      make(chan *proto.Frame, outboxSize),
		writerDone:  make(chan struct{}),
		writeFailed: make(chan struct{}),
	}
}

func (s *session) run() {
	started := time.Now()
	defer func() {
		if s.onExit != nil {
			s.onExit()
		}
		s.permit.Release()
		s.token.Release()
	}()

	log.Debug().Str("session", s.id.String()).Str("peer", addrString(s.peer)).Msg("[session] started")

	go s.readLoop()
	go s.writeLoop()

	reason, err := s.loop()
	s.teardown(reason)

	if err != nil {
		s.cfg.observer.Error(s.peer, err)
	}
	s.cfg.observer.Closed(s.peer, reason, time.Since(started))
}

func (s *session) loop() (CloseReason, error) {
	shutdown := s.watch.Done()
	for {
		var idle <-chan struct{}
		if s.draining {
			idle = s.pending.Idle()
		}

		select {
		case <-shutdown:
			s.watch.Observe()
			shutdown = nil
			if s.pending.Len() == 0 {
				return ReasonShutdown, nil
			}
			s.draining = true
			log.Debug().
				Str("session", s.id.String()).
				Int("pending", s.pending.Len()).
				Msg("[session] draining")

		case <-idle:
			return ReasonShutdown, nil

		case <-s.writeFailed:
			return ReasonIOError, s.writeErr

		case res := <-s.frames:
			if res.err != nil {
				return s.classifyReadError(res.err)
			}
			if err := s.handle(res.f); err != nil {
				return ReasonProtocolError, err
			}
		}
	}
}

func (s *session) classifyReadError(err error) (CloseReason, error) {
	switch {
	case errors.Is(err, io.EOF):
		return ReasonClosed, nil
	case errors.Is(err, proto.ErrTruncatedFrame),
		errors.Is(err, proto.ErrMalformedFrame),
		errors.Is(err, proto.ErrFrameTooLarge):
		return ReasonProtocolError, s.protocolError(err)
	default:
		return ReasonIOError, err
	}
}

func (s *session) protocolError(err error) *ProtocolError {
	return &ProtocolError{Peer: addrString(s.peer), Err: err}
}

func (s *session) handle(f *proto.Frame) error {
	if name, ok := metadata.AdvertisedCodec(f.Metadata); ok {
		if _, err := s.cfg.codecs.Lookup(name); err != nil {
			s.replyError(f, f.SeqID, proto.StatusUnsupported, err.Error())
			return s.protocolError(err)
		}
	}

	switch f.Kind {
	case metadata.KindPing:
		s.enqueue(s.stamp(proto.NewPong(nil), f))
		return nil

	case metadata.KindRequest:
		s.handleRequest(f)
		return nil

	case metadata.KindNotify:
		s.handleNotify(f)
		return nil

	case metadata.KindResponse, metadata.KindError, metadata.KindPong:
		err := fmt.Errorf("%w: %s with seq_id %d", ErrUnsolicitedFrame, f.Kind, f.SeqID)
		s.replyError(f, f.SeqID, proto.StatusProtocolError, err.Error())
		return s.protocolError(err)

	default:
		_, err := metadata.MessageKind(f.Metadata)
		if err == nil {
			err = fmt.Errorf("%w: unexpected message kind", metadata.ErrMalformedMetadata)
		}
		s.replyError(f, f.SeqID, proto.StatusProtocolError, err.Error())
		return s.protocolError(err)
	}
}

func (s *session) handleRequest(f *proto.Frame) {
	if s.draining {
		s.replyError(f, f.SeqID, proto.StatusUnavailable, "server is shutting down")
		return
	}
	if f.SeqID == proto.PingSeqID {
		s.replyError(f, f.SeqID, proto.StatusInvalidArgument, "seq_id is reserved for ping")
		return
	}
	if !s.pending.Add(f.SeqID) {
		s.replyError(f, f.SeqID, proto.StatusInvalidArgument, fmt.Sprintf("seq_id %d already in flight", f.SeqID))
		return
	}

	comp, err := s.cfg.compressors.Lookup(metadata.Compression(f.Metadata))
	if err != nil {
		s.replyError(f, f.SeqID, proto.StatusUnsupported, err.Error())
		s.pending.Done(f.SeqID)
		return
	}
	payload, err := compress.Decode(comp, f.Payload)
	if err != nil {
		s.cfg.observer.Error(s.peer, fmt.Errorf("seq_id %d: %w", f.SeqID, err))
		s.replyError(f, f.SeqID, proto.StatusInvalidArgument, err.Error())
		s.pending.Done(f.SeqID)
		return
	}

	s.workers.Add(1)
	go s.serveRequest(f, comp, payload)
}

func (s *session) serveRequest(f *proto.Frame, comp compress.Compressor, payload []byte) {
	defer s.workers.Done()
	defer s.pending.Done(f.SeqID)

	started := time.Now()
	resp, err := s.invoke(&Request{
		ServicePath: f.ServicePath,
		SeqID:       f.SeqID,
		Metadata:    f.Metadata,
		Payload:     payload,
		Peer:        s.peer,
	})
	code, message := statusOf(err)
	s.cfg.observer.Handled(f.ServicePath, code, time.Since(started))

	md := f.Metadata.Custom()
	var body []byte
	if resp != nil {
		for k, v := range resp.Metadata {
			if !metadata.IsReserved(k) {
				md[k] = v
			}
		}
		body = resp.Payload
	}
	if code == proto.StatusOK {
		if body, err = compress.Encode(comp, body); err != nil {
			code, message, body = proto.StatusInternal, err.Error(), nil
		}
	} else {
		body = nil
	}

	out := proto.NewResponse(f.SeqID, code, message, body, md)
	out.Metadata = metadata.WithCompression(out.Metadata, comp.Name())
	s.enqueue(s.stamp(out, f))
}

func (s *session) handleNotify(f *proto.Frame) {
	if s.draining {
		log.Debug().
			Str("session", s.id.String()).
			Str("service_path", f.ServicePath).
			Msg("[session] notification dropped while draining")
		return
	}

	comp, err := s.cfg.compressors.Lookup(metadata.Compression(f.Metadata))
	if err != nil {
		s.cfg.observer.Error(s.peer, fmt.Errorf("notify %s: %w", f.ServicePath, err))
		return
	}
	payload, err := compress.Decode(comp, f.Payload)
	if err != nil {
		s.cfg.observer.Error(s.peer, fmt.Errorf("notify %s: %w", f.ServicePath, err))
		return
	}
	if !s.pending.AddNotify() {
		return
	}

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer s.pending.DoneNotify()

		started := time.Now()
		_, err := s.invoke(&Request{
			ServicePath: f.ServicePath,
			SeqID:       f.SeqID,
			Metadata:    f.Metadata,
			Payload:     payload,
			Peer:        s.peer,
			Notify:      true,
		})
		code, _ := statusOf(err)
		s.cfg.observer.Handled(f.ServicePath, code, time.Since(started))
		if err != nil {
			log.Debug().Err(err).Str("service_path", f.ServicePath).Msg("[session] notification failed")
		}
	}()
}

func (s *session) invoke(req *Request) (resp *Response, err error) {
	h, ok := s.cfg.dispatcher.Lookup(req.ServicePath)
	if !ok {
		return nil, Errorf(proto.StatusNotFound, "unknown service %q", req.ServicePath)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("session", s.id.String()).
				Str("service_path", req.ServicePath).
				Interface("panic", r).
				Msg("[session] handler panicked")
			resp, err = nil, Errorf(proto.StatusInternal, "handler panic: %v", r)
		}
	}()
	return h.ServeRPC(s.ctx, req)
}

func statusOf(err error) (uint32, string) {
	if err == nil {
		return proto.StatusOK, ""
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code != proto.StatusOK {
		return se.Code, se.Message
	}
	return proto.StatusInternal, err.Error()
}

// stamp sets the codec of an outbound frame: the codec advertised by the
// frame it answers, else the codec the peer currently uses.
func (s *session) stamp(out, in *proto.Frame) *proto.Frame {
	codec := s.conn.PeerCodec()
	if name, ok := metadata.AdvertisedCodec(in.Metadata); ok {
		if _, err := s.cfg.codecs.Lookup(name); err == nil {
			codec = name
		}
	}
	out.Metadata = metadata.WithCodec(out.Metadata, codec)
	return out
}

func (s *session) replyError(in *proto.Frame, seqID int64, code uint32, message string) {
	s.enqueue(s.stamp(proto.NewError(seqID, code, message, nil), in))
}

func (s *session) enqueue(f *proto.Frame) {
	s.outbox <- f
}

func (s *session) readLoop() {
	defer close(s.readerDone)
	for {
		f, err := s.conn.ReadFrame()
		select {
		case s.frames <- readResult{f: f, err: err}:
		case <-s.stopRead:
			return
		}
		if err != nil {
			return
		}
	}
}

// writeLoop writes queued frames in order and flushes whenever the outbox
// runs empty. After a write failure it keeps draining so producers never block.
func (s *session) writeLoop() {
	defer close(s.writerDone)
	failed := false
	for f := range s.outbox {
		if failed {
			continue
		}
		err := s.conn.WriteFrame(f)
		if errors.Is(err, proto.ErrFrameTooLarge) && f.Kind == metadata.KindResponse {
			replacement := proto.NewError(f.SeqID, proto.StatusInternal, err.Error(), nil)
			replacement.Metadata = metadata.WithCodec(replacement.Metadata, metadata.Codec(f.Metadata))
			err = s.conn.WriteFrame(replacement)
		}
		if err == nil && len(s.outbox) == 0 {
			err = s.conn.Flush()
		}
		if err != nil {
			failed = true
			s.failWrite(err)
		}
	}
	if !failed {
		if err := s.conn.Flush(); err != nil {
			s.failWrite(err)
		}
	}
}

func (s *session) failWrite(err error) {
	s.failOnce.Do(func() {
		s.writeErr = fmt.Errorf("write: %w", err)
		close(s.writeFailed)
	})
}

// teardown cancels dispatched work, flushes what it produced and closes the
// connection. Handlers still running see their context canceled; the session
// waits for them before releasing its permit.
func (s *session) teardown(reason CloseReason) {
	if reason == ReasonIOError || reason == ReasonProtocolError {
		s.pending.Abort()
	}
	s.cancel()

	s.workers.Wait()
	close(s.outbox)
	<-s.writerDone

	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug().Err(err).Str("session", s.id.String()).Msg("[session] close connection")
	}
	close(s.stopRead)
	<-s.readerDone
}
