// Package rpc is the connection and session core of the ivory RPC server.
//
// A Server accepts byte-stream connections, bounds how many are served at
// once, multiplexes requests on each connection by seq_id and drains
// in-flight work before Serve returns.
package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Server is an RPC server. Create one with NewServerBuilder.
type Server struct {
	address     string
	listener    net.Listener
	backoffUnit time.Duration
	gate        *Gate
	session     *sessionConfig
	notifier    *shutdownNotifier

	started atomic.Bool
	current atomic.Int64

	addrMu sync.RWMutex
	addr   net.Addr
	ready  chan struct{}
}

// Serve binds the listen address and serves until ctx is canceled or
// accepting fails for good. Before returning it stops accepting, signals
// every session and waits until all of them have finished.
//
// Serve returns nil after ctx is canceled, a *BindError when the address
// cannot be bound and an *AcceptError when the accept backoff is exhausted.
// It may be called once.
func (s *Server) Serve(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerStarted
	}

	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.address)
		if err != nil {
			close(s.ready)
			return &BindError{Addr: s.address, Err: err}
		}
	}
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()
	close(s.ready)

	log.Info().
		Str("addr", ln.Addr().String()).
		Int64("max_connections", s.gate.Capacity()).
		Msg("[server] listening")

	done, own := newCompletion()
	acc := &acceptor{
		ln:       ln,
		gate:     s.gate,
		unit:     s.backoffUnit,
		observer: s.session.observer,
		spawn: func(conn net.Conn, permit *Permit) {
			s.spawn(conn, permit, done)
		},
	}

	acceptCtx, stopAccept := context.WithCancel(context.Background())
	defer stopAccept()
	accepted := make(chan error, 1)
	go func() {
		accepted <- acc.run(acceptCtx)
	}()

	var fatal error
	select {
	case <-ctx.Done():
		log.Info().Msg("[server] shutdown requested")
		stopAccept()
		closeListener(ln)
		<-accepted
	case fatal = <-accepted:
		log.Error().Err(fatal).Msg("[server] acceptor stopped")
		stopAccept()
		closeListener(ln)
	}

	s.notifier.Signal()
	own.Release()
	done.Wait()

	created, released := done.Counts()
	log.Info().
		Int("sessions", created-1).
		Int("released", released-1).
		Msg("[server] all sessions finished")
	return fatal
}

func (s *Server) spawn(conn net.Conn, permit *Permit, done *completion) {
	c, err := NewConnection(conn, s.session.codecs, s.session.maxFrameSize)
	if err != nil {
		peer := conn.RemoteAddr()
		s.session.observer.Error(peer, err)
		_ = conn.Close()
		permit.Release()
		s.session.observer.Closed(peer, ReasonIOError, 0)
		return
	}

	s.current.Add(1)
	sess := newSession(s.session, c, permit, s.notifier.Subscribe(), done.Clone(), func() {
		s.current.Add(-1)
	})
	go sess.run()
}

func closeListener(ln net.Listener) {
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn().Err(err).Msg("[server] close listener")
	}
}

// CurrentConnections returns the number of live sessions.
func (s *Server) CurrentConnections() int64 {
	return s.current.Load()
}

// Addr returns the bound address, or nil before Serve has bound it.
func (s *Server) Addr() net.Addr {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

// Ready is closed once the listener is bound, or once binding has failed.
// Check Addr to tell the two apart.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}
