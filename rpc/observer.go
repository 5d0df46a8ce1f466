package rpc

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// CloseReason tells why a session terminated.
type CloseReason string

const (
	ReasonShutdown      CloseReason = "shutdown"
	ReasonClosed        CloseReason = "closed"
	ReasonProtocolError CloseReason = "protocol_error"
	ReasonIOError       CloseReason = "io_error"
)

// Observer receives connection lifecycle and error events. Implementations
// must be safe for concurrent use and must not block.
type Observer interface {
	// Accepted is called for every accepted connection.
	Accepted(peer net.Addr)
	// Closed is called once per session when it terminates.
	Closed(peer net.Addr, reason CloseReason, lifetime time.Duration)
	// Error reports a connection-local or accept error. peer may be nil.
	Error(peer net.Addr, err error)
	// Handled is called after every dispatched request or notification.
	Handled(servicePath string, code uint32, elapsed time.Duration)
}

// LogObserver logs events with zerolog.
type LogObserver struct{}

var _ Observer = LogObserver{}

func (LogObserver) Accepted(peer net.Addr) {
	log.Info().Str("peer", addrString(peer)).Msg("[server] client connected")
}

func (LogObserver) Closed(peer net.Addr, reason CloseReason, lifetime time.Duration) {
	log.Debug().
		Str("peer", addrString(peer)).
		Str("reason", string(reason)).
		Dur("lifetime", lifetime).
		Msg("[session] closed")
}

func (LogObserver) Error(peer net.Addr, err error) {
	if errors.Is(err, io.EOF) {
		return
	}
	log.Error().Err(err).Str("peer", addrString(peer)).Msg("[session] connection error")
}

func (LogObserver) Handled(servicePath string, code uint32, elapsed time.Duration) {
	log.Debug().
		Str("service_path", servicePath).
		Uint32("code", code).
		Dur("elapsed", elapsed).
		Msg("[session] request handled")
}

// MultiObserver fans events out to several observers.
type MultiObserver []Observer

var _ Observer = MultiObserver(nil)

func (m MultiObserver) Accepted(peer net.Addr) {
	for _, o := range m {
		o.Accepted(peer)
	}
}

func (m MultiObserver) Closed(peer net.Addr, reason CloseReason, lifetime time.Duration) {
	for _, o := range m {
		o.Closed(peer, reason, lifetime)
	}
}

func (m MultiObserver) Error(peer net.Addr, err error) {
	for _, o := range m {
		o.Error(peer, err)
	}
}

func (m MultiObserver) Handled(servicePath string, code uint32, elapsed time.Duration) {
	for _, o := range m {
		o.Handled(servicePath, code, elapsed)
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
