package rpc

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// maxBackoff is the largest accept backoff, in units. A failure once the
// backoff has grown past it is fatal.
const maxBackoff = 64

// acceptor admits connections: it takes a permit, accepts, and hands both to
// spawn. Accept failures back off 1, 2, 4 ... 64 units before giving up.
type acceptor struct {
	ln       net.Listener
	gate     *Gate
	unit     time.Duration
	observer Observer
	spawn    func(conn net.Conn, permit *Permit)
}

// run returns nil when ctx is canceled and an *AcceptError when accepting
// cannot be recovered.
func (a *acceptor) run(ctx context.Context) error {
	for {
		permit, err := a.gate.Acquire(ctx)
		if err != nil {
			return nil
		}

		conn, err := a.accept(ctx)
		if err != nil {
			permit.Release()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		a.observer.Accepted(conn.RemoteAddr())
		a.spawn(conn, permit)
	}
}

func (a *acceptor) accept(ctx context.Context) (net.Conn, error) {
	backoff := 1
	attempts := 0
	for {
		conn, err := a.ln.Accept()
		if err == nil {
			return conn, nil
		}
		attempts++

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) || backoff > maxBackoff {
			return nil, &AcceptError{Attempts: attempts, Err: err}
		}

		delay := time.Duration(backoff) * a.unit
		a.observer.Error(nil, err)
		log.Warn().Err(err).Dur("backoff", delay).Int("attempt", attempts).Msg("[acceptor] accept failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}
