package rpc

import (
	"sync"
)

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// shutdownNotifier broadcasts a one-shot shutdown signal.
type shutdownNotifier struct {
	once sync.Once
	ch   chan struct{}
}

func newShutdownNotifier() *shutdownNotifier {
	return &shutdownNotifier{ch: make(chan struct{})}
}

// Signal fires the notification. Calls after the first are no-ops.
func (n *shutdownNotifier) Signal() {
	n.once.Do(func() { close(n.ch) })
}

// Subscribe returns a watch owned by a single session. A watch created after
// Signal observes it immediately.
func (n *shutdownNotifier) Subscribe() *shutdownWatch {
	return &shutdownWatch{notify: n.ch}
}

// shutdownWatch is a session's view of the shutdown signal. It is not safe for
// concurrent use; each session owns its own.
type shutdownWatch struct {
	signaled bool
	notify   <-chan struct{}
}

// IsShutdown reports whether the signal has been observed.
func (w *shutdownWatch) IsShutdown() bool {
	return w.signaled
}

// Done returns a channel closed once shutdown is signaled. After the signal
// has been observed the notifier channel is no longer consulted.
func (w *shutdownWatch) Done() <-chan struct{} {
	if w.signaled {
		return closedCh
	}
	return w.notify
}

// Observe records that Done fired.
func (w *shutdownWatch) Observe() {
	w.signaled = true
}

// completion detects when every session has exited. The server holds one token
// and each session holds a clone; Wait returns once all tokens are released.
type completion struct {
	mu        sync.Mutex
	remaining int
	created   int
	released  int
	done      chan struct{}
}

func newCompletion() (*completion, *completionToken) {
	c := &completion{done: make(chan struct{})}
	return c, c.Clone()
}

// Clone hands out a new token. It must not be called after Wait has returned.
func (c *completion) Clone() *completionToken {
	c.mu.Lock()
	c.remaining++
	c.created++
	c.mu.Unlock()
	return &completionToken{c: c}
}

func (c *completion) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining--
	c.released++
	if c.remaining == 0 {
		close(c.done)
	}
}

// Wait blocks until every token has been released.
func (c *completion) Wait() {
	<-c.done
}

// Done is closed once every token has been released.
func (c *completion) Done() <-chan struct{} {
	return c.done
}

// Counts returns how many tokens were created and released.
func (c *completion) Counts() (created, released int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created, c.released
}

type completionToken struct {
	once sync.Once
	c    *completion
}

// Release disposes of the token. Calls after the first are no-ops.
func (t *completionToken) Release() {
	t.once.Do(t.c.release)
}
