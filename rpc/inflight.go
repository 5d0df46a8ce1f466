package rpc

import (
	"sync"
)

// inflight tracks the requests and notifications a session has accepted but
// not yet finished. Request seq_ids must be unique while in flight.
type inflight struct {
	mu      sync.Mutex
	seqs    map[int64]struct{}
	notifs  int
	idle    chan struct{}
	aborted bool
}

func newInflight() *inflight {
	return &inflight{
		seqs: make(map[int64]struct{}),
		idle: closedCh,
	}
}

// Add tracks seqID. It returns false if seqID is already in flight.
func (p *inflight) Add(seqID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborted {
		return false
	}
	if _, dup := p.seqs[seqID]; dup {
		return false
	}
	p.busy()
	p.seqs[seqID] = struct{}{}
	return true
}

// Done releases seqID.
func (p *inflight) Done(seqID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seqs[seqID]; !ok {
		return
	}
	delete(p.seqs, seqID)
	p.settle()
}

// AddNotify tracks a notification.
func (p *inflight) AddNotify() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.aborted {
		return false
	}
	p.busy()
	p.notifs++
	return true
}

// DoneNotify releases a notification.
func (p *inflight) DoneNotify() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notifs == 0 {
		return
	}
	p.notifs--
	p.settle()
}

// Len returns the number of pending requests and notifications.
func (p *inflight) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seqs) + p.notifs
}

// Idle returns a channel closed while nothing is pending. The channel is
// replaced whenever work is added, so callers must re-fetch it.
func (p *inflight) Idle() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle
}

// Abort forgets every pending entry and refuses new ones.
func (p *inflight) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = true
	clear(p.seqs)
	p.notifs = 0
	p.settle()
}

func (p *inflight) busy() {
	if len(p.seqs)+p.notifs == 0 {
		p.idle = make(chan struct{})
	}
}

func (p *inflight) settle() {
	if len(p.seqs)+p.notifs != 0 {
		return
	}
	select {
	case <-p.idle:
	default:
		close(p.idle)
	}
}
