package rpc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signaled(w *shutdownWatch) bool {
	select {
	case <-w.Done():
		w.Observe()
		return true
	default:
		return false
	}
}

func TestShutdownWatch(t *testing.T) {
	t.Run("monotonic", func(t *testing.T) {
		n := newShutdownNotifier()
		w := n.Subscribe()
		assert.False(t, signaled(w))
		assert.False(t, w.IsShutdown())

		n.Signal()
		n.Signal()
		assert.True(t, signaled(w))
		assert.True(t, w.IsShutdown())
		assert.True(t, signaled(w))
	})

	t.Run("late subscriber", func(t *testing.T) {
		n := newShutdownNotifier()
		n.Signal()
		w := n.Subscribe()
		assert.True(t, signaled(w))

		select {
		case <-n.Subscribe().Done():
		case <-time.After(time.Second):
			t.Fatal("late subscriber blocked")
		}
	})

	t.Run("many readers", func(t *testing.T) {
		n := newShutdownNotifier()
		var wg sync.WaitGroup
		for range 16 {
			w := n.Subscribe()
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-w.Done()
				w.Observe()
				assert.True(t, w.IsShutdown())
			}()
		}
		n.Signal()
		wg.Wait()
	})
}

func TestCompletion(t *testing.T) {
	c, own := newCompletion()
	tokens := make([]*completionToken, 5)
	for i := range tokens {
		tokens[i] = c.Clone()
	}

	own.Release()
	own.Release()
	select {
	case <-c.Done():
		t.Fatal("completion fired with tokens outstanding")
	default:
	}

	var wg sync.WaitGroup
	for _, tok := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Release()
			tok.Release()
		}()
	}
	wg.Wait()

	waited := make(chan struct{})
	go func() {
		c.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after every token was released")
	}

	created, released := c.Counts()
	require.Equal(t, 6, created)
	require.Equal(t, 6, released)
}

func TestInflight(t *testing.T) {
	p := newInflight()
	select {
	case <-p.Idle():
	default:
		t.Fatal("fresh tracker is not idle")
	}

	require.True(t, p.Add(1))
	require.False(t, p.Add(1), "duplicate seq_id accepted")
	require.True(t, p.Add(2))
	require.True(t, p.AddNotify())
	assert.Equal(t, 3, p.Len())

	idle := p.Idle()
	p.Done(1)
	p.Done(1)
	p.DoneNotify()
	select {
	case <-idle:
		t.Fatal("idle while seq_id 2 is pending")
	default:
	}

	p.Done(2)
	select {
	case <-idle:
	default:
		t.Fatal("not idle after the last entry finished")
	}

	require.True(t, p.Add(1), "seq_id reusable once released")
	p.Abort()
	assert.Equal(t, 0, p.Len())
	assert.False(t, p.Add(3))
	<-p.Idle()
}
