package jsonrpc

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
)

type pipeShared struct {
	done      chan struct{}
	closeOnce sync.Once
}

// PipeConn is one end of an in-process connection pair. Messages go through
// the same encode/decode path as a StreamConn.
type PipeConn struct {
	name   string
	shared *pipeShared
	inbox  chan []byte
	peer   *PipeConn

	mu        sync.RWMutex
	onReceive func(*Message)
}

// Pipe returns two connected ends. Closing either end closes both.
func Pipe() (*PipeConn, *PipeConn) {
	shared := &pipeShared{done: make(chan struct{})}
	a := &PipeConn{name: "pipe-a", shared: shared, inbox: make(chan []byte, 1024)}
	b := &PipeConn{name: "pipe-b", shared: shared, inbox: make(chan []byte, 1024)}
	a.peer, b.peer = b, a
	return a, b
}

// Send encodes msg and hands it to the peer.
func (p *PipeConn) Send(msg *Message) error {
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}

	data, err := MarshalMessage(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "send", "failed to marshal message")
	}

	select {
	case p.peer.inbox <- data:
		return nil
	case <-p.shared.done:
		return ErrClosed
	}
}

// SetOnReceive installs the inbound callback.
func (p *PipeConn) SetOnReceive(fn func(*Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReceive = fn
}

// Start delivers queued and future messages from a single goroutine.
func (p *PipeConn) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				p.Close()
				return
			case <-p.shared.done:
				return
			case data := <-p.inbox:
				msg, err := ParseMessage(data)
				if err != nil {
					continue
				}
				p.mu.RLock()
				fn := p.onReceive
				p.mu.RUnlock()
				if fn != nil {
					fn(msg)
				}
			}
		}
	}()
}

// AfterFunc schedules f unless the pipe closes first.
func (p *PipeConn) AfterFunc(d time.Duration, f func()) func() bool {
	return afterFunc(p.shared.done, d, f)
}

// Close closes both ends.
func (p *PipeConn) Close() {
	p.shared.closeOnce.Do(func() { close(p.shared.done) })
}

// Done is closed once either end is closed.
func (p *PipeConn) Done() <-chan struct{} {
	return p.shared.done
}

// RemoteAddr names the peer end.
func (p *PipeConn) RemoteAddr() string {
	return p.peer.name
}
