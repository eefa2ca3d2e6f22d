package interpreter

import (
	"context"
	"sync"
)

// Channel is a duplex, message-oriented link between a Bridge and a Sandbox.
// Send may be called concurrently; Receive is called by a single reader.
type Channel interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

type pipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns the two connected ends of an in-process Channel. Closing
// either end closes both.
func Pipe() (Channel, Channel) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeEnd{in: ba, out: ab, done: done, once: once},
		&pipeEnd{in: ab, out: ba, done: done, once: once}
}

func (p *pipeEnd) Send(ctx context.Context, msg []byte) error {
	buf := make([]byte, len(msg))
	copy(buf, msg)
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
